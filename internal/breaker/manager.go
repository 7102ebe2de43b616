package breaker

import (
	"fmt"
	"sort"
	"sync"
)

// Manager owns one Breaker per registered service.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
	recorder Recorder
}

func NewManager(defaults Config, recorder Recorder) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		defaults: defaults.withDefaults(),
		recorder: recorder,
	}
}

// Get returns the breaker for the named service, creating one with the
// default config on first use.
func (m *Manager) Get(service string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[service]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[service]; ok {
		return b
	}
	b = New(service, m.defaults, m.recorder)
	m.breakers[service] = b
	return b
}

// Configure installs a per-service config, replacing any existing breaker
// state. Intended for startup, before traffic flows.
func (m *Manager) Configure(service string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers[service] = New(service, cfg, m.recorder)
}

// ManualReset forces the named service's circuit closed.
func (m *Manager) ManualReset(service, reason string, force bool) error {
	m.mu.RLock()
	b, ok := m.breakers[service]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no circuit breaker registered for service %q", service)
	}
	b.ManualReset(reason, force)
	return nil
}

// Snapshots returns a stable-ordered view of every breaker.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(m.breakers))
	for _, b := range m.breakers {
		snaps = append(snaps, b.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Service < snaps[j].Service })
	return snaps
}

// Degraded returns the names of services whose circuit is not closed.
func (m *Manager) Degraded() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for name, b := range m.breakers {
		if b.State() != StateClosed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
