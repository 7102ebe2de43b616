package breaker

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// State of a per-service circuit.
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half-open"
	StateOpen     State = "open"
)

// Config tunes one service's circuit. Field naming follows the breaker
// wrappers used elsewhere in this codebase's ecosystem.
type Config struct {
	FailureThreshold int           `json:"failureThreshold"`
	RecoveryTimeout  time.Duration `json:"recoveryTimeout"`
	RequestLimit     int           `json:"requestLimit"` // successful probes required to close
	MonitoringWindow time.Duration `json:"monitoringWindow"`
	MinimumRequests  int           `json:"minimumRequests"`
}

// DefaultConfig returns sensible defaults for services without a persisted
// override.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		RequestLimit:     3,
		MonitoringWindow: 60 * time.Second,
		MinimumRequests:  10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.RequestLimit <= 0 {
		c.RequestLimit = d.RequestLimit
	}
	if c.MonitoringWindow <= 0 {
		c.MonitoringWindow = d.MonitoringWindow
	}
	if c.MinimumRequests <= 0 {
		c.MinimumRequests = d.MinimumRequests
	}
	return c
}

// OpenError is returned by Allow while the circuit rejects requests.
// RetryAfter hints when the next probe may be admitted.
type OpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit for service %q is open (retry after %s)", e.Service, e.RetryAfter)
}

// Snapshot is a point-in-time view of a breaker for monitoring.
type Snapshot struct {
	Service          string     `json:"service"`
	State            State      `json:"state"`
	FailureCount     int        `json:"failureCount"`
	TotalRequests    int        `json:"totalRequests"`
	RecoveryAttempts int        `json:"recoveryAttempts"`
	LastFailureAt    *time.Time `json:"lastFailureAt,omitempty"`
	LastSuccessAt    *time.Time `json:"lastSuccessAt,omitempty"`
	OpenedAt         *time.Time `json:"openedAt,omitempty"`
	Config           Config     `json:"config"`
}

// Recorder receives breaker side effects: state transitions and incident
// lifecycle. Implementations persist incidents and publish bus events.
type Recorder interface {
	StateChange(service string, from, to State, snap Snapshot)
	OpenIncident(inc Incident) string
	CloseIncident(id string, endedAt time.Time)
}

// Breaker is the per-service circuit state machine. All transitions are
// serialized under the breaker's mutex.
type Breaker struct {
	mu sync.Mutex

	service  string
	cfg      Config
	recorder Recorder

	state            State
	requests         []time.Time // every admitted request inside the window
	failures         []time.Time // failed requests inside the window
	lastFailureAt    time.Time
	lastSuccessAt    time.Time
	recoveryAttempts int
	openedAt         time.Time

	// Half-open probe accounting. Probes are sequential: one in flight at
	// a time, RequestLimit successes close the circuit.
	probeInFlight  bool
	probeSuccesses int

	activeIncident string

	now func() time.Time
}

func New(service string, cfg Config, recorder Recorder) *Breaker {
	return &Breaker{
		service:  service,
		cfg:      cfg.withDefaults(),
		recorder: recorder,
		state:    StateClosed,
		now:      time.Now,
	}
}

// Allow reports whether a request to the service may proceed. While the
// circuit is open it returns *OpenError carrying a retry hint.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.prune(now)

	switch b.state {
	case StateClosed:
		b.requests = append(b.requests, now)
		return nil

	case StateOpen:
		elapsed := now.Sub(b.openedAt)
		if elapsed < b.cfg.RecoveryTimeout {
			return &OpenError{Service: b.service, RetryAfter: b.cfg.RecoveryTimeout - elapsed}
		}
		b.transition(StateHalfOpen)
		b.probeInFlight = true
		return nil

	case StateHalfOpen:
		if b.probeInFlight {
			return &OpenError{Service: b.service, RetryAfter: b.cfg.RecoveryTimeout}
		}
		b.probeInFlight = true
		return nil
	}

	return nil
}

// RecordSuccess marks the outcome of an admitted request as successful.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastSuccessAt = now

	if b.state != StateHalfOpen {
		return
	}

	b.probeInFlight = false
	b.probeSuccesses++
	if b.probeSuccesses >= b.cfg.RequestLimit {
		b.transition(StateClosed)
		b.requests = nil
		b.failures = nil
		if b.activeIncident != "" {
			b.recorder.CloseIncident(b.activeIncident, now)
			b.activeIncident = ""
		}
	}
}

// RecordFailure marks the outcome of an admitted request as failed. In the
// closed state it may trip the circuit; in half-open it reopens it.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastFailureAt = now

	switch b.state {
	case StateClosed:
		b.prune(now)
		b.failures = append(b.failures, now)
		if len(b.failures) >= b.cfg.FailureThreshold && len(b.requests) >= b.cfg.MinimumRequests {
			b.trip(now)
		}

	case StateHalfOpen:
		b.probeInFlight = false
		b.recoveryAttempts++
		b.transition(StateOpen)
		b.openedAt = now
		// The incident opened when the circuit first tripped stays active.
		if b.activeIncident == "" {
			b.activeIncident = b.recorder.OpenIncident(b.incident(IncidentCircuitOpen, SeverityCritical, now,
				fmt.Sprintf("probe failed, circuit reopened (attempt %d)", b.recoveryAttempts)))
		}
	}
}

// ManualReset forces the circuit closed. Without force it is a no-op when the
// circuit is already closed, making repeated resets idempotent. A
// manual_reset incident is always written when a reset takes effect.
func (b *Breaker) ManualReset(reason string, force bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateClosed && !force {
		return
	}

	now := b.now()
	if b.activeIncident != "" {
		b.recorder.CloseIncident(b.activeIncident, now)
		b.activeIncident = ""
	}

	inc := b.incident(IncidentManualReset, SeverityInfo, now, reason)
	inc.Status = StatusResolved
	endedAt := now
	inc.EndedAt = &endedAt
	b.recorder.OpenIncident(inc)

	if b.state != StateClosed {
		b.transition(StateClosed)
	}
	b.requests = nil
	b.failures = nil
	b.probeInFlight = false
	b.probeSuccesses = 0
}

// Snapshot returns the current breaker state for monitoring.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(b.now())

	snap := Snapshot{
		Service:          b.service,
		State:            b.state,
		FailureCount:     len(b.failures),
		TotalRequests:    len(b.requests),
		RecoveryAttempts: b.recoveryAttempts,
		Config:           b.cfg,
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		snap.LastFailureAt = &t
	}
	if !b.lastSuccessAt.IsZero() {
		t := b.lastSuccessAt
		snap.LastSuccessAt = &t
	}
	if !b.openedAt.IsZero() && b.state != StateClosed {
		t := b.openedAt
		snap.OpenedAt = &t
	}
	return snap
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// trip opens the circuit and opens a critical incident. Caller holds the lock.
func (b *Breaker) trip(now time.Time) {
	b.transition(StateOpen)
	b.openedAt = now
	b.probeSuccesses = 0
	b.probeInFlight = false
	b.activeIncident = b.recorder.OpenIncident(b.incident(IncidentCircuitOpen, SeverityCritical, now,
		fmt.Sprintf("failure threshold reached: %d failures in %s", len(b.failures), b.cfg.MonitoringWindow)))
}

// transition changes state and notifies the recorder. Caller holds the lock.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateHalfOpen {
		b.probeSuccesses = 0
	}
	log.Printf("breaker: service %s %s -> %s", b.service, from, to)
	b.recorder.StateChange(b.service, from, to, b.snapshotLocked())
}

func (b *Breaker) snapshotLocked() Snapshot {
	snap := Snapshot{
		Service:          b.service,
		State:            b.state,
		FailureCount:     len(b.failures),
		TotalRequests:    len(b.requests),
		RecoveryAttempts: b.recoveryAttempts,
		Config:           b.cfg,
	}
	if !b.openedAt.IsZero() && b.state != StateClosed {
		t := b.openedAt
		snap.OpenedAt = &t
	}
	return snap
}

// prune drops request and failure samples older than the monitoring window.
// Caller holds the lock.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.MonitoringWindow)
	b.requests = pruneTimes(b.requests, cutoff)
	b.failures = pruneTimes(b.failures, cutoff)
}

func pruneTimes(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

func (b *Breaker) incident(incType IncidentType, severity Severity, now time.Time, message string) Incident {
	return Incident{
		Service:   b.service,
		Type:      incType,
		Severity:  severity,
		Status:    StatusActive,
		StartedAt: now,
		Message:   message,
		Metrics: IncidentMetrics{
			FailureCount:     len(b.failures),
			TotalRequests:    len(b.requests),
			RecoveryAttempts: b.recoveryAttempts,
		},
	}
}
