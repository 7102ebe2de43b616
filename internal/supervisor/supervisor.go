// Package supervisor drives backend service lifecycle: dependency-ordered
// startup, reverse-ordered shutdown, health and metrics aggregation.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/tradewire/relay/internal/breaker"
	"github.com/tradewire/relay/internal/bus"
)

// State of one supervised service.
type State string

const (
	StateRegistered   State = "registered"
	StateInitializing State = "initializing"
	StateStarted      State = "started"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateFailed       State = "failed"
)

// Service is the hook set every supervised service implements.
type Service interface {
	Name() string
	Dependencies() []string
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Stats() map[string]any
}

// StartupReport summarizes one Start pass.
type StartupReport struct {
	Initialized []string          `json:"initialized"`
	Failed      map[string]string `json:"failed,omitempty"`
}

// Status is a point-in-time view of one service for the monitor topic.
type Status struct {
	Name         string           `json:"name"`
	State        State            `json:"state"`
	Dependencies []string         `json:"dependencies,omitempty"`
	Error        string           `json:"error,omitempty"`
	Stats        map[string]any   `json:"stats,omitempty"`
	Breaker      breaker.Snapshot `json:"breaker"`
}

type record struct {
	svc   Service
	state State
	err   error
}

// Supervisor registers services with declared dependencies and owns their
// lifecycle. The supervisor lock is held during start/stop passes only;
// steady-state reads take it briefly per snapshot.
type Supervisor struct {
	mu       sync.Mutex
	services map[string]*record
	order    []string // topological, computed at Start

	broker   bus.Broker
	breakers *breaker.Manager

	stopTimeout     time.Duration
	metricsInterval time.Duration
	done            chan struct{}
	closeOnce       sync.Once
}

func New(broker bus.Broker, breakers *breaker.Manager, stopTimeout, metricsInterval time.Duration) *Supervisor {
	return &Supervisor{
		services:        make(map[string]*record),
		broker:          broker,
		breakers:        breakers,
		stopTimeout:     stopTimeout,
		metricsInterval: metricsInterval,
		done:            make(chan struct{}),
	}
}

// Register adds a service. All registrations happen before Start.
func (s *Supervisor) Register(svc Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := svc.Name()
	if _, ok := s.services[name]; ok {
		return fmt.Errorf("service %q already registered", name)
	}
	s.services[name] = &record{svc: svc, state: StateRegistered}
	return nil
}

// Start initializes services layer by layer in dependency order and then
// starts them. A dependency cycle is fatal. Init runs in parallel within each
// topological layer; a failed init marks the service failed and prevents its
// dependents from ever starting.
func (s *Supervisor) Start(ctx context.Context) (*StartupReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	layers, order, err := s.layersLocked()
	if err != nil {
		return nil, err
	}
	s.order = order

	report := &StartupReport{Failed: make(map[string]string)}

	for _, layer := range layers {
		var wg sync.WaitGroup
		for _, name := range layer {
			rec := s.services[name]
			if reason := s.failedDependencyLocked(name); reason != "" {
				rec.state = StateFailed
				rec.err = fmt.Errorf("dependency failed: %s", reason)
				report.Failed[name] = rec.err.Error()
				s.publishLifecycle(name, StateFailed, rec.err)
				continue
			}

			rec.state = StateInitializing
			s.publishLifecycle(name, StateInitializing, nil)
			wg.Add(1)
			go func(name string, rec *record) {
				defer wg.Done()
				if err := rec.svc.Init(ctx); err != nil {
					rec.err = err
					return
				}
			}(name, rec)
		}
		wg.Wait()

		for _, name := range layer {
			rec := s.services[name]
			if rec.state != StateInitializing {
				continue
			}
			if rec.err != nil {
				rec.state = StateFailed
				report.Failed[name] = rec.err.Error()
				s.publishLifecycle(name, StateFailed, rec.err)
				log.Printf("supervisor: service %s init failed: %v", name, rec.err)
				continue
			}
			if err := rec.svc.Start(ctx); err != nil {
				rec.state = StateFailed
				rec.err = err
				report.Failed[name] = err.Error()
				s.publishLifecycle(name, StateFailed, err)
				log.Printf("supervisor: service %s start failed: %v", name, err)
				continue
			}
			rec.state = StateStarted
			report.Initialized = append(report.Initialized, name)
			s.publishLifecycle(name, StateStarted, nil)
			log.Printf("supervisor: service %s started", name)
		}
	}

	sort.Strings(report.Initialized)
	if len(report.Failed) == 0 {
		report.Failed = nil
	}
	return report, nil
}

// failedDependencyLocked returns the name of a failed (or never-started)
// dependency, or "" when all dependencies are started.
func (s *Supervisor) failedDependencyLocked(name string) string {
	for _, dep := range s.services[name].svc.Dependencies() {
		rec, ok := s.services[dep]
		if !ok {
			return dep
		}
		if rec.state != StateStarted {
			return dep
		}
	}
	return ""
}

// Stop shuts services down in reverse topological order. Each Stop call gets
// a bounded deadline; a service exceeding it is abandoned and logged as
// stop_timeout.
func (s *Supervisor) Stop(ctx context.Context) {
	s.closeOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.order) - 1; i >= 0; i-- {
		name := s.order[i]
		rec := s.services[name]
		if rec.state != StateStarted {
			continue
		}
		rec.state = StateStopping
		s.publishLifecycle(name, StateStopping, nil)

		stopCtx, cancel := context.WithTimeout(ctx, s.stopTimeout)
		errCh := make(chan error, 1)
		go func(svc Service) {
			errCh <- svc.Stop(stopCtx)
		}(rec.svc)

		select {
		case err := <-errCh:
			cancel()
			if err != nil {
				rec.state = StateFailed
				rec.err = err
				s.publishLifecycle(name, StateFailed, err)
				log.Printf("supervisor: service %s stop failed: %v", name, err)
				continue
			}
			rec.state = StateStopped
			s.publishLifecycle(name, StateStopped, nil)
			log.Printf("supervisor: service %s stopped", name)

		case <-stopCtx.Done():
			cancel()
			rec.state = StateFailed
			rec.err = fmt.Errorf("stop_timeout after %s", s.stopTimeout)
			s.publishLifecycle(name, StateFailed, rec.err)
			log.Printf("supervisor: service %s stop_timeout, abandoned", name)
		}
	}
}

// MarkFailed flags a running service as failed. The router calls this when a
// handler bound to the service panics.
func (s *Supervisor) MarkFailed(name string, err error) {
	s.mu.Lock()
	rec, ok := s.services[name]
	if ok && rec.state == StateStarted {
		rec.state = StateFailed
		rec.err = err
	}
	s.mu.Unlock()
	if ok {
		s.publishLifecycle(name, StateFailed, err)
		log.Printf("supervisor: service %s marked failed: %v", name, err)
	}
}

// Statuses returns a stable-ordered snapshot of every service, including its
// stats and breaker state.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.services))
	for name, rec := range s.services {
		st := Status{
			Name:         name,
			State:        rec.state,
			Dependencies: rec.svc.Dependencies(),
			Breaker:      s.breakers.Get(name).Snapshot(),
		}
		if rec.err != nil {
			st.Error = rec.err.Error()
		}
		if rec.state == StateStarted {
			st.Stats = rec.svc.Stats()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// State returns the current state of one service.
func (s *Supervisor) State(name string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.services[name]
	if !ok {
		return "", false
	}
	return rec.state, true
}

// RunMetrics periodically aggregates service stats and breaker snapshots into
// a service.metrics bus event. Run it in a goroutine; it stops when Stop is
// called.
func (s *Supervisor) RunMetrics() {
	ticker := time.NewTicker(s.metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snapshot := map[string]any{
				"services": s.Statuses(),
				"breakers": s.breakers.Snapshots(),
			}
			event := bus.NewEvent(bus.TopicServiceMetrics, "", bus.SeverityInfo, snapshot)
			if err := s.broker.Publish(bus.TopicServiceMetrics, event); err != nil {
				log.Printf("supervisor: publish metrics: %v", err)
			}
		case <-s.done:
			return
		}
	}
}

func (s *Supervisor) publishLifecycle(name string, state State, cause error) {
	severity := bus.SeverityInfo
	if state == StateFailed {
		severity = bus.SeverityCritical
	}
	payload := map[string]any{"state": state}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	event := bus.NewEvent(bus.TopicServiceLifecycle, name, severity, payload)
	if err := s.broker.Publish(bus.TopicServiceLifecycle, event); err != nil {
		log.Printf("supervisor: publish lifecycle for %s: %v", name, err)
	}
}

// layersLocked computes the topological layers of the dependency graph using
// Kahn's algorithm. A cycle or an unknown dependency is an error.
func (s *Supervisor) layersLocked() ([][]string, []string, error) {
	indegree := make(map[string]int, len(s.services))
	dependents := make(map[string][]string)

	for name, rec := range s.services {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, dep := range rec.svc.Dependencies() {
			if _, ok := s.services[dep]; !ok {
				return nil, nil, fmt.Errorf("service %q depends on unregistered service %q", name, dep)
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var layers [][]string
	var order []string
	remaining := len(s.services)

	current := make([]string, 0)
	for name, deg := range indegree {
		if deg == 0 {
			current = append(current, name)
		}
	}

	for len(current) > 0 {
		sort.Strings(current)
		layers = append(layers, current)
		order = append(order, current...)
		remaining -= len(current)

		var next []string
		for _, name := range current {
			for _, dependent := range dependents[name] {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if remaining > 0 {
		return nil, nil, fmt.Errorf("dependency cycle among %d services", remaining)
	}
	return layers, order, nil
}
