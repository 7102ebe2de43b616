package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeRecorder collects breaker side effects in memory.
type fakeRecorder struct {
	mu          sync.Mutex
	transitions []string
	opened      []Incident
	resolved    []string
	nextID      int
}

func (r *fakeRecorder) StateChange(service string, from, to State, snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, string(from)+"->"+string(to))
}

func (r *fakeRecorder) OpenIncident(inc Incident) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	inc.ID = "inc-" + string(rune('0'+r.nextID))
	r.opened = append(r.opened, inc)
	return inc.ID
}

func (r *fakeRecorder) CloseIncident(id string, endedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, id)
}

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		RequestLimit:     2,
		MonitoringWindow: 60 * time.Second,
		MinimumRequests:  5,
	}
}

// newTestBreaker returns a breaker with a controllable clock.
func newTestBreaker(rec *fakeRecorder) (*Breaker, *time.Time) {
	b := New("tokenSync", testConfig(), rec)
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func tripBreaker(t *testing.T, b *Breaker) {
	t.Helper()
	// Admit enough requests to satisfy minimumRequests, then fail past the
	// threshold.
	for i := 0; i < 5; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("request %d should be admitted: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
}

func TestBreaker_TripsOnThresholdAndMinimumRequests(t *testing.T) {
	rec := &fakeRecorder{}
	b, _ := newTestBreaker(rec)

	tripBreaker(t, b)

	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}
	if len(rec.opened) != 1 {
		t.Fatalf("expected one incident, got %d", len(rec.opened))
	}
	inc := rec.opened[0]
	if inc.Severity != SeverityCritical || inc.Status != StatusActive || inc.Type != IncidentCircuitOpen {
		t.Errorf("unexpected incident: %+v", inc)
	}

	var openErr *OpenError
	if err := b.Allow(); !errors.As(err, &openErr) {
		t.Fatalf("expected OpenError while open, got %v", err)
	}
	if openErr.RetryAfter <= 0 || openErr.RetryAfter > 30*time.Second {
		t.Errorf("unexpected retryAfter %v", openErr.RetryAfter)
	}
}

func TestBreaker_DoesNotTripBelowMinimumRequests(t *testing.T) {
	rec := &fakeRecorder{}
	b, _ := newTestBreaker(rec)

	// Only 3 requests admitted: below minimumRequests=5 even though failures
	// reach the threshold.
	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		b.RecordFailure()
	}

	if b.State() != StateClosed {
		t.Errorf("breaker must stay closed below minimumRequests, got %s", b.State())
	}
	if len(rec.opened) != 0 {
		t.Errorf("no incident expected, got %d", len(rec.opened))
	}
}

func TestBreaker_FailuresOutsideWindowDoNotCount(t *testing.T) {
	rec := &fakeRecorder{}
	b, now := newTestBreaker(rec)

	for i := 0; i < 5; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
	}
	b.RecordFailure()
	b.RecordFailure()

	// Old failures age out of the monitoring window.
	*now = now.Add(2 * time.Minute)

	for i := 0; i < 5; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
	}
	b.RecordFailure()

	if b.State() != StateClosed {
		t.Errorf("stale failures must not count toward the threshold, got %s", b.State())
	}
}

func TestBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	rec := &fakeRecorder{}
	b, now := newTestBreaker(rec)

	tripBreaker(t, b)
	*now = now.Add(31 * time.Second)

	// First Allow after the timeout is the probe.
	if err := b.Allow(); err != nil {
		t.Fatalf("probe should be admitted after recoveryTimeout: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}

	// Probes are sequential: a second concurrent request is rejected.
	if err := b.Allow(); err == nil {
		t.Error("second concurrent probe should be rejected")
	}
}

func TestBreaker_HalfOpenToClosedAfterSuccessfulProbes(t *testing.T) {
	rec := &fakeRecorder{}
	b, now := newTestBreaker(rec)

	tripBreaker(t, b)
	*now = now.Add(31 * time.Second)

	// RequestLimit=2 successful probes close the circuit.
	for i := 0; i < 2; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("probe %d should be admitted: %v", i, err)
		}
		b.RecordSuccess()
	}

	if b.State() != StateClosed {
		t.Fatalf("expected closed after successful probes, got %s", b.State())
	}
	if len(rec.resolved) != 1 {
		t.Errorf("expected the incident to be resolved, got %v", rec.resolved)
	}
}

func TestBreaker_HalfOpenToOpenOnProbeFailure(t *testing.T) {
	rec := &fakeRecorder{}
	b, now := newTestBreaker(rec)

	tripBreaker(t, b)
	*now = now.Add(31 * time.Second)

	if err := b.Allow(); err != nil {
		t.Fatalf("probe should be admitted: %v", err)
	}
	b.RecordFailure()

	if b.State() != StateOpen {
		t.Fatalf("expected reopen on probe failure, got %s", b.State())
	}
	snap := b.Snapshot()
	if snap.RecoveryAttempts != 1 {
		t.Errorf("expected recoveryAttempts=1, got %d", snap.RecoveryAttempts)
	}
	if len(rec.resolved) != 0 {
		t.Errorf("incident must stay active across a failed recovery, got %v", rec.resolved)
	}
}

func TestBreaker_ManualResetIsIdempotent(t *testing.T) {
	rec := &fakeRecorder{}
	b, _ := newTestBreaker(rec)

	tripBreaker(t, b)

	b.ManualReset("operator intervention", false)
	if b.State() != StateClosed {
		t.Fatalf("expected closed after manual reset, got %s", b.State())
	}
	if len(rec.resolved) != 1 {
		t.Fatalf("expected active incident resolved, got %v", rec.resolved)
	}

	resets := 0
	for _, inc := range rec.opened {
		if inc.Type == IncidentManualReset {
			resets++
			if inc.Status != StatusResolved || inc.EndedAt == nil {
				t.Errorf("manual_reset incident should be immediately resolved: %+v", inc)
			}
		}
	}
	if resets != 1 {
		t.Fatalf("expected one manual_reset incident, got %d", resets)
	}

	// Second reset without force is a no-op.
	b.ManualReset("again", false)
	resets = 0
	for _, inc := range rec.opened {
		if inc.Type == IncidentManualReset {
			resets++
		}
	}
	if resets != 1 {
		t.Errorf("second reset should not write another incident, got %d", resets)
	}
	if b.State() != StateClosed {
		t.Errorf("state should be unchanged after second reset, got %s", b.State())
	}
}

func TestManager_GetCreatesAndReuses(t *testing.T) {
	m := NewManager(testConfig(), &fakeRecorder{})

	a := m.Get("tokenSync")
	if a != m.Get("tokenSync") {
		t.Error("Get should return the same breaker for the same service")
	}
	if a == m.Get("marketData") {
		t.Error("different services must have different breakers")
	}

	if len(m.Snapshots()) != 2 {
		t.Errorf("expected 2 snapshots, got %d", len(m.Snapshots()))
	}
}

func TestManager_Degraded(t *testing.T) {
	rec := &fakeRecorder{}
	m := NewManager(testConfig(), rec)

	b := m.Get("tokenSync")
	b.now = func() time.Time { return time.Now() }
	m.Get("marketData")

	tripBreaker(t, b)

	degraded := m.Degraded()
	if len(degraded) != 1 || degraded[0] != "tokenSync" {
		t.Errorf("expected [tokenSync], got %v", degraded)
	}

	if err := m.ManualReset("tokenSync", "ops", false); err != nil {
		t.Fatalf("ManualReset failed: %v", err)
	}
	if len(m.Degraded()) != 0 {
		t.Errorf("expected no degraded services after reset, got %v", m.Degraded())
	}

	if err := m.ManualReset("missing", "ops", false); err == nil {
		t.Error("reset of unknown service should fail")
	}
}
