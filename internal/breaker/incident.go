package breaker

import "time"

// IncidentType classifies incident log records.
type IncidentType string

const (
	IncidentCircuitOpen IncidentType = "circuit_open"
	IncidentManualReset IncidentType = "manual_reset"
)

// Severity of an incident.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Status of an incident.
type Status string

const (
	StatusActive   Status = "active"
	StatusResolved Status = "resolved"
)

// IncidentMetrics captures the breaker counters at the moment the incident
// was written.
type IncidentMetrics struct {
	FailureCount     int `json:"failureCount"`
	TotalRequests    int `json:"totalRequests"`
	RecoveryAttempts int `json:"recoveryAttempts"`
}

// Incident is one record in the append-only incident log. Incidents and
// breaker configs are the only persisted hub state.
type Incident struct {
	ID        string          `json:"id"`
	Service   string          `json:"service"`
	Type      IncidentType    `json:"type"`
	Severity  Severity        `json:"severity"`
	Status    Status          `json:"status"`
	StartedAt time.Time       `json:"startedAt"`
	EndedAt   *time.Time      `json:"endedAt,omitempty"`
	Message   string          `json:"message"`
	Metrics   IncidentMetrics `json:"metrics"`
}

// IncidentFilter selects incidents for listing. Zero values mean "no
// constraint". Limit defaults to 50 and caps at 100.
type IncidentFilter struct {
	Service  string
	Severity Severity
	Status   Status
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}
