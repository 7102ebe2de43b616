package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Bus topics for internal domain events.
const (
	TopicServiceLifecycle = "service.lifecycle"
	TopicServiceMetrics   = "service.metrics"
	TopicBreakerState     = "breaker.state"
	TopicBreakerIncident  = "breaker.incident"
	TopicMarketTick       = "market.tick"
	TopicContestActivity  = "contest.activity"
)

// Severity indicates the urgency of the event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a domain event published through the broker.
type Event struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Service   string          `json:"service,omitempty"`
	Severity  Severity        `json:"severity"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent creates an Event with a generated UUID and the current timestamp.
// payload is marshalled to JSON; a marshal failure leaves Payload empty.
func NewEvent(topic, service string, severity Severity, payload any) Event {
	e := Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Service:   service,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			e.Payload = raw
		}
	}
	return e
}

// EventHandler is a callback invoked when a subscribed event is received.
type EventHandler func(event Event)
