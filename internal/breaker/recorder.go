package breaker

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tradewire/relay/internal/bus"
)

// EventRecorder persists incidents (when a store is configured) and publishes
// breaker state changes and incident lifecycle onto the event bus.
type EventRecorder struct {
	store  *IncidentStore // nil when running without a database
	broker bus.Broker
}

func NewEventRecorder(store *IncidentStore, broker bus.Broker) *EventRecorder {
	return &EventRecorder{store: store, broker: broker}
}

func (r *EventRecorder) StateChange(service string, from, to State, snap Snapshot) {
	severity := bus.SeverityInfo
	if to == StateOpen {
		severity = bus.SeverityCritical
	}
	event := bus.NewEvent(bus.TopicBreakerState, service, severity, map[string]any{
		"from":     from,
		"to":       to,
		"snapshot": snap,
	})
	if err := r.broker.Publish(bus.TopicBreakerState, event); err != nil {
		log.Printf("breaker: publish state change for %s: %v", service, err)
	}
}

func (r *EventRecorder) OpenIncident(inc Incident) string {
	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		id, err := r.store.Insert(ctx, &inc)
		if err != nil {
			log.Printf("breaker: persist incident for %s: %v", inc.Service, err)
		} else {
			inc.ID = id
		}
	}
	if inc.ID == "" {
		inc.ID = uuid.New().String()
	}

	severity := bus.Severity(inc.Severity)
	event := bus.NewEvent(bus.TopicBreakerIncident, inc.Service, severity, inc)
	if err := r.broker.Publish(bus.TopicBreakerIncident, event); err != nil {
		log.Printf("breaker: publish incident for %s: %v", inc.Service, err)
	}
	return inc.ID
}

func (r *EventRecorder) CloseIncident(id string, endedAt time.Time) {
	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.Resolve(ctx, id, endedAt); err != nil {
			log.Printf("breaker: resolve incident %s: %v", id, err)
		}
	}

	event := bus.NewEvent(bus.TopicBreakerIncident, "", bus.SeverityInfo, map[string]any{
		"id":      id,
		"status":  StatusResolved,
		"endedAt": endedAt,
	})
	if err := r.broker.Publish(bus.TopicBreakerIncident, event); err != nil {
		log.Printf("breaker: publish incident resolution %s: %v", id, err)
	}
}
