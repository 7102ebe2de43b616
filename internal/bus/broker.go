package bus

// Broker defines the interface for publishing and subscribing to domain
// events. Implementations include InMemoryBroker (single-process) and
// KafkaBroker (mirroring events to an external cluster).
type Broker interface {
	// Publish sends an event to the given topic. Subscribers registered for
	// that topic receive the event asynchronously.
	Publish(topic string, event Event) error

	// Subscribe registers a handler that is called for every event published
	// to the given topic. Returns a subscription ID.
	Subscribe(topic string, handler EventHandler) (string, error)

	// Close shuts down the broker, releasing goroutines and connections.
	// After Close returns, Publish and Subscribe must not be called.
	Close() error
}
