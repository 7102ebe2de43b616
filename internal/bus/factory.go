package bus

import (
	"log"
	"strings"

	"github.com/tradewire/relay/internal/config"
)

// New creates the event bus for the process. Internal dispatch is always
// in-memory; if KAFKA_BROKERS is set the returned broker additionally
// mirrors every published event to Kafka for external consumers.
func New(cfg *config.Config) (Broker, error) {
	mem := NewInMemoryBroker()

	if cfg.KafkaBrokers == "" {
		log.Println("bus: using InMemoryBroker (KAFKA_BROKERS not set)")
		return mem, nil
	}

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	kb, err := NewKafkaBroker(KafkaConfig{
		Brokers:       brokers,
		ConsumerGroup: cfg.KafkaConsumerGroup,
	})
	if err != nil {
		mem.Close() //nolint:errcheck
		return nil, err
	}

	log.Printf("bus: mirroring events to Kafka brokers=%v group=%s", brokers, cfg.KafkaConsumerGroup)
	return &mirrorBroker{primary: mem, mirror: kb}, nil
}

// mirrorBroker dispatches through the primary broker and best-effort copies
// every published event to the mirror. Subscriptions attach to the primary
// only.
type mirrorBroker struct {
	primary Broker
	mirror  Broker
}

func (m *mirrorBroker) Publish(topic string, event Event) error {
	if err := m.mirror.Publish(topic, event); err != nil {
		log.Printf("bus: mirror publish failed for topic %s: %v", topic, err)
	}
	return m.primary.Publish(topic, event)
}

func (m *mirrorBroker) Subscribe(topic string, handler EventHandler) (string, error) {
	return m.primary.Subscribe(topic, handler)
}

func (m *mirrorBroker) Close() error {
	err := m.primary.Close()
	if merr := m.mirror.Close(); merr != nil && err == nil {
		err = merr
	}
	return err
}
