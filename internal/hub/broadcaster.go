package hub

import (
	"log"

	"github.com/tradewire/relay/internal/auth"
	"github.com/tradewire/relay/internal/metrics"
)

// broadcastMsg is one fan-out job. role and principalID optionally narrow the
// subscriber set before enqueue.
type broadcastMsg struct {
	channel     string
	data        []byte
	role        auth.Role
	roleFilter  bool
	principalID string
}

// Broadcaster fans envelopes out to channel subscribers. A single dispatch
// goroutine drains the queue, which makes delivery FIFO per channel. Enqueue
// to each subscriber is non-blocking; a full send queue drops the message for
// that subscriber, and enough consecutive drops disconnect it as a slow
// consumer.
type Broadcaster struct {
	registry *Registry
	queue    chan broadcastMsg
	done     chan struct{}
	maxDrops int32

	// onEvict is called outside the registry lock when a slow consumer is
	// disconnected, so the hub can clean up room state.
	onEvict func(*Conn)
}

func NewBroadcaster(registry *Registry, maxDrops int) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		queue:    make(chan broadcastMsg, 1024),
		done:     make(chan struct{}),
		maxDrops: int32(maxDrops),
	}
}

// OnEvict installs the slow-consumer disconnect hook.
func (b *Broadcaster) OnEvict(fn func(*Conn)) {
	b.onEvict = fn
}

// Run is the dispatch loop. It must be executed in a dedicated goroutine and
// stops when Close is called.
func (b *Broadcaster) Run() {
	for {
		select {
		case msg := <-b.queue:
			b.dispatch(msg)
		case <-b.done:
			return
		}
	}
}

// Close stops the dispatch loop.
func (b *Broadcaster) Close() {
	close(b.done)
}

// Broadcast enqueues an envelope for every subscriber of channel.
func (b *Broadcaster) Broadcast(channel string, env Envelope) {
	b.enqueue(broadcastMsg{channel: channel, data: env.encode()})
}

// BroadcastRole narrows the fan-out to subscribers whose role is at least the
// given one.
func (b *Broadcaster) BroadcastRole(channel string, role auth.Role, env Envelope) {
	b.enqueue(broadcastMsg{channel: channel, data: env.encode(), role: role, roleFilter: true})
}

// BroadcastPrincipal narrows the fan-out to connections of one principal.
func (b *Broadcaster) BroadcastPrincipal(channel, principalID string, env Envelope) {
	b.enqueue(broadcastMsg{channel: channel, data: env.encode(), principalID: principalID})
}

func (b *Broadcaster) enqueue(msg broadcastMsg) {
	if msg.data == nil {
		return
	}
	topic, _ := splitChannel(msg.channel)
	metrics.BroadcastsTotal.WithLabelValues(topic).Inc()
	select {
	case b.queue <- msg:
	case <-b.done:
	}
}

func (b *Broadcaster) dispatch(msg broadcastMsg) {
	var evicted []*Conn
	b.registry.ForEachSubscriber(msg.channel, func(c *Conn) {
		if msg.roleFilter && !c.Principal.Role.AtLeast(msg.role) {
			return
		}
		if msg.principalID != "" && c.Principal.ID != msg.principalID {
			return
		}
		if c.TrySend(msg.data) {
			c.resetDrops()
			return
		}
		metrics.SlowConsumerDrops.Inc()
		if c.recordDrop() >= b.maxDrops {
			evicted = append(evicted, c)
		}
	})

	for _, c := range evicted {
		log.Printf("hub: conn %s disconnected as slow consumer", c.ID)
		metrics.SlowConsumerCloses.Inc()
		c.Close(CloseSlowConsumer, "slow_consumer")
		if b.onEvict != nil {
			b.onEvict(c)
		}
	}
}
