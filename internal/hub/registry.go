package hub

import (
	"errors"
	"sync"
)

// Subscription denials. Subscribe returns nothing outside this set.
var (
	ErrUnknownTopic  = errors.New("unknown topic")
	ErrAuthRequired  = errors.New("authentication required")
	ErrForbiddenRole = errors.New("forbidden for role")
)

// Registry tracks live connections and their channel subscriptions. It keeps
// two indexes, connection to channels and channel to connections, and is safe
// for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*Conn
	byChannel map[string]map[string]*Conn // channel -> conn ID -> conn
	byConn    map[string]map[string]bool  // conn ID -> channel set
}

func NewRegistry() *Registry {
	return &Registry{
		conns:     make(map[string]*Conn),
		byChannel: make(map[string]map[string]*Conn),
		byConn:    make(map[string]map[string]bool),
	}
}

// Register adds a connection. Idempotent.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID]; ok {
		return
	}
	r.conns[c.ID] = c
	r.byConn[c.ID] = make(map[string]bool)
}

// Unregister removes a connection and every subscription it holds.
// Idempotent; unknown connections are a no-op.
func (r *Registry) Unregister(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID]; !ok {
		return
	}
	for channel := range r.byConn[c.ID] {
		r.dropSubscriptionLocked(c.ID, channel)
	}
	delete(r.byConn, c.ID)
	delete(r.conns, c.ID)
}

// Subscribe adds a (connection, channel) pair after enforcing the topic
// access policy. Subscribing twice to the same channel leaves the connection
// subscribed exactly once. The policy check and the subscription are atomic
// under the registry lock.
func (r *Registry) Subscribe(c *Conn, channel string) error {
	if err := checkAccess(channel, c.Principal); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID]; !ok {
		return ErrUnknownTopic
	}
	subs, ok := r.byChannel[channel]
	if !ok {
		subs = make(map[string]*Conn)
		r.byChannel[channel] = subs
	}
	subs[c.ID] = c
	r.byConn[c.ID][channel] = true
	return nil
}

// Unsubscribe removes a (connection, channel) pair. Idempotent. The last
// unsubscriber frees the channel's bookkeeping entirely.
func (r *Registry) Unsubscribe(c *Conn, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropSubscriptionLocked(c.ID, channel)
	if set, ok := r.byConn[c.ID]; ok {
		delete(set, channel)
	}
}

func (r *Registry) dropSubscriptionLocked(connID, channel string) {
	subs, ok := r.byChannel[channel]
	if !ok {
		return
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(r.byChannel, channel)
	}
}

// ForEachSubscriber invokes fn for every connection subscribed to channel.
// fn must not call back into the registry.
func (r *Registry) ForEachSubscriber(channel string, fn func(*Conn)) {
	r.mu.RLock()
	subs := make([]*Conn, 0, len(r.byChannel[channel]))
	for _, c := range r.byChannel[channel] {
		subs = append(subs, c)
	}
	r.mu.RUnlock()

	for _, c := range subs {
		fn(c)
	}
}

// ForEach invokes fn for every registered connection.
func (r *Registry) ForEach(fn func(*Conn)) {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		fn(c)
	}
}

// IsSubscribed reports whether the connection holds a subscription to channel.
func (r *Registry) IsSubscribed(c *Conn, channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConn[c.ID][channel]
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SubscriberCount returns the number of subscribers on a channel.
func (r *Registry) SubscriberCount(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChannel[channel])
}
