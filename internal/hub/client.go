package hub

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tradewire/relay/internal/auth"
	"github.com/tradewire/relay/internal/metrics"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second
)

// Conn represents a single WebSocket connection and its hub-side state. The
// registry and the room engine refer to connections by ID; only the pumps
// touch the socket.
type Conn struct {
	ID        string
	Principal *auth.Principal
	CreatedAt time.Time

	sock   *websocket.Conn
	send   chan []byte
	bucket *rate.Limiter

	// Consecutive broadcast drops. Touched only by the broadcaster goroutine
	// and reset on successful enqueue.
	drops int32

	closeOnce sync.Once
	closed    chan struct{}

	hub *Hub
}

func newConn(hub *Hub, sock *websocket.Conn, principal *auth.Principal) *Conn {
	return &Conn{
		ID:        uuid.New().String(),
		Principal: principal,
		CreatedAt: time.Now(),
		sock:      sock,
		send:      make(chan []byte, hub.cfg.SendQueueDepth),
		bucket:    hub.limiter.NewBucket(),
		closed:    make(chan struct{}),
		hub:       hub,
	}
}

// TrySend enqueues raw bytes on the connection's outbound queue without
// blocking. It reports false when the queue is full or the connection is
// closing.
func (c *Conn) TrySend(data []byte) bool {
	if data == nil {
		return true
	}
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- data:
		metrics.MessagesSent.Inc()
		return true
	default:
		return false
	}
}

// Send enqueues an envelope. Drops are silent; request/response ordering is
// preserved because each connection's requests are handled sequentially.
func (c *Conn) Send(env Envelope) bool {
	return c.TrySend(env.encode())
}

// Close tears the connection down with the given close code. Idempotent.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.sock == nil {
			return
		}
		msg := websocket.FormatCloseMessage(code, reason)
		c.sock.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
		c.sock.WriteMessage(websocket.CloseMessage, msg)   //nolint:errcheck
		c.sock.Close()                                     //nolint:errcheck
	})
}

// ReadPump pumps inbound messages into the router. It runs in its own
// goroutine per connection; handler dispatch is synchronous here, which
// serializes requests per connection.
func (c *Conn) ReadPump() {
	defer func() {
		c.hub.disconnect(c)
		c.Close(CloseNormal, "")
	}()

	c.sock.SetReadLimit(c.hub.cfg.MaxPayloadBytes)
	c.sock.SetReadDeadline(time.Now().Add(c.hub.cfg.IdleTimeout)) //nolint:errcheck
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(c.hub.cfg.IdleTimeout))
	})

	for {
		_, msg, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("hub: conn %s read error: %v", c.ID, err)
			}
			// A read-limit overrun surfaces as ErrReadLimit; gorilla has
			// already written the 1009 close frame at that point.
			if errors.Is(err, websocket.ErrReadLimit) {
				c.Close(ClosePayloadTooLarge, "payload too large")
			}
			return
		}
		c.sock.SetReadDeadline(time.Now().Add(c.hub.cfg.IdleTimeout)) //nolint:errcheck
		metrics.MessagesReceived.Inc()
		c.hub.router.HandleMessage(c, msg)
	}
}

// WritePump drains the outbound queue to the socket and keeps the connection
// alive with pings. It runs in its own goroutine per connection.
func (c *Conn) WritePump() {
	pingPeriod := c.hub.cfg.IdleTimeout * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close(CloseNormal, "")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if !ok {
				c.sock.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closed:
			return
		}
	}
}

func (c *Conn) recordDrop() int32 {
	return atomic.AddInt32(&c.drops, 1)
}

func (c *Conn) resetDrops() {
	atomic.StoreInt32(&c.drops, 0)
}
