package hub

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/tradewire/relay/internal/auth"
	"github.com/tradewire/relay/internal/breaker"
	"github.com/tradewire/relay/internal/config"
	"github.com/tradewire/relay/internal/metrics"
	"github.com/tradewire/relay/internal/ratelimit"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     CheckOrigin,
}

// Hub owns the upgrade endpoint and composes the registry, router, and
// broadcaster. All connection state lives here; nothing is process-global.
type Hub struct {
	cfg         *config.Config
	verifier    *auth.Verifier
	limiter     *ratelimit.Limiter
	breakers    *breaker.Manager
	registry    *Registry
	router      *Router
	broadcaster *Broadcaster

	shuttingDown atomic.Bool
	onDisconnect []func(*Conn)
}

func New(cfg *config.Config, verifier *auth.Verifier, breakers *breaker.Manager) *Hub {
	registry := NewRegistry()
	limiter := ratelimit.New(cfg.BucketCapacity, cfg.BucketRefill, cfg.ChatMaxPerWin, cfg.ChatWindow)
	h := &Hub{
		cfg:         cfg,
		verifier:    verifier,
		limiter:     limiter,
		breakers:    breakers,
		registry:    registry,
		router:      NewRouter(registry, limiter, breakers, cfg.RequestTimeout),
		broadcaster: NewBroadcaster(registry, cfg.SlowConsumerDrops),
	}
	h.broadcaster.OnEvict(h.disconnect)
	return h
}

// Router exposes the handler table for startup wiring.
func (h *Hub) Router() *Router { return h.router }

// Registry exposes the connection registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Broadcaster exposes the fan-out side.
func (h *Hub) Broadcaster() *Broadcaster { return h.broadcaster }

// Limiter exposes the shared rate limiter (the room engine uses the chat
// window).
func (h *Hub) Limiter() *ratelimit.Limiter { return h.limiter }

// OnDisconnect registers a hook invoked after a connection is removed from
// the registry. The room engine uses it to drop memberships.
func (h *Hub) OnDisconnect(fn func(*Conn)) {
	h.onDisconnect = append(h.onDisconnect, fn)
}

// Run starts the broadcaster dispatch loop.
func (h *Hub) Run() {
	h.broadcaster.Run()
}

// RegisterRoutes wires the unified WebSocket endpoint.
func (h *Hub) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v69/ws", h.ServeWS).Methods(http.MethodGet)
}

// ServeWS upgrades a GET request to a WebSocket connection. Credentials are
// read from the X-Service-Auth header, the Authorization header, the session
// cookie, or the token query parameter, in that order. A missing credential
// yields a guest connection; an invalid one closes with AuthFailed.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.shuttingDown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	principal, authErr := h.authenticate(r)

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already wrote the error response.
		return
	}

	if authErr != nil {
		msg := websocket.FormatCloseMessage(CloseAuthFailed, "authentication failed")
		sock.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
		sock.WriteMessage(websocket.CloseMessage, msg)   //nolint:errcheck
		sock.Close()                                     //nolint:errcheck
		return
	}

	c := newConn(h, sock, principal)
	h.registry.Register(c)
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Set(float64(h.registry.Count()))
	log.Printf("hub: conn %s registered (principal=%s role=%s)", c.ID, principal.ID, principal.Role)

	go c.WritePump()
	go c.ReadPump()

	c.Send(h.welcome(c))
}

// authenticate resolves the request credential to a principal. A request with
// no credential at all is a guest; a present but invalid credential is an
// error.
func (h *Hub) authenticate(r *http.Request) (*auth.Principal, error) {
	if header := r.Header.Get("X-Service-Auth"); header != "" {
		return h.verifier.Verify(auth.Credential{Kind: auth.CredentialService, Value: header})
	}

	token := ""
	authHeader := r.Header.Get("Authorization")
	if parts := strings.SplitN(authHeader, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		token = parts[1]
	}
	if token == "" {
		if cookie, err := r.Cookie("session"); err == nil {
			token = cookie.Value
		}
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return auth.Guest(), nil
	}
	return h.verifier.Verify(auth.Credential{Kind: auth.CredentialSession, Value: token})
}

func (h *Hub) welcome(c *Conn) Envelope {
	caps := auth.CapabilitiesFor(c.Principal, h.breakers.Degraded())
	return Envelope{
		Type: TypeWelcome,
		Data: marshal(map[string]any{
			"connectionId": c.ID,
			"principal":    c.Principal,
			"capabilities": caps,
			"serverTime":   time.Now().UTC().Format(time.RFC3339),
		}),
		Timestamp: stamp(),
	}
}

// disconnect removes a connection from the registry and fires the disconnect
// hooks. Idempotent; called from the read pump and the slow-consumer path.
func (h *Hub) disconnect(c *Conn) {
	h.registry.Unregister(c)
	metrics.ConnectionsActive.Set(float64(h.registry.Count()))
	for _, fn := range h.onDisconnect {
		fn(c)
	}
	log.Printf("hub: conn %s unregistered", c.ID)
}

// Shutdown stops accepting upgrades, notifies every connection, waits out the
// grace period, then force-closes whatever is left.
func (h *Hub) Shutdown(ctx context.Context) {
	h.shuttingDown.Store(true)

	notice := Envelope{Type: TypeServerShutdown, Timestamp: stamp()}
	data := notice.encode()
	h.registry.ForEach(func(c *Conn) {
		c.TrySend(data)
	})

	grace := time.NewTimer(h.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-grace.C:
	case <-ctx.Done():
	}

	h.registry.ForEach(func(c *Conn) {
		c.Close(CloseServerShutdown, "server shutdown")
		h.registry.Unregister(c)
	})
	h.broadcaster.Close()
}
