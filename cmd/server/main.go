package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tradewire/relay/internal/auth"
	"github.com/tradewire/relay/internal/breaker"
	"github.com/tradewire/relay/internal/bus"
	"github.com/tradewire/relay/internal/config"
	"github.com/tradewire/relay/internal/db"
	"github.com/tradewire/relay/internal/hub"
	"github.com/tradewire/relay/internal/metrics"
	"github.com/tradewire/relay/internal/rooms"
	"github.com/tradewire/relay/internal/services"
	"github.com/tradewire/relay/internal/supervisor"
)

const marketTickInterval = 2 * time.Second

func main() {
	cfg := config.Load()
	ctx := context.Background()

	// Database (only the incident log and breaker configs are persisted;
	// everything else is in-memory and reset on restart).
	database, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Printf("WARNING: database connection failed: %v (continuing without DB)", err)
	} else {
		defer database.Close()
		if err := db.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
			log.Printf("WARNING: migrations failed: %v", err)
		}
	}

	// Event bus (in-memory, optionally mirrored to Kafka)
	broker, err := bus.New(cfg)
	if err != nil {
		log.Fatalf("event bus setup failed: %v", err)
	}
	defer broker.Close() //nolint:errcheck // best-effort cleanup on shutdown

	// Circuit breakers + incident log
	var incidentStore *breaker.IncidentStore
	var configStore *breaker.ConfigStore
	if database != nil {
		incidentStore = breaker.NewIncidentStore(database.Pool)
		configStore = breaker.NewConfigStore(database.Pool)
	}
	recorder := breaker.NewEventRecorder(incidentStore, broker)
	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		RequestLimit:     cfg.BreakerRequestLimit,
		MonitoringWindow: cfg.BreakerWindow,
		MinimumRequests:  cfg.BreakerMinRequests,
	}, recorder)
	if configStore != nil {
		overrides, err := configStore.LoadAll(ctx)
		if err != nil {
			log.Printf("WARNING: failed to load breaker configs: %v", err)
		}
		for service, override := range overrides {
			breakers.Configure(service, override)
		}
	}

	// Auth
	jwtService := auth.NewJWTService(cfg.JWTSecret)
	verifier := auth.NewVerifier(jwtService, auth.NewServiceAuth(cfg.ServiceAuthSecret, cfg.ServiceAuthSkew))

	// Hub
	h := hub.New(cfg, verifier, breakers)
	go h.Run()

	// Domain services
	market := services.NewMarketData(broker, marketTickInterval)
	tokenSync := services.NewTokenSync(market)
	terminal := services.NewTerminal(market)
	aiService := services.NewAI(50 * time.Millisecond)
	contests := services.NewContests(broker)

	// Rooms
	engine := rooms.NewEngine(contests, h.Limiter(), h.Broadcaster(), cfg.ChatHistorySize, cfg.ChatMaxLength)
	h.OnDisconnect(engine.DisconnectConn)

	// Supervisor
	sup := supervisor.New(broker, breakers, cfg.StopTimeout, cfg.MetricsInterval)
	for _, svc := range []supervisor.Service{market, tokenSync, terminal, aiService, contests} {
		if err := sup.Register(svc); err != nil {
			log.Fatalf("register service: %v", err)
		}
	}
	report, err := sup.Start(ctx)
	if err != nil {
		log.Fatalf("service startup failed: %v", err)
	}
	log.Printf("startup: initialized=%v failed=%v", report.Initialized, report.Failed)
	go sup.RunMetrics()
	h.Router().SetFailureReporter(sup)

	registerHandlers(h, engine, sup, breakers, market, tokenSync, terminal, aiService, contests)
	bridgeBusToHub(broker, h)

	// HTTP router
	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthzHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	h.RegisterRoutes(r)

	// Admin REST surface
	admin := r.PathPrefix("/api").Subrouter()
	admin.Use(auth.AdminMiddleware(verifier))
	breakerHandlers := breaker.NewHandlers(breakers, incidentStore)
	breakerHandlers.RegisterRoutes(admin)

	// CORS wraps the entire router so OPTIONS preflight requests are handled
	// before mux routing (which would 404 on OPTIONS).
	srv := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        corsMiddleware(r),
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	// Graceful shutdown: stop upgrades, notify connections, stop services in
	// reverse dependency order, then stop the HTTP server.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		h.Shutdown(shutdownCtx)
		sup.Stop(shutdownCtx)

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Fatalf("Server shutdown failed: %v", err)
		}
	}()

	log.Printf("Starting server on :%s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	log.Println("Server stopped")
}

// registerHandlers builds the (topic, action) handler table. Registration is
// static at startup; the router treats the table as opaque.
func registerHandlers(
	h *hub.Hub,
	engine *rooms.Engine,
	sup *supervisor.Supervisor,
	breakers *breaker.Manager,
	market *services.MarketData,
	tokenSync *services.TokenSync,
	terminal *services.Terminal,
	aiService *services.AI,
	contests *services.Contests,
) {
	rt := h.Router()

	rt.Handle("terminal", "getTerminalData", "terminal", func(ctx context.Context, req *hub.Request) (any, error) {
		return terminal.Data(ctx)
	})

	rt.Handle("market-data", "getSnapshot", "marketData", func(ctx context.Context, req *hub.Request) (any, error) {
		return market.Snapshot(), nil
	})

	rt.Handle("wallet", "getBalance", "tokenSync", func(ctx context.Context, req *hub.Request) (any, error) {
		return tokenSync.Balance(ctx, req.Conn.Principal.ID)
	})

	rt.Handle("portfolio", "getPortfolio", "tokenSync", func(ctx context.Context, req *hub.Request) (any, error) {
		return tokenSync.Balance(ctx, req.Conn.Principal.ID)
	})

	rt.HandleStream("ai", "stream", "ai", func(ctx context.Context, req *hub.Request, emit func(chunk any) error) error {
		return aiService.Stream(ctx, req.Data, emit)
	})

	type contestRef struct {
		ContestID int64 `json:"contestId"`
	}

	rt.Handle("contest", "join", "contests", func(ctx context.Context, req *hub.Request) (any, error) {
		var body contestRef
		if err := json.Unmarshal(req.Data, &body); err != nil {
			return nil, hub.Errorf(hub.CodeProtocol, "invalid join payload")
		}
		if err := engine.Join(ctx, body.ContestID, req.Conn); err != nil {
			return nil, err
		}
		// Joining implies following the room's channel.
		channel := "contest." + strconv.FormatInt(body.ContestID, 10)
		if err := h.Registry().Subscribe(req.Conn, channel); err != nil {
			return nil, err
		}
		return map[string]any{
			"contestId":      body.ContestID,
			"history":        engine.History(body.ContestID),
			"spectatorCount": engine.SpectatorCount(body.ContestID),
		}, nil
	})

	rt.Handle("contest", "leave", "contests", func(ctx context.Context, req *hub.Request) (any, error) {
		var body contestRef
		if err := json.Unmarshal(req.Data, &body); err != nil {
			return nil, hub.Errorf(hub.CodeProtocol, "invalid leave payload")
		}
		engine.Leave(body.ContestID, req.Conn)
		h.Registry().Unsubscribe(req.Conn, "contest."+strconv.FormatInt(body.ContestID, 10))
		return map[string]any{"contestId": body.ContestID}, nil
	})

	rt.Handle("contest", "chat", "contests", func(ctx context.Context, req *hub.Request) (any, error) {
		var body struct {
			ContestID int64  `json:"contestId"`
			Text      string `json:"text"`
		}
		if err := json.Unmarshal(req.Data, &body); err != nil {
			return nil, hub.Errorf(hub.CodeProtocol, "invalid chat payload")
		}
		return engine.Chat(body.ContestID, req.Conn, body.Text)
	})

	rt.Handle("contest", "SET_ADMIN_PRESENCE", "contests", func(ctx context.Context, req *hub.Request) (any, error) {
		var body struct {
			ContestID  int64  `json:"contestId"`
			Visibility string `json:"visibility"`
		}
		if err := json.Unmarshal(req.Data, &body); err != nil {
			return nil, hub.Errorf(hub.CodeProtocol, "invalid presence payload")
		}
		if err := engine.SetAdminPresence(body.ContestID, req.Conn, body.Visibility == "visible"); err != nil {
			return nil, err
		}
		return map[string]any{"contestId": body.ContestID, "visibility": body.Visibility}, nil
	})

	rt.Handle("contest", "enter", "contests", func(ctx context.Context, req *hub.Request) (any, error) {
		if !req.Conn.Principal.Authenticated() {
			return nil, hub.Errorf(hub.CodeAuthRequired, "authentication required to enter a contest")
		}
		var body contestRef
		if err := json.Unmarshal(req.Data, &body); err != nil {
			return nil, hub.Errorf(hub.CodeProtocol, "invalid enter payload")
		}
		contests.Enter(body.ContestID, req.Conn.Principal.ID)
		return map[string]any{"contestId": body.ContestID, "entered": true}, nil
	})

	rt.Handle("circuit-breaker", "getStates", "", func(ctx context.Context, req *hub.Request) (any, error) {
		return breakers.Snapshots(), nil
	})

	rt.Handle("circuit-breaker", "reset", "", func(ctx context.Context, req *hub.Request) (any, error) {
		var body struct {
			Service string `json:"service"`
			Reason  string `json:"reason"`
			Force   bool   `json:"force"`
		}
		if err := json.Unmarshal(req.Data, &body); err != nil || body.Service == "" || body.Reason == "" {
			return nil, hub.Errorf(hub.CodeProtocol, "reset requires service and reason")
		}
		reason := body.Reason + " (by " + req.Conn.Principal.ID + ")"
		if err := breakers.ManualReset(body.Service, reason, body.Force); err != nil {
			return nil, hub.Errorf(hub.CodeUnknownAction, "%s", err.Error())
		}
		return breakers.Get(body.Service).Snapshot(), nil
	})

	rt.Handle("monitor", "getStatuses", "", func(ctx context.Context, req *hub.Request) (any, error) {
		return sup.Statuses(), nil
	})

	rt.Handle("admin", "getHubStats", "", func(ctx context.Context, req *hub.Request) (any, error) {
		return map[string]any{
			"connections": h.Registry().Count(),
			"degraded":    breakers.Degraded(),
		}, nil
	})
}

// bridgeBusToHub forwards domain bus events to their WebSocket topics.
func bridgeBusToHub(broker bus.Broker, h *hub.Hub) {
	forward := func(busTopic, wsChannel, subtype string) {
		if _, err := broker.Subscribe(busTopic, func(event bus.Event) {
			h.Broadcaster().Broadcast(wsChannel, hub.NewData(wsChannel, subtype, event))
		}); err != nil {
			log.Fatalf("bridge %s: %v", busTopic, err)
		}
	}

	forward(bus.TopicMarketTick, "market-data", "tick")
	forward(bus.TopicServiceMetrics, "monitor", "metrics")
	forward(bus.TopicServiceLifecycle, "monitor", "lifecycle")
	forward(bus.TopicBreakerIncident, "circuit-breaker", "incident")
	forward(bus.TopicContestActivity, "contest", "activity")

	// Breaker state changes also drive the Prometheus gauge.
	if _, err := broker.Subscribe(bus.TopicBreakerState, func(event bus.Event) {
		h.Broadcaster().Broadcast("circuit-breaker", hub.NewData("circuit-breaker", "state", event))
		var change struct {
			To breaker.State `json:"to"`
		}
		if err := json.Unmarshal(event.Payload, &change); err == nil {
			metrics.BreakerState.WithLabelValues(event.Service).Set(breakerStateValue(change.To))
		}
	}); err != nil {
		log.Fatalf("bridge %s: %v", bus.TopicBreakerState, err)
	}
}

func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"}) //nolint:errcheck
}

func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:3000"
	}

	origins := make(map[string]bool)
	for _, o := range strings.Split(allowedOrigins, ",") {
		origins[strings.TrimSpace(o)] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else if len(origins) == 1 {
			// Single origin mode: always set it (for dev convenience)
			for o := range origins {
				w.Header().Set("Access-Control-Allow-Origin", o)
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Service-Auth")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
