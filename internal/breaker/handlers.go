package breaker

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/tradewire/relay/internal/auth"
	"github.com/tradewire/relay/internal/httputil"
)

// Handlers exposes the circuit-breaker admin REST surface: incident queries
// and manual resets.
type Handlers struct {
	manager *Manager
	store   *IncidentStore // nil when running without a database
}

func NewHandlers(manager *Manager, store *IncidentStore) *Handlers {
	return &Handlers{manager: manager, store: store}
}

// RegisterRoutes wires the admin endpoints. The router is expected to carry
// the admin auth middleware already.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/incidents", h.ListIncidents).Methods(http.MethodGet)
	r.HandleFunc("/circuit-breakers", h.ListBreakers).Methods(http.MethodGet)
	r.HandleFunc("/circuit-breakers/{service}/reset", h.Reset).Methods(http.MethodPost)
}

// ListIncidents returns the incident log filtered by service, severity,
// status, and time range, with limit/offset pagination.
func (h *Handlers) ListIncidents(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "incident log is not persisted (no database)")
		return
	}

	q := r.URL.Query()
	f := IncidentFilter{
		Service:  q.Get("service"),
		Severity: Severity(q.Get("severity")),
		Status:   Status(q.Get("status")),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid 'from' timestamp")
			return
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid 'to' timestamp")
			return
		}
		f.To = t
	}
	if v := q.Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}

	incidents, total, err := h.store.List(r.Context(), f)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list incidents")
		return
	}
	if incidents == nil {
		incidents = []Incident{}
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"incidents": incidents,
		"total":     total,
		"limit":     f.Limit,
		"offset":    f.Offset,
	})
}

// ListBreakers returns a snapshot of every registered breaker.
func (h *Handlers) ListBreakers(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"breakers": h.manager.Snapshots(),
	})
}

type resetRequest struct {
	Reason string `json:"reason"`
	Force  bool   `json:"force"`
}

// Reset forces a service's circuit closed and records a manual_reset
// incident attributed to the caller.
func (h *Handlers) Reset(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]

	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		httputil.WriteError(w, http.StatusBadRequest, "reason is required")
		return
	}

	p := auth.PrincipalFromContext(r.Context())
	reason := req.Reason + " (by " + p.ID + ")"

	if err := h.manager.ManualReset(service, reason, req.Force); err != nil {
		httputil.WriteError(w, http.StatusNotFound, err.Error())
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"service": service,
		"state":   h.manager.Get(service).Snapshot(),
	})
}
