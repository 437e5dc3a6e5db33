package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/centralmcp/gateway-go/pkg/dispatch"
	"github.com/centralmcp/gateway-go/pkg/guard"
	"github.com/centralmcp/gateway-go/pkg/monitor"
)

// eventBuffer bounds the per-subscriber alert queue on the SSE stream.
// Slow consumers drop alerts rather than stall the monitor fan-out.
const eventBuffer = 16

func (g *Gateway) corsHandler(next http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: g.opts.AllowedOrigins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Mcp-Session-Id"},
	})
	return c.Handler(next)
}

func (g *Gateway) mountManagement(mux *http.ServeMux) {
	mux.Handle("GET /health", g.admit("health", g.handleHealth))
	mux.Handle("GET /stats", g.admit("stats", g.handleStats))
	mux.Handle("GET /metrics", g.admit("metrics", g.handleMetrics))
	mux.Handle("GET /alerts", g.admit("alerts", g.handleAlerts))
	mux.Handle("POST /alerts", g.admit("alerts", g.handleCreateAlertRule))
	mux.Handle("GET /events", g.admit("events", g.handleEvents))
	mux.Handle("GET /servers", g.admit("servers", g.handleListServers))
	mux.Handle("POST /servers", g.admit("register", g.handleRegisterServer))
	mux.Handle("DELETE /servers/{id}", g.admit("register", g.handleDeregisterServer))
}

// admit runs the admission guard before the wrapped handler. The client key
// is the caller's address so per-client rate windows survive port churn.
func (g *Gateway) admit(action string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		decision := g.deps.Guard.ValidateRequest(guard.Request{
			ClientKey: ip,
			IP:        ip,
			Action:    action,
		})
		if !decision.Allowed {
			g.deps.Monitor.RecordMetric("admission.denied", 1,
				map[string]string{"action": action})
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":  "request denied",
				"reason": decision.Reason,
			})
			return
		}
		next(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"servers": len(g.deps.Dispatcher.RegisteredServers()),
		"tools":   len(g.AdvertisedTools()),
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"backends":   g.deps.Dispatcher.PerformanceStats(),
		"operations": g.deps.Ledger.Stats(),
	}
	if g.deps.Pool != nil {
		out["pool"] = g.deps.Pool.Stats()
	}
	if g.deps.Cache != nil {
		out["cache"] = g.deps.Cache.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("name")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "name is required"})
		return
	}
	var from, to time.Time
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid from: " + err.Error()})
			return
		}
		from = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid to: " + err.Error()})
			return
		}
		to = t
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    name,
		"samples": g.deps.Monitor.Metrics(name, from, to),
	})
}

func (g *Gateway) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  g.deps.Monitor.Rules(),
		"alerts": g.deps.Monitor.Alerts(),
	})
}

func (g *Gateway) handleCreateAlertRule(w http.ResponseWriter, r *http.Request) {
	// Enabled is a pointer so an omitted field defaults to an active rule
	// rather than one that silently never fires.
	var body struct {
		Metric    string  `json:"metric"`
		Operator  string  `json:"operator"`
		Threshold float64 `json:"threshold"`
		Severity  string  `json:"severity"`
		Enabled   *bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid rule: " + err.Error()})
		return
	}
	if body.Metric == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "metric is required"})
		return
	}
	rule := monitor.AlertRule{
		Metric:    body.Metric,
		Operator:  body.Operator,
		Threshold: body.Threshold,
		Severity:  body.Severity,
		Enabled:   body.Enabled == nil || *body.Enabled,
	}
	writeJSON(w, http.StatusCreated, g.deps.Monitor.CreateAlertRule(rule))
}

// handleEvents streams fired alerts as server-sent events until the client
// disconnects.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "streaming unsupported"})
		return
	}

	events := make(chan monitor.AlertInstance, eventBuffer)
	unsubscribe := g.deps.Monitor.Subscribe(func(alert monitor.AlertInstance) {
		select {
		case events <- alert:
		default:
			g.opts.Logger.Warn("dropping alert event for slow subscriber",
				"rule", alert.RuleID)
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case alert := <-events:
			payload, err := json.Marshal(alert)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: alert\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

type registerServerRequest struct {
	ID       string         `json:"id"`
	BaseURL  string         `json:"baseUrl"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (g *Gateway) handleListServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"servers": g.deps.Dispatcher.RegisteredServers(),
	})
}

func (g *Gateway) handleRegisterServer(w http.ResponseWriter, r *http.Request) {
	var req registerServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request: " + err.Error()})
		return
	}
	if req.ID == "" || req.BaseURL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "id and baseUrl are required"})
		return
	}
	err := g.deps.Dispatcher.RegisterServer(dispatch.ServerInfo{
		ID:       req.ID,
		BaseURL:  req.BaseURL,
		Metadata: req.Metadata,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, dispatch.ErrDuplicateServer) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]any{"error": err.Error()})
		return
	}
	g.opts.Logger.Info("registered backend server", "server", req.ID, "baseUrl", req.BaseURL)
	writeJSON(w, http.StatusCreated, map[string]any{"id": req.ID})
}

func (g *Gateway) handleDeregisterServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.deps.Dispatcher.DeregisterServer(r.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, dispatch.ErrUnknownServer) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]any{"error": err.Error()})
		return
	}
	g.opts.Logger.Info("deregistered backend server", "server", id)
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}
