// ABOUTME: Read-mostly admin REST surface: stats, session and agent listings, history, broadcast.
// ABOUTME: Serves operators and dashboards; coordination clients use the WebSocket endpoint.

package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/brolostack/args-gateway/internal/session"
	"github.com/brolostack/args-gateway/internal/store"
	"github.com/brolostack/args-gateway/internal/transport"
)

// Stats is the aggregate server view returned by /api/ws/stats.
type Stats struct {
	ActiveSessions   int     `json:"activeSessions"`
	ConnectedClients int     `json:"connectedClients"`
	TotalAgents      int     `json:"totalAgents"`
	ActiveStreams    int     `json:"activeStreams"`
	TotalTasks       int     `json:"totalTasks"`
	CompletedTasks   int     `json:"completedTasks"`
	ErrorRate        float64 `json:"errorRate"`
	AvgExecutionTime float64 `json:"avgExecutionTime"`
	UptimeSeconds    float64 `json:"uptimeSeconds"`
}

// AgentListing pairs an agent with its session for the flat agent view.
type AgentListing struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
	Type      string `json:"type"`
	Status    string `json:"status"`
}

// API serves the admin REST endpoints. archive may be nil when history
// persistence is disabled.
type API struct {
	registry *session.Registry
	hub      *transport.Hub
	archive  *store.Archive
	started  time.Time
	logger   *slog.Logger
}

// NewAPI creates the admin API handler set.
func NewAPI(registry *session.Registry, hub *transport.Hub, archive *store.Archive, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		registry: registry,
		hub:      hub,
		archive:  archive,
		started:  time.Now(),
		logger:   logger.With("component", "api"),
	}
}

// Routes registers the admin endpoints on the mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /api/ws/stats", a.handleStats)
	mux.HandleFunc("GET /api/ws/sessions", a.handleSessions)
	mux.HandleFunc("GET /api/ws/agents", a.handleAgents)
	mux.HandleFunc("POST /api/ws/broadcast", a.handleBroadcast)
	mux.HandleFunc("GET /api/ws/history", a.handleHistory)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": a.registry.Count(),
		"clients":  a.hub.ConnCount(),
		"uptime":   time.Since(a.started).Round(time.Second).String(),
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := Stats{
		ActiveSessions:   a.registry.Count(),
		ConnectedClients: a.hub.ConnCount(),
		UptimeSeconds:    time.Since(a.started).Seconds(),
	}

	var errors int
	for _, sess := range a.registry.List() {
		snap := sess.Snapshot()
		stats.TotalAgents += len(snap.Agents)
		stats.ActiveStreams += snap.ActiveStreams
		stats.TotalTasks += snap.Metrics.TotalTasks
		stats.CompletedTasks += snap.Metrics.CompletedTasks
		errors += snap.Metrics.ErrorCount

		// Weighted merge keeps the global average consistent with per-session ones.
		if snap.Metrics.CompletedTasks > 0 {
			prior := float64(stats.CompletedTasks - snap.Metrics.CompletedTasks)
			n := float64(stats.CompletedTasks)
			stats.AvgExecutionTime = (stats.AvgExecutionTime*prior + snap.Metrics.AvgExecutionTime*float64(snap.Metrics.CompletedTasks)) / n
		}
	}
	if stats.TotalTasks > 0 {
		stats.ErrorRate = float64(errors) / float64(stats.TotalTasks)
	}

	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := a.registry.List()
	out := make([]session.State, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleAgents(w http.ResponseWriter, r *http.Request) {
	out := make([]AgentListing, 0)
	for _, sess := range a.registry.List() {
		for _, agent := range sess.Agents() {
			out = append(out, AgentListing{
				SessionID: sess.ID,
				AgentID:   agent.ID,
				Type:      agent.Type,
				Status:    string(agent.Status),
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type broadcastRequest struct {
	SessionID string          `json:"sessionId"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
}

// handleBroadcast pushes an operator-defined event into a session room.
func (a *API) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.SessionID == "" || req.Event == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sessionId and event are required"})
		return
	}
	if _, ok := a.registry.Get(req.SessionID); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}

	a.hub.Broadcast(req.SessionID, req.Event, req.Data)
	a.logger.Info("admin broadcast", "session_id", req.SessionID, "event", req.Event)
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	if a.archive == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "session history is not enabled"})
		return
	}

	if sessionID := r.URL.Query().Get("session"); sessionID != "" {
		records, err := a.archive.Get(r.Context(), sessionID)
		if err != nil {
			a.logger.Error("history query failed", "session_id", sessionID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history query failed"})
			return
		}
		writeJSON(w, http.StatusOK, records)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := a.archive.Recent(r.Context(), limit)
	if err != nil {
		a.logger.Error("history query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history query failed"})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
