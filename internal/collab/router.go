// ABOUTME: Collaboration router delivering agent-to-agent requests by explicit target or capability.
// ABOUTME: Requests, errors, and expiry notices go to the addressed connections only, never session-wide.

package collab

import (
	"context"
	"log/slog"
	"time"

	"github.com/brolostack/args-gateway/internal/protocol"
	"github.com/brolostack/args-gateway/internal/session"
)

// Emitter delivers an event to a single connection. The hub satisfies it.
type Emitter interface {
	Emit(connID, event string, data any)
}

// RequestEvent is the collaboration-request payload delivered to one target
// agent's connection.
type RequestEvent struct {
	SessionID string                         `json:"sessionId"`
	FromAgent string                         `json:"fromAgent"`
	ToAgent   string                         `json:"toAgent"`
	Request   *protocol.CollaborationRequest `json:"request"`
	Timestamp int64                          `json:"timestamp"`
}

// ErrorEvent is the collaboration-error payload sent back to the requester
// when routing fails.
type ErrorEvent struct {
	RequestID string `json:"requestId"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

// ExpiredEvent is the collaboration-expired payload sent to the requester by
// the sweep.
type ExpiredEvent struct {
	RequestID string `json:"requestId"`
	Timestamp int64  `json:"timestamp"`
}

// Router stores collaboration requests and routes them to qualifying agents
// within the same session. Cross-session collaboration is not supported.
type Router struct {
	registry *session.Registry
	emitter  Emitter
	timeout  time.Duration
	logger   *slog.Logger
}

// NewRouter creates the router. timeout of zero disables expiry sweeps.
func NewRouter(registry *session.Registry, emitter Emitter, timeout time.Duration, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: registry,
		emitter:  emitter,
		timeout:  timeout,
		logger:   logger.With("component", "collab-router"),
	}
}

// Route stores the request and delivers one collaboration-request frame to
// each resolved target's connection. An explicit target wins over capability
// matching; a target that does not exist in the session is an error back to
// the requesting connection, not a fallback to capability search.
func (r *Router) Route(sess *session.Session, fromConn string, req *protocol.CollaborationRequest) {
	sess.AddCollab(req)

	delivered := 0
	for _, agentID := range r.resolve(sess, req) {
		connID, ok := sess.AgentConn(agentID)
		if !ok {
			continue
		}
		r.emitter.Emit(connID, protocol.EventCollabDelivery, RequestEvent{
			SessionID: sess.ID,
			FromAgent: req.RequestingAgent,
			ToAgent:   agentID,
			Request:   req,
			Timestamp: protocol.NowMillis(),
		})
		delivered++
	}

	if delivered == 0 {
		r.logger.Warn("no collaborator found",
			"session_id", sess.ID,
			"request_id", req.RequestID,
			"target_agent", req.TargetAgent,
		)
		r.emitter.Emit(fromConn, protocol.EventCollabError, ErrorEvent{
			RequestID: req.RequestID,
			Error:     "no suitable collaborator available",
			Timestamp: protocol.NowMillis(),
		})
		return
	}

	sess.MarkCollabDelivered(req.RequestID)
	r.logger.Info("collaboration routed",
		"session_id", sess.ID,
		"request_id", req.RequestID,
		"targets", delivered,
	)
}

// resolve picks delivery targets. The requesting agent never receives its
// own request.
func (r *Router) resolve(sess *session.Session, req *protocol.CollaborationRequest) []string {
	if req.TargetAgent != "" {
		a, ok := sess.Agent(req.TargetAgent)
		if !ok || a.Status == protocol.AgentOffline {
			return nil
		}
		return []string{a.ID}
	}

	var targets []string
	for _, a := range sess.Agents() {
		if a.ID == req.RequestingAgent || a.Status == protocol.AgentOffline {
			continue
		}
		if !a.HasCapabilities(req.RequiredCapabilities) {
			continue
		}
		targets = append(targets, a.ID)
	}
	return targets
}

// Run sweeps for expired pending requests until the context is canceled.
func (r *Router) Run(ctx context.Context, interval time.Duration) {
	if r.timeout <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// Sweep expires pending requests older than the collaboration timeout in
// every live session. The requester's connection, when still bound, gets a
// collaboration-expired notice; nobody else is told.
func (r *Router) Sweep(now time.Time) int {
	if r.timeout <= 0 {
		return 0
	}
	total := 0
	for _, sess := range r.registry.List() {
		for _, requestID := range sess.ExpireCollabs(r.timeout, now) {
			total++
			r.logger.Warn("collaboration expired", "session_id", sess.ID, "request_id", requestID)
			rec, ok := sess.Collab(requestID)
			if !ok {
				continue
			}
			connID, ok := sess.AgentConn(rec.Request.RequestingAgent)
			if !ok {
				continue
			}
			r.emitter.Emit(connID, protocol.EventCollabExpired, ExpiredEvent{
				RequestID: requestID,
				Timestamp: protocol.NowMillis(),
			})
		}
	}
	return total
}
