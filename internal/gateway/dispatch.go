// ABOUTME: Frame dispatcher translating client events into coordination engine calls.
// ABOUTME: Tracks which session and agents each connection owns for disconnect cleanup.

package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/brolostack/args-gateway/internal/collab"
	"github.com/brolostack/args-gateway/internal/config"
	"github.com/brolostack/args-gateway/internal/dedupe"
	"github.com/brolostack/args-gateway/internal/metrics"
	"github.com/brolostack/args-gateway/internal/protocol"
	"github.com/brolostack/args-gateway/internal/ratelimit"
	"github.com/brolostack/args-gateway/internal/session"
	"github.com/brolostack/args-gateway/internal/stream"
	"github.com/brolostack/args-gateway/internal/task"
	"github.com/brolostack/args-gateway/internal/transport"
)

// WelcomeEvent is the args-welcome handshake greeting.
type WelcomeEvent struct {
	ConnID       string   `json:"connId"`
	Server       string   `json:"server"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
	ServerTime   int64    `json:"serverTime"`
}

// serverCapabilities advertises the feature surface in the welcome frame.
var serverCapabilities = []string{"sessions", "agents", "tasks", "collaboration", "streaming"}

// ErrorEvent is the generic error frame sent back to a single client.
type ErrorEvent struct {
	Event     string `json:"event,omitempty"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// AgentRegisteredEvent announces a registration to the session.
type AgentRegisteredEvent struct {
	SessionID string              `json:"sessionId"`
	Agent     *protocol.AgentInfo `json:"agent"`
	Replaced  bool                `json:"replaced,omitempty"`
	Timestamp int64               `json:"timestamp"`
}

// AgentUnregisteredEvent announces that an agent went offline.
type AgentUnregisteredEvent struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

// ClientDisconnectedEvent tells remaining session members a peer left.
type ClientDisconnectedEvent struct {
	SessionID string `json:"sessionId"`
	ConnID    string `json:"connId"`
	Timestamp int64  `json:"timestamp"`
}

// Dispatcher implements transport.Handler. It is the single choke point
// between the wire vocabulary and the coordination engines: one inbound
// frame maps to at most one engine call.
type Dispatcher struct {
	registry *session.Registry
	tasks    *task.Engine
	collabs  *collab.Router
	streams  *stream.Manager
	hub      *transport.Hub
	limiter  *ratelimit.Limiter
	metrics  *metrics.Collector
	recent   *dedupe.Cache

	maxAgents int
	dupPolicy string
	logger    *slog.Logger

	mu          sync.Mutex
	connSession map[string]string              // conn id -> joined session
	connAgents  map[string]map[string]struct{} // conn id -> agents it registered
}

// NewDispatcher wires the dispatcher. limiter may be nil to disable rate
// limiting.
func NewDispatcher(
	registry *session.Registry,
	tasks *task.Engine,
	collabs *collab.Router,
	streams *stream.Manager,
	hub *transport.Hub,
	limiter *ratelimit.Limiter,
	collector *metrics.Collector,
	agentsCfg config.AgentsConfig,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:    registry,
		tasks:       tasks,
		collabs:     collabs,
		streams:     streams,
		hub:         hub,
		limiter:     limiter,
		metrics:     collector,
		recent:      dedupe.New(5*time.Minute, 10000),
		maxAgents:   agentsCfg.MaxAgentsPerSession,
		dupPolicy:   agentsCfg.DuplicateAgentPolicy,
		logger:      logger.With("component", "dispatcher"),
		connSession: make(map[string]string),
		connAgents:  make(map[string]map[string]struct{}),
	}
}

// Close stops the dedupe cache's expiry loop.
func (d *Dispatcher) Close() {
	d.recent.Close()
}

// HandleConnect implements transport.Handler.
func (d *Dispatcher) HandleConnect(c *transport.Conn) {
	d.metrics.Connections.Inc()
	c.Emit(protocol.EventWelcome, WelcomeEvent{
		ConnID:       c.ID,
		Server:       "args-gateway",
		Version:      Version,
		Capabilities: serverCapabilities,
		ServerTime:   protocol.NowMillis(),
	})
}

// HandleFrame implements transport.Handler. Runs on the connection's read
// goroutine, so per-sender ordering is preserved through dispatch.
func (d *Dispatcher) HandleFrame(c *transport.Conn, frame transport.Frame) {
	d.metrics.MessagesTotal.WithLabelValues(frame.Event).Inc()

	if d.limiter != nil && !d.limiter.Allow(c.ID) {
		d.metrics.RateLimited.Inc()
		d.emitError(c, frame.Event, "rate limit exceeded")
		return
	}

	switch frame.Event {
	case protocol.EventJoinSession:
		d.joinSession(c, frame.Data)
	case protocol.EventLeaveSession:
		d.leaveSession(c)
	case protocol.EventRegisterAgent:
		d.registerAgent(c, frame.Data)
	case protocol.EventStartTask:
		d.startTask(c, frame.Data)
	case protocol.EventAgentProgress:
		d.agentProgress(c, frame.Data)
	case protocol.EventCollabRequest:
		d.collabRequest(c, frame.Data)
	case protocol.EventStartStream:
		d.startStream(c, frame.Data)
	case protocol.EventStreamChunk:
		d.streamChunk(c, frame.Data)
	case protocol.EventJoinStream:
		d.joinStream(c, frame.Data)
	case protocol.EventARGSMessage:
		d.canonicalMessage(c, frame.Data)
	default:
		d.protocolError(c, frame.Event, "unknown event")
	}
}

// HandleDisconnect implements transport.Handler. The session itself
// survives the disconnect; only this connection's agents go offline.
func (d *Dispatcher) HandleDisconnect(c *transport.Conn) {
	d.metrics.Connections.Dec()
	if d.limiter != nil {
		d.limiter.Forget(c.ID)
	}

	d.mu.Lock()
	sessionID := d.connSession[c.ID]
	agents := d.connAgents[c.ID]
	delete(d.connSession, c.ID)
	delete(d.connAgents, c.ID)
	d.mu.Unlock()

	if sessionID == "" {
		return
	}
	sess, ok := d.registry.Get(sessionID)
	if !ok {
		return
	}

	for agentID := range agents {
		if sess.MarkAgentOffline(agentID) {
			d.hub.Broadcast(sessionID, protocol.EventAgentUnregistered, AgentUnregisteredEvent{
				SessionID: sessionID,
				AgentID:   agentID,
				Reason:    "disconnected",
				Timestamp: protocol.NowMillis(),
			})
		}
	}

	d.hub.Broadcast(sessionID, protocol.EventClientDisconnected, ClientDisconnectedEvent{
		SessionID: sessionID,
		ConnID:    c.ID,
		Timestamp: protocol.NowMillis(),
	})
}

type joinSessionRequest struct {
	SessionID string `json:"sessionId"`
}

func (d *Dispatcher) joinSession(c *transport.Conn, data json.RawMessage) {
	var req joinSessionRequest
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == "" {
		d.protocolError(c, protocol.EventJoinSession, "sessionId required")
		return
	}

	sess, created := d.registry.GetOrCreate(req.SessionID)
	if created {
		d.metrics.Sessions.Inc()
	}
	sess.Touch()

	d.mu.Lock()
	prev := d.connSession[c.ID]
	d.connSession[c.ID] = req.SessionID
	d.mu.Unlock()
	if prev != "" && prev != req.SessionID {
		c.Leave(prev)
	}
	c.Join(req.SessionID)

	c.Emit(protocol.EventSessionState, sess.Snapshot())
	d.logger.Info("client joined session", "conn_id", c.ID, "session_id", req.SessionID, "created", created)
}

func (d *Dispatcher) leaveSession(c *transport.Conn) {
	d.mu.Lock()
	sessionID := d.connSession[c.ID]
	delete(d.connSession, c.ID)
	d.mu.Unlock()
	if sessionID == "" {
		return
	}
	c.Leave(sessionID)
	d.registry.Touch(sessionID)
	d.logger.Info("client left session", "conn_id", c.ID, "session_id", sessionID)
}

func (d *Dispatcher) registerAgent(c *transport.Conn, data json.RawMessage) {
	sess, ok := d.joinedSession(c)
	if !ok {
		return
	}

	var info protocol.AgentInfo
	if err := json.Unmarshal(data, &info); err != nil {
		d.protocolError(c, protocol.EventRegisterAgent, "malformed agent payload")
		return
	}
	if err := info.Validate(); err != nil {
		d.protocolError(c, protocol.EventRegisterAgent, err.Error())
		return
	}
	if info.Status == "" {
		info.Status = protocol.AgentIdle
	}
	if info.Metadata.MaxConcurrentTasks <= 0 {
		info.Metadata.MaxConcurrentTasks = 1
	}

	if _, exists := sess.Agent(info.ID); exists && d.dupPolicy == config.DuplicateReject {
		c.Emit(protocol.EventAgentError, ErrorEvent{
			Event:     protocol.EventRegisterAgent,
			Message:   "agent id already registered",
			Timestamp: protocol.NowMillis(),
		})
		return
	}
	if d.maxAgents > 0 && sess.AgentCount() >= d.maxAgents {
		if _, exists := sess.Agent(info.ID); !exists {
			c.Emit(protocol.EventAgentError, ErrorEvent{
				Event:     protocol.EventRegisterAgent,
				Message:   "session agent limit reached",
				Timestamp: protocol.NowMillis(),
			})
			return
		}
	}

	replaced := sess.PutAgent(&info)
	sess.BindAgentConn(info.ID, c.ID)
	if replaced {
		d.logger.Warn("agent id re-registered", "session_id", sess.ID, "agent_id", info.ID)
	}

	d.mu.Lock()
	if d.connAgents[c.ID] == nil {
		d.connAgents[c.ID] = make(map[string]struct{})
	}
	d.connAgents[c.ID][info.ID] = struct{}{}
	d.mu.Unlock()

	d.hub.Broadcast(sess.ID, protocol.EventAgentRegistered, AgentRegisteredEvent{
		SessionID: sess.ID,
		Agent:     &info,
		Replaced:  replaced,
		Timestamp: protocol.NowMillis(),
	})
	d.logger.Info("agent registered",
		"session_id", sess.ID,
		"agent_id", info.ID,
		"type", info.Type,
		"capabilities", len(info.Capabilities),
	)
}

func (d *Dispatcher) startTask(c *transport.Conn, data json.RawMessage) {
	sess, ok := d.joinedSession(c)
	if !ok {
		return
	}
	var def protocol.TaskDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		d.protocolError(c, protocol.EventStartTask, "malformed task payload")
		return
	}
	if err := def.Validate(); err != nil {
		d.protocolError(c, protocol.EventStartTask, err.Error())
		return
	}
	// Retried frames must not dispatch the same task twice.
	if d.recent.Seen("task:" + sess.ID + ":" + def.ID) {
		d.logger.Debug("duplicate task start dropped", "session_id", sess.ID, "task_id", def.ID)
		return
	}
	d.tasks.Start(sess, &def)
	d.metrics.TasksTotal.WithLabelValues("started").Inc()
}

func (d *Dispatcher) agentProgress(c *transport.Conn, data json.RawMessage) {
	sess, ok := d.joinedSession(c)
	if !ok {
		return
	}
	var p protocol.TaskProgress
	if err := json.Unmarshal(data, &p); err != nil {
		d.protocolError(c, protocol.EventAgentProgress, "malformed progress payload")
		return
	}
	if err := p.Validate(); err != nil {
		d.protocolError(c, protocol.EventAgentProgress, err.Error())
		return
	}
	outcome := d.tasks.Progress(sess, &p)
	if outcome == session.ProgressAfterTerminal {
		d.metrics.ProtocolErrors.Inc()
		return
	}
	switch p.Status {
	case protocol.TaskCompleted:
		d.metrics.TasksTotal.WithLabelValues("completed").Inc()
	case protocol.TaskError:
		d.metrics.TasksTotal.WithLabelValues("error").Inc()
	}
}

func (d *Dispatcher) collabRequest(c *transport.Conn, data json.RawMessage) {
	sess, ok := d.joinedSession(c)
	if !ok {
		return
	}
	var req protocol.CollaborationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		d.protocolError(c, protocol.EventCollabRequest, "malformed collaboration payload")
		return
	}
	if err := req.Validate(); err != nil {
		d.protocolError(c, protocol.EventCollabRequest, err.Error())
		return
	}
	if d.recent.Seen("collab:" + sess.ID + ":" + req.RequestID) {
		d.logger.Debug("duplicate collaboration request dropped", "session_id", sess.ID, "request_id", req.RequestID)
		return
	}
	d.collabs.Route(sess, c.ID, &req)
}

func (d *Dispatcher) startStream(c *transport.Conn, data json.RawMessage) {
	sess, ok := d.joinedSession(c)
	if !ok {
		return
	}
	var cfg protocol.StreamConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		d.protocolError(c, protocol.EventStartStream, "malformed stream payload")
		return
	}
	if err := cfg.Validate(); err != nil {
		d.protocolError(c, protocol.EventStartStream, err.Error())
		return
	}
	if !d.streams.Start(sess, c.ID, &cfg) {
		d.protocolError(c, protocol.EventStartStream, "stream id already active")
	}
}

func (d *Dispatcher) streamChunk(c *transport.Conn, data json.RawMessage) {
	sess, ok := d.joinedSession(c)
	if !ok {
		return
	}
	var chunk protocol.StreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		d.protocolError(c, protocol.EventStreamChunk, "malformed chunk payload")
		return
	}
	if err := chunk.Validate(); err != nil {
		d.protocolError(c, protocol.EventStreamChunk, err.Error())
		return
	}
	if !d.streams.Chunk(sess, &chunk) {
		d.metrics.ProtocolErrors.Inc()
	}
}

type joinStreamRequest struct {
	StreamID string `json:"streamId"`
}

func (d *Dispatcher) joinStream(c *transport.Conn, data json.RawMessage) {
	sess, ok := d.joinedSession(c)
	if !ok {
		return
	}
	var req joinStreamRequest
	if err := json.Unmarshal(data, &req); err != nil || req.StreamID == "" {
		d.protocolError(c, protocol.EventJoinStream, "streamId required")
		return
	}
	if !d.streams.Join(sess, c.ID, req.StreamID) {
		d.protocolError(c, protocol.EventJoinStream, "no such active stream")
	}
}

// canonicalMessage handles the typed envelope form. The envelope names its
// own session, which must be the one this connection joined.
func (d *Dispatcher) canonicalMessage(c *transport.Conn, data json.RawMessage) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		d.protocolError(c, protocol.EventARGSMessage, "malformed envelope")
		return
	}
	payload, err := msg.Decode()
	if err != nil {
		d.protocolError(c, protocol.EventARGSMessage, err.Error())
		return
	}

	d.mu.Lock()
	joined := d.connSession[c.ID]
	d.mu.Unlock()
	if joined != msg.SessionID {
		d.protocolError(c, protocol.EventARGSMessage, "envelope session does not match joined session")
		return
	}

	sess, ok := d.registry.Get(msg.SessionID)
	if !ok {
		d.protocolError(c, protocol.EventARGSMessage, "unknown session")
		return
	}
	sess.Touch()

	switch p := payload.(type) {
	case *protocol.AgentInfo:
		raw, _ := json.Marshal(p)
		d.registerAgent(c, raw)
	case *protocol.TaskDefinition:
		if d.recent.Seen("task:" + sess.ID + ":" + p.ID) {
			return
		}
		d.tasks.Start(sess, p)
		d.metrics.TasksTotal.WithLabelValues("started").Inc()
	case *protocol.TaskProgress:
		d.tasks.Progress(sess, p)
	case *protocol.CollaborationRequest:
		if d.recent.Seen("collab:" + sess.ID + ":" + p.RequestID) {
			return
		}
		d.collabs.Route(sess, c.ID, p)
	case *protocol.StreamConfig:
		if !d.streams.Start(sess, c.ID, p) {
			d.protocolError(c, protocol.EventARGSMessage, "stream id already active")
		}
	case *protocol.StreamChunk:
		if !d.streams.Chunk(sess, p) {
			d.metrics.ProtocolErrors.Inc()
		}
	}
}

// joinedSession resolves the session this connection joined, emitting a
// protocol error when there is none.
func (d *Dispatcher) joinedSession(c *transport.Conn) (*session.Session, bool) {
	d.mu.Lock()
	sessionID := d.connSession[c.ID]
	d.mu.Unlock()
	if sessionID == "" {
		d.protocolError(c, "", "join a session first")
		return nil, false
	}
	sess, ok := d.registry.Get(sessionID)
	if !ok {
		// Session was evicted under this connection.
		d.protocolError(c, "", "session no longer exists")
		return nil, false
	}
	sess.Touch()
	return sess, true
}

func (d *Dispatcher) protocolError(c *transport.Conn, event, msg string) {
	d.metrics.ProtocolErrors.Inc()
	d.emitError(c, event, msg)
}

func (d *Dispatcher) emitError(c *transport.Conn, event, msg string) {
	d.logger.Warn("client error", "conn_id", c.ID, "event", event, "message", msg)
	c.Emit(protocol.EventError, ErrorEvent{
		Event:     event,
		Message:   msg,
		Timestamp: protocol.NowMillis(),
	})
}
