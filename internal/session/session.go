// ABOUTME: Session aggregate owning agents, tasks, streams, and collaboration requests.
// ABOUTME: All nested-map mutation goes through accessor methods guarded by a per-session mutex.

package session

import (
	"sync"
	"time"

	"github.com/brolostack/args-gateway/internal/protocol"
)

// Status of a session lifecycle.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Metrics aggregates task outcomes for a session.
type Metrics struct {
	TotalTasks       int     `json:"totalTasks"`
	CompletedTasks   int     `json:"completedTasks"`
	ErrorCount       int     `json:"errorCount"`
	AvgExecutionTime float64 `json:"avgExecutionTime"`
}

// TaskRecord is a stored task definition plus server-side tracking state.
type TaskRecord struct {
	Definition protocol.TaskDefinition `json:"definition"`
	Status     string                  `json:"status"`
	StartedAt  time.Time               `json:"startedAt"`
	LastUpdate time.Time               `json:"lastUpdate"`
}

// terminal reports whether the task has reached a final state.
func (t *TaskRecord) terminal() bool {
	return t.Status == protocol.TaskCompleted || t.Status == protocol.TaskError || t.Status == protocol.TaskExpired
}

// CollabRecord is a stored collaboration request plus resolution state.
type CollabRecord struct {
	Request   protocol.CollaborationRequest `json:"request"`
	Status    protocol.CollaborationStatus  `json:"status"`
	CreatedAt time.Time                     `json:"createdAt"`
}

// ProgressOutcome describes how RecordProgress applied an update.
type ProgressOutcome int

const (
	// ProgressApplied means the update was folded into session metrics.
	ProgressApplied ProgressOutcome = iota
	// ProgressAfterTerminal means the task already reached a final state
	// and the update was dropped without metric effects.
	ProgressAfterTerminal
)

// Session is the root aggregate: a broadcast scope grouping agents, tasks,
// and streams. It is owned exclusively by the Registry; other components
// access it only through registry lookups and never retain references
// across asynchronous boundaries.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	status       Status
	agents       map[string]*protocol.AgentInfo
	agentOrder   []string          // registration order, drives sequential assignment
	agentConns   map[string]string // agent id -> connection that registered it
	tasks        map[string]*TaskRecord
	streams      map[string]*protocol.StreamConfig
	collabs      map[string]*CollabRecord
	metrics      Metrics
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		ID:           id,
		CreatedAt:    now,
		lastActivity: now,
		status:       StatusActive,
		agents:       make(map[string]*protocol.AgentInfo),
		agentConns:   make(map[string]string),
		tasks:        make(map[string]*TaskRecord),
		streams:      make(map[string]*protocol.StreamConfig),
		collabs:      make(map[string]*CollabRecord),
	}
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the last-activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Status returns the session lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus updates the session lifecycle status.
func (s *Session) SetStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// PutAgent inserts or overwrites an agent registration and touches the
// session. Returns true if an agent with the same id was replaced.
func (s *Session) PutAgent(info *protocol.AgentInfo) (replaced bool) {
	cp := *info
	s.mu.Lock()
	defer s.mu.Unlock()
	_, replaced = s.agents[cp.ID]
	s.agents[cp.ID] = &cp
	if !replaced {
		s.agentOrder = append(s.agentOrder, cp.ID)
	}
	s.lastActivity = time.Now()
	return replaced
}

// BindAgentConn records which connection speaks for an agent. Targeted
// frames (collaboration requests, errors) are delivered through this
// binding rather than broadcast to the session.
func (s *Session) BindAgentConn(agentID, connID string) {
	s.mu.Lock()
	s.agentConns[agentID] = connID
	s.mu.Unlock()
}

// AgentConn returns the connection bound to an agent, if any.
func (s *Session) AgentConn(agentID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	connID, ok := s.agentConns[agentID]
	return connID, ok
}

// Agent returns a copy of the agent with the given id.
func (s *Session) Agent(id string) (protocol.AgentInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return protocol.AgentInfo{}, false
	}
	return *a, true
}

// Agents returns copies of all registered agents in registration order.
func (s *Session) Agents() []protocol.AgentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentsLocked()
}

// agentsLocked snapshots agents in registration order. Must hold s.mu.
func (s *Session) agentsLocked() []protocol.AgentInfo {
	out := make([]protocol.AgentInfo, 0, len(s.agents))
	for _, id := range s.agentOrder {
		if a, ok := s.agents[id]; ok {
			out = append(out, *a)
		}
	}
	return out
}

// MarkAssigned bumps load accounting for agents that just received a task:
// currentTasks is incremented and the agent flagged busy.
func (s *Session) MarkAssigned(agentIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range agentIDs {
		a, ok := s.agents[id]
		if !ok {
			continue
		}
		a.Metadata.CurrentTasks++
		a.Status = protocol.AgentBusy
	}
}

// AgentCount returns the number of registered agents, live or offline.
func (s *Session) AgentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agents)
}

// MarkAgentOffline flags an agent as offline without removing it, so that
// session state survives transient reconnects. Returns false if the agent
// is not registered.
func (s *Session) MarkAgentOffline(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return false
	}
	a.Status = protocol.AgentOffline
	delete(s.agentConns, id)
	return true
}

// AddTask stores a task definition, increments totalTasks, and touches the
// session. A duplicate id overwrites the prior record.
func (s *Session) AddTask(def *protocol.TaskDefinition) *TaskRecord {
	now := time.Now()
	rec := &TaskRecord{
		Definition: *def,
		Status:     protocol.TaskRunning,
		StartedAt:  now,
		LastUpdate: now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[def.ID] = rec
	s.metrics.TotalTasks++
	s.lastActivity = now
	return rec
}

// Task returns the stored record for a task id.
func (s *Session) Task(id string) (TaskRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return TaskRecord{}, false
	}
	return *t, true
}

// TaskCount returns the number of stored tasks.
func (s *Session) TaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// RunningTaskCount returns the number of tasks not yet in a terminal state.
func (s *Session) RunningTaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.tasks {
		if !rec.terminal() {
			n++
		}
	}
	return n
}

// RecordProgress folds a progress update into session metrics under a single
// critical section: completed increments completedTasks and updates the
// running average of execution time, error increments errorCount. Updates
// for tasks that already reached a terminal state are dropped.
func (s *Session) RecordProgress(p *protocol.TaskProgress) ProgressOutcome {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now

	rec, tracked := s.tasks[p.TaskID]
	if tracked && rec.terminal() {
		return ProgressAfterTerminal
	}
	if tracked {
		rec.Status = p.Status
		rec.LastUpdate = now
	}

	switch p.Status {
	case protocol.TaskCompleted:
		s.metrics.CompletedTasks++
		if p.Metrics != nil && p.Metrics.ExecutionTime > 0 {
			n := float64(s.metrics.CompletedTasks)
			s.metrics.AvgExecutionTime = (s.metrics.AvgExecutionTime*(n-1) + p.Metrics.ExecutionTime) / n
		}
		s.releaseAgentLocked(p.AgentID)
	case protocol.TaskError:
		s.metrics.ErrorCount++
		s.releaseAgentLocked(p.AgentID)
	}
	return ProgressApplied
}

// releaseAgentLocked unwinds load accounting after a terminal task outcome.
// Must hold s.mu.
func (s *Session) releaseAgentLocked(agentID string) {
	a, ok := s.agents[agentID]
	if !ok {
		return
	}
	if a.Metadata.CurrentTasks > 0 {
		a.Metadata.CurrentTasks--
	}
	if a.Metadata.CurrentTasks == 0 && a.Status == protocol.AgentBusy {
		a.Status = protocol.AgentIdle
	}
}

// ExpireTasks marks non-terminal tasks older than timeout as expired,
// incrementing errorCount for each. Returns the expired task ids.
func (s *Session) ExpireTasks(timeout time.Duration, now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []string
	for id, rec := range s.tasks {
		if rec.terminal() {
			continue
		}
		if now.Sub(rec.StartedAt) > timeout {
			rec.Status = protocol.TaskExpired
			rec.LastUpdate = now
			s.metrics.ErrorCount++
			expired = append(expired, id)
		}
	}
	return expired
}

// AddCollab stores a collaboration request in pending state and touches the
// session.
func (s *Session) AddCollab(req *protocol.CollaborationRequest) *CollabRecord {
	now := time.Now()
	rec := &CollabRecord{
		Request:   *req,
		Status:    protocol.CollabPending,
		CreatedAt: now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collabs[req.RequestID] = rec
	s.lastActivity = now
	return rec
}

// Collab returns the stored record for a collaboration request id.
func (s *Session) Collab(requestID string) (CollabRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.collabs[requestID]
	if !ok {
		return CollabRecord{}, false
	}
	return *rec, true
}

// MarkCollabDelivered transitions a pending request to delivered.
func (s *Session) MarkCollabDelivered(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.collabs[requestID]; ok && rec.Status == protocol.CollabPending {
		rec.Status = protocol.CollabDelivered
	}
}

// ExpireCollabs marks pending requests older than timeout as expired and
// returns their ids.
func (s *Session) ExpireCollabs(timeout time.Duration, now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []string
	for id, rec := range s.collabs {
		if rec.Status != protocol.CollabPending {
			continue
		}
		if now.Sub(rec.CreatedAt) > timeout {
			rec.Status = protocol.CollabExpired
			expired = append(expired, id)
		}
	}
	return expired
}

// CollabCount returns the number of stored collaboration requests.
func (s *Session) CollabCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.collabs)
}

// AddStream registers a stream config and touches the session. Returns false
// if a stream with the same id is already active.
func (s *Session) AddStream(cfg *protocol.StreamConfig) bool {
	cp := *cfg
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.streams[cp.StreamID]; exists {
		return false
	}
	s.streams[cp.StreamID] = &cp
	s.lastActivity = time.Now()
	return true
}

// HasStream reports whether the stream id is currently active.
func (s *Session) HasStream(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[id]
	return ok
}

// EndStream removes an active stream. Returns false if the stream was not
// active, which callers treat as a protocol error.
func (s *Session) EndStream(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[id]; !ok {
		return false
	}
	delete(s.streams, id)
	s.lastActivity = time.Now()
	return true
}

// StreamCount returns the number of active streams.
func (s *Session) StreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// Metrics returns a copy of the aggregate metrics.
func (s *Session) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// State is a point-in-time snapshot of a session, sent to joining clients
// and returned by the admin API.
type State struct {
	SessionID             string               `json:"sessionId"`
	CreatedAt             int64                `json:"createdAt"`
	LastActivity          int64                `json:"lastActivity"`
	Status                Status               `json:"status"`
	Agents                []protocol.AgentInfo `json:"agents"`
	Tasks                 []TaskRecord         `json:"tasks"`
	ActiveStreams         int                  `json:"activeStreams"`
	CollaborationRequests int                  `json:"collaborationRequests"`
	Metrics               Metrics              `json:"metrics"`
}

// Snapshot captures the session state under a single lock acquisition.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	agents := s.agentsLocked()
	tasks := make([]TaskRecord, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, *t)
	}

	return State{
		SessionID:             s.ID,
		CreatedAt:             s.CreatedAt.UnixMilli(),
		LastActivity:          s.lastActivity.UnixMilli(),
		Status:                s.status,
		Agents:                agents,
		Tasks:                 tasks,
		ActiveStreams:         len(s.streams),
		CollaborationRequests: len(s.collabs),
		Metrics:               s.metrics,
	}
}
