// ABOUTME: Task distribution engine matching tasks to agents under three collaboration modes.
// ABOUTME: Also folds progress updates into session metrics and sweeps timed-out tasks.

package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/brolostack/args-gateway/internal/protocol"
	"github.com/brolostack/args-gateway/internal/session"
	"github.com/brolostack/args-gateway/internal/transport"
)

// noSuitableAgents is the task-error reason when matching yields no candidates.
const noSuitableAgents = "No suitable agents found for task"

// taskTimeoutExceeded is the task-error reason emitted by the expiry sweep.
const taskTimeoutExceeded = "task timeout exceeded"

// concurrencyLimitReached is the task-error reason when the session already
// has the maximum number of in-flight tasks.
const concurrencyLimitReached = "concurrent task limit reached"

// AssignedEvent is the task-assigned broadcast payload. Sequential and
// parallel assignments carry AgentID; hybrid carries PrimaryAgent and
// SupportAgents instead.
type AssignedEvent struct {
	TaskID        string                     `json:"taskId"`
	AgentID       string                     `json:"agentId,omitempty"`
	PrimaryAgent  string                     `json:"primaryAgent,omitempty"`
	SupportAgents []string                   `json:"supportAgents,omitempty"`
	Mode          protocol.CollaborationMode `json:"mode"`
	Definition    *protocol.TaskDefinition   `json:"taskDefinition"`
	Timestamp     int64                      `json:"timestamp"`
}

// ErrorEvent is the task-error broadcast payload.
type ErrorEvent struct {
	TaskID          string                    `json:"taskId"`
	Error           string                    `json:"error"`
	Requirements    protocol.TaskRequirements `json:"requirements"`
	AvailableAgents int                       `json:"availableAgents"`
	Timestamp       int64                     `json:"timestamp"`
}

// ProgressEvent wraps a progress update for session broadcast.
type ProgressEvent struct {
	SessionID string                 `json:"sessionId"`
	Progress  *protocol.TaskProgress `json:"progress"`
	Timestamp int64                  `json:"timestamp"`
}

// Engine distributes tasks within sessions. Fire and forget: assignment is
// broadcast to the session room and never acknowledged, so the server has
// no confirmation that an assigned agent begins work.
type Engine struct {
	registry      *session.Registry
	broadcaster   transport.Broadcaster
	taskTimeout   time.Duration
	maxConcurrent int
	logger        *slog.Logger
}

// NewEngine creates the distribution engine. taskTimeout of zero disables
// the expiry sweep; maxConcurrent of zero removes the per-session cap on
// in-flight tasks.
func NewEngine(registry *session.Registry, broadcaster transport.Broadcaster, taskTimeout time.Duration, maxConcurrent int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry:      registry,
		broadcaster:   broadcaster,
		taskTimeout:   taskTimeout,
		maxConcurrent: maxConcurrent,
		logger:        logger.With("component", "task-engine"),
	}
}

// Candidates returns the agents that qualify for a task: type membership,
// capability superset, and available capacity. Empty requirement sets
// impose no constraint. Offline agents never qualify.
func Candidates(agents []protocol.AgentInfo, def *protocol.TaskDefinition) []protocol.AgentInfo {
	var out []protocol.AgentInfo
	for _, a := range agents {
		if a.Status == protocol.AgentOffline {
			continue
		}
		if len(def.Requirements.AgentTypes) > 0 && !contains(def.Requirements.AgentTypes, a.Type) {
			continue
		}
		if !a.HasCapabilities(def.Requirements.Capabilities) {
			continue
		}
		if a.Status != protocol.AgentIdle && a.Metadata.CurrentTasks >= a.Metadata.MaxConcurrentTasks {
			continue
		}
		out = append(out, a)
	}
	return out
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Start records the task, matches candidates, and dispatches by
// collaboration mode. A task with no candidates stays recorded but
// unassigned; exactly one task-error is emitted and the attempt is not
// retried.
func (e *Engine) Start(sess *session.Session, def *protocol.TaskDefinition) {
	if e.maxConcurrent > 0 && sess.RunningTaskCount() >= e.maxConcurrent {
		e.logger.Warn("concurrent task limit reached",
			"session_id", sess.ID,
			"task_id", def.ID,
			"limit", e.maxConcurrent,
		)
		e.broadcaster.Broadcast(sess.ID, protocol.EventTaskError, ErrorEvent{
			TaskID:          def.ID,
			Error:           concurrencyLimitReached,
			Requirements:    def.Requirements,
			AvailableAgents: sess.AgentCount(),
			Timestamp:       protocol.NowMillis(),
		})
		return
	}
	sess.AddTask(def)

	candidates := Candidates(sess.Agents(), def)
	if len(candidates) == 0 {
		e.logger.Warn("no suitable agents for task",
			"session_id", sess.ID,
			"task_id", def.ID,
		)
		e.broadcaster.Broadcast(sess.ID, protocol.EventTaskError, ErrorEvent{
			TaskID:          def.ID,
			Error:           noSuitableAgents,
			Requirements:    def.Requirements,
			AvailableAgents: sess.AgentCount(),
			Timestamp:       protocol.NowMillis(),
		})
		return
	}

	switch def.Mode() {
	case protocol.ModeParallel:
		e.assignParallel(sess, def, candidates)
	case protocol.ModeHybrid:
		e.assignHybrid(sess, def, candidates)
	default:
		e.assignSequential(sess, def, candidates)
	}

	e.logger.Info("task dispatched",
		"session_id", sess.ID,
		"task_id", def.ID,
		"mode", def.Mode(),
		"candidates", len(candidates),
	)
}

// assignSequential assigns to exactly one candidate: the first in
// registration order. No priority ranking is applied.
func (e *Engine) assignSequential(sess *session.Session, def *protocol.TaskDefinition, candidates []protocol.AgentInfo) {
	agent := candidates[0]
	sess.MarkAssigned([]string{agent.ID})
	e.broadcaster.Broadcast(sess.ID, protocol.EventTaskAssigned, AssignedEvent{
		TaskID:     def.ID,
		AgentID:    agent.ID,
		Mode:       protocol.ModeSequential,
		Definition: def,
		Timestamp:  protocol.NowMillis(),
	})
}

// assignParallel fans out one task-assigned event per candidate, all
// carrying the same task id.
func (e *Engine) assignParallel(sess *session.Session, def *protocol.TaskDefinition, candidates []protocol.AgentInfo) {
	ids := make([]string, len(candidates))
	for i, a := range candidates {
		ids[i] = a.ID
	}
	sess.MarkAssigned(ids)
	for _, id := range ids {
		e.broadcaster.Broadcast(sess.ID, protocol.EventTaskAssigned, AssignedEvent{
			TaskID:     def.ID,
			AgentID:    id,
			Mode:       protocol.ModeParallel,
			Definition: def,
			Timestamp:  protocol.NowMillis(),
		})
	}
}

// assignHybrid designates the first candidate as primary and the rest as
// support, in a single event. How primary and support split the work is
// left to the agents; the server only establishes the assignment.
func (e *Engine) assignHybrid(sess *session.Session, def *protocol.TaskDefinition, candidates []protocol.AgentInfo) {
	ids := make([]string, len(candidates))
	for i, a := range candidates {
		ids[i] = a.ID
	}
	sess.MarkAssigned(ids)
	e.broadcaster.Broadcast(sess.ID, protocol.EventTaskAssigned, AssignedEvent{
		TaskID:        def.ID,
		PrimaryAgent:  ids[0],
		SupportAgents: ids[1:],
		Mode:          protocol.ModeHybrid,
		Definition:    def,
		Timestamp:     protocol.NowMillis(),
	})
}

// Progress folds a progress update into session metrics and rebroadcasts
// it to the room. Updates for tasks already in a terminal state are
// dropped as protocol errors. Returns the outcome for caller accounting.
func (e *Engine) Progress(sess *session.Session, p *protocol.TaskProgress) session.ProgressOutcome {
	outcome := sess.RecordProgress(p)
	if outcome == session.ProgressAfterTerminal {
		e.logger.Warn("progress after terminal state dropped",
			"session_id", sess.ID,
			"task_id", p.TaskID,
			"agent_id", p.AgentID,
			"status", p.Status,
		)
		return outcome
	}

	e.broadcaster.Broadcast(sess.ID, protocol.EventTaskProgress, ProgressEvent{
		SessionID: sess.ID,
		Progress:  p,
		Timestamp: protocol.NowMillis(),
	})
	return outcome
}

// Run sweeps for timed-out tasks on the given cadence until the context is
// canceled. No-op when the engine has no task timeout configured.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if e.taskTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.Sweep(now)
		}
	}
}

// Sweep expires tasks that exceeded the task timeout in every live
// session, broadcasting one task-error per expired task.
func (e *Engine) Sweep(now time.Time) int {
	if e.taskTimeout <= 0 {
		return 0
	}
	total := 0
	for _, sess := range e.registry.List() {
		for _, taskID := range sess.ExpireTasks(e.taskTimeout, now) {
			total++
			e.logger.Warn("task expired", "session_id", sess.ID, "task_id", taskID)
			e.broadcaster.Broadcast(sess.ID, protocol.EventTaskError, ErrorEvent{
				TaskID:    taskID,
				Error:     taskTimeoutExceeded,
				Timestamp: protocol.NowMillis(),
			})
		}
	}
	return total
}
