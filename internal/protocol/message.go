// ABOUTME: ARGS protocol message envelope and typed payload definitions.
// ABOUTME: Provides per-type payload decoding so malformed frames fail before dispatch.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Protocol identification sent in the welcome handshake.
const (
	ProtocolName    = "ARGS"
	ProtocolVersion = "1.0.0"
)

// Envelope errors.
var (
	ErrMissingSessionID = errors.New("missing session id")
	ErrUnknownType      = errors.New("unknown message type")
	ErrMalformedPayload = errors.New("malformed payload")
)

// Type discriminates the payload shape of a Message.
type Type string

// Core message types. Extension types pass through the raw-envelope path
// and are broadcast verbatim to the session room.
const (
	TypeAgentRegister        Type = "AGENT_REGISTER"
	TypeTaskStart            Type = "TASK_START"
	TypeTaskProgress         Type = "TASK_PROGRESS"
	TypeCollaborationRequest Type = "COLLABORATION_REQUEST"
	TypeStreamStart          Type = "STREAM_START"
	TypeStreamData           Type = "STREAM_DATA"
)

// Message is the ARGS protocol envelope. Type determines how Payload decodes;
// Decode rejects payloads that do not match the declared type.
type Message struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  *Metadata       `json:"metadata,omitempty"`
}

// Metadata carries optional envelope context such as the originating agent.
type Metadata struct {
	AgentID   string `json:"agentId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Payload is implemented by every typed message body.
type Payload interface {
	MessageType() Type
	Validate() error
}

// AgentStatus tracks an agent's availability within a session.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// AgentMetadata holds load accounting for task assignment.
type AgentMetadata struct {
	Name               string `json:"name,omitempty"`
	Version            string `json:"version,omitempty"`
	CurrentTasks       int    `json:"currentTasks"`
	MaxConcurrentTasks int    `json:"maxConcurrentTasks"`
}

// AgentInfo is the AGENT_REGISTER payload and the per-session agent record.
type AgentInfo struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Capabilities []string      `json:"capabilities"`
	Status       AgentStatus   `json:"status"`
	Metadata     AgentMetadata `json:"metadata"`
}

// MessageType implements Payload.
func (a *AgentInfo) MessageType() Type { return TypeAgentRegister }

// Validate implements Payload.
func (a *AgentInfo) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: agent id required", ErrMalformedPayload)
	}
	return nil
}

// HasCapabilities reports whether the agent's capability set is a superset
// of required.
func (a *AgentInfo) HasCapabilities(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range a.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CollaborationMode selects the task assignment strategy.
type CollaborationMode string

const (
	ModeSequential CollaborationMode = "sequential"
	ModeParallel   CollaborationMode = "parallel"
	ModeHybrid     CollaborationMode = "hybrid"
)

// TaskRequirements constrain which agents qualify for a task.
type TaskRequirements struct {
	AgentTypes   []string `json:"agentTypes"`
	Capabilities []string `json:"capabilities"`
}

// TaskDefinition is the TASK_START payload.
type TaskDefinition struct {
	ID                string            `json:"id"`
	Type              string            `json:"type"`
	Requirements      TaskRequirements  `json:"requirements"`
	CollaborationMode CollaborationMode `json:"collaborationMode"`
	Payload           json.RawMessage   `json:"payload,omitempty"`
}

// MessageType implements Payload.
func (t *TaskDefinition) MessageType() Type { return TypeTaskStart }

// Validate implements Payload.
func (t *TaskDefinition) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: task id required", ErrMalformedPayload)
	}
	switch t.CollaborationMode {
	case ModeSequential, ModeParallel, ModeHybrid, "":
	default:
		return fmt.Errorf("%w: collaboration mode %q", ErrMalformedPayload, t.CollaborationMode)
	}
	return nil
}

// Mode returns the collaboration mode, defaulting to sequential.
func (t *TaskDefinition) Mode() CollaborationMode {
	if t.CollaborationMode == "" {
		return ModeSequential
	}
	return t.CollaborationMode
}

// TaskStatus values reported in progress updates. The set is open-ended;
// completed and error are the only values with metric side effects.
const (
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskError     = "error"
	TaskExpired   = "expired"
)

// TaskMetrics carries optional measurements from a progress update.
type TaskMetrics struct {
	ExecutionTime float64 `json:"executionTime,omitempty"`
	MemoryUsage   float64 `json:"memoryUsage,omitempty"`
	CPUUsage      float64 `json:"cpuUsage,omitempty"`
}

// TaskProgress is the TASK_PROGRESS payload. It is transient state: folded
// into session metrics, never stored as an entity.
type TaskProgress struct {
	TaskID   string          `json:"taskId"`
	AgentID  string          `json:"agentId"`
	Status   string          `json:"status"`
	Progress float64         `json:"progress,omitempty"`
	Message  string          `json:"message,omitempty"`
	Metrics  *TaskMetrics    `json:"metrics,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// MessageType implements Payload.
func (p *TaskProgress) MessageType() Type { return TypeTaskProgress }

// Validate implements Payload.
func (p *TaskProgress) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("%w: task id required", ErrMalformedPayload)
	}
	if p.AgentID == "" {
		return fmt.Errorf("%w: agent id required", ErrMalformedPayload)
	}
	return nil
}

// CollaborationStatus tracks the lifecycle of a stored request.
type CollaborationStatus string

const (
	CollabPending   CollaborationStatus = "pending"
	CollabDelivered CollaborationStatus = "delivered"
	CollabExpired   CollaborationStatus = "expired"
)

// CollaborationRequest is the COLLABORATION_REQUEST payload. Either
// TargetAgent (explicit routing) or RequiredCapabilities (capability routing)
// selects the recipients.
type CollaborationRequest struct {
	RequestID            string          `json:"requestId"`
	RequestingAgent      string          `json:"requestingAgent"`
	TargetAgent          string          `json:"targetAgent,omitempty"`
	RequiredCapabilities []string        `json:"requiredCapabilities,omitempty"`
	CollaborationType    string          `json:"collaborationType"`
	Context              json.RawMessage `json:"context,omitempty"`
	Urgency              string          `json:"urgency,omitempty"`
	Deadline             int64           `json:"deadline,omitempty"`
}

// MessageType implements Payload.
func (c *CollaborationRequest) MessageType() Type { return TypeCollaborationRequest }

// Validate implements Payload.
func (c *CollaborationRequest) Validate() error {
	if c.RequestID == "" {
		return fmt.Errorf("%w: request id required", ErrMalformedPayload)
	}
	if c.RequestingAgent == "" {
		return fmt.Errorf("%w: requesting agent required", ErrMalformedPayload)
	}
	return nil
}

// StreamConfig is the STREAM_START payload.
type StreamConfig struct {
	StreamID string `json:"streamId"`
	Type     string `json:"type,omitempty"`
}

// MessageType implements Payload.
func (s *StreamConfig) MessageType() Type { return TypeStreamStart }

// Validate implements Payload.
func (s *StreamConfig) Validate() error {
	if s.StreamID == "" {
		return fmt.Errorf("%w: stream id required", ErrMalformedPayload)
	}
	return nil
}

// StreamChunk is the STREAM_DATA payload. IsLast terminates the stream.
type StreamChunk struct {
	StreamID string          `json:"streamId"`
	Chunk    json.RawMessage `json:"chunk"`
	IsLast   bool            `json:"isLast,omitempty"`
}

// MessageType implements Payload.
func (s *StreamChunk) MessageType() Type { return TypeStreamData }

// Validate implements Payload.
func (s *StreamChunk) Validate() error {
	if s.StreamID == "" {
		return fmt.Errorf("%w: stream id required", ErrMalformedPayload)
	}
	return nil
}

// Decode parses the envelope payload into its typed form based on Type.
// Unknown types return ErrUnknownType so the dispatcher can treat the frame
// as an extension message.
func (m *Message) Decode() (Payload, error) {
	if m.SessionID == "" {
		return nil, ErrMissingSessionID
	}

	var p Payload
	switch m.Type {
	case TypeAgentRegister:
		p = &AgentInfo{}
	case TypeTaskStart:
		p = &TaskDefinition{}
	case TypeTaskProgress:
		p = &TaskProgress{}
	case TypeCollaborationRequest:
		p = &CollaborationRequest{}
	case TypeStreamStart:
		p = &StreamConfig{}
	case TypeStreamData:
		p = &StreamChunk{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}

	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// AgentID returns the agent id carried in the envelope metadata, if any.
func (m *Message) AgentID() string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata.AgentID
}

// NewMessage builds an envelope around an already-typed payload.
func NewMessage(sessionID string, p Payload) (*Message, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return &Message{
		Type:      p.MessageType(),
		SessionID: sessionID,
		Payload:   raw,
		Metadata:  &Metadata{Timestamp: NowMillis()},
	}, nil
}

// StreamRoom derives the broadcast room for a stream. Chunks fan out to this
// room only, never to the whole session.
func StreamRoom(sessionID, streamID string) string {
	return sessionID + streamID
}

// NowMillis returns the current time in epoch milliseconds, the timestamp
// unit used throughout the wire protocol.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
