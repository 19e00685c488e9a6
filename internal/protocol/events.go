// ABOUTME: Wire-level event names for the client/server frame vocabulary.
// ABOUTME: Inbound client events and outbound server events share this single source of truth.

package protocol

// Inbound client events, translated by the gateway into canonical Messages.
const (
	EventJoinSession   = "join-session"
	EventLeaveSession  = "leave-session"
	EventRegisterAgent = "register-agent"
	EventStartTask     = "start-task"
	EventAgentProgress = "agent-progress"
	EventCollabRequest = "collaboration-request"
	EventStartStream   = "start-stream"
	EventStreamChunk   = "stream-chunk"
	EventJoinStream    = "join-stream"
	EventARGSMessage   = "args-message"
)

// Outbound server events.
const (
	EventWelcome            = "args-welcome"
	EventSessionState       = "session-state"
	EventAgentRegistered    = "agent-registered"
	EventAgentUnregistered  = "agent-unregistered"
	EventAgentError         = "agent-error"
	EventTaskAssigned       = "task-assigned"
	EventTaskProgress       = "task-progress"
	EventTaskError          = "task-error"
	EventCollabDelivery     = "collaboration-request"
	EventCollabError        = "collaboration-error"
	EventCollabExpired      = "collaboration-expired"
	EventStreamStarted      = "stream-started"
	EventStreamData         = "stream-data"
	EventStreamEnded        = "stream-ended"
	EventSessionCleanup     = "session-cleanup"
	EventAuthError          = "auth-error"
	EventServerShutdown     = "server-shutdown"
	EventClientDisconnected = "client-disconnected"
	EventError              = "error"
)
