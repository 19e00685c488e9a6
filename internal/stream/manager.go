// ABOUTME: Stream manager multiplexing named data channels over per-stream rooms.
// ABOUTME: Chunks only reach subscribers of the derived stream room, never the whole session.

package stream

import (
	"log/slog"

	"github.com/brolostack/args-gateway/internal/protocol"
	"github.com/brolostack/args-gateway/internal/session"
	"github.com/brolostack/args-gateway/internal/transport"
)

// StartedEvent announces a new stream to the whole session so clients can
// decide whether to join the stream room.
type StartedEvent struct {
	SessionID string `json:"sessionId"`
	StreamID  string `json:"streamId"`
	Type      string `json:"type,omitempty"`
	Room      string `json:"room"`
	Timestamp int64  `json:"timestamp"`
}

// DataEvent carries one chunk to stream room subscribers.
type DataEvent struct {
	StreamID  string `json:"streamId"`
	Chunk     any    `json:"chunk"`
	IsLast    bool   `json:"isLast,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// EndedEvent closes out a stream for its subscribers.
type EndedEvent struct {
	StreamID  string `json:"streamId"`
	Timestamp int64  `json:"timestamp"`
}

// Manager owns the stream lifecycle within sessions. Stream state lives on
// the session; the manager adds room plumbing and broadcast.
type Manager struct {
	hub    *transport.Hub
	logger *slog.Logger
}

// NewManager creates the stream manager. It needs the hub directly, not
// just a Broadcaster, because starting a stream subscribes the initiating
// connection to the stream room.
func NewManager(hub *transport.Hub, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		hub:    hub,
		logger: logger.With("component", "stream-manager"),
	}
}

// Start registers the stream, subscribes the initiating connection to the
// stream room, and announces the stream to the session. A duplicate stream
// id within the session is rejected.
func (m *Manager) Start(sess *session.Session, connID string, cfg *protocol.StreamConfig) bool {
	if !sess.AddStream(cfg) {
		m.logger.Warn("duplicate stream id",
			"session_id", sess.ID,
			"stream_id", cfg.StreamID,
		)
		return false
	}

	room := protocol.StreamRoom(sess.ID, cfg.StreamID)
	m.hub.Join(connID, room)

	m.hub.Broadcast(sess.ID, protocol.EventStreamStarted, StartedEvent{
		SessionID: sess.ID,
		StreamID:  cfg.StreamID,
		Type:      cfg.Type,
		Room:      room,
		Timestamp: protocol.NowMillis(),
	})
	m.logger.Info("stream started", "session_id", sess.ID, "stream_id", cfg.StreamID)
	return true
}

// Join subscribes a connection to an active stream's room. Joining a stream
// that was never started or already ended is a protocol error.
func (m *Manager) Join(sess *session.Session, connID, streamID string) bool {
	if !sess.HasStream(streamID) {
		m.logger.Warn("join on inactive stream",
			"session_id", sess.ID,
			"stream_id", streamID,
		)
		return false
	}
	m.hub.Join(connID, protocol.StreamRoom(sess.ID, streamID))
	return true
}

// Chunk relays one chunk to the stream room. Chunks for inactive streams
// are dropped. A chunk with isLast set ends the stream and emits
// stream-ended to the room after the data.
func (m *Manager) Chunk(sess *session.Session, c *protocol.StreamChunk) bool {
	if !sess.HasStream(c.StreamID) {
		m.logger.Warn("chunk for inactive stream",
			"session_id", sess.ID,
			"stream_id", c.StreamID,
		)
		return false
	}

	room := protocol.StreamRoom(sess.ID, c.StreamID)
	m.hub.Broadcast(room, protocol.EventStreamData, DataEvent{
		StreamID:  c.StreamID,
		Chunk:     c.Chunk,
		IsLast:    c.IsLast,
		Timestamp: protocol.NowMillis(),
	})

	if c.IsLast {
		sess.EndStream(c.StreamID)
		m.hub.Broadcast(room, protocol.EventStreamEnded, EndedEvent{
			StreamID:  c.StreamID,
			Timestamp: protocol.NowMillis(),
		})
		m.logger.Info("stream ended", "session_id", sess.ID, "stream_id", c.StreamID)
	}
	return true
}
