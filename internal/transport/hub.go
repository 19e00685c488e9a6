// ABOUTME: In-process room table with non-blocking fan-out to connection send queues.
// ABOUTME: Implements the pub/sub primitives the coordination components depend on.

package transport

import (
	"encoding/json"
	"log/slog"
	"sync"
)

const (
	// sendBufferSize is the per-connection outbound queue depth. Slow
	// consumers drop frames rather than stall broadcast fan-out.
	sendBufferSize = 64
)

// Frame is the wire unit: an event name and a JSON data body.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Broadcaster is the outbound fan-out surface the coordination components
// use. Any room-capable pub/sub transport can satisfy it.
type Broadcaster interface {
	// Broadcast delivers an event to every connection joined to the room.
	// Delivery is at-most-once, best effort.
	Broadcast(room, event string, data any)
}

// Hub maintains connections, their room memberships, and per-connection
// send queues. It is the in-process realization of the transport boundary:
// join/leave/broadcast over an internal room table.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]chan Frame          // conn id -> send queue
	rooms  map[string]map[string]struct{} // room -> conn ids
	member map[string]map[string]struct{} // conn id -> rooms
	logger *slog.Logger

	broadcastHook func()
}

// NewHub creates an empty hub. Pass nil logger for the default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:  make(map[string]chan Frame),
		rooms:  make(map[string]map[string]struct{}),
		member: make(map[string]map[string]struct{}),
		logger: logger.With("component", "hub"),
	}
}

// SetBroadcastHook installs a callback invoked once per Broadcast call,
// before fan-out. Set during wiring, before any connection registers.
func (h *Hub) SetBroadcastHook(fn func()) {
	h.broadcastHook = fn
}

// Register adds a connection and returns its send queue. The caller drains
// the queue until Unregister closes it.
func (h *Hub) Register(connID string) <-chan Frame {
	ch := make(chan Frame, sendBufferSize)
	h.mu.Lock()
	h.conns[connID] = ch
	h.member[connID] = make(map[string]struct{})
	h.mu.Unlock()
	return ch
}

// Unregister removes a connection from every room and closes its queue.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.conns[connID]
	if !ok {
		return
	}
	for room := range h.member[connID] {
		h.leaveLocked(connID, room)
	}
	delete(h.member, connID)
	delete(h.conns, connID)
	close(ch)
}

// Join subscribes a connection to a room.
func (h *Hub) Join(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[connID]; !ok {
		return
	}
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[string]struct{})
	}
	h.rooms[room][connID] = struct{}{}
	h.member[connID][room] = struct{}{}
}

// Leave unsubscribes a connection from a room.
func (h *Hub) Leave(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(connID, room)
	if m, ok := h.member[connID]; ok {
		delete(m, room)
	}
}

// leaveLocked removes the room-side membership entry. Must hold h.mu.
func (h *Hub) leaveLocked(connID, room string) {
	subs, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(h.rooms, room)
	}
}

// Rooms returns the rooms a connection is joined to.
func (h *Hub) Rooms(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.member[connID]))
	for room := range h.member[connID] {
		out = append(out, room)
	}
	return out
}

// InRoom reports whether the connection is joined to the room.
func (h *Hub) InRoom(connID, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.member[connID][room]
	return ok
}

// ConnCount returns the number of registered connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast delivers an event to every connection in the room. The data
// body is marshaled once; full send queues drop the frame for that
// connection only.
func (h *Hub) Broadcast(room, event string, data any) {
	if h.broadcastHook != nil {
		h.broadcastHook()
	}
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("broadcast marshal failed", "event", event, "error", err)
		return
	}
	frame := Frame{Event: event, Data: raw}

	h.mu.RLock()
	subs, ok := h.rooms[room]
	if !ok || len(subs) == 0 {
		h.mu.RUnlock()
		return
	}
	targets := make([]chan Frame, 0, len(subs))
	for connID := range subs {
		if ch, ok := h.conns[connID]; ok {
			targets = append(targets, ch)
		}
	}
	h.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- frame:
		default:
			h.logger.Debug("dropped frame for slow connection", "room", room, "event", event)
		}
	}
}

// Emit delivers an event to a single connection.
func (h *Hub) Emit(connID, event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("emit marshal failed", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	ch, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	select {
	case ch <- Frame{Event: event, Data: raw}:
	default:
		h.logger.Debug("dropped frame for slow connection", "conn_id", connID, "event", event)
	}
}
