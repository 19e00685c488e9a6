// ABOUTME: WebSocket endpoint accepting inbound connections and pumping frames through the hub.
// ABOUTME: Handles the auth gate at the handshake, origin checks, and the connection cap.

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Conn is a live connection's handle into the hub. Handlers use it to emit
// frames back to the client and to manage room membership.
type Conn struct {
	ID  string
	hub *Hub
}

// NewConn binds a connection id to the hub. The WebSocket server creates
// these for live connections; other packages create them directly in tests.
func NewConn(id string, hub *Hub) *Conn {
	return &Conn{ID: id, hub: hub}
}

// Emit sends an event to this connection only.
func (c *Conn) Emit(event string, data any) { c.hub.Emit(c.ID, event, data) }

// Join subscribes the connection to a room.
func (c *Conn) Join(room string) { c.hub.Join(c.ID, room) }

// Leave unsubscribes the connection from a room.
func (c *Conn) Leave(room string) { c.hub.Leave(c.ID, room) }

// Rooms returns the rooms the connection is joined to.
func (c *Conn) Rooms() []string { return c.hub.Rooms(c.ID) }

// InRoom reports whether the connection is joined to the room.
func (c *Conn) InRoom(room string) bool { return c.hub.InRoom(c.ID, room) }

// Handler receives connection lifecycle events and inbound frames. Frame
// handling runs on the connection's read goroutine, so handling preserves
// each sender's issue order.
type Handler interface {
	HandleConnect(c *Conn)
	HandleFrame(c *Conn, frame Frame)
	HandleDisconnect(c *Conn)
}

// AuthFunc validates a handshake credential. A nil AuthFunc disables the
// auth gate.
type AuthFunc func(token string) error

// WSOptions configure the WebSocket endpoint.
type WSOptions struct {
	// AllowedOrigins restricts browser origins. Empty allows all.
	AllowedOrigins []string
	// MaxConnections caps concurrent connections. Zero means unlimited.
	MaxConnections int
	// Authenticate gates the handshake. Nil disables auth.
	Authenticate AuthFunc
	// PingInterval is the heartbeat cadence. Zero disables pings.
	PingInterval time.Duration
}

// WSServer upgrades HTTP requests to WebSocket connections and bridges them
// onto the hub.
type WSServer struct {
	hub     *Hub
	handler Handler
	opts    WSOptions
	logger  *slog.Logger
}

// NewWSServer creates the WebSocket endpoint. Pass nil logger for the default.
func NewWSServer(hub *Hub, handler Handler, opts WSOptions, logger *slog.Logger) *WSServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSServer{
		hub:     hub,
		handler: handler,
		opts:    opts,
		logger:  logger.With("component", "ws"),
	}
}

// ServeHTTP implements http.Handler for the /ws endpoint.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.opts.MaxConnections > 0 && s.hub.ConnCount() >= s.opts.MaxConnections {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.opts.AllowedOrigins,
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", "error", err)
		return
	}

	connID := uuid.New().String()

	if s.opts.Authenticate != nil {
		if err := s.opts.Authenticate(credentialFromRequest(r)); err != nil {
			s.logger.Warn("unauthorized connection attempt", "conn_id", connID, "error", err)
			s.rejectUnauthorized(r.Context(), ws)
			return
		}
	}

	s.serveConn(r.Context(), ws, connID)
}

// credentialFromRequest extracts the handshake token from the Authorization
// header or the token query parameter.
func credentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// rejectUnauthorized notifies the client and closes the connection. The
// auth-error frame is written directly because the connection never joins
// the hub.
func (s *WSServer) rejectUnauthorized(ctx context.Context, ws *websocket.Conn) {
	frame := Frame{Event: "auth-error", Data: json.RawMessage(`{"message":"invalid or missing credentials"}`)}
	if data, err := json.Marshal(frame); err == nil {
		_ = ws.Write(ctx, websocket.MessageText, data)
	}
	_ = ws.Close(websocket.StatusPolicyViolation, "authentication failed")
}

// serveConn registers the connection, starts the write pump, and runs the
// read loop until the client disconnects.
func (s *WSServer) serveConn(ctx context.Context, ws *websocket.Conn, connID string) {
	conn := &Conn{ID: connID, hub: s.hub}
	sendCh := s.hub.Register(connID)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.writePump(ctx, ws, sendCh)
	}()

	if s.opts.PingInterval > 0 {
		go s.pingLoop(connCtx, ws, connID)
	}

	s.logger.Info("client connected", "conn_id", connID)
	s.handler.HandleConnect(conn)

	s.readLoop(ctx, ws, conn)

	s.handler.HandleDisconnect(conn)
	s.hub.Unregister(connID)
	<-writeDone
	_ = ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("client disconnected", "conn_id", connID)
}

// pingLoop sends heartbeat pings on the configured cadence. A failed ping
// means the peer is gone; the read loop observes the close and unwinds.
func (s *WSServer) pingLoop(ctx context.Context, ws *websocket.Conn, connID string) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.opts.PingInterval)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Debug("heartbeat lost, dropping connection", "conn_id", connID, "error", err)
					_ = ws.CloseNow()
				}
				return
			}
		}
	}
}

// writePump drains the connection's send queue. WebSocket writes are not
// concurrency-safe, so this goroutine is the sole writer after handshake.
func (s *WSServer) writePump(ctx context.Context, ws *websocket.Conn, sendCh <-chan Frame) {
	for frame := range sendCh {
		data, err := json.Marshal(frame)
		if err != nil {
			s.logger.Error("frame marshal failed", "event", frame.Event, "error", err)
			continue
		}
		if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
			// Connection gone; keep draining so Unregister can close the queue.
			continue
		}
	}
}

// readLoop parses inbound frames and hands them to the handler. Malformed
// frames are logged and dropped, never fatal to the connection.
func (s *WSServer) readLoop(ctx context.Context, ws *websocket.Conn, conn *Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if !isExpectedClose(err) {
				s.logger.Debug("read error", "conn_id", conn.ID, "error", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("malformed frame dropped", "conn_id", conn.ID, "error", err)
			continue
		}
		s.handler.HandleFrame(conn, frame)
	}
}

// isExpectedClose reports whether the read error is a normal disconnect.
func isExpectedClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, context.Canceled)
}
