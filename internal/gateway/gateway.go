// ABOUTME: Top-level wiring: builds the hub, registry, engines, sweeps, and HTTP server.
// ABOUTME: Owns startup order and graceful shutdown including the server-shutdown broadcast.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brolostack/args-gateway/internal/auth"
	"github.com/brolostack/args-gateway/internal/collab"
	"github.com/brolostack/args-gateway/internal/config"
	"github.com/brolostack/args-gateway/internal/metrics"
	"github.com/brolostack/args-gateway/internal/protocol"
	"github.com/brolostack/args-gateway/internal/ratelimit"
	"github.com/brolostack/args-gateway/internal/session"
	"github.com/brolostack/args-gateway/internal/store"
	"github.com/brolostack/args-gateway/internal/stream"
	"github.com/brolostack/args-gateway/internal/task"
	"github.com/brolostack/args-gateway/internal/transport"
)

// Version is reported in the handshake greeting and the CLI.
const Version = "1.0.0"

// sweepInterval is the cadence for task and collaboration expiry sweeps.
const sweepInterval = 10 * time.Second

// ShutdownEvent is broadcast to every session before the server stops.
type ShutdownEvent struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Gateway assembles the coordination server: transport, registry, engines,
// background sweeps, and the HTTP listener.
type Gateway struct {
	cfg        *config.Config
	logger     *slog.Logger
	hub        *transport.Hub
	registry   *session.Registry
	tasks      *task.Engine
	collabs    *collab.Router
	reaper     *session.Reaper
	archive    *store.Archive
	metrics    *metrics.Collector
	dispatcher *Dispatcher
	server     *http.Server
}

// New wires a gateway from configuration. The caller runs it with Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	collector := metrics.NewCollector("args_gateway")
	hub := transport.NewHub(logger)
	hub.SetBroadcastHook(collector.BroadcastTotal.Inc)
	registry := session.NewRegistry(logger)

	var archive *store.Archive
	if cfg.Database.Path != "" {
		a, err := store.NewArchive(cfg.Database.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("opening session archive: %w", err)
		}
		archive = a
	}

	maxConcurrent := 0
	if cfg.RateLimit.Enabled {
		maxConcurrent = cfg.RateLimit.MaxConcurrentTasks
	}
	taskEngine := task.NewEngine(registry, hub, cfg.Agents.TaskTimeout, maxConcurrent, logger)
	collabRouter := collab.NewRouter(registry, hub, cfg.Agents.CollaborationTimeout, logger)
	streamMgr := stream.NewManager(hub, logger)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(cfg.RateLimit.MaxRequestsPerMinute)
	}

	g := &Gateway{
		cfg:      cfg,
		logger:   logger.With("component", "gateway"),
		hub:      hub,
		registry: registry,
		tasks:    taskEngine,
		collabs:  collabRouter,
		archive:  archive,
		metrics:  collector,
	}

	g.reaper = session.NewReaper(registry, cfg.Agents.CleanupInterval, g.onEvict, logger)

	dispatcher := NewDispatcher(registry, taskEngine, collabRouter, streamMgr, hub, limiter, collector, cfg.Agents, logger)
	g.dispatcher = dispatcher

	wsServer := transport.NewWSServer(hub, dispatcher, transport.WSOptions{
		AllowedOrigins: cfg.Security.AllowedOrigins,
		MaxConnections: cfg.Server.MaxConnections,
		Authenticate:   buildAuthFunc(cfg.Security),
		PingInterval:   cfg.Server.HeartbeatInterval,
	}, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", wsServer)
	NewAPI(registry, hub, archive, logger).Routes(mux)
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, collector.Handler())
	}

	g.server = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

// buildAuthFunc assembles the handshake gate from security config. JWT and
// static API key are alternatives: either credential admits the client.
func buildAuthFunc(sec config.SecurityConfig) transport.AuthFunc {
	if !sec.EnableAuth {
		return nil
	}

	var gates []auth.Gate
	if sec.JWTSecret != "" {
		if v, err := auth.NewJWTVerifier([]byte(sec.JWTSecret)); err == nil {
			gates = append(gates, v)
		}
	}
	if sec.APIKey != "" {
		gates = append(gates, auth.NewAPIKeyVerifier(sec.APIKey))
	}

	return func(token string) error {
		if token == "" {
			return auth.ErrMissingToken
		}
		var lastErr error
		for _, g := range gates {
			if err := g.Verify(token); err == nil {
				return nil
			} else {
				lastErr = err
			}
		}
		if lastErr == nil {
			lastErr = auth.ErrInvalidToken
		}
		return lastErr
	}
}

// onEvict archives the evicted session and notifies any remaining room
// members before the room goes quiet.
func (g *Gateway) onEvict(s *session.Session, reason string) {
	g.metrics.Sessions.Dec()
	g.metrics.Evictions.Inc()

	state := s.Snapshot()
	g.hub.Broadcast(s.ID, protocol.EventSessionCleanup, map[string]any{
		"sessionId": s.ID,
		"reason":    reason,
		"timestamp": protocol.NowMillis(),
	})

	if g.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.archive.Put(ctx, state, reason, time.Now()); err != nil {
			g.logger.Error("session archive failed", "session_id", s.ID, "error", err)
		}
	}
}

// Run starts the background sweeps and the HTTP listener, blocking until
// the context is canceled or the listener fails.
func (g *Gateway) Run(ctx context.Context) error {
	bg, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.reaper.Run(bg)
	go g.tasks.Run(bg, sweepInterval)
	go g.collabs.Run(bg, sweepInterval)

	g.logger.Info("gateway listening",
		"addr", g.cfg.Server.HTTPAddr,
		"auth", g.cfg.Security.EnableAuth,
		"version", Version,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- g.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		return g.Shutdown()
	}
}

// Shutdown notifies connected clients, stops the HTTP server, and closes
// the archive.
func (g *Gateway) Shutdown() error {
	g.logger.Info("shutting down")

	shutdown := ShutdownEvent{Message: "server shutting down", Timestamp: protocol.NowMillis()}
	for _, s := range g.registry.List() {
		g.hub.Broadcast(s.ID, protocol.EventServerShutdown, shutdown)
	}
	// Give the write pumps a moment to flush the notice.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := g.server.Shutdown(ctx)

	g.dispatcher.Close()
	if g.archive != nil {
		if cerr := g.archive.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
