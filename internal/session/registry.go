// ABOUTME: Registry owning the top-level map of active sessions.
// ABOUTME: Creates sessions lazily on first reference and tracks last-activity for eviction.

package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrSessionNotFound indicates the referenced session is not live.
var ErrSessionNotFound = errors.New("session not found")

// Registry is the sole owner of live Session values. The top-level map is
// the only structure synchronized across connections; per-session state is
// serialized by each Session's own lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for the default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "session-registry"),
	}
}

// GetOrCreate returns the live session for the id, creating it on first
// reference. Idempotent: repeated calls return the same instance until the
// session is evicted. The second return reports whether a session was
// created by this call.
func (r *Registry) GetOrCreate(id string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check under the write lock: another handler may have created it.
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s = newSession(id, time.Now())
	r.sessions[id] = s
	r.logger.Info("session created", "session_id", id)
	return s, true
}

// Get returns the live session for the id, if any.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Touch updates the last-activity timestamp of a session if it exists.
func (r *Registry) Touch(id string) {
	if s, ok := r.Get(id); ok {
		s.Touch()
	}
}

// Remove deletes a session from the registry and returns it for final
// bookkeeping (archival, cleanup broadcast).
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	r.logger.Info("session removed", "session_id", id)
	return s, true
}

// List returns the live sessions in unspecified order.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
