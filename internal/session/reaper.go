// ABOUTME: Background reaper that evicts sessions inactive beyond the threshold.
// ABOUTME: Scans the full registry on a periodic timer; eviction is hard, with no soft-expiry phase.

package session

import (
	"context"
	"log/slog"
	"time"
)

// EvictFunc is invoked for each evicted session after it has been removed
// from the registry. Implementations broadcast session-cleanup and archive
// the session's final state.
type EvictFunc func(s *Session, reason string)

// Reaper evicts sessions whose last activity is older than twice the
// cleanup interval. Each tick scans the full registry; session counts are
// expected to be small relative to message volume.
type Reaper struct {
	registry *Registry
	interval time.Duration
	onEvict  EvictFunc
	logger   *slog.Logger
}

// NewReaper creates a reaper over the given registry. interval is the tick
// cadence; the eviction threshold is 2*interval.
func NewReaper(registry *Registry, interval time.Duration, onEvict EvictFunc, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		registry: registry,
		interval: interval,
		onEvict:  onEvict,
		logger:   logger.With("component", "reaper"),
	}
}

// Run blocks, sweeping on each tick until the context is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// Sweep evicts every session untouched for longer than 2*interval and
// returns the number evicted.
func (r *Reaper) Sweep(now time.Time) int {
	threshold := 2 * r.interval
	evicted := 0

	for _, s := range r.registry.List() {
		idle := now.Sub(s.LastActivity())
		if idle <= threshold {
			continue
		}
		removed, ok := r.registry.Remove(s.ID)
		if !ok {
			continue
		}
		evicted++
		r.logger.Info("session evicted",
			"session_id", removed.ID,
			"idle", idle.Round(time.Second),
		)
		if r.onEvict != nil {
			r.onEvict(removed, "inactivity")
		}
	}
	return evicted
}
