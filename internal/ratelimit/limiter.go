// ABOUTME: Per-connection inbound message rate limiting.
// ABOUTME: Token buckets keyed by connection id, pruned on disconnect.

package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter hands out a token bucket per connection. A per-minute budget maps
// to a refill rate of budget/60 per second with a burst of the full budget.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

// New creates a limiter allowing maxPerMinute messages per connection per
// minute.
func New(maxPerMinute int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(float64(maxPerMinute) / 60.0),
		burst:   maxPerMinute,
	}
}

// Allow reports whether the connection may process another message now.
func (l *Limiter) Allow(connID string) bool {
	l.mu.Lock()
	b, ok := l.buckets[connID]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[connID] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// Forget drops the bucket for a disconnected connection.
func (l *Limiter) Forget(connID string) {
	l.mu.Lock()
	delete(l.buckets, connID)
	l.mu.Unlock()
}
