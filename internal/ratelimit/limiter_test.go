// ABOUTME: Tests for per-connection token bucket behavior.
// ABOUTME: Buckets are independent across connections and reset on Forget.

package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBurstThenDeny(t *testing.T) {
	l := New(10)

	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("c1"), "message %d within burst", i)
	}
	assert.False(t, l.Allow("c1"), "budget exhausted")
}

func TestConnectionsIndependent(t *testing.T) {
	l := New(5)

	for i := 0; i < 5; i++ {
		l.Allow("c1")
	}
	assert.False(t, l.Allow("c1"))
	assert.True(t, l.Allow("c2"), "another connection has its own bucket")
}

func TestForgetResetsBudget(t *testing.T) {
	l := New(3)

	for i := 0; i < 3; i++ {
		l.Allow("c1")
	}
	assert.False(t, l.Allow("c1"))

	l.Forget("c1")
	assert.True(t, l.Allow("c1"), "a fresh connection id starts with a full bucket")
}
