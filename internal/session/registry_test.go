// ABOUTME: Tests for registry lookup semantics and concurrent get-or-create.
// ABOUTME: The same id must always resolve to the same live instance.

package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateIdempotent(t *testing.T) {
	r := NewRegistry(nil)

	s1, created := r.GetOrCreate("s1")
	assert.True(t, created)

	s2, created := r.GetOrCreate("s1")
	assert.False(t, created)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, r.Count())
}

func TestGetMissing(t *testing.T) {
	r := NewRegistry(nil)
	_, ok := r.Get("nope")
	assert.False(t, ok)
}

func TestRemoveReturnsSession(t *testing.T) {
	r := NewRegistry(nil)
	r.GetOrCreate("s1")

	removed, ok := r.Remove("s1")
	require.True(t, ok)
	assert.Equal(t, "s1", removed.ID)
	assert.Equal(t, 0, r.Count())

	_, ok = r.Remove("s1")
	assert.False(t, ok)
}

func TestListSnapshotsAll(t *testing.T) {
	r := NewRegistry(nil)
	for i := 0; i < 3; i++ {
		r.GetOrCreate(fmt.Sprintf("s%d", i))
	}
	assert.Len(t, r.List(), 3)
}

func TestConcurrentGetOrCreate(t *testing.T) {
	r := NewRegistry(nil)
	const workers = 32

	var wg sync.WaitGroup
	sessions := make([]*Session, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], _ = r.GetOrCreate("shared")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, r.Count())
	for i := 1; i < workers; i++ {
		assert.Same(t, sessions[0], sessions[i])
	}
}
