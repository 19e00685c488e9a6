// ABOUTME: Tests for the request id dedupe cache.
// ABOUTME: Covers TTL expiry, capacity eviction, and the atomic seen-and-mark check.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeenMarksOnFirstCall(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.Seen("r1"), "first sight is not a duplicate")
	assert.True(t, c.Seen("r1"), "second sight is")
	assert.False(t, c.Seen("r2"))
}

func TestExpiry(t *testing.T) {
	c := New(10*time.Millisecond, 100)
	defer c.Close()

	assert.False(t, c.Seen("r1"))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, c.Seen("r1"), "expired keys read as unseen")
}

func TestCapacityEvictsOldest(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	for i := 0; i < 4; i++ {
		c.Seen(fmt.Sprintf("r%d", i))
	}
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Seen("r0"), "oldest key was evicted")
	assert.True(t, c.Seen("r3"))
}

func TestConcurrentSeenAdmitsExactlyOne(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	const workers = 16
	var wg sync.WaitGroup
	admitted := make(chan struct{}, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("shared") {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)

	count := 0
	for range admitted {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestExpireSweep(t *testing.T) {
	c := New(10*time.Millisecond, 100)
	defer c.Close()

	c.Seen("r1")
	c.Seen("r2")
	c.expire(time.Now().Add(time.Second))
	assert.Equal(t, 0, c.Len())
}

func TestCloseTwice(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
