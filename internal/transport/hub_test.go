// ABOUTME: Tests for hub room membership and non-blocking broadcast fan-out.
// ABOUTME: Slow consumers must drop frames without stalling delivery to others.

package transport

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(ch <-chan Frame) []Frame {
	var out []Frame
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestBroadcastReachesRoomMembersOnly(t *testing.T) {
	h := NewHub(nil)
	in := h.Register("in")
	out := h.Register("out")
	h.Join("in", "room")

	h.Broadcast("room", "hello", map[string]string{"k": "v"})

	frames := collect(in)
	require.Len(t, frames, 1)
	assert.Equal(t, "hello", frames[0].Event)

	var data map[string]string
	require.NoError(t, json.Unmarshal(frames[0].Data, &data))
	assert.Equal(t, "v", data["k"])

	assert.Empty(t, collect(out))
}

func TestBroadcastHookCountsEveryCall(t *testing.T) {
	h := NewHub(nil)
	calls := 0
	h.SetBroadcastHook(func() { calls++ })
	h.Register("c1")
	h.Join("c1", "room")

	h.Broadcast("room", "one", nil)
	h.Broadcast("empty-room", "two", nil)

	assert.Equal(t, 2, calls, "the hook fires even when nobody is subscribed")
}

func TestEmitTargetsSingleConnection(t *testing.T) {
	h := NewHub(nil)
	c1 := h.Register("c1")
	c2 := h.Register("c2")

	h.Emit("c1", "direct", nil)

	assert.Len(t, collect(c1), 1)
	assert.Empty(t, collect(c2))

	// Emitting to an unknown connection is a no-op.
	h.Emit("ghost", "direct", nil)
}

func TestLeaveStopsDelivery(t *testing.T) {
	h := NewHub(nil)
	ch := h.Register("c1")
	h.Join("c1", "room")
	h.Leave("c1", "room")

	h.Broadcast("room", "ev", nil)
	assert.Empty(t, collect(ch))
	assert.False(t, h.InRoom("c1", "room"))
}

func TestUnregisterClosesQueueAndLeavesRooms(t *testing.T) {
	h := NewHub(nil)
	ch := h.Register("c1")
	h.Join("c1", "a")
	h.Join("c1", "b")

	h.Unregister("c1")

	_, open := <-ch
	assert.False(t, open, "queue is closed on unregister")
	assert.Equal(t, 0, h.ConnCount())

	h.Broadcast("a", "ev", nil)
	// Unregistering twice is safe.
	h.Unregister("c1")
}

func TestSlowConsumerDropsWithoutBlocking(t *testing.T) {
	h := NewHub(nil)
	slow := h.Register("slow")
	fast := h.Register("fast")
	h.Join("slow", "room")
	h.Join("fast", "room")

	// Overflow the slow queue; fast keeps draining.
	total := sendBufferSize + 10
	for i := 0; i < total; i++ {
		h.Broadcast("room", "ev", i)
		collect(fast)
	}

	assert.Len(t, collect(slow), sendBufferSize, "excess frames dropped for the full queue")
}

func TestRoomsAndMembership(t *testing.T) {
	h := NewHub(nil)
	h.Register("c1")
	h.Join("c1", "a")
	h.Join("c1", "b")

	rooms := h.Rooms("c1")
	assert.ElementsMatch(t, []string{"a", "b"}, rooms)
	assert.True(t, h.InRoom("c1", "a"))
	assert.False(t, h.InRoom("c1", "z"))
}

func TestJoinUnregisteredConnection(t *testing.T) {
	h := NewHub(nil)
	h.Join("ghost", "room")
	assert.False(t, h.InRoom("ghost", "room"))
}
