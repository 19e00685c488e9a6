// ABOUTME: Tests for the session archive against a real temp-dir SQLite file.
// ABOUTME: Covers schema creation, round trip, ordering, and repeated session ids.

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brolostack/args-gateway/internal/session"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := NewArchive(filepath.Join(t.TempDir(), "history.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func sampleState(id string) session.State {
	return session.State{
		SessionID: id,
		CreatedAt: time.Now().Add(-time.Hour).UnixMilli(),
		Status:    session.StatusActive,
		Metrics: session.Metrics{
			TotalTasks:       5,
			CompletedTasks:   4,
			ErrorCount:       1,
			AvgExecutionTime: 2.5,
		},
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, sampleState("s1"), "inactivity", time.Now()))

	got, err := a.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].SessionID)
	assert.Equal(t, "inactivity", got[0].Reason)
	assert.Equal(t, 5, got[0].TotalTasks)
	assert.Equal(t, 4, got[0].CompletedTasks)
	assert.InDelta(t, 2.5, got[0].AvgExecutionTime, 0.001)
	assert.Nil(t, got[0].State, "listings omit the full snapshot")
}

func TestRecentOrdering(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, a.Put(ctx, sampleState(id), "inactivity", base.Add(time.Duration(i)*time.Minute)))
	}

	got, err := a.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].SessionID)
	assert.Equal(t, "mid", got[1].SessionID)
}

func TestGetIncludesSnapshot(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, sampleState("s1"), "shutdown", time.Now()))
	require.NoError(t, a.Put(ctx, sampleState("s1"), "inactivity", time.Now().Add(time.Minute)))

	got, err := a.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 2, "a recreated session id archives as separate rows")
	assert.Equal(t, "inactivity", got[0].Reason)
	assert.NotEmpty(t, got[0].State)
}

func TestGetUnknownSession(t *testing.T) {
	a := newTestArchive(t)
	got, err := a.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, got)
}
