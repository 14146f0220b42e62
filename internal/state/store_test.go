package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirageos/mirage/internal/common/logger"
	"github.com/mirageos/mirage/internal/session/reload"
	v1 "github.com/mirageos/mirage/pkg/api/v1"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestReloadEntryRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	entry := &reload.Entry{
		EventID:     "evt-1",
		Fingerprint: "fp-1",
		Actions:     []v1.OSAction{{Type: v1.ActionWindowCreate, WindowID: "win-1", Title: "Notes"}},
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
		WindowIDs:   []string{"win-1"},
	}
	require.NoError(t, s.SaveReloadEntry(ctx, "sess", entry))

	entries, err := s.ListReloadEntries(ctx, "sess")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fp-1", entries[0].Fingerprint)
	require.Len(t, entries[0].Actions, 1)
	assert.Equal(t, v1.ActionWindowCreate, entries[0].Actions[0].Type)
	assert.Equal(t, []string{"win-1"}, entries[0].WindowIDs)

	// Saving again updates failure state in place.
	entry.FailCount = 2
	entry.Invalidated = true
	require.NoError(t, s.SaveReloadEntry(ctx, "sess", entry))
	entries, err = s.ListReloadEntries(ctx, "sess")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].FailCount)
	assert.True(t, entries[0].Invalidated)

	// Sessions are isolated.
	other, err := s.ListReloadEntries(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, s.DeleteReloadEntries(ctx, "sess"))
	entries, err = s.ListReloadEntries(ctx, "sess")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestThreadRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	threadID, err := s.LoadThread(ctx, "sess", "main-monitor-0")
	require.NoError(t, err)
	assert.Empty(t, threadID, "missing thread loads as empty, not as an error")

	require.NoError(t, s.SaveThread(ctx, "sess", "main-monitor-0", "thread-1"))
	require.NoError(t, s.SaveThread(ctx, "sess", "main-monitor-0", "thread-2"))

	threadID, err = s.LoadThread(ctx, "sess", "main-monitor-0")
	require.NoError(t, err)
	assert.Equal(t, "thread-2", threadID, "save overwrites")

	require.NoError(t, s.DeleteThread(ctx, "sess", "main-monitor-0"))
	threadID, err = s.LoadThread(ctx, "sess", "main-monitor-0")
	require.NoError(t, err)
	assert.Empty(t, threadID)
}

func TestTapeRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	messages := []v1.ContextMessage{
		{Role: v1.RoleUser, Content: "hello", Timestamp: time.Now().UTC().Truncate(time.Second)},
		{Role: v1.RoleAssistant, Content: "hi", Source: v1.WindowSource("win-1"),
			Timestamp: time.Now().UTC().Truncate(time.Second)},
	}
	require.NoError(t, s.SaveTape(ctx, "sess", messages))

	loaded, err := s.LoadTape(ctx, "sess")
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, v1.RoleUser, loaded[0].Role)
	assert.True(t, loaded[0].Source.IsMain())
	assert.Equal(t, "win-1", loaded[1].Source.WindowID)

	// SaveTape replaces, not appends.
	require.NoError(t, s.SaveTape(ctx, "sess", messages[:1]))
	loaded, err = s.LoadTape(ctx, "sess")
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}

func TestClearSession(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveThread(ctx, "sess", "main-monitor-0", "thread-1"))
	require.NoError(t, s.SaveTape(ctx, "sess", []v1.ContextMessage{{Role: v1.RoleUser, Content: "x", Timestamp: time.Now()}}))
	require.NoError(t, s.SaveThread(ctx, "other", "main-monitor-0", "thread-9"))

	require.NoError(t, s.ClearSession(ctx, "sess"))

	threadID, err := s.LoadThread(ctx, "sess", "main-monitor-0")
	require.NoError(t, err)
	assert.Empty(t, threadID)

	threadID, err = s.LoadThread(ctx, "other", "main-monitor-0")
	require.NoError(t, err)
	assert.Equal(t, "thread-9", threadID, "other sessions untouched")
}
