package reload

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirageos/mirage/internal/common/logger"
	v1 "github.com/mirageos/mirage/pkg/api/v1"
)

func newCache(t *testing.T) *Cache {
	t.Helper()
	return NewCache("test", nil, logger.Default())
}

func observable(windowID string) []v1.OSAction {
	return []v1.OSAction{{Type: v1.ActionWindowCreate, WindowID: windowID, Title: "Notes"}}
}

func TestFingerprintNormalizesContent(t *testing.T) {
	a := BuildFingerprint(&v1.Task{Content: "Open  Notes"}, []string{"Player"})
	b := BuildFingerprint(&v1.Task{Content: "open notes"}, []string{"Player"})
	assert.Equal(t, a, b, "case and whitespace must not matter")

	c := BuildFingerprint(&v1.Task{Content: "open notes"}, []string{"Player", "Editor"})
	assert.NotEqual(t, a, c, "window snapshot is part of the fingerprint")

	d := BuildFingerprint(&v1.Task{Content: "open notes", MonitorID: "monitor-1"}, []string{"Player"})
	assert.NotEqual(t, a, d, "monitor is part of the fingerprint")
}

func TestFingerprintIgnoresWindowOrder(t *testing.T) {
	a := BuildFingerprint(&v1.Task{Content: "x"}, []string{"B", "A"})
	b := BuildFingerprint(&v1.Task{Content: "x"}, []string{"A", "B"})
	assert.Equal(t, a, b)
}

func TestMaybeRecordRequiresObservableAction(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	assert.Nil(t, c.MaybeRecord(ctx, "fp", nil, ""), "empty sequences are not recorded")
	assert.Nil(t, c.MaybeRecord(ctx, "fp", []v1.OSAction{
		{Type: v1.ActionWindowMove, WindowID: "win-1"},
	}, ""), "invisible sequences are not recorded")

	e := c.MaybeRecord(ctx, "fp", observable("win-1"), "")
	require.NotNil(t, e)
	assert.Equal(t, 1, c.Len())
}

func TestMaybeRecordDeduplicates(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	require.NotNil(t, c.MaybeRecord(ctx, "fp", observable("win-1"), ""))
	assert.Nil(t, c.MaybeRecord(ctx, "fp", observable("win-1"), ""), "identical sequence is deduplicated")
	require.NotNil(t, c.MaybeRecord(ctx, "fp", observable("win-2"), ""), "different actions record separately")
	assert.Equal(t, 2, c.Len())
}

func TestFindMatchesOrdering(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	older := c.MaybeRecord(ctx, "fp", observable("a"), "")
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := c.MaybeRecord(ctx, "fp", observable("b"), "")
	failed := c.MaybeRecord(ctx, "fp", observable("c"), "")
	c.MarkFailed(ctx, failed.EventID)
	invalidated := c.MaybeRecord(ctx, "fp", observable("d"), "")
	c.MarkFailed(ctx, invalidated.EventID)
	c.MarkFailed(ctx, invalidated.EventID)

	matches := c.FindMatches("fp", 10)
	require.Len(t, matches, 4)
	assert.Equal(t, newer.EventID, matches[0].EventID, "clean and newest first")
	assert.Equal(t, older.EventID, matches[1].EventID)
	assert.Equal(t, failed.EventID, matches[2].EventID, "failures sort behind clean entries")
	assert.Equal(t, invalidated.EventID, matches[3].EventID, "invalidated sorts last")

	assert.Len(t, c.FindMatches("fp", 3), 3)
	assert.Empty(t, c.FindMatches("other", 3))
}

func TestMarkFailedInvalidatesAtThreshold(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	e := c.MaybeRecord(ctx, "fp", observable("a"), "")

	c.MarkFailed(ctx, e.EventID)
	got, _ := c.Get(e.EventID)
	assert.Equal(t, 1, got.FailCount)
	assert.False(t, got.Invalidated)

	c.MarkFailed(ctx, e.EventID)
	got, _ = c.Get(e.EventID)
	assert.True(t, got.Invalidated)

	c.MarkFailed(ctx, "unknown") // no panic, no effect
}

func TestInvalidateForWindow(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	touching := c.MaybeRecord(ctx, "fp1", observable("win-1"), "")
	other := c.MaybeRecord(ctx, "fp2", observable("win-2"), "")

	c.InvalidateForWindow(ctx, "win-1")

	got, _ := c.Get(touching.EventID)
	assert.True(t, got.Invalidated)
	got, _ = c.Get(other.EventID)
	assert.False(t, got.Invalidated)
}

func TestRecordTracksTargetWindow(t *testing.T) {
	c := newCache(t)
	e := c.MaybeRecord(context.Background(), "fp", observable("win-1"), "win-9")
	assert.ElementsMatch(t, []string{"win-1", "win-9"}, e.WindowIDs)
}

func TestFormatReloadOptions(t *testing.T) {
	assert.Empty(t, FormatReloadOptions(nil))

	c := newCache(t)
	e := c.MaybeRecord(context.Background(), "fp", observable("win-1"), "")
	out := FormatReloadOptions([]*Entry{e})
	assert.Contains(t, out, "<reload_options>")
	assert.Contains(t, out, e.EventID)
	assert.Contains(t, out, "actions=1")
}

func TestClear(t *testing.T) {
	c := newCache(t)
	c.MaybeRecord(context.Background(), "fp", observable("win-1"), "")
	c.Clear(context.Background())
	assert.Equal(t, 0, c.Len())
}
