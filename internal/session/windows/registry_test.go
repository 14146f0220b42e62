package windows

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirageos/mirage/internal/common/logger"
	v1 "github.com/mirageos/mirage/pkg/api/v1"
)

func intPtr(v int) *int { return &v }

func createAction(id, title string) *v1.OSAction {
	return &v1.OSAction{
		Type:     v1.ActionWindowCreate,
		WindowID: id,
		Title:    title,
		Bounds:   &v1.WindowBounds{X: 10, Y: 20, Width: 640, Height: 480},
	}
}

func TestCreateAndGet(t *testing.T) {
	r := NewRegistry(logger.Default())
	r.HandleAction(createAction("win-1", "Notes"), "monitor-0")

	w, ok := r.Get("win-1")
	require.True(t, ok)
	assert.Equal(t, "Notes", w.Title)
	assert.Equal(t, "monitor-0", w.MonitorID)
	assert.Equal(t, 640, w.Bounds.Width)
}

func TestMoveAndResize(t *testing.T) {
	r := NewRegistry(logger.Default())
	r.HandleAction(createAction("win-1", "Notes"), "monitor-0")

	r.HandleAction(&v1.OSAction{
		Type: v1.ActionWindowMove, WindowID: "win-1", X: intPtr(100), Y: intPtr(200),
	}, "monitor-0")
	r.HandleAction(&v1.OSAction{
		Type: v1.ActionWindowResize, WindowID: "win-1", Width: intPtr(800),
	}, "monitor-0")

	w, _ := r.Get("win-1")
	assert.Equal(t, 100, w.Bounds.X)
	assert.Equal(t, 200, w.Bounds.Y)
	assert.Equal(t, 800, w.Bounds.Width)
	assert.Equal(t, 480, w.Bounds.Height, "unspecified dimension keeps its value")
}

func TestCloseFiresHandlerOnce(t *testing.T) {
	r := NewRegistry(logger.Default())
	var closed []string
	r.SetOnWindowClose(func(id string) { closed = append(closed, id) })

	r.HandleAction(createAction("win-1", "Notes"), "monitor-0")
	r.HandleClose("win-1")
	r.HandleClose("win-1") // double close is a no-op

	assert.Equal(t, []string{"win-1"}, closed)
	_, ok := r.Get("win-1")
	assert.False(t, ok)
}

func TestCloseUnknownWindowIsNoop(t *testing.T) {
	r := NewRegistry(logger.Default())
	fired := false
	r.SetOnWindowClose(func(string) { fired = true })

	r.HandleClose("ghost")
	assert.False(t, fired)
}

func TestLockUnlock(t *testing.T) {
	r := NewRegistry(logger.Default())
	r.HandleAction(createAction("win-1", "Notes"), "monitor-0")

	r.HandleAction(&v1.OSAction{Type: v1.ActionWindowLock, WindowID: "win-1"}, "monitor-0")
	w, _ := r.Get("win-1")
	assert.True(t, w.Locked)

	r.HandleAction(&v1.OSAction{Type: v1.ActionWindowUnlock, WindowID: "win-1"}, "monitor-0")
	w, _ = r.Get("win-1")
	assert.False(t, w.Locked)
}

func TestAppProtocol(t *testing.T) {
	r := NewRegistry(logger.Default())
	r.HandleAction(createAction("win-1", "Player"), "monitor-0")

	assert.Nil(t, r.AppCommands("win-1"))

	r.SetAppProtocol("win-1", []string{"play", "pause"})
	assert.Equal(t, []string{"play", "pause"}, r.AppCommands("win-1"))

	w, _ := r.Get("win-1")
	assert.True(t, w.AppProtocol)
}

func TestAppProtocolReportsReregistration(t *testing.T) {
	r := NewRegistry(logger.Default())
	r.HandleAction(createAction("win-1", "Player"), "monitor-0")

	assert.False(t, r.SetAppProtocol("win-1", []string{"play"}))
	assert.True(t, r.SetAppProtocol("win-1", []string{"play"}), "second handshake is a re-registration")
	assert.False(t, r.SetAppProtocol("ghost", nil), "unknown window")
}

func TestAppRequestHistory(t *testing.T) {
	r := NewRegistry(logger.Default())
	r.HandleAction(createAction("win-1", "Player"), "monitor-0")

	assert.Empty(t, r.AppRequestHistory("win-1"))

	for i := 0; i < maxAppRequestHistory+5; i++ {
		r.RecordAppRequest(v1.AppProtocolRequestPayload{
			RequestID: "req-" + string(rune('a'+i)),
			WindowID:  "win-1",
		})
	}

	history := r.AppRequestHistory("win-1")
	require.Len(t, history, maxAppRequestHistory, "history is bounded")
	assert.Equal(t, "req-f", history[0].RequestID, "oldest entries are dropped first")

	r.HandleClose("win-1")
	assert.Empty(t, r.AppRequestHistory("win-1"), "close drops the history")
}

func TestSetBounds(t *testing.T) {
	r := NewRegistry(logger.Default())
	r.HandleAction(createAction("win-1", "Notes"), "monitor-0")

	r.SetBounds("win-1", v1.WindowBounds{X: 5, Y: 6, Width: 300, Height: 200})
	w, _ := r.Get("win-1")
	assert.Equal(t, 300, w.Bounds.Width)
	assert.Equal(t, 5, w.Bounds.X)

	r.SetBounds("ghost", v1.WindowBounds{}) // unknown window is a no-op
}

func TestTitlesFallBackToIDs(t *testing.T) {
	r := NewRegistry(logger.Default())
	r.HandleAction(createAction("win-b", "Notes"), "monitor-0")
	r.HandleAction(createAction("win-a", ""), "monitor-0")

	assert.Equal(t, []string{"win-a", "Notes"}, r.Titles())
}

func TestRestoreFromActionsSkipsCloseHandlers(t *testing.T) {
	r := NewRegistry(logger.Default())
	fired := false
	r.SetOnWindowClose(func(string) { fired = true })

	r.RestoreFromActions([]v1.OSAction{
		*createAction("win-1", "Notes"),
		*createAction("win-2", "Player"),
		{Type: v1.ActionWindowClose, WindowID: "win-1"},
	}, "monitor-0")

	assert.False(t, fired, "restore must not fire close handlers")
	assert.Equal(t, 1, r.Len())
	_, ok := r.Get("win-2")
	assert.True(t, ok)
}

func TestClear(t *testing.T) {
	r := NewRegistry(logger.Default())
	fired := false
	r.SetOnWindowClose(func(string) { fired = true })
	r.HandleAction(createAction("win-1", "Notes"), "monitor-0")

	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.False(t, fired)
}
