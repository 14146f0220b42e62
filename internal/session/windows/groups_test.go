package windows

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectCreatesGroup(t *testing.T) {
	g := NewGroups()

	gid := g.Connect("win-1", "")
	require.Equal(t, "win-1", gid, "a group is named after its root window")
	assert.Equal(t, gid, g.GroupID("win-1"))
	assert.Equal(t, []string{"win-1"}, g.Members(gid))
}

func TestConnectToRelatedSharesGroup(t *testing.T) {
	g := NewGroups()

	gid := g.Connect("win-1", "")
	assert.Equal(t, gid, g.Connect("win-2", "win-1"))
	assert.ElementsMatch(t, []string{"win-1", "win-2"}, g.Members(gid))
}

func TestConnectToUngroupedRelatedGroupsBoth(t *testing.T) {
	g := NewGroups()

	gid := g.Connect("win-2", "win-1")
	assert.Equal(t, gid, g.GroupID("win-1"))
	assert.Equal(t, gid, g.GroupID("win-2"))
}

func TestConnectIsIdempotent(t *testing.T) {
	g := NewGroups()

	gid := g.Connect("win-1", "")
	assert.Equal(t, gid, g.Connect("win-1", ""))
	assert.Equal(t, gid, g.Connect("win-1", "win-9"), "existing membership wins")
}

func TestHandleCloseShrinksThenDissolves(t *testing.T) {
	g := NewGroups()
	gid := g.Connect("win-1", "")
	g.Connect("win-2", "win-1")

	got, empty := g.HandleClose("win-1")
	assert.Equal(t, gid, got)
	assert.False(t, empty)
	assert.Empty(t, g.GroupID("win-1"))

	got, empty = g.HandleClose("win-2")
	assert.Equal(t, gid, got)
	assert.True(t, empty, "last window out dissolves the group")
	assert.Empty(t, g.Members(gid))
}

func TestHandleCloseUnknownWindow(t *testing.T) {
	g := NewGroups()
	gid, empty := g.HandleClose("ghost")
	assert.Empty(t, gid)
	assert.False(t, empty)
}
