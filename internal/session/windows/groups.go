package windows

import (
	"sync"
)

// Groups decides which windows share one agent conversation. Connecting a
// window to another merges it into the other's group; ungrouped windows get
// their own agent. A group is named after its root window, so the agent key
// derived from it ("window-<root>") is stable across restarts and thread
// resume finds the right conversation.
type Groups struct {
	mu      sync.Mutex
	byWin   map[string]string   // window id -> group id
	members map[string][]string // group id -> window ids
}

// NewGroups creates an empty group table.
func NewGroups() *Groups {
	return &Groups{
		byWin:   make(map[string]string),
		members: make(map[string][]string),
	}
}

// Connect places windowID in relatedID's group, creating the group if
// relatedID was ungrouped. With an empty relatedID the window gets a group of
// its own. Returns the group id.
func (g *Groups) Connect(windowID, relatedID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if gid, ok := g.byWin[windowID]; ok {
		return gid
	}

	if relatedID == "" {
		return g.newGroup(windowID)
	}

	gid, ok := g.byWin[relatedID]
	if !ok {
		gid = g.newGroup(relatedID)
	}
	g.byWin[windowID] = gid
	g.members[gid] = append(g.members[gid], windowID)
	return gid
}

func (g *Groups) newGroup(windowID string) string {
	gid := windowID
	g.byWin[windowID] = gid
	g.members[gid] = []string{windowID}
	return gid
}

// GroupID returns the group a window belongs to, "" when ungrouped.
func (g *Groups) GroupID(windowID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.byWin[windowID]
}

// Members returns the windows in a group.
func (g *Groups) Members(groupID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.members[groupID]...)
}

// HandleClose removes a window from its group. Returns the group id and
// whether the group became empty (so the caller can release its agent).
func (g *Groups) HandleClose(windowID string) (groupID string, empty bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	gid, ok := g.byWin[windowID]
	if !ok {
		return "", false
	}
	delete(g.byWin, windowID)

	remaining := g.members[gid][:0]
	for _, id := range g.members[gid] {
		if id != windowID {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == 0 {
		delete(g.members, gid)
		return gid, true
	}
	g.members[gid] = remaining
	return gid, false
}

// Clear drops all groups.
func (g *Groups) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.byWin = make(map[string]string)
	g.members = make(map[string][]string)
}
