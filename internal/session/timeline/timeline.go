// Package timeline buffers what happened between agent turns: user UI
// interactions and summaries of AI-driven changes. The buffer is drained into
// the next main-agent prompt so the agent sees what changed while it was idle.
package timeline

import (
	"fmt"
	"strings"
	"sync"
	"time"

	v1 "github.com/mirageos/mirage/pkg/api/v1"
)

// DefaultCapacity bounds the timeline; oldest entries drop first.
const DefaultCapacity = 200

// summaryLimit caps AI action summaries so a chatty turn cannot crowd out
// user interactions.
const summaryLimit = 100

// EntryKind distinguishes user interactions from AI action summaries.
type EntryKind string

const (
	EntryUser EntryKind = "user"
	EntryAI   EntryKind = "ai"
)

// Entry is one timeline record.
type Entry struct {
	Kind        EntryKind
	Timestamp   time.Time
	Interaction *v1.UserInteraction // EntryUser
	Summary     string              // EntryAI
}

// Timeline is the bounded interaction buffer. Safe for concurrent use.
type Timeline struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
}

// New creates a timeline with the given capacity. Non-positive values fall
// back to DefaultCapacity.
func New(capacity int) *Timeline {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Timeline{capacity: capacity}
}

// PushUser records a user interaction. Draw interactions are excluded: their
// image payload is delivered with the triggering task, not replayed from the
// timeline.
func (t *Timeline) PushUser(interaction v1.UserInteraction) {
	if interaction.Kind == v1.InteractionDraw {
		return
	}
	if interaction.Timestamp.IsZero() {
		interaction.Timestamp = time.Now().UTC()
	}
	t.push(Entry{Kind: EntryUser, Timestamp: interaction.Timestamp, Interaction: &interaction})
}

// PushAI records a summary of an AI-driven change, truncated to keep entries
// small.
func (t *Timeline) PushAI(summary string) {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return
	}
	if len(summary) > summaryLimit {
		summary = summary[:summaryLimit-3] + "..."
	}
	t.push(Entry{Kind: EntryAI, Timestamp: time.Now().UTC(), Summary: summary})
}

func (t *Timeline) push(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) == t.capacity {
		copy(t.entries, t.entries[1:])
		t.entries[len(t.entries)-1] = e
		return
	}
	t.entries = append(t.entries, e)
}

// DrainForMain returns the buffered entries rendered for prompt injection and
// empties the buffer. Empty string when nothing happened.
func (t *Timeline) DrainForMain() string {
	t.mu.Lock()
	entries := t.entries
	t.entries = nil
	t.mu.Unlock()

	if len(entries) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("<recent_activity>\n")
	for _, e := range entries {
		switch e.Kind {
		case EntryUser:
			b.WriteString("- ")
			b.WriteString(describeInteraction(e.Interaction))
			b.WriteString("\n")
		case EntryAI:
			fmt.Fprintf(&b, "- [assistant] %s\n", e.Summary)
		}
	}
	b.WriteString("</recent_activity>\n")
	return b.String()
}

// Len returns the number of buffered entries.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Clear empties the buffer.
func (t *Timeline) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
}

func describeInteraction(i *v1.UserInteraction) string {
	target := i.WindowTitle
	if target == "" {
		target = i.WindowID
	}

	switch i.Kind {
	case v1.InteractionWindowClose:
		return fmt.Sprintf("user closed window %q", target)
	case v1.InteractionWindowFocus:
		return fmt.Sprintf("user focused window %q", target)
	case v1.InteractionWindowMove:
		return fmt.Sprintf("user moved window %q", target)
	case v1.InteractionWindowResize:
		return fmt.Sprintf("user resized window %q", target)
	case v1.InteractionWindowMinimize:
		return fmt.Sprintf("user minimized window %q", target)
	case v1.InteractionWindowMaximize:
		return fmt.Sprintf("user maximized window %q", target)
	case v1.InteractionToastDismiss:
		return "user dismissed a toast"
	case v1.InteractionNotificationDismiss:
		return fmt.Sprintf("user dismissed a notification on window %q", target)
	case v1.InteractionIconClick:
		return fmt.Sprintf("user clicked icon %q", i.Details)
	case v1.InteractionIconDrag:
		return fmt.Sprintf("user dragged icon %q", i.Details)
	case v1.InteractionSelectionAction:
		return fmt.Sprintf("user selected text %q and asked: %s", i.SelectedText, i.Instruction)
	case v1.InteractionRegionSelect:
		return fmt.Sprintf("user selected screen region %s", i.Region)
	default:
		if i.Details != "" {
			return fmt.Sprintf("user interaction %s: %s", i.Kind, i.Details)
		}
		return fmt.Sprintf("user interaction %s", i.Kind)
	}
}
