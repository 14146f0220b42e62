package timeline

import (
	"sync"
	"time"

	v1 "github.com/mirageos/mirage/pkg/api/v1"
)

// Tape is the append-only conversation log shared by every agent of a
// session. Each message carries its source so window-scoped history can be
// pruned when a window closes. Safe for concurrent use.
type Tape struct {
	mu       sync.Mutex
	messages []v1.ContextMessage
}

// NewTape creates an empty tape.
func NewTape() *Tape {
	return &Tape{}
}

// AppendUser appends a user message.
func (t *Tape) AppendUser(content string, source v1.Source) {
	t.append(v1.RoleUser, content, source)
}

// AppendAssistant appends an assistant message.
func (t *Tape) AppendAssistant(content string, source v1.Source) {
	t.append(v1.RoleAssistant, content, source)
}

func (t *Tape) append(role v1.MessageRole, content string, source v1.Source) {
	if content == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, v1.ContextMessage{
		Role:      role,
		Content:   content,
		Source:    source,
		Timestamp: time.Now().UTC(),
	})
}

// PruneWindow removes every message sourced from the window. Main-sourced
// messages are never pruned.
func (t *Tape) PruneWindow(windowID string) int {
	if windowID == "" {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.messages[:0]
	pruned := 0
	for _, m := range t.messages {
		if m.Source.WindowID == windowID {
			pruned++
			continue
		}
		kept = append(kept, m)
	}
	t.messages = kept
	return pruned
}

// Messages returns a copy of the full tape in order.
func (t *Tape) Messages() []v1.ContextMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]v1.ContextMessage(nil), t.messages...)
}

// Excerpt returns the last n main-conversation messages. Window-sourced
// history is excluded: excerpts seed window agents with the surrounding
// desktop conversation, not with window transcripts.
func (t *Tape) Excerpt(n int) []v1.ContextMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= 0 {
		return nil
	}

	var out []v1.ContextMessage
	for i := len(t.messages) - 1; i >= 0 && len(out) < n; i-- {
		if t.messages[i].Source.IsMain() {
			out = append(out, t.messages[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Restore replaces the tape contents, used when resuming a persisted session.
func (t *Tape) Restore(messages []v1.ContextMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append([]v1.ContextMessage(nil), messages...)
}

// Len returns the number of messages.
func (t *Tape) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Clear empties the tape.
func (t *Tape) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = nil
}
