// Package v1 defines the wire-level types shared between the Mirage core and
// its clients: tasks, user interactions, OS actions, and the inbound/outbound
// event catalogues.
package v1

import "time"

// DefaultMonitorID is the monitor every session starts with.
const DefaultMonitorID = "monitor-0"

// TaskKind selects the dispatch path for a task.
type TaskKind string

const (
	TaskKindMain   TaskKind = "main"
	TaskKindWindow TaskKind = "window"
)

// Task is a unit of work routed through the context pool.
// Immutable once enqueued.
type Task struct {
	Kind         TaskKind          `json:"kind"`
	MessageID    string            `json:"message_id"`
	WindowID     string            `json:"window_id,omitempty"`
	Content      string            `json:"content"`
	Interactions []UserInteraction `json:"interactions,omitempty"`
	ActionID     string            `json:"action_id,omitempty"`
	MonitorID    string            `json:"monitor_id,omitempty"`
}

// Monitor returns the task's monitor id, defaulting to monitor-0.
func (t *Task) Monitor() string {
	if t.MonitorID == "" {
		return DefaultMonitorID
	}
	return t.MonitorID
}

// InteractionKind tags a user interaction.
type InteractionKind string

const (
	InteractionWindowClose         InteractionKind = "window.close"
	InteractionWindowFocus         InteractionKind = "window.focus"
	InteractionWindowMove          InteractionKind = "window.move"
	InteractionWindowResize        InteractionKind = "window.resize"
	InteractionWindowMinimize      InteractionKind = "window.minimize"
	InteractionWindowMaximize      InteractionKind = "window.maximize"
	InteractionToastDismiss        InteractionKind = "toast.dismiss"
	InteractionNotificationDismiss InteractionKind = "notification.dismiss"
	InteractionIconClick           InteractionKind = "icon.click"
	InteractionIconDrag            InteractionKind = "icon.drag"
	InteractionSelectionAction     InteractionKind = "selection.action"
	InteractionRegionSelect        InteractionKind = "region.select"
	InteractionDraw                InteractionKind = "draw"
)

// UserInteraction describes an end-user UI event.
type UserInteraction struct {
	Kind         InteractionKind `json:"kind"`
	Timestamp    time.Time       `json:"timestamp"`
	WindowID     string          `json:"window_id,omitempty"`
	WindowTitle  string          `json:"window_title,omitempty"`
	Details      string          `json:"details,omitempty"`
	Instruction  string          `json:"instruction,omitempty"`
	SelectedText string          `json:"selected_text,omitempty"`
	Region       string          `json:"region,omitempty"`
	Bounds       *WindowBounds   `json:"bounds,omitempty"`
	ImageData    string          `json:"image_data,omitempty"` // base64, draw interactions only
}

// Source tags a context message with its origin: the main conversation or a
// specific window. A zero Source means main.
type Source struct {
	WindowID string `json:"window_id,omitempty"`
}

// MainSource returns the source for the main conversation.
func MainSource() Source { return Source{} }

// WindowSource returns the source for a window-scoped conversation.
func WindowSource(windowID string) Source { return Source{WindowID: windowID} }

// IsMain reports whether the source is the main conversation.
func (s Source) IsMain() bool { return s.WindowID == "" }

// MessageRole identifies the author of a context message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ContextMessage is one entry of the session conversation log.
type ContextMessage struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Source    Source      `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
}
