// Package provider abstracts the AI backends that run agent turns. A provider
// owns conversation threads; the session layer decides which thread each agent
// speaks on.
package provider

import (
	"context"
	"errors"
)

// Stream message kinds, in the order a typical turn emits them.
const (
	KindThinking   = "thinking"
	KindText       = "text"
	KindToolUse    = "tool_use"
	KindToolResult = "tool_result"
	KindComplete   = "complete"
	KindError      = "error"
)

// ErrTurnInProgress is returned when a thread already has an active turn.
var ErrTurnInProgress = errors.New("turn already in progress on thread")

// ErrProviderClosed is returned after Dispose.
var ErrProviderClosed = errors.New("provider closed")

// StreamMessage is one chunk of a streamed turn. Exactly one Complete or
// Error message terminates the stream.
type StreamMessage struct {
	Kind     string
	Text     string // thinking/text: accumulated content so far
	Tool     string // tool_use/tool_result
	ThreadID string // set on complete for newly created threads
	Err      string // error kind only
}

// Turn describes one prompt for a provider thread. An empty ThreadID starts a
// fresh thread; ForkFromThread seeds the new thread with another thread's
// history instead of starting cold.
type Turn struct {
	ThreadID       string
	ForkFromThread string
	Prompt         string
	SystemPrompt   string
	AllowedTools   []string
}

// Provider runs agent turns. Implementations must support concurrent turns on
// distinct threads; a second StartTurn on a busy thread fails with
// ErrTurnInProgress.
type Provider interface {
	// Name identifies the provider in logs and events.
	Name() string

	// StartTurn begins a turn and returns its message stream. The channel is
	// closed after the terminal message. Cancelling ctx aborts the turn.
	StartTurn(ctx context.Context, turn Turn) (<-chan StreamMessage, error)

	// Steer injects guidance into a running turn. A no-op when the thread is
	// idle.
	Steer(ctx context.Context, threadID, text string) error

	// Cancel aborts the running turn on a thread, if any. The stream still
	// terminates with a message.
	Cancel(ctx context.Context, threadID string) error

	// DropThread discards a thread's history.
	DropThread(ctx context.Context, threadID string) error

	// Dispose releases all provider resources. In-flight turns fail.
	Dispose(ctx context.Context) error
}
