package jsonrpc

import "encoding/json"

// Methods the core sends to a provider subprocess.
const (
	MethodInitialize = "initialize"
	MethodThreadNew  = "thread/new"
	MethodThreadFork = "thread/fork"
	MethodThreadDrop = "thread/drop"
	MethodPrompt     = "thread/prompt"
	MethodSteer      = "thread/steer"
	MethodCancel     = "thread/cancel"
	MethodShutdown   = "shutdown"

	// Notifications the subprocess sends back.
	NotificationUpdate = "thread/update"
)

// InitializeParams identifies the core to the subprocess.
type InitializeParams struct {
	ClientName    string `json:"clientName"`
	ClientVersion string `json:"clientVersion"`
}

// InitializeResult identifies the provider.
type InitializeResult struct {
	ProviderName    string `json:"providerName"`
	ProviderVersion string `json:"providerVersion"`
}

// ThreadNewParams starts a fresh conversation thread.
type ThreadNewParams struct {
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	AllowedTools []string `json:"allowedTools,omitempty"`
}

// ThreadForkParams starts a thread seeded with another thread's history.
type ThreadForkParams struct {
	SourceThreadID string   `json:"sourceThreadId"`
	SystemPrompt   string   `json:"systemPrompt,omitempty"`
	AllowedTools   []string `json:"allowedTools,omitempty"`
}

// ThreadResult names the created thread.
type ThreadResult struct {
	ThreadID string `json:"threadId"`
}

// ThreadDropParams discards a thread.
type ThreadDropParams struct {
	ThreadID string `json:"threadId"`
}

// PromptParams runs one turn. Updates stream back as thread/update
// notifications carrying the same turn id.
type PromptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Prompt   string `json:"prompt"`
}

// SteerParams injects guidance into a running turn.
type SteerParams struct {
	ThreadID string `json:"threadId"`
	Text     string `json:"text"`
}

// CancelParams aborts the running turn on a thread.
type CancelParams struct {
	ThreadID string `json:"threadId"`
	Reason   string `json:"reason,omitempty"`
}

// ThreadUpdate is the payload of a thread/update notification.
type ThreadUpdate struct {
	ThreadID string          `json:"threadId"`
	TurnID   string          `json:"turnId"`
	Kind     string          `json:"kind"` // thinking, text, tool_use, tool_result, complete, error
	Text     string          `json:"text,omitempty"`
	Tool     string          `json:"tool,omitempty"`
	Error    string          `json:"error,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}
