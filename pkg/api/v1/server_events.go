package v1

import (
	"encoding/json"
	"time"
)

// ServerEventType tags an outbound server-to-client event.
type ServerEventType string

const (
	ServerActions            ServerEventType = "actions"
	ServerAgentThinking      ServerEventType = "agent.thinking"
	ServerAgentResponse      ServerEventType = "agent.response"
	ServerConnectionStatus   ServerEventType = "connection.status"
	ServerToolProgress       ServerEventType = "tool.progress"
	ServerError              ServerEventType = "error"
	ServerWindowAgentStatus  ServerEventType = "window_agent.status"
	ServerMessageAccepted    ServerEventType = "message.accepted"
	ServerMessageQueued      ServerEventType = "message.queued"
	ServerApprovalRequest    ServerEventType = "approval.request"
	ServerAppProtocolRequest ServerEventType = "app_protocol.request"
)

// ServerEvent is the envelope for all outbound events. Seq is assigned by the
// session's sequencer just before fanout and is strictly monotonic per session.
type ServerEvent struct {
	Seq       int64           `json:"seq"`
	Type      ServerEventType `json:"type"`
	MonitorID string          `json:"monitor_id,omitempty"`
	Payload   any             `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func newServerEvent(t ServerEventType, payload any) *ServerEvent {
	return &ServerEvent{
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// WithMonitor sets the monitor id used for per-monitor fanout.
func (e *ServerEvent) WithMonitor(monitorID string) *ServerEvent {
	e.MonitorID = monitorID
	return e
}

// ActionsPayload carries OS actions for the client UI to apply.
type ActionsPayload struct {
	Actions []OSAction `json:"actions"`
	AgentID string     `json:"agent_id,omitempty"`
}

// NewActionsEvent builds an ACTIONS event.
func NewActionsEvent(actions []OSAction, agentID string) *ServerEvent {
	return newServerEvent(ServerActions, ActionsPayload{Actions: actions, AgentID: agentID})
}

// AgentThinkingPayload streams accumulated provider thinking text.
type AgentThinkingPayload struct {
	MessageID string `json:"message_id,omitempty"`
	Content   string `json:"content"`
	AgentID   string `json:"agent_id,omitempty"`
}

// NewAgentThinking builds an AGENT_THINKING event.
func NewAgentThinking(messageID, content, agentID string) *ServerEvent {
	return newServerEvent(ServerAgentThinking, AgentThinkingPayload{
		MessageID: messageID,
		Content:   content,
		AgentID:   agentID,
	})
}

// AgentResponsePayload streams accumulated response text; IsComplete marks the
// end of the turn and clears the client's agent indicator.
type AgentResponsePayload struct {
	MessageID  string `json:"message_id,omitempty"`
	Content    string `json:"content"`
	IsComplete bool   `json:"is_complete"`
	AgentID    string `json:"agent_id,omitempty"`
}

// NewAgentResponse builds an AGENT_RESPONSE event.
func NewAgentResponse(messageID, content, agentID string, isComplete bool) *ServerEvent {
	return newServerEvent(ServerAgentResponse, AgentResponsePayload{
		MessageID:  messageID,
		Content:    content,
		IsComplete: isComplete,
		AgentID:    agentID,
	})
}

// ToolStatus values for TOOL_PROGRESS events.
const (
	ToolStatusRunning  = "running"
	ToolStatusComplete = "complete"
)

// ToolProgressPayload reports a provider tool call starting or finishing.
type ToolProgressPayload struct {
	Tool    string `json:"tool"`
	Status  string `json:"status"`
	AgentID string `json:"agent_id,omitempty"`
}

// NewToolProgress builds a TOOL_PROGRESS event.
func NewToolProgress(tool, status, agentID string) *ServerEvent {
	return newServerEvent(ServerToolProgress, ToolProgressPayload{
		Tool:    tool,
		Status:  status,
		AgentID: agentID,
	})
}

// ErrorPayload carries a human-readable failure description.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewErrorEvent builds an ERROR event.
func NewErrorEvent(message string) *ServerEvent {
	return newServerEvent(ServerError, ErrorPayload{Message: message})
}

// WindowAgentState values for WINDOW_AGENT_STATUS events.
const (
	WindowAgentAssigned = "assigned"
	WindowAgentActive   = "active"
	WindowAgentReleased = "released"
)

// WindowAgentStatusPayload tracks the lifecycle of a window agent turn.
type WindowAgentStatusPayload struct {
	WindowID string `json:"window_id"`
	Role     string `json:"role"`
	Status   string `json:"status"`
}

// NewWindowAgentStatus builds a WINDOW_AGENT_STATUS event.
func NewWindowAgentStatus(windowID, role, status string) *ServerEvent {
	return newServerEvent(ServerWindowAgentStatus, WindowAgentStatusPayload{
		WindowID: windowID,
		Role:     role,
		Status:   status,
	})
}

// MessageAcceptedPayload acknowledges a task and names the agent serving it.
type MessageAcceptedPayload struct {
	MessageID string `json:"message_id"`
	AgentID   string `json:"agent_id"`
}

// NewMessageAccepted builds a MESSAGE_ACCEPTED event.
func NewMessageAccepted(messageID, agentID string) *ServerEvent {
	return newServerEvent(ServerMessageAccepted, MessageAcceptedPayload{
		MessageID: messageID,
		AgentID:   agentID,
	})
}

// MessageQueuedPayload reports a task waiting behind the current turn.
type MessageQueuedPayload struct {
	MessageID string `json:"message_id"`
	Position  int    `json:"position"`
}

// NewMessageQueued builds a MESSAGE_QUEUED event.
func NewMessageQueued(messageID string, position int) *ServerEvent {
	return newServerEvent(ServerMessageQueued, MessageQueuedPayload{
		MessageID: messageID,
		Position:  position,
	})
}

// ApprovalRequestPayload asks the user to confirm a gated operation.
type ApprovalRequestPayload struct {
	RequestID   string `json:"request_id"`
	Description string `json:"description"`
}

// NewApprovalRequest builds an APPROVAL_REQUEST event.
func NewApprovalRequest(requestID, description string) *ServerEvent {
	return newServerEvent(ServerApprovalRequest, ApprovalRequestPayload{
		RequestID:   requestID,
		Description: description,
	})
}

// AppProtocolRequestPayload forwards an app-protocol command to a window.
type AppProtocolRequestPayload struct {
	RequestID string          `json:"request_id"`
	WindowID  string          `json:"window_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewAppProtocolRequest builds an APP_PROTOCOL_REQUEST event.
func NewAppProtocolRequest(requestID, windowID string, payload json.RawMessage) *ServerEvent {
	return newServerEvent(ServerAppProtocolRequest, AppProtocolRequestPayload{
		RequestID: requestID,
		WindowID:  windowID,
		Payload:   payload,
	})
}

// ConnectionStatusPayload is sent once when a connection attaches to a session.
type ConnectionStatusPayload struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
	LastSeq   int64  `json:"last_seq"`
}

// NewConnectionStatus builds a CONNECTION_STATUS event.
func NewConnectionStatus(status, sessionID string, lastSeq int64) *ServerEvent {
	return newServerEvent(ServerConnectionStatus, ConnectionStatusPayload{
		Status:    status,
		SessionID: sessionID,
		LastSeq:   lastSeq,
	})
}
