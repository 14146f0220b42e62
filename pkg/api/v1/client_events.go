package v1

import "encoding/json"

// ClientEventType tags an inbound client-to-server event.
type ClientEventType string

const (
	ClientUserMessage         ClientEventType = "user.message"
	ClientWindowMessage       ClientEventType = "window.message"
	ClientComponentAction     ClientEventType = "component.action"
	ClientInterrupt           ClientEventType = "interrupt"
	ClientInterruptAgent      ClientEventType = "interrupt.agent"
	ClientReset               ClientEventType = "reset"
	ClientSetProvider         ClientEventType = "provider.set"
	ClientRenderingFeedback   ClientEventType = "rendering.feedback"
	ClientDialogFeedback      ClientEventType = "dialog.feedback"
	ClientToastAction         ClientEventType = "toast.action"
	ClientUserInteraction     ClientEventType = "user.interaction"
	ClientAppProtocolResponse ClientEventType = "app_protocol.response"
	ClientAppProtocolReady    ClientEventType = "app_protocol.ready"
	ClientSubscribeMonitor    ClientEventType = "monitor.subscribe"
)

// ClientEvent is the envelope for all inbound events.
type ClientEvent struct {
	Type    ClientEventType `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParsePayload parses the payload into the given struct.
func (e *ClientEvent) ParsePayload(v any) error {
	if e.Payload == nil {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// NewClientEvent builds an envelope from a typed payload.
func NewClientEvent(t ClientEventType, payload any) (*ClientEvent, error) {
	if payload == nil {
		return &ClientEvent{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &ClientEvent{Type: t, Payload: data}, nil
}

// UserMessagePayload carries a main-conversation prompt.
type UserMessagePayload struct {
	MessageID    string            `json:"message_id"`
	Content      string            `json:"content"`
	MonitorID    string            `json:"monitor_id,omitempty"`
	Interactions []UserInteraction `json:"interactions,omitempty"`
}

// WindowMessagePayload carries a window-scoped prompt.
type WindowMessagePayload struct {
	MessageID string `json:"message_id"`
	WindowID  string `json:"window_id"`
	Content   string `json:"content"`
}

// ComponentActionPayload carries a UI component click.
type ComponentActionPayload struct {
	WindowID      string            `json:"window_id"`
	Action        string            `json:"action"`
	ActionID      string            `json:"action_id,omitempty"`
	FormID        string            `json:"form_id,omitempty"`
	FormData      map[string]string `json:"form_data,omitempty"`
	ComponentPath string            `json:"component_path,omitempty"`
	WindowTitle   string            `json:"window_title,omitempty"`
}

// InterruptAgentPayload targets one agent role.
type InterruptAgentPayload struct {
	AgentID string `json:"agent_id"`
}

// SetProviderPayload switches the primary provider type.
type SetProviderPayload struct {
	Provider string `json:"provider"`
}

// RenderingFeedbackPayload resolves a pending render wait.
type RenderingFeedbackPayload struct {
	RequestID string `json:"request_id"`
	WindowID  string `json:"window_id"`
	Renderer  string `json:"renderer"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	URL       string `json:"url,omitempty"`
	Locked    bool   `json:"locked,omitempty"`
	ImageData string `json:"image_data,omitempty"`
}

// DialogFeedbackPayload resolves a pending dialog wait.
type DialogFeedbackPayload struct {
	DialogID       string `json:"dialog_id"`
	Confirmed      bool   `json:"confirmed"`
	RememberChoice bool   `json:"remember_choice,omitempty"`
}

// ToastActionPayload reports a user clicking through a failure toast.
type ToastActionPayload struct {
	ToastID string `json:"toast_id"`
	EventID string `json:"event_id"`
}

// UserInteractionPayload carries a batch of raw UI interactions.
type UserInteractionPayload struct {
	Interactions []UserInteraction `json:"interactions"`
}

// AppProtocolResponsePayload resolves a pending app-protocol wait.
type AppProtocolResponsePayload struct {
	RequestID string          `json:"request_id"`
	WindowID  string          `json:"window_id"`
	Response  json.RawMessage `json:"response,omitempty"`
}

// AppProtocolReadyPayload announces an app iframe finished its handshake,
// advertising the commands it understands.
type AppProtocolReadyPayload struct {
	WindowID string   `json:"window_id"`
	Commands []string `json:"commands,omitempty"`
}

// SubscribeMonitorPayload narrows a connection to one monitor's events.
type SubscribeMonitorPayload struct {
	MonitorID string `json:"monitor_id"`
}
