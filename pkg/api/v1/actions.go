package v1

import "encoding/json"

// ActionType tags an OS action the AI instructs the UI to perform.
type ActionType string

const (
	ActionWindowCreate        ActionType = "window.create"
	ActionWindowClose         ActionType = "window.close"
	ActionWindowMove          ActionType = "window.move"
	ActionWindowResize        ActionType = "window.resize"
	ActionWindowLock          ActionType = "window.lock"
	ActionWindowUnlock        ActionType = "window.unlock"
	ActionShowNotification    ActionType = "window.show_notification"
	ActionDismissNotification ActionType = "window.dismiss_notification"

	// ActionAppProtocolRequest is not forwarded as a plain action; its payload
	// is an AppProtocolRequestPayload routed to the target app window.
	ActionAppProtocolRequest ActionType = "app_protocol.request"
)

// WindowBounds is a window rectangle in desktop coordinates.
type WindowBounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// OSAction is a tagged instruction for the client UI. The core understands the
// window lifecycle actions above; any other type is carried opaquely through
// Payload and forwarded untouched.
type OSAction struct {
	Type     ActionType      `json:"type"`
	WindowID string          `json:"window_id,omitempty"`
	Title    string          `json:"title,omitempty"`
	Bounds   *WindowBounds   `json:"bounds,omitempty"` // window.create
	X        *int            `json:"x,omitempty"`      // window.move
	Y        *int            `json:"y,omitempty"`
	Width    *int            `json:"width,omitempty"` // window.resize
	Height   *int            `json:"height,omitempty"`
	Content  string          `json:"content,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"` // opaque pass-through
}

// IsWindowLifecycle reports whether the action mutates window existence or
// geometry and therefore must be folded into the window registry.
func (a *OSAction) IsWindowLifecycle() bool {
	switch a.Type {
	case ActionWindowCreate, ActionWindowClose, ActionWindowMove, ActionWindowResize:
		return true
	}
	return false
}

// IsObservable reports whether replaying the action has a user-visible effect.
// The reload cache only records sequences containing at least one observable
// action.
func (a *OSAction) IsObservable() bool {
	switch a.Type {
	case ActionWindowCreate, ActionShowNotification:
		return true
	}
	return false
}
