// Package windows tracks the open-window state a session believes the desktop
// is in, derived purely from the actions the session itself has emitted, and
// decides which windows share an agent.
package windows

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/mirageos/mirage/internal/common/logger"
	v1 "github.com/mirageos/mirage/pkg/api/v1"
)

// WindowState is the registry's view of one open window.
type WindowState struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	MonitorID   string          `json:"monitor_id"`
	Bounds      v1.WindowBounds `json:"bounds"`
	Locked      bool            `json:"locked"`
	AppProtocol bool            `json:"app_protocol"`
	AppCommands []string        `json:"app_commands,omitempty"`
}

// CloseHandler is invoked once per window close, after the window has been
// removed from the registry.
type CloseHandler func(windowID string)

// maxAppRequestHistory bounds the per-window app command history kept for
// replay when an app re-registers after a reload.
const maxAppRequestHistory = 20

// Registry folds window lifecycle actions into window state. Safe for
// concurrent use.
type Registry struct {
	mu          sync.RWMutex
	windows     map[string]*WindowState
	appRequests map[string][]v1.AppProtocolRequestPayload
	onClose     CloseHandler
	logger      *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		windows:     make(map[string]*WindowState),
		appRequests: make(map[string][]v1.AppProtocolRequestPayload),
		logger:      log.WithFields(zap.String("component", "window-registry")),
	}
}

// SetOnWindowClose registers the close handler. Must be called before actions
// start flowing.
func (r *Registry) SetOnWindowClose(h CloseHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClose = h
}

// HandleAction folds one action into the registry. Non-lifecycle actions and
// actions for unknown windows are ignored; a close for an unknown window is a
// no-op rather than an error so double closes stay harmless.
func (r *Registry) HandleAction(action *v1.OSAction, monitorID string) {
	switch action.Type {
	case v1.ActionWindowCreate:
		r.handleCreate(action, monitorID)
	case v1.ActionWindowClose:
		r.HandleClose(action.WindowID)
	case v1.ActionWindowMove:
		r.handleMove(action)
	case v1.ActionWindowResize:
		r.handleResize(action)
	case v1.ActionWindowLock:
		r.setLocked(action.WindowID, true)
	case v1.ActionWindowUnlock:
		r.setLocked(action.WindowID, false)
	}
}

func (r *Registry) handleCreate(action *v1.OSAction, monitorID string) {
	if action.WindowID == "" {
		r.logger.Warn("ignoring window.create without a window id")
		return
	}

	w := &WindowState{
		ID:        action.WindowID,
		Title:     action.Title,
		MonitorID: monitorID,
	}
	if action.Bounds != nil {
		w.Bounds = *action.Bounds
	}

	r.mu.Lock()
	r.windows[action.WindowID] = w
	r.mu.Unlock()

	r.logger.Debug("window opened",
		zap.String("window_id", w.ID),
		zap.String("title", w.Title))
}

// HandleClose removes a window and fires the close handler exactly once.
// Closing a window that is not open is a no-op.
func (r *Registry) HandleClose(windowID string) {
	r.mu.Lock()
	_, existed := r.windows[windowID]
	if existed {
		delete(r.windows, windowID)
		delete(r.appRequests, windowID)
	}
	onClose := r.onClose
	r.mu.Unlock()

	if !existed {
		return
	}
	r.logger.Debug("window closed", zap.String("window_id", windowID))
	if onClose != nil {
		onClose(windowID)
	}
}

func (r *Registry) handleMove(action *v1.OSAction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[action.WindowID]
	if !ok {
		return
	}
	if action.X != nil {
		w.Bounds.X = *action.X
	}
	if action.Y != nil {
		w.Bounds.Y = *action.Y
	}
}

func (r *Registry) handleResize(action *v1.OSAction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[action.WindowID]
	if !ok {
		return
	}
	if action.Width != nil {
		w.Bounds.Width = *action.Width
	}
	if action.Height != nil {
		w.Bounds.Height = *action.Height
	}
}

// SetBounds overwrites a window's rectangle. Used when the user moves or
// resizes a window by hand.
func (r *Registry) SetBounds(windowID string, bounds v1.WindowBounds) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.windows[windowID]; ok {
		w.Bounds = bounds
	}
}

func (r *Registry) setLocked(windowID string, locked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.windows[windowID]; ok {
		w.Locked = locked
	}
}

// SetAppProtocol marks a window as speaking the app protocol and records the
// commands it advertised. Returns true when the window had already completed
// the handshake, meaning the app content reloaded and re-registered.
func (r *Registry) SetAppProtocol(windowID string, commands []string) (reregistered bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[windowID]
	if !ok {
		return false
	}
	reregistered = w.AppProtocol
	w.AppProtocol = true
	w.AppCommands = append([]string(nil), commands...)
	return reregistered
}

// RecordAppRequest remembers an app-protocol request sent to a window so it
// can be replayed if the app re-registers. History is bounded per window.
func (r *Registry) RecordAppRequest(req v1.AppProtocolRequestPayload) {
	if req.WindowID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	history := append(r.appRequests[req.WindowID], req)
	if len(history) > maxAppRequestHistory {
		history = history[len(history)-maxAppRequestHistory:]
	}
	r.appRequests[req.WindowID] = history
}

// AppRequestHistory returns the requests recorded for a window, oldest first.
func (r *Registry) AppRequestHistory(windowID string) []v1.AppProtocolRequestPayload {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]v1.AppProtocolRequestPayload(nil), r.appRequests[windowID]...)
}

// AppCommands returns the commands a window advertised, nil when the window is
// unknown or not app-protocol capable.
func (r *Registry) AppCommands(windowID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.windows[windowID]
	if !ok || !w.AppProtocol {
		return nil
	}
	return append([]string(nil), w.AppCommands...)
}

// Get returns a copy of the window state.
func (r *Registry) Get(windowID string) (WindowState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.windows[windowID]
	if !ok {
		return WindowState{}, false
	}
	return *w, true
}

// List returns copies of all open windows, ordered by id for stable output.
func (r *Registry) List() []WindowState {
	r.mu.RLock()
	out := make([]WindowState, 0, len(r.windows))
	for _, w := range r.windows {
		out = append(out, *w)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Titles returns the open window titles (falling back to ids) ordered by id.
// Used for fingerprinting the desktop state.
func (r *Registry) Titles() []string {
	windows := r.List()
	titles := make([]string, 0, len(windows))
	for _, w := range windows {
		if w.Title != "" {
			titles = append(titles, w.Title)
		} else {
			titles = append(titles, w.ID)
		}
	}
	return titles
}

// RestoreFromActions rebuilds the registry by replaying a recorded action
// stream. Close handlers do not fire during restore.
func (r *Registry) RestoreFromActions(actions []v1.OSAction, monitorID string) {
	r.mu.Lock()
	onClose := r.onClose
	r.onClose = nil
	r.mu.Unlock()

	for i := range actions {
		r.HandleAction(&actions[i], monitorID)
	}

	r.mu.Lock()
	r.onClose = onClose
	r.mu.Unlock()
}

// Len returns the number of open windows.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.windows)
}

// Clear drops all window state without firing close handlers.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows = make(map[string]*WindowState)
	r.appRequests = make(map[string][]v1.AppProtocolRequestPayload)
}
