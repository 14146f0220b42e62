package events

import (
	"context"
	"time"

	v1 "github.com/mirageos/mirage/pkg/api/v1"

	"github.com/mirageos/mirage/internal/events/bus"
)

// Bus subjects. Actions share one subject and are filtered by agent instance
// id; feedback resolutions get one subject per pending request id.
const (
	SubjectActions = "mirage.actions"

	subjectRenderingPrefix = "mirage.feedback.rendering."
	subjectDialogPrefix    = "mirage.feedback.dialog."
	subjectAppPrefix       = "mirage.feedback.app."
)

// Event types carried on the bus.
const (
	TypeActionEmitted     = "action.emitted"
	TypeRenderingFeedback = "rendering.feedback"
	TypeDialogFeedback    = "dialog.feedback"
	TypeAppProtocolReply  = "app_protocol.reply"
)

// RenderingSubject returns the reply subject for a rendering request.
func RenderingSubject(requestID string) string { return subjectRenderingPrefix + requestID }

// DialogSubject returns the reply subject for a dialog request.
func DialogSubject(dialogID string) string { return subjectDialogPrefix + dialogID }

// AppProtocolSubject returns the reply subject for an app-protocol request.
func AppProtocolSubject(requestID string) string { return subjectAppPrefix + requestID }

// ActionEnvelope carries one OS action from a tool to the agent that is
// currently running the turn. InstanceID identifies that agent; SessionID is
// informational for cross-process setups. A Flush envelope carries no action:
// the agent publishes one at end of turn and waits for it to come back,
// proving every action published before it has been delivered.
type ActionEnvelope struct {
	InstanceID int64       `json:"instance_id"`
	SessionID  string      `json:"session_id,omitempty"`
	Flush      bool        `json:"flush,omitempty"`
	Action     v1.OSAction `json:"action"`
}

// PublishAction puts an action on the bus for the owning agent to pick up.
func PublishAction(ctx context.Context, b bus.EventBus, source string, env ActionEnvelope) error {
	return b.Publish(ctx, SubjectActions, bus.NewEvent(TypeActionEmitted, source, env))
}

// ResolveFeedback publishes a feedback payload on a reply subject, waking
// whichever tool call is blocked on it. Missing waiters are harmless.
func ResolveFeedback(ctx context.Context, b bus.EventBus, subject, eventType, source string, payload any) error {
	return b.Publish(ctx, subject, bus.NewEvent(eventType, source, payload))
}

// AwaitFeedback blocks until a feedback payload arrives on the subject or the
// timeout expires. Used by tool implementations that need client confirmation.
func AwaitFeedback(ctx context.Context, b bus.EventBus, subject string, timeout time.Duration) (*bus.Event, error) {
	ch := make(chan *bus.Event, 1)
	sub, err := b.Subscribe(subject, func(ctx context.Context, e *bus.Event) error {
		select {
		case ch <- e:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case e := <-ch:
		return e, nil
	case <-timeoutCtx.Done():
		return nil, timeoutCtx.Err()
	}
}
