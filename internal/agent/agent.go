// Package agent runs provider turns on behalf of a session. An agent owns one
// provider thread and translates the provider stream into client events; the
// actions its tools emit come back to it over the bus, filtered by instance
// id, so parallel agents never see each other's actions.
package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mirageos/mirage/internal/common/logger"
	"github.com/mirageos/mirage/internal/events"
	"github.com/mirageos/mirage/internal/events/bus"
	"github.com/mirageos/mirage/internal/provider"
	v1 "github.com/mirageos/mirage/pkg/api/v1"
)

// Role classifies agents by how they are scheduled.
type Role string

const (
	RoleMain      Role = "main"
	RoleWindow    Role = "window"
	RoleEphemeral Role = "ephemeral"
	RoleParallel  Role = "parallel"
)

// flushTimeout bounds the end-of-turn wait for in-flight bus actions.
const flushTimeout = 2 * time.Second

// instanceCounter issues process-unique agent instance ids. Canonical agent
// names repeat across restarts and resets; instance ids never do, which keeps
// stale bus traffic from reaching a successor agent.
var instanceCounter atomic.Int64

// TurnLabel renders the client-visible agent label for one turn: main and
// ephemeral turns are labelled by the message they serve, window turns by the
// window, parallel component actions by window and action.
func TurnLabel(role Role, task *v1.Task) string {
	switch role {
	case RoleMain:
		return "main-" + task.MessageID
	case RoleEphemeral:
		return "ephemeral-" + task.MessageID
	case RoleParallel:
		return "window-" + task.WindowID + "/" + task.ActionID
	default:
		return "window-" + task.WindowID
	}
}

// Hooks is what an agent needs from its session. The session applies actions
// to its window state, meters them, and fans events out; the agent stays
// ignorant of all that.
type Hooks interface {
	// Broadcast stamps and fans out one event.
	Broadcast(event *v1.ServerEvent)

	// ApplyAction folds a tool-emitted action into session state and
	// forwards it to clients.
	ApplyAction(action v1.OSAction, monitorID, agentID string)

	// AppendAssistant records the agent's final text on the context tape.
	AppendAssistant(content string, source v1.Source)

	// SaveThread persists the provider thread id for a canonical agent.
	// Ignored for ephemeral agents (empty canonical id).
	SaveThread(ctx context.Context, canonicalID, threadID string)
}

// Config assembles a Session.
type Config struct {
	ID             string // canonical id, e.g. "main-monitor-0"; "" for throwaway agents
	Role           Role
	MonitorID      string
	Source         v1.Source
	ThreadID       string // resume an existing provider thread
	ForkFromThread string // seed a fresh thread from another's history
	Provider       provider.Provider
	Hooks          Hooks
	Bus            bus.EventBus
	Logger         *logger.Logger
}

// Session is one agent: a provider thread plus the machinery to run turns on
// it. At most one turn runs at a time.
type Session struct {
	id         string
	instanceID int64
	role       Role
	monitorID  string
	source     v1.Source
	prov       provider.Provider
	hooks      Hooks
	bus        bus.EventBus
	logger     *logger.Logger

	mu             sync.Mutex
	threadID       string
	forkFromThread string
	busy           bool
	turnLabel      string
	cancelTurn     context.CancelFunc
}

// New creates an idle agent.
func New(cfg Config) *Session {
	instanceID := instanceCounter.Add(1)
	return &Session{
		id:             cfg.ID,
		instanceID:     instanceID,
		role:           cfg.Role,
		monitorID:      cfg.MonitorID,
		source:         cfg.Source,
		prov:           cfg.Provider,
		hooks:          cfg.Hooks,
		bus:            cfg.Bus,
		threadID:       cfg.ThreadID,
		forkFromThread: cfg.ForkFromThread,
		logger: cfg.Logger.WithFields(
			zap.String("agent_id", cfg.ID),
			zap.Int64("instance_id", instanceID),
			zap.String("agent_role", string(cfg.Role))),
	}
}

// ID returns the canonical agent id, "" for throwaway agents.
func (s *Session) ID() string { return s.id }

// InstanceID returns the process-unique instance id.
func (s *Session) InstanceID() int64 { return s.instanceID }

// Role returns the agent's role.
func (s *Session) Role() Role { return s.role }

// MonitorID returns the monitor the agent serves.
func (s *Session) MonitorID() string { return s.monitorID }

// ThreadID returns the current provider thread id, "" before the first turn.
func (s *Session) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

// Busy reports whether a turn is running.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// CurrentLabel returns the label of the running turn, "" when idle. Used to
// target interrupts at a specific turn.
func (s *Session) CurrentLabel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnLabel
}

// eventID renders the agent identity clients see on streamed events.
func (s *Session) eventID() string {
	if s.id != "" {
		return s.id
	}
	return fmt.Sprintf("%s-%d", s.role, s.instanceID)
}

// Engage runs one turn: prompt in, streamed events out, collected actions
// back. The returned actions are everything the agent's tools emitted, in
// order. Engage never returns a provider failure as a hard error once the
// stream has started; failures surface as an ERROR event and a completed
// response so clients always unwind.
func (s *Session) Engage(ctx context.Context, task *v1.Task, prompt, systemPrompt string) ([]v1.OSAction, error) {
	agentID := TurnLabel(s.role, task)

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("agent %s is mid-turn", s.eventID())
	}
	turnCtx, cancel := context.WithCancel(ctx)
	s.busy = true
	s.turnLabel = agentID
	s.cancelTurn = cancel
	threadID := s.threadID
	forkFrom := s.forkFromThread
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.busy = false
		s.turnLabel = ""
		s.cancelTurn = nil
		s.mu.Unlock()
	}()

	s.hooks.Broadcast(v1.NewAgentThinking(task.MessageID, "", agentID).WithMonitor(s.monitorID))

	var (
		actionMu sync.Mutex
		actions  []v1.OSAction
	)
	flushed := make(chan struct{}, 1)
	sub, err := s.bus.Subscribe(events.SubjectActions, func(ctx context.Context, e *bus.Event) error {
		var env events.ActionEnvelope
		if err := e.Decode(&env); err != nil {
			return err
		}
		if env.InstanceID != s.instanceID {
			return nil
		}
		if env.Flush {
			select {
			case flushed <- struct{}{}:
			default:
			}
			return nil
		}
		actionMu.Lock()
		actions = append(actions, env.Action)
		actionMu.Unlock()
		s.hooks.ApplyAction(env.Action, s.monitorID, agentID)
		return nil
	})
	if err != nil {
		s.finishTurn(task.MessageID, "", agentID, fmt.Sprintf("failed to attach action stream: %v", err))
		return nil, nil
	}
	defer func() { _ = sub.Unsubscribe() }()

	stream, err := s.prov.StartTurn(turnCtx, provider.Turn{
		ThreadID:       threadID,
		ForkFromThread: forkFrom,
		Prompt:         prompt,
		SystemPrompt:   systemPrompt,
	})
	if err != nil {
		s.finishTurn(task.MessageID, "", agentID, fmt.Sprintf("provider unavailable: %v", err))
		return nil, nil
	}

	finalText := s.consumeStream(turnCtx, stream, task.MessageID, agentID)

	// The bus delivers asynchronously; an action published just before the
	// terminal stream message may still be in flight. Bounce a flush marker
	// off the subject so everything published before it has landed.
	s.flushActions(flushed)

	if finalText != "" && s.role != RoleEphemeral {
		s.hooks.AppendAssistant(finalText, s.source)
	}
	if s.id != "" {
		if tid := s.ThreadID(); tid != "" {
			s.hooks.SaveThread(context.Background(), s.id, tid)
		}
	}

	actionMu.Lock()
	collected := append([]v1.OSAction(nil), actions...)
	actionMu.Unlock()
	return collected, nil
}

func (s *Session) flushActions(flushed <-chan struct{}) {
	err := events.PublishAction(context.Background(), s.bus, "agent", events.ActionEnvelope{
		InstanceID: s.instanceID,
		Flush:      true,
	})
	if err != nil {
		s.logger.Warn("failed to flush action stream", zap.Error(err))
		return
	}
	select {
	case <-flushed:
	case <-time.After(flushTimeout):
		s.logger.Warn("action stream flush timed out")
	}
}

// consumeStream drains the provider stream, emitting client events as chunks
// arrive. Returns the final response text.
func (s *Session) consumeStream(ctx context.Context, stream <-chan provider.StreamMessage, messageID, agentID string) string {
	var lastText string
	for {
		select {
		case msg, ok := <-stream:
			if !ok {
				// Stream ended without a terminal message; still complete
				// the turn for clients.
				s.finishTurn(messageID, lastText, agentID, "")
				return lastText
			}
			switch msg.Kind {
			case provider.KindThinking:
				s.hooks.Broadcast(v1.NewAgentThinking(messageID, msg.Text, agentID).WithMonitor(s.monitorID))
			case provider.KindText:
				lastText = msg.Text
				s.hooks.Broadcast(v1.NewAgentResponse(messageID, msg.Text, agentID, false).WithMonitor(s.monitorID))
			case provider.KindToolUse:
				s.hooks.Broadcast(v1.NewToolProgress(msg.Tool, v1.ToolStatusRunning, agentID).WithMonitor(s.monitorID))
			case provider.KindToolResult:
				s.hooks.Broadcast(v1.NewToolProgress(msg.Tool, v1.ToolStatusComplete, agentID).WithMonitor(s.monitorID))
			case provider.KindComplete:
				if msg.ThreadID != "" {
					s.setThread(msg.ThreadID)
				}
				s.finishTurn(messageID, lastText, agentID, "")
				return lastText
			case provider.KindError:
				s.logger.Error("turn failed", zap.String("reason", msg.Err))
				s.finishTurn(messageID, lastText, agentID, msg.Err)
				return lastText
			}
		case <-ctx.Done():
			s.finishTurn(messageID, lastText, agentID, "Turn was interrupted")
			return lastText
		}
	}
}

// finishTurn emits the terminal events for a turn: an optional ERROR, then the
// completed AGENT_RESPONSE that clears client indicators. Every turn path ends
// here exactly once.
func (s *Session) finishTurn(messageID, finalText, agentID, errText string) {
	if errText != "" {
		s.hooks.Broadcast(v1.NewErrorEvent(errText).WithMonitor(s.monitorID))
	}
	s.hooks.Broadcast(v1.NewAgentResponse(messageID, finalText, agentID, true).WithMonitor(s.monitorID))
}

func (s *Session) setThread(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threadID = threadID
	s.forkFromThread = ""
}

// Interrupt aborts the running turn, if any. The stream still terminates with
// a completed response.
func (s *Session) Interrupt() {
	s.mu.Lock()
	cancel := s.cancelTurn
	threadID := s.threadID
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	s.logger.Info("interrupting turn")
	if threadID != "" {
		_ = s.prov.Cancel(context.Background(), threadID)
	}
	cancel()
}

// Steer injects guidance into the running turn.
func (s *Session) Steer(ctx context.Context, text string) error {
	s.mu.Lock()
	busy := s.busy
	threadID := s.threadID
	s.mu.Unlock()
	if !busy || threadID == "" {
		return nil
	}
	return s.prov.Steer(ctx, threadID, text)
}

// Dispose interrupts the agent and, for throwaway agents, drops the provider
// thread.
func (s *Session) Dispose(ctx context.Context) {
	s.Interrupt()
	if s.id != "" {
		return
	}
	if tid := s.ThreadID(); tid != "" {
		if err := s.prov.DropThread(ctx, tid); err != nil {
			s.logger.Warn("failed to drop thread", zap.Error(err))
		}
	}
}
