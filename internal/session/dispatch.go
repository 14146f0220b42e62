package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mirageos/mirage/internal/agent"
	"github.com/mirageos/mirage/internal/events"
	"github.com/mirageos/mirage/internal/session/queue"
	"github.com/mirageos/mirage/internal/session/reload"
	v1 "github.com/mirageos/mirage/pkg/api/v1"
)

// Route handles one inbound client event. Dispatch paths that run turns are
// asynchronous; Route itself returns quickly. Malformed events produce an
// ERROR event, never a dropped connection.
func (s *LiveSession) Route(ctx context.Context, connID string, event *v1.ClientEvent) {
	if s.resetting.Load() && event.Type != v1.ClientReset {
		s.Broadcast(v1.NewErrorEvent("session reset in progress"))
		return
	}

	switch event.Type {
	case v1.ClientUserMessage:
		var p v1.UserMessagePayload
		if !s.parse(event, &p) {
			return
		}
		s.submitMain(&v1.Task{
			Kind:         v1.TaskKindMain,
			MessageID:    s.messageID(p.MessageID),
			Content:      p.Content,
			MonitorID:    p.MonitorID,
			Interactions: p.Interactions,
		})

	case v1.ClientWindowMessage:
		var p v1.WindowMessagePayload
		if !s.parse(event, &p) {
			return
		}
		s.submitWindow(&v1.Task{
			Kind:      v1.TaskKindWindow,
			MessageID: s.messageID(p.MessageID),
			WindowID:  p.WindowID,
			Content:   p.Content,
		})

	case v1.ClientComponentAction:
		var p v1.ComponentActionPayload
		if !s.parse(event, &p) {
			return
		}
		s.submitWindow(&v1.Task{
			Kind:      v1.TaskKindWindow,
			MessageID: s.messageID(""),
			WindowID:  p.WindowID,
			Content:   componentActionContent(&p),
			ActionID:  p.ActionID,
		})

	case v1.ClientInterrupt:
		s.pool.InterruptAll()
		s.mainQ.Clear()
		s.windowQ.Clear()

	case v1.ClientInterruptAgent:
		var p v1.InterruptAgentPayload
		if !s.parse(event, &p) {
			return
		}
		s.interruptAgent(p.AgentID)

	case v1.ClientReset:
		s.Reset(ctx)

	case v1.ClientSetProvider:
		var p v1.SetProviderPayload
		if !s.parse(event, &p) {
			return
		}
		s.setProvider(ctx, p.Provider)

	case v1.ClientRenderingFeedback:
		var p v1.RenderingFeedbackPayload
		if !s.parse(event, &p) {
			return
		}
		s.resolveFeedback(ctx, events.RenderingSubject(p.RequestID), events.TypeRenderingFeedback, p)

	case v1.ClientDialogFeedback:
		var p v1.DialogFeedbackPayload
		if !s.parse(event, &p) {
			return
		}
		s.resolveFeedback(ctx, events.DialogSubject(p.DialogID), events.TypeDialogFeedback, p)

	case v1.ClientToastAction:
		var p v1.ToastActionPayload
		if !s.parse(event, &p) {
			return
		}
		if p.EventID != "" {
			s.cache.MarkFailed(ctx, p.EventID)
		}

	case v1.ClientUserInteraction:
		var p v1.UserInteractionPayload
		if !s.parse(event, &p) {
			return
		}
		s.handleInteractions(p.Interactions)

	case v1.ClientAppProtocolResponse:
		var p v1.AppProtocolResponsePayload
		if !s.parse(event, &p) {
			return
		}
		s.resolveFeedback(ctx, events.AppProtocolSubject(p.RequestID), events.TypeAppProtocolReply, p)

	case v1.ClientAppProtocolReady:
		var p v1.AppProtocolReadyPayload
		if !s.parse(event, &p) {
			return
		}
		if s.registry.SetAppProtocol(p.WindowID, p.Commands) {
			// The app reloaded and lost its state; replay the commands it
			// had been sent.
			monitorID := s.windowMonitor(p.WindowID)
			for _, req := range s.registry.AppRequestHistory(p.WindowID) {
				s.Broadcast(v1.NewAppProtocolRequest(req.RequestID, req.WindowID, req.Payload).WithMonitor(monitorID))
			}
		}

	case v1.ClientSubscribeMonitor:
		var p v1.SubscribeMonitorPayload
		if !s.parse(event, &p) {
			return
		}
		s.center.SubscribeToMonitor(connID, p.MonitorID)

	default:
		s.logger.Warn("unknown client event", zap.String("type", string(event.Type)))
		s.Broadcast(v1.NewErrorEvent(fmt.Sprintf("unknown event type %q", event.Type)))
	}
}

func (s *LiveSession) parse(event *v1.ClientEvent, v any) bool {
	if err := event.ParsePayload(v); err != nil {
		s.logger.Warn("malformed payload",
			zap.String("type", string(event.Type)), zap.Error(err))
		s.Broadcast(v1.NewErrorEvent(fmt.Sprintf("malformed %s payload", event.Type)))
		return false
	}
	return true
}

func (s *LiveSession) messageID(id string) string {
	if id != "" {
		return id
	}
	return uuid.New().String()
}

// submitMain routes a main task: the monitor's main agent when idle, an
// ephemeral agent when the main is busy, the queue when the budget is gone,
// an error when even the queue is full.
func (s *LiveSession) submitMain(task *v1.Task) {
	monitorID := task.Monitor()

	if s.mainQ.TryAcquire(monitorID) {
		s.track(func() { s.runMainLoop(task) })
		return
	}

	if eph := s.pool.TryEphemeral(context.Background(), monitorID); eph != nil {
		s.track(func() {
			defer s.pool.ReleaseEphemeral(context.Background(), eph)
			s.runTurn(eph, task, s.buildEphemeralTurnPrompt(task), mainSystemPrompt, "")
			// The main agent was busy while this ran; leave a note so its
			// next turn learns what was handled without it.
			s.timeline.PushAI("handled in parallel: " + task.Content)
		})
		return
	}

	pos, err := s.mainQ.Enqueue(task)
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			s.logger.Warn("main queue full", zap.String("monitor_id", monitorID))
			s.Broadcast(v1.NewErrorEvent("queue is full").WithMonitor(monitorID))
			return
		}
		s.Broadcast(v1.NewErrorEvent(err.Error()).WithMonitor(monitorID))
		return
	}
	s.Broadcast(v1.NewMessageQueued(task.MessageID, pos).WithMonitor(monitorID))
}

// runMainLoop runs a turn on the monitor's main agent, then drains the
// monitor queue before releasing it.
func (s *LiveSession) runMainLoop(task *v1.Task) {
	monitorID := task.Monitor()
	defer s.mainQ.Release(monitorID)

	for {
		main, err := s.pool.MainFor(context.Background(), monitorID)
		if err != nil {
			s.logger.Error("no main agent available", zap.Error(err))
			s.Broadcast(v1.NewErrorEvent(err.Error()).WithMonitor(monitorID))
			return
		}

		s.runTurn(main, task, s.buildMainTurnPrompt(task), mainSystemPrompt, "")

		next, ok := s.mainQ.Dequeue(monitorID)
		if !ok {
			return
		}
		task = next
	}
}

// buildMainTurnPrompt drains the timeline, looks up replayable sequences, and
// records the user message on the tape.
func (s *LiveSession) buildMainTurnPrompt(task *v1.Task) string {
	activity := s.timeline.DrainForMain()

	fp := s.fingerprint(task)
	matches := s.cache.FindMatches(fp, 3)
	reloadOptions := reload.FormatReloadOptions(matches)

	s.tape.AppendUser(task.Content, v1.MainSource())
	s.persistTape()

	return buildMainPrompt(task, activity, reloadOptions)
}

// buildEphemeralTurnPrompt is the overflow variant: it records the user
// message and offers replayable sequences but leaves the timeline buffered,
// so the pending desktop activity still reaches the main agent's next turn.
func (s *LiveSession) buildEphemeralTurnPrompt(task *v1.Task) string {
	fp := s.fingerprint(task)
	matches := s.cache.FindMatches(fp, 3)
	reloadOptions := reload.FormatReloadOptions(matches)

	s.tape.AppendUser(task.Content, v1.MainSource())
	s.persistTape()

	return buildMainPrompt(task, "", reloadOptions)
}

// runTurn is the shared turn body: accept, meter, engage, record.
func (s *LiveSession) runTurn(a *agent.Session, task *v1.Task, prompt, systemPrompt, forWindowID string) {
	monitorID := task.Monitor()
	s.Broadcast(v1.NewMessageAccepted(task.MessageID, agent.TurnLabel(a.Role(), task)).WithMonitor(monitorID))
	s.resetBudget(monitorID)

	ctx := context.Background()
	if timeout := s.cfg.Provider.TurnTimeoutDuration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	actions, err := a.Engage(ctx, task, prompt, systemPrompt)
	if err != nil {
		// Engage only errors on scheduling conflicts; the turn never ran.
		s.logger.Error("turn not run", zap.Error(err))
		s.Broadcast(v1.NewErrorEvent(err.Error()).WithMonitor(monitorID))
		return
	}

	if forWindowID != "" {
		// Windows a window task opens stay in the opener's group, so follow-up
		// messages to either land on the same conversation.
		for i := range actions {
			if actions[i].Type == v1.ActionWindowCreate && actions[i].WindowID != "" {
				s.groups.Connect(actions[i].WindowID, forWindowID)
			}
		}
	}

	if len(actions) > 0 {
		s.cache.MaybeRecord(context.Background(), s.fingerprint(task), actions, forWindowID)
	}
}

func (s *LiveSession) fingerprint(task *v1.Task) string {
	return reload.BuildFingerprint(task, s.registry.Titles())
}

// submitWindow routes a window task. Component actions with an action id get
// their own parallel agent and skip the queue entirely; everything else
// serializes on the window group's agent.
func (s *LiveSession) submitWindow(task *v1.Task) {
	if task.WindowID == "" {
		s.Broadcast(v1.NewErrorEvent("window task without window id"))
		return
	}
	monitorID := s.windowMonitor(task.WindowID)
	task.MonitorID = monitorID

	groupID := s.groups.Connect(task.WindowID, "")

	if task.ActionID != "" {
		if par := s.pool.TryParallel(context.Background(), groupID, task.WindowID, monitorID); par != nil {
			s.track(func() {
				defer s.pool.ReleaseEphemeral(context.Background(), par)
				s.tape.AppendUser(task.Content, v1.WindowSource(task.WindowID))
				s.persistTape()
				s.runTurn(par, task, task.Content, windowSystemPrompt, task.WindowID)
			})
			return
		}
		// Budget exhausted; fall through to the serialized path.
	}

	agentSess, created := s.pool.WindowFor(context.Background(), groupID, task.WindowID, monitorID)
	if created {
		s.Broadcast(v1.NewWindowAgentStatus(task.WindowID, string(agent.RoleWindow), v1.WindowAgentAssigned).WithMonitor(monitorID))
	}
	// An agent resumed from a persisted thread already has the conversation;
	// only a genuinely blank one needs the bootstrap context.
	bootstrap := created && agentSess.ThreadID() == ""

	if s.windowQ.TryAcquire(groupID) {
		s.track(func() { s.runWindowLoop(agentSess, groupID, task, bootstrap) })
		return
	}

	pos := s.windowQ.Enqueue(groupID, task)
	s.Broadcast(v1.NewMessageQueued(task.MessageID, pos).WithMonitor(monitorID))
}

// runWindowLoop runs a window turn, then drains the group's queue before
// releasing the agent.
func (s *LiveSession) runWindowLoop(a *agent.Session, groupID string, task *v1.Task, bootstrap bool) {
	defer s.windowQ.Release(groupID)

	for {
		s.Broadcast(v1.NewWindowAgentStatus(task.WindowID, string(agent.RoleWindow), v1.WindowAgentActive).WithMonitor(task.Monitor()))

		s.tape.AppendUser(task.Content, v1.WindowSource(task.WindowID))
		s.persistTape()

		prompt := task.Content
		if bootstrap {
			w, _ := s.registry.Get(task.WindowID)
			excerpt := s.tape.Excerpt(s.cfg.Session.TapeExcerptLength)
			prompt = buildWindowBootstrap(w, excerpt) + "\n" + task.Content
			bootstrap = false
		}

		s.runTurn(a, task, prompt, windowSystemPrompt, task.WindowID)
		s.Broadcast(v1.NewWindowAgentStatus(task.WindowID, string(agent.RoleWindow), v1.WindowAgentReleased).WithMonitor(task.Monitor()))

		next, ok := s.windowQ.Dequeue(groupID)
		if !ok {
			return
		}
		task = next
	}
}

// ConnectWindows places a window in another window's agent group. Must happen
// before the window's first task.
func (s *LiveSession) ConnectWindows(windowID, relatedID string) string {
	return s.groups.Connect(windowID, relatedID)
}

// windowMonitor returns the monitor a window lives on, defaulting when the
// window is unknown.
func (s *LiveSession) windowMonitor(windowID string) string {
	if w, ok := s.registry.Get(windowID); ok && w.MonitorID != "" {
		return w.MonitorID
	}
	return v1.DefaultMonitorID
}

// handleInteractions buffers interactions on the timeline and folds the ones
// that change window state back into the registry, so the session's view of
// the desktop tracks what the user did by hand.
func (s *LiveSession) handleInteractions(interactions []v1.UserInteraction) {
	for _, in := range interactions {
		s.timeline.PushUser(in)
		if in.WindowID == "" {
			continue
		}
		switch in.Kind {
		case v1.InteractionWindowClose:
			s.registry.HandleClose(in.WindowID)
		case v1.InteractionWindowMove, v1.InteractionWindowResize:
			if in.Bounds != nil {
				s.registry.SetBounds(in.WindowID, *in.Bounds)
			}
		}
	}
}

// interruptAgent interrupts the turn whose client-visible agent id matches,
// e.g. "main-m1" or "window-w1/a77". An empty id interrupts everything.
func (s *LiveSession) interruptAgent(agentID string) {
	if agentID == "" {
		s.pool.InterruptAll()
		return
	}
	if !s.pool.InterruptByRole(agentID) {
		s.logger.Warn("interrupt for unknown agent", zap.String("agent_id", agentID))
	}
}

func (s *LiveSession) setProvider(ctx context.Context, name string) {
	p, err := s.provs.Get(ctx, name)
	if err != nil {
		s.logger.Warn("provider switch failed",
			zap.String("provider", name), zap.Error(err))
		s.Broadcast(v1.NewErrorEvent(fmt.Sprintf("unknown provider %q", name)))
		return
	}
	for _, canonicalID := range s.pool.SetProvider(ctx, p) {
		// Thread ids belong to the old provider; resuming them on the new
		// one would fail.
		if s.store != nil {
			if err := s.store.DeleteThread(ctx, s.id, canonicalID); err != nil {
				s.logger.Warn("failed to delete stale thread",
					zap.String("agent_id", canonicalID), zap.Error(err))
			}
		}
	}
	s.logger.Info("provider switched", zap.String("provider", name))
}

func (s *LiveSession) resolveFeedback(ctx context.Context, subject, eventType string, payload any) {
	if err := events.ResolveFeedback(ctx, s.bus, subject, eventType, "session:"+s.id, payload); err != nil {
		s.logger.Warn("failed to resolve feedback",
			zap.String("subject", subject), zap.Error(err))
	}
}
