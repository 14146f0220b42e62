// Package session implements the orchestration core: one LiveSession per
// desktop, owning the sequencer, window state, conversation tape, reload
// cache, queues, and the agents that serve them.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mirageos/mirage/internal/agent"
	"github.com/mirageos/mirage/internal/common/config"
	"github.com/mirageos/mirage/internal/common/logger"
	"github.com/mirageos/mirage/internal/events/bus"
	"github.com/mirageos/mirage/internal/gateway/broadcast"
	"github.com/mirageos/mirage/internal/provider"
	"github.com/mirageos/mirage/internal/session/queue"
	"github.com/mirageos/mirage/internal/session/reload"
	"github.com/mirageos/mirage/internal/session/sequencer"
	"github.com/mirageos/mirage/internal/session/timeline"
	"github.com/mirageos/mirage/internal/session/windows"
	v1 "github.com/mirageos/mirage/pkg/api/v1"
)

// maxActionsPerTurn caps the actions one turn may apply, so a looping tool
// cannot flood clients.
const maxActionsPerTurn = 200

// Store is the slice of the state store a session uses. Nil disables
// persistence.
type Store interface {
	reload.Persister
	SaveThread(ctx context.Context, sessionID, canonicalAgent, threadID string) error
	LoadThread(ctx context.Context, sessionID, canonicalAgent string) (string, error)
	DeleteThread(ctx context.Context, sessionID, canonicalAgent string) error
	SaveTape(ctx context.Context, sessionID string, messages []v1.ContextMessage) error
	LoadTape(ctx context.Context, sessionID string) ([]v1.ContextMessage, error)
	ClearSession(ctx context.Context, sessionID string) error
}

// sessionStore adapts Store to reload.Persister for one session id.
type sessionStore struct {
	s         Store
	sessionID string
}

func (w *sessionStore) SaveReloadEntry(ctx context.Context, _ string, e *reload.Entry) error {
	return w.s.SaveReloadEntry(ctx, w.sessionID, e)
}

func (w *sessionStore) ListReloadEntries(ctx context.Context, _ string) ([]*reload.Entry, error) {
	return w.s.ListReloadEntries(ctx, w.sessionID)
}

func (w *sessionStore) DeleteReloadEntries(ctx context.Context, _ string) error {
	return w.s.DeleteReloadEntries(ctx, w.sessionID)
}

// LiveSession is the per-desktop orchestration state machine. All inbound
// client events funnel through Route; all outbound events leave through
// Broadcast, stamped by the sequencer.
type LiveSession struct {
	id     string
	cfg    *config.Config
	logger *logger.Logger
	bus    bus.EventBus
	store  Store // may be nil

	seq      *sequencer.Sequencer
	center   *broadcast.Center
	registry *windows.Registry
	groups   *windows.Groups
	timeline *timeline.Timeline
	tape     *timeline.Tape
	cache    *reload.Cache
	mainQ    *queue.MainQueue
	windowQ  *queue.WindowQueue
	pool     *agent.Pool
	provs    *provider.Registry

	inflight    atomic.Int64
	idleMu      sync.Mutex
	idleWaiters []chan struct{}

	budgetMu sync.Mutex
	budget   map[string]int // actions applied in the current turn, per monitor

	resetting atomic.Bool
	closed    atomic.Bool
}

// New assembles a session, restoring persisted tape and reload entries. The
// limiter caps throwaway agents; pass the hub's to share the cap across
// sessions, or nil for a private one.
func New(ctx context.Context, id string, cfg *config.Config, b bus.EventBus, store Store, provs *provider.Registry, limiter *semaphore.Weighted, log *logger.Logger) (*LiveSession, error) {
	log = log.WithSessionID(id)

	s := &LiveSession{
		id:       id,
		cfg:      cfg,
		logger:   log,
		bus:      b,
		store:    store,
		seq:      sequencer.New(cfg.Session.RingCapacity),
		center:   broadcast.New(log),
		registry: windows.NewRegistry(log),
		groups:   windows.NewGroups(),
		timeline: timeline.New(cfg.Session.TimelineCapacity),
		tape:     timeline.NewTape(),
		mainQ:    queue.NewMainQueue(cfg.Session.MainQueueCapacity),
		windowQ:  queue.NewWindowQueue(),
		provs:    provs,
		budget:   make(map[string]int),
	}

	var persister reload.Persister
	if store != nil {
		persister = &sessionStore{s: store, sessionID: id}
	}
	s.cache = reload.NewCache(id, persister, log)
	if err := s.cache.Load(ctx); err != nil {
		log.Warn("continuing without persisted reload entries", zap.Error(err))
	}
	if store != nil {
		if messages, err := store.LoadTape(ctx, id); err != nil {
			log.Warn("continuing without persisted tape", zap.Error(err))
		} else if len(messages) > 0 {
			s.tape.Restore(messages)
		}
	}

	prov, err := provs.Get(ctx, cfg.Provider.Default)
	if err != nil {
		return nil, err
	}

	var loader agent.ThreadLoader
	if store != nil {
		loader = func(ctx context.Context, canonicalID string) (string, error) {
			return store.LoadThread(ctx, id, canonicalID)
		}
	}
	s.pool = agent.NewPool(agent.PoolConfig{
		Provider:    prov,
		Hooks:       s,
		Bus:         b,
		Logger:      log,
		LoadThread:  loader,
		Limiter:     limiter,
		AgentLimit:  int64(cfg.Session.AgentLimit),
		MaxMonitors: cfg.Session.MaxMonitors,
	})

	s.registry.SetOnWindowClose(s.onWindowClosed)
	return s, nil
}

// ID returns the session id.
func (s *LiveSession) ID() string { return s.id }

// Broadcast implements agent.Hooks: stamp, record for replay, fan out.
func (s *LiveSession) Broadcast(event *v1.ServerEvent) {
	s.seq.Stamp(event)
	s.center.PublishToSession(event)
}

// ApplyAction implements agent.Hooks. Every action a turn's tools emit passes
// through here exactly once.
func (s *LiveSession) ApplyAction(action v1.OSAction, monitorID, agentID string) {
	if !s.consumeBudget(monitorID) {
		s.logger.Warn("action budget exhausted, dropping action",
			zap.String("monitor_id", monitorID),
			zap.String("action_type", string(action.Type)))
		return
	}

	if action.Type == v1.ActionAppProtocolRequest {
		s.forwardAppRequest(&action, monitorID)
		return
	}

	s.registry.HandleAction(&action, monitorID)
	if summary := actionSummary(&action); summary != "" {
		s.timeline.PushAI(summary)
	}
	s.Broadcast(v1.NewActionsEvent([]v1.OSAction{action}, agentID).WithMonitor(monitorID))
}

// forwardAppRequest turns an app-protocol action into an APP_PROTOCOL_REQUEST
// event for the target window, remembering it for replay on re-registration.
func (s *LiveSession) forwardAppRequest(action *v1.OSAction, monitorID string) {
	var req v1.AppProtocolRequestPayload
	if err := json.Unmarshal(action.Payload, &req); err != nil {
		s.logger.Warn("dropping malformed app-protocol request", zap.Error(err))
		return
	}
	if req.WindowID == "" {
		req.WindowID = action.WindowID
	}
	s.registry.RecordAppRequest(req)
	s.Broadcast(v1.NewAppProtocolRequest(req.RequestID, req.WindowID, req.Payload).WithMonitor(monitorID))
}

// AppendAssistant implements agent.Hooks.
func (s *LiveSession) AppendAssistant(content string, source v1.Source) {
	s.tape.AppendAssistant(content, source)
	s.persistTape()
}

// SaveThread implements agent.Hooks.
func (s *LiveSession) SaveThread(ctx context.Context, canonicalID, threadID string) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveThread(ctx, s.id, canonicalID, threadID); err != nil {
		s.logger.Warn("failed to persist thread id",
			zap.String("agent_id", canonicalID), zap.Error(err))
	}
}

func (s *LiveSession) persistTape() {
	if s.store == nil {
		return
	}
	if err := s.store.SaveTape(context.Background(), s.id, s.tape.Messages()); err != nil {
		s.logger.Warn("failed to persist tape", zap.Error(err))
	}
}

func (s *LiveSession) resetBudget(monitorID string) {
	s.budgetMu.Lock()
	defer s.budgetMu.Unlock()
	s.budget[monitorID] = 0
}

func (s *LiveSession) consumeBudget(monitorID string) bool {
	s.budgetMu.Lock()
	defer s.budgetMu.Unlock()
	if s.budget[monitorID] >= maxActionsPerTurn {
		return false
	}
	s.budget[monitorID]++
	return true
}

// Attach subscribes a connection and brings it up to date: a connection
// status first, then either an event replay from lastSeq or a full snapshot
// when the client is too far behind. lastSeq < 0 skips catch-up.
func (s *LiveSession) Attach(connID string, t broadcast.Transport, lastSeq int64) {
	s.center.Subscribe(connID, t)

	// Connection-scoped events are not stamped: replaying them to other
	// clients would be wrong.
	_ = s.center.PublishToConnection(connID,
		v1.NewConnectionStatus("connected", s.id, s.seq.CurrentSeq()))

	if lastSeq < 0 {
		return
	}
	replay := s.seq.ReplayAfter(lastSeq)
	if replay == nil {
		for _, e := range s.Snapshot() {
			_ = s.center.PublishToConnection(connID, e)
		}
		return
	}
	for _, e := range replay {
		_ = s.center.PublishToConnection(connID, e)
	}
}

// Detach unsubscribes a connection.
func (s *LiveSession) Detach(connID string) {
	s.center.Unsubscribe(connID)
}

// Snapshot rebuilds the client-visible state as a minimal action stream: one
// window.create per open window. Sent to clients whose replay window is gone.
func (s *LiveSession) Snapshot() []*v1.ServerEvent {
	open := s.registry.List()
	if len(open) == 0 {
		return nil
	}

	byMonitor := make(map[string][]v1.OSAction)
	for _, w := range open {
		bounds := w.Bounds
		byMonitor[w.MonitorID] = append(byMonitor[w.MonitorID], v1.OSAction{
			Type:     v1.ActionWindowCreate,
			WindowID: w.ID,
			Title:    w.Title,
			Bounds:   &bounds,
		})
	}

	out := make([]*v1.ServerEvent, 0, len(byMonitor))
	for monitorID, actions := range byMonitor {
		out = append(out, v1.NewActionsEvent(actions, "").WithMonitor(monitorID))
	}
	return out
}

// Stats summarizes the session for health endpoints.
type Stats struct {
	SessionID   string `json:"session_id"`
	Connections int    `json:"connections"`
	Monitors    int    `json:"monitors"`
	Windows     int    `json:"windows"`
	TapeLength  int    `json:"tape_length"`
	LastSeq     int64  `json:"last_seq"`
	Inflight    int64  `json:"inflight"`
}

// Stats returns a point-in-time summary.
func (s *LiveSession) Stats() Stats {
	return Stats{
		SessionID:   s.id,
		Connections: s.center.ConnectionCount(),
		Monitors:    s.pool.MonitorCount(),
		Windows:     s.registry.Len(),
		TapeLength:  s.tape.Len(),
		LastSeq:     s.seq.CurrentSeq(),
		Inflight:    s.inflight.Load(),
	}
}

// track runs fn on its own goroutine, counted for WaitIdle.
func (s *LiveSession) track(fn func()) {
	s.inflight.Add(1)
	go func() {
		defer s.taskDone()
		fn()
	}()
}

func (s *LiveSession) taskDone() {
	if s.inflight.Add(-1) != 0 {
		return
	}
	s.idleMu.Lock()
	waiters := s.idleWaiters
	s.idleWaiters = nil
	s.idleMu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// WaitIdle blocks until no tracked work is running.
func (s *LiveSession) WaitIdle(ctx context.Context) error {
	s.idleMu.Lock()
	if s.inflight.Load() == 0 {
		s.idleMu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.idleWaiters = append(s.idleWaiters, ch)
	s.idleMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onWindowClosed runs after any window close, AI- or user-initiated: release
// the agent when its group empties, prune window context, invalidate recorded
// sequences that touch the window.
func (s *LiveSession) onWindowClosed(windowID string) {
	ctx := context.Background()

	groupID, empty := s.groups.HandleClose(windowID)
	if empty {
		s.pool.ReleaseWindow(ctx, groupID)
		s.windowQ.Drop(groupID)
		if s.store != nil {
			if err := s.store.DeleteThread(ctx, s.id, "window-"+groupID); err != nil {
				s.logger.Warn("failed to delete window thread", zap.Error(err))
			}
		}
		s.Broadcast(v1.NewWindowAgentStatus(windowID, string(agent.RoleWindow), v1.WindowAgentReleased))
	}

	if pruned := s.tape.PruneWindow(windowID); pruned > 0 {
		s.persistTape()
	}
	s.cache.InvalidateForWindow(ctx, windowID)
}

// Reset tears the session back to a blank desktop. Connections stay attached
// and numbering keeps counting forward, so a client's last_seq survives the
// reset: clients see a window.close for every open window, then the reset
// notice. Inbound events other than reset itself are rejected while a reset
// is running.
func (s *LiveSession) Reset(ctx context.Context) {
	if !s.resetting.CompareAndSwap(false, true) {
		return
	}
	defer s.resetting.Store(false)
	s.logger.Info("resetting session")

	// Stop feeding the agents before interrupting them, so a queued task
	// cannot start a fresh turn between the interrupt and the wait.
	s.mainQ.Clear()
	s.windowQ.Clear()
	s.pool.InterruptAll()
	if err := s.WaitIdle(ctx); err != nil {
		s.logger.Warn("reset proceeding with turns still in flight", zap.Error(err))
	}
	s.pool.Reset(ctx)

	for _, w := range s.registry.List() {
		s.Broadcast(v1.NewActionsEvent([]v1.OSAction{{
			Type:     v1.ActionWindowClose,
			WindowID: w.ID,
			Title:    w.Title,
		}}, "").WithMonitor(w.MonitorID))
	}

	s.registry.Clear()
	s.groups.Clear()
	s.timeline.Clear()
	s.tape.Clear()
	s.cache.Clear(ctx)

	s.budgetMu.Lock()
	s.budget = make(map[string]int)
	s.budgetMu.Unlock()

	if s.store != nil {
		if err := s.store.ClearSession(ctx, s.id); err != nil {
			s.logger.Warn("failed to clear persisted session", zap.Error(err))
		}
	}

	if _, err := s.pool.MainFor(ctx, v1.DefaultMonitorID); err != nil {
		s.logger.Warn("failed to recreate default main agent", zap.Error(err))
	}

	s.Broadcast(v1.NewConnectionStatus("reset", s.id, s.seq.CurrentSeq()))
}

// Close interrupts everything and persists the tape. The session is unusable
// afterwards.
func (s *LiveSession) Close(ctx context.Context) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.pool.InterruptAll()
	_ = s.WaitIdle(ctx)
	s.persistTape()
	s.center.Clear()
}
