package agent

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mirageos/mirage/internal/common/logger"
	"github.com/mirageos/mirage/internal/events/bus"
	"github.com/mirageos/mirage/internal/provider"
	v1 "github.com/mirageos/mirage/pkg/api/v1"
)

// Pool defaults.
const (
	DefaultAgentLimit  = 8
	DefaultMaxMonitors = 4
)

// ThreadLoader resolves the persisted provider thread for a canonical agent,
// "" when there is none.
type ThreadLoader func(ctx context.Context, canonicalID string) (string, error)

// NewLimiter creates a throwaway-agent limiter. One limiter is shared by
// every session's pool, so the cap on concurrently alive throwaway agents
// holds process-wide.
func NewLimiter(n int64) *semaphore.Weighted {
	if n <= 0 {
		n = DefaultAgentLimit
	}
	return semaphore.NewWeighted(n)
}

// PoolConfig assembles a Pool.
type PoolConfig struct {
	Provider    provider.Provider
	Hooks       Hooks
	Bus         bus.EventBus
	Logger      *logger.Logger
	LoadThread  ThreadLoader        // nil disables thread resume
	Limiter     *semaphore.Weighted // shared throwaway cap; nil creates a private one
	AgentLimit  int64               // sizes the private limiter when Limiter is nil
	MaxMonitors int
}

// Pool owns every agent of a session: one main agent per monitor, one window
// agent per window group, plus bounded throwaway agents for overflow and
// parallel work.
type Pool struct {
	mu         sync.Mutex
	prov       provider.Provider
	mains      map[string]*Session // by monitor id
	windows    map[string]*Session // by window group id
	throwaways map[int64]*Session  // by instance id

	limiter     *semaphore.Weighted
	maxMonitors int

	hooks      Hooks
	bus        bus.EventBus
	loadThread ThreadLoader
	logger     *logger.Logger
}

// NewPool creates an empty pool.
func NewPool(cfg PoolConfig) *Pool {
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = NewLimiter(cfg.AgentLimit)
	}
	maxMonitors := cfg.MaxMonitors
	if maxMonitors <= 0 {
		maxMonitors = DefaultMaxMonitors
	}
	return &Pool{
		prov:        cfg.Provider,
		mains:       make(map[string]*Session),
		windows:     make(map[string]*Session),
		throwaways:  make(map[int64]*Session),
		limiter:     limiter,
		maxMonitors: maxMonitors,
		hooks:       cfg.Hooks,
		bus:         cfg.Bus,
		loadThread:  cfg.LoadThread,
		logger:      cfg.Logger,
	}
}

// SetProvider switches the pool to a new provider. Existing agents are
// disposed, since their threads live on the old provider, and recreated
// lazily on the new one. Returns the canonical ids of the disposed agents so
// the caller can clear their persisted thread ids.
func (p *Pool) SetProvider(ctx context.Context, prov provider.Provider) []string {
	p.mu.Lock()
	p.prov = prov
	sessions := make([]*Session, 0, len(p.mains)+len(p.windows))
	for _, s := range p.mains {
		sessions = append(sessions, s)
	}
	for _, s := range p.windows {
		sessions = append(sessions, s)
	}
	p.mains = make(map[string]*Session)
	p.windows = make(map[string]*Session)
	p.mu.Unlock()

	disposed := make([]string, 0, len(sessions))
	for _, s := range sessions {
		disposed = append(disposed, s.ID())
		s.Dispose(ctx)
	}
	return disposed
}

// MainFor returns the monitor's main agent, creating it on first use. Fails
// when the monitor cap is reached.
func (p *Pool) MainFor(ctx context.Context, monitorID string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.mains[monitorID]; ok {
		return s, nil
	}
	if len(p.mains) >= p.maxMonitors {
		return nil, fmt.Errorf("monitor limit reached (%d)", p.maxMonitors)
	}

	canonicalID := "main-" + monitorID
	s := New(Config{
		ID:        canonicalID,
		Role:      RoleMain,
		MonitorID: monitorID,
		Source:    v1.MainSource(),
		ThreadID:  p.resumeThread(ctx, canonicalID),
		Provider:  p.prov,
		Hooks:     p.hooks,
		Bus:       p.bus,
		Logger:    p.logger,
	})
	p.mains[monitorID] = s
	p.logger.Info("main agent created", zap.String("monitor_id", monitorID))
	return s, nil
}

// Main returns the monitor's main agent without creating one.
func (p *Pool) Main(monitorID string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.mains[monitorID]
	return s, ok
}

// TryEphemeral creates a throwaway overflow agent forked from the monitor's
// main thread. Returns nil when the agent budget is exhausted; the caller
// falls back to queueing.
func (p *Pool) TryEphemeral(ctx context.Context, monitorID string) *Session {
	if !p.limiter.TryAcquire(1) {
		return nil
	}

	p.mu.Lock()
	prov := p.prov
	var forkFrom string
	if main, ok := p.mains[monitorID]; ok {
		forkFrom = main.ThreadID()
	}
	p.mu.Unlock()

	s := New(Config{
		Role:           RoleEphemeral,
		MonitorID:      monitorID,
		Source:         v1.MainSource(),
		ForkFromThread: forkFrom,
		Provider:       prov,
		Hooks:          p.hooks,
		Bus:            p.bus,
		Logger:         p.logger,
	})
	p.trackThrowaway(s)
	p.logger.Debug("ephemeral agent created",
		zap.Int64("instance_id", s.InstanceID()),
		zap.String("monitor_id", monitorID))
	return s
}

// ReleaseEphemeral returns a throwaway agent's budget slot. Must be called
// exactly once per TryEphemeral/TryParallel that returned non-nil.
func (p *Pool) ReleaseEphemeral(ctx context.Context, s *Session) {
	p.mu.Lock()
	delete(p.throwaways, s.InstanceID())
	p.mu.Unlock()
	s.Dispose(ctx)
	p.limiter.Release(1)
}

func (p *Pool) trackThrowaway(s *Session) {
	p.mu.Lock()
	p.throwaways[s.InstanceID()] = s
	p.mu.Unlock()
}

// WindowFor returns the agent serving a window group, creating it on first
// use. Created reports whether this call created it.
func (p *Pool) WindowFor(ctx context.Context, groupID, windowID, monitorID string) (s *Session, created bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.windows[groupID]; ok {
		return s, false
	}

	canonicalID := "window-" + groupID
	s = New(Config{
		ID:        canonicalID,
		Role:      RoleWindow,
		MonitorID: monitorID,
		Source:    v1.WindowSource(windowID),
		ThreadID:  p.resumeThread(ctx, canonicalID),
		Provider:  p.prov,
		Hooks:     p.hooks,
		Bus:       p.bus,
		Logger:    p.logger,
	})
	p.windows[groupID] = s
	p.logger.Info("window agent created",
		zap.String("group_id", groupID),
		zap.String("window_id", windowID))
	return s, true
}

// Window returns the agent for a group without creating one.
func (p *Pool) Window(groupID string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.windows[groupID]
	return s, ok
}

// ReleaseWindow removes and disposes the agent serving a group.
func (p *Pool) ReleaseWindow(ctx context.Context, groupID string) {
	p.mu.Lock()
	s, ok := p.windows[groupID]
	delete(p.windows, groupID)
	p.mu.Unlock()
	if ok {
		s.Interrupt()
	}
}

// TryParallel creates a throwaway agent for a component action, forked from
// the group's thread so it sees the window conversation. Returns nil when the
// agent budget is exhausted.
func (p *Pool) TryParallel(ctx context.Context, groupID, windowID, monitorID string) *Session {
	if !p.limiter.TryAcquire(1) {
		return nil
	}

	p.mu.Lock()
	prov := p.prov
	var forkFrom string
	if w, ok := p.windows[groupID]; ok {
		forkFrom = w.ThreadID()
	}
	p.mu.Unlock()

	s := New(Config{
		Role:           RoleParallel,
		MonitorID:      monitorID,
		Source:         v1.WindowSource(windowID),
		ForkFromThread: forkFrom,
		Provider:       prov,
		Hooks:          p.hooks,
		Bus:            p.bus,
		Logger:         p.logger,
	})
	p.trackThrowaway(s)
	p.logger.Debug("parallel agent created",
		zap.Int64("instance_id", s.InstanceID()),
		zap.String("window_id", windowID))
	return s
}

// InterruptByRole interrupts the agent whose running turn carries the label,
// e.g. "main-m1" or "window-w1/a77". Returns false when no turn matches.
func (p *Pool) InterruptByRole(label string) bool {
	for _, s := range p.all() {
		if s.CurrentLabel() == label {
			s.Interrupt()
			return true
		}
	}
	return false
}

// InterruptAll interrupts every agent of the pool, throwaways included.
func (p *Pool) InterruptAll() {
	for _, s := range p.all() {
		s.Interrupt()
	}
}

func (p *Pool) all() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	sessions := make([]*Session, 0, len(p.mains)+len(p.windows)+len(p.throwaways))
	for _, s := range p.mains {
		sessions = append(sessions, s)
	}
	for _, s := range p.windows {
		sessions = append(sessions, s)
	}
	for _, s := range p.throwaways {
		sessions = append(sessions, s)
	}
	return sessions
}

// MonitorCount returns the number of monitors with a main agent.
func (p *Pool) MonitorCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.mains)
}

// Reset interrupts and disposes every pooled agent. Throwaway agents release
// themselves when their interrupted turns unwind.
func (p *Pool) Reset(ctx context.Context) {
	p.InterruptAll()
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.mains)+len(p.windows))
	for _, s := range p.mains {
		sessions = append(sessions, s)
	}
	for _, s := range p.windows {
		sessions = append(sessions, s)
	}
	p.mains = make(map[string]*Session)
	p.windows = make(map[string]*Session)
	p.mu.Unlock()

	for _, s := range sessions {
		s.Dispose(ctx)
	}
}

func (p *Pool) resumeThread(ctx context.Context, canonicalID string) string {
	if p.loadThread == nil {
		return ""
	}
	threadID, err := p.loadThread(ctx, canonicalID)
	if err != nil {
		p.logger.Warn("failed to load persisted thread",
			zap.String("agent_id", canonicalID), zap.Error(err))
		return ""
	}
	return threadID
}
