package session

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mirageos/mirage/internal/agent"
	"github.com/mirageos/mirage/internal/common/config"
	"github.com/mirageos/mirage/internal/common/logger"
	"github.com/mirageos/mirage/internal/events/bus"
	"github.com/mirageos/mirage/internal/provider"
)

// DefaultSessionID names the session used when clients connect without one.
const DefaultSessionID = "default"

// Hub owns the live sessions of the process. Most deployments run exactly one
// session; the hub exists so multiple desktops can share a core.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*LiveSession

	cfg     *config.Config
	bus     bus.EventBus
	store   Store
	provs   *provider.Registry
	limiter *semaphore.Weighted // process-wide throwaway-agent cap
	logger  *logger.Logger
}

// NewHub creates an empty hub. The throwaway-agent limit is shared by every
// session the hub creates, so the cap holds across sessions.
func NewHub(cfg *config.Config, b bus.EventBus, store Store, provs *provider.Registry, log *logger.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]*LiveSession),
		cfg:      cfg,
		bus:      b,
		store:    store,
		provs:    provs,
		limiter:  agent.NewLimiter(int64(cfg.Session.AgentLimit)),
		logger:   log,
	}
}

// GetOrCreate returns the session, creating it on first use. An empty id maps
// to the default session.
func (h *Hub) GetOrCreate(ctx context.Context, id string) (*LiveSession, error) {
	if id == "" {
		id = DefaultSessionID
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[id]; ok {
		return s, nil
	}

	s, err := New(ctx, id, h.cfg, h.bus, h.store, h.provs, h.limiter, h.logger)
	if err != nil {
		return nil, err
	}
	h.sessions[id] = s
	h.logger.Info("session created", zap.String("session_id", id))
	return s, nil
}

// Get returns an existing session.
func (h *Hub) Get(id string) (*LiveSession, bool) {
	if id == "" {
		id = DefaultSessionID
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	return s, ok
}

// Remove closes and forgets a session.
func (h *Hub) Remove(ctx context.Context, id string) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if ok {
		s.Close(ctx)
		h.logger.Info("session removed", zap.String("session_id", id))
	}
}

// Stats returns a summary of every live session.
func (h *Hub) Stats() []Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Stats, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s.Stats())
	}
	return out
}

// CloseAll closes every session, for shutdown.
func (h *Hub) CloseAll(ctx context.Context) {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*LiveSession)
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close(ctx)
	}
}
