// Package broadcast fans stamped server events out to the connections attached
// to a session, with optional per-monitor filtering.
package broadcast

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mirageos/mirage/internal/common/logger"
	v1 "github.com/mirageos/mirage/pkg/api/v1"
)

// Transport delivers events to one client connection. Implementations must not
// block indefinitely; a send error marks the connection for removal by its
// owner, the center itself never closes transports.
type Transport interface {
	Send(event *v1.ServerEvent) error
}

type subscriber struct {
	transport Transport
	monitors  map[string]bool // empty set means all monitors
}

// Center is the per-session event fanout. Safe for concurrent use.
type Center struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber // by connection id
	logger *logger.Logger
}

// New creates an empty center.
func New(log *logger.Logger) *Center {
	return &Center{
		subs:   make(map[string]*subscriber),
		logger: log.WithFields(zap.String("component", "broadcast")),
	}
}

// Subscribe attaches a connection. A connection starts unfiltered and receives
// events for every monitor.
func (c *Center) Subscribe(connID string, t Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[connID] = &subscriber{transport: t, monitors: make(map[string]bool)}
}

// Unsubscribe detaches a connection. Unknown ids are ignored.
func (c *Center) Unsubscribe(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, connID)
}

// SubscribeToMonitor narrows a connection to the given monitor. Calling it for
// multiple monitors accumulates the set.
func (c *Center) SubscribeToMonitor(connID, monitorID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[connID]; ok {
		sub.monitors[monitorID] = true
	}
}

// PublishToConnection delivers an event to a single connection.
func (c *Center) PublishToConnection(connID string, event *v1.ServerEvent) error {
	c.mu.RLock()
	sub, ok := c.subs[connID]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := sub.transport.Send(event); err != nil {
		c.logger.Warn("failed to deliver event",
			zap.String("conn_id", connID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		return err
	}
	return nil
}

// PublishToSession delivers an event to every attached connection, honoring
// monitor filters when the event carries a monitor id.
func (c *Center) PublishToSession(event *v1.ServerEvent) {
	c.mu.RLock()
	targets := make(map[string]Transport, len(c.subs))
	for id, sub := range c.subs {
		if event.MonitorID != "" && len(sub.monitors) > 0 && !sub.monitors[event.MonitorID] {
			continue
		}
		targets[id] = sub.transport
	}
	c.mu.RUnlock()

	for id, t := range targets {
		if err := t.Send(event); err != nil {
			c.logger.Warn("failed to deliver event",
				zap.String("conn_id", id),
				zap.String("event_type", string(event.Type)),
				zap.Error(err))
		}
	}
}

// PublishToMonitor delivers an event to connections subscribed to the monitor
// (and to unfiltered connections).
func (c *Center) PublishToMonitor(monitorID string, event *v1.ServerEvent) {
	c.PublishToSession(event.WithMonitor(monitorID))
}

// ConnectionCount returns the number of attached connections.
func (c *Center) ConnectionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// Clear detaches every connection without closing transports.
func (c *Center) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = make(map[string]*subscriber)
}
