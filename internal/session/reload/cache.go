// Package reload implements the fingerprint-keyed action replay cache. A task
// whose fingerprint matches a recorded entry can be short-circuited by
// replaying the recorded actions instead of invoking the provider.
package reload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mirageos/mirage/internal/common/logger"
	v1 "github.com/mirageos/mirage/pkg/api/v1"
)

// failThreshold is the number of user-reported failures after which an entry
// is invalidated outright.
const failThreshold = 2

// Entry is one recorded action sequence.
type Entry struct {
	EventID     string        `json:"event_id"`
	Fingerprint string        `json:"fingerprint"`
	Actions     []v1.OSAction `json:"actions"`
	CreatedAt   time.Time     `json:"created_at"`
	FailCount   int           `json:"fail_count"`
	Invalidated bool          `json:"invalidated"`
	WindowIDs   []string      `json:"window_ids,omitempty"`
}

// Persister stores entries durably per session. Implementations must be safe
// for use by a single cache at a time.
type Persister interface {
	SaveReloadEntry(ctx context.Context, sessionID string, e *Entry) error
	ListReloadEntries(ctx context.Context, sessionID string) ([]*Entry, error)
	DeleteReloadEntries(ctx context.Context, sessionID string) error
}

// Cache holds the per-session entries in memory and writes through to the
// persister on every mutation. Losing unflushed mutations on crash is
// acceptable.
type Cache struct {
	mu        sync.Mutex
	sessionID string
	entries   map[string]*Entry // by event id
	persister Persister         // nil disables persistence
	logger    *logger.Logger
}

// NewCache creates an empty cache for a session.
func NewCache(sessionID string, p Persister, log *logger.Logger) *Cache {
	return &Cache{
		sessionID: sessionID,
		entries:   make(map[string]*Entry),
		persister: p,
		logger:    log.WithFields(zap.String("component", "reload-cache")),
	}
}

// Load pulls previously persisted entries for the session.
func (c *Cache) Load(ctx context.Context) error {
	if c.persister == nil {
		return nil
	}
	entries, err := c.persister.ListReloadEntries(ctx, c.sessionID)
	if err != nil {
		return fmt.Errorf("failed to load reload entries: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		c.entries[e.EventID] = e
	}
	c.logger.Debug("reload cache loaded", zap.Int("entries", len(entries)))
	return nil
}

// BuildFingerprint derives a stable fingerprint from the task content, its
// monitor, and a snapshot of the open windows. The derivation must not change
// across restarts or persisted entries become unreachable.
func BuildFingerprint(task *v1.Task, windowSnapshot []string) string {
	snapshot := append([]string(nil), windowSnapshot...)
	sort.Strings(snapshot)

	parts := []string{
		normalizeContent(task.Content),
		task.Monitor(),
		strings.Join(snapshot, "\x1e"),
		task.WindowID,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

func normalizeContent(content string) string {
	return strings.ToLower(strings.Join(strings.Fields(content), " "))
}

// FindMatches returns up to limit entries for the fingerprint, valid entries
// first, then fewer recorded failures, then newest.
func (c *Cache) FindMatches(fp string, limit int) []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matches []*Entry
	for _, e := range c.entries {
		if e.Fingerprint == fp {
			matches = append(matches, e)
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Invalidated != matches[j].Invalidated {
			return !matches[i].Invalidated
		}
		if matches[i].FailCount != matches[j].FailCount {
			return matches[i].FailCount < matches[j].FailCount
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// MaybeRecord stores the action sequence for the fingerprint when it is worth
// replaying: non-trivial and containing at least one externally observable
// action. Identical (fingerprint, actions) pairs are deduplicated.
func (c *Cache) MaybeRecord(ctx context.Context, fp string, actions []v1.OSAction, forWindowID string) *Entry {
	if len(actions) == 0 {
		return nil
	}
	observable := false
	for i := range actions {
		if actions[i].IsObservable() {
			observable = true
			break
		}
	}
	if !observable {
		return nil
	}

	encoded, err := json.Marshal(actions)
	if err != nil {
		c.logger.Error("failed to encode actions", zap.Error(err))
		return nil
	}

	c.mu.Lock()
	for _, e := range c.entries {
		if e.Fingerprint == fp {
			existing, err := json.Marshal(e.Actions)
			if err == nil && string(existing) == string(encoded) {
				c.mu.Unlock()
				return nil
			}
		}
	}

	entry := &Entry{
		EventID:     uuid.New().String(),
		Fingerprint: fp,
		Actions:     actions,
		CreatedAt:   time.Now().UTC(),
		WindowIDs:   referencedWindows(actions, forWindowID),
	}
	c.entries[entry.EventID] = entry
	c.mu.Unlock()

	c.persist(ctx, entry)
	c.logger.Debug("recorded action sequence",
		zap.String("event_id", entry.EventID),
		zap.Int("actions", len(actions)))
	return entry
}

func referencedWindows(actions []v1.OSAction, forWindowID string) []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	add(forWindowID)
	for i := range actions {
		add(actions[i].WindowID)
	}
	return ids
}

// FormatReloadOptions renders matches as a prompt-injection block enumerating
// candidates by event id. Empty string when there are no matches.
func FormatReloadOptions(matches []*Entry) string {
	if len(matches) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<reload_options>\n")
	b.WriteString("These previously recorded action sequences match the current request. ")
	b.WriteString("You may replay one with the reload tool instead of regenerating it:\n")
	for _, e := range matches {
		fmt.Fprintf(&b, "- event_id=%s actions=%d recorded=%s\n",
			e.EventID, len(e.Actions), e.CreatedAt.Format(time.RFC3339))
	}
	b.WriteString("</reload_options>\n")
	return b.String()
}

// InvalidateForWindow marks entries referencing the window as invalidated.
// Entries are kept so failure counters survive.
func (c *Cache) InvalidateForWindow(ctx context.Context, windowID string) {
	c.mu.Lock()
	var dirty []*Entry
	for _, e := range c.entries {
		if e.Invalidated {
			continue
		}
		for _, wid := range e.WindowIDs {
			if wid == windowID {
				e.Invalidated = true
				dirty = append(dirty, e)
				break
			}
		}
	}
	c.mu.Unlock()

	for _, e := range dirty {
		c.persist(ctx, e)
	}
}

// MarkFailed increments the failure counter for an entry and invalidates it
// past the threshold. Unknown event ids are ignored.
func (c *Cache) MarkFailed(ctx context.Context, eventID string) {
	c.mu.Lock()
	e, ok := c.entries[eventID]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.FailCount++
	if e.FailCount >= failThreshold {
		e.Invalidated = true
	}
	c.mu.Unlock()

	c.persist(ctx, e)
	c.logger.Info("reload entry failure reported",
		zap.String("event_id", eventID),
		zap.Int("fail_count", e.FailCount))
}

// Get returns the entry for an event id.
func (c *Cache) Get(eventID string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[eventID]
	return e, ok
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops all entries, in memory and persisted.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()

	if c.persister != nil {
		if err := c.persister.DeleteReloadEntries(ctx, c.sessionID); err != nil {
			c.logger.Warn("failed to clear persisted reload entries", zap.Error(err))
		}
	}
}

func (c *Cache) persist(ctx context.Context, e *Entry) {
	if c.persister == nil {
		return
	}
	if err := c.persister.SaveReloadEntry(ctx, c.sessionID, e); err != nil {
		c.logger.Warn("failed to persist reload entry",
			zap.String("event_id", e.EventID),
			zap.Error(err))
	}
}
