package provider

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Script produces the stream for one turn. Returning no terminal message is
// fine; the provider appends a complete.
type Script func(turn Turn) []StreamMessage

// Scripted is an in-process provider with deterministic output. It backs the
// default catalogue entry and the test suites.
type Scripted struct {
	name   string
	script Script

	mu         sync.Mutex
	threads    map[string][]string // thread id -> prompt history
	busy       map[string]chan struct{}
	closed     bool
	nextThread atomic.Int64
}

// NewScripted creates a scripted provider. A nil script echoes the prompt.
func NewScripted(name string, script Script) *Scripted {
	if script == nil {
		script = func(turn Turn) []StreamMessage {
			return []StreamMessage{
				{Kind: KindThinking, Text: "considering the request"},
				{Kind: KindText, Text: "Acknowledged: " + turn.Prompt},
			}
		}
	}
	return &Scripted{
		name:    name,
		script:  script,
		threads: make(map[string][]string),
		busy:    make(map[string]chan struct{}),
	}
}

// Name implements Provider.
func (s *Scripted) Name() string { return s.name }

// StartTurn implements Provider.
func (s *Scripted) StartTurn(ctx context.Context, turn Turn) (<-chan StreamMessage, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrProviderClosed
	}

	threadID := turn.ThreadID
	if threadID == "" {
		threadID = fmt.Sprintf("%s-thread-%d", s.name, s.nextThread.Add(1))
		if turn.ForkFromThread != "" {
			s.threads[threadID] = append([]string(nil), s.threads[turn.ForkFromThread]...)
		} else {
			s.threads[threadID] = nil
		}
	} else if _, ok := s.threads[threadID]; !ok {
		s.threads[threadID] = nil
	}

	if _, running := s.busy[threadID]; running {
		s.mu.Unlock()
		return nil, ErrTurnInProgress
	}
	cancel := make(chan struct{})
	s.busy[threadID] = cancel
	s.threads[threadID] = append(s.threads[threadID], turn.Prompt)
	s.mu.Unlock()

	out := make(chan StreamMessage, streamBuffer)
	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.busy, threadID)
			s.mu.Unlock()
		}()

		emit := func(msg StreamMessage) bool {
			select {
			case out <- msg:
				return true
			case <-ctx.Done():
				return false
			case <-cancel:
				return false
			}
		}

		for _, msg := range s.script(turn) {
			if msg.Kind == KindComplete || msg.Kind == KindError {
				msg.ThreadID = threadID
				emit(msg)
				return
			}
			if !emit(msg) {
				break
			}
		}
		out <- StreamMessage{Kind: KindComplete, ThreadID: threadID}
	}()

	return out, nil
}

// Steer implements Provider. Scripted output ignores steering.
func (s *Scripted) Steer(ctx context.Context, threadID, text string) error { return nil }

// Cancel implements Provider.
func (s *Scripted) Cancel(ctx context.Context, threadID string) error {
	s.mu.Lock()
	cancel, running := s.busy[threadID]
	s.mu.Unlock()
	if running {
		close(cancel)
	}
	return nil
}

// DropThread implements Provider.
func (s *Scripted) DropThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}

// ThreadHistory returns the prompts seen by a thread, for assertions in tests.
func (s *Scripted) ThreadHistory(threadID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.threads[threadID]...)
}

// Dispose implements Provider.
func (s *Scripted) Dispose(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, cancel := range s.busy {
		close(cancel)
	}
	s.busy = make(map[string]chan struct{})
	return nil
}
