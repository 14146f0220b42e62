package provider

import (
	"context"
	"sync"
)

// fifoLock grants exclusive access in strict arrival order. Subprocess
// providers serialize turns through it so a burst of agents cannot interleave
// prompts on the shared process.
type fifoLock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
	closed  bool
}

func newFIFOLock() *fifoLock {
	return &fifoLock{}
}

// Acquire blocks until the lock is granted, the context ends, or the lock is
// closed.
func (l *fifoLock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrProviderClosed
	}
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	ch := make(chan struct{}, 1)
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	select {
	case _, ok := <-ch:
		if !ok {
			return ErrProviderClosed
		}
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == ch {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// The grant raced the cancellation; pass it on.
		l.Release()
		return ctx.Err()
	}
}

// Release hands the lock to the oldest waiter, or frees it.
func (l *fifoLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.waiters) == 0 {
		l.held = false
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	next <- struct{}{}
}

// Close fails all current and future waiters.
func (l *fifoLock) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for _, w := range l.waiters {
		close(w)
	}
	l.waiters = nil
}
