package provider

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOLockGrantsInArrivalOrder(t *testing.T) {
	l := newFIFOLock()
	require.NoError(t, l.Acquire(context.Background()))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			require.NoError(t, l.Acquire(context.Background()))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			l.Release()
		}()
		// Give each waiter time to enqueue before the next arrives.
		time.Sleep(20 * time.Millisecond)
	}

	l.Release()
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestFIFOLockAcquireRespectsContext(t *testing.T) {
	l := newFIFOLock()
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned waiter must not absorb the next grant.
	l.Release()
	done := make(chan struct{})
	go func() {
		require.NoError(t, l.Acquire(context.Background()))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock was lost to a cancelled waiter")
	}
}

func TestFIFOLockCloseFailsWaiters(t *testing.T) {
	l := newFIFOLock()
	require.NoError(t, l.Acquire(context.Background()))

	errCh := make(chan error, 1)
	go func() { errCh <- l.Acquire(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	l.Close()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrProviderClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not wake waiter")
	}

	assert.ErrorIs(t, l.Acquire(context.Background()), ErrProviderClosed)
}
