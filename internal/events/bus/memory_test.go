package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirageos/mirage/internal/common/logger"
)

func waitForEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("test.subject", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "test.subject",
		NewEvent("test.event", "test", map[string]string{"key": "value"})))

	e := waitForEvent(t, received)
	assert.Equal(t, "test.event", e.Type)

	var payload map[string]string
	require.NoError(t, e.Decode(&payload))
	assert.Equal(t, "value", payload["key"])
}

func TestSubjectIsolation(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	received := make(chan *Event, 1)
	_, err := b.Subscribe("a.b", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "a.c", NewEvent("x", "test", nil)))
	select {
	case <-received:
		t.Fatal("event leaked across subjects")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWildcardSubscriptions(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	single := make(chan *Event, 4)
	_, err := b.Subscribe("mirage.feedback.*", func(ctx context.Context, e *Event) error {
		single <- e
		return nil
	})
	require.NoError(t, err)

	rest := make(chan *Event, 4)
	_, err = b.Subscribe("mirage.>", func(ctx context.Context, e *Event) error {
		rest <- e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "mirage.feedback.dialog", NewEvent("x", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), "mirage.feedback.dialog.extra", NewEvent("y", "test", nil)))

	waitForEvent(t, single) // * matches exactly one token
	waitForEvent(t, rest)
	waitForEvent(t, rest) // > matches the rest

	select {
	case <-single:
		t.Fatal("* must not match multiple tokens")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriberSeesPublishOrder(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	const n = 200
	received := make(chan *Event, n)
	slow := 0
	_, err := b.Subscribe("ordered", func(ctx context.Context, e *Event) error {
		// An occasionally slow handler must not reorder delivery.
		if slow++; slow%50 == 0 {
			time.Sleep(time.Millisecond)
		}
		received <- e
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(context.Background(), "ordered",
			NewEvent("seq", "test", i)))
	}

	for i := 0; i < n; i++ {
		var got int
		require.NoError(t, waitForEvent(t, received).Decode(&got))
		assert.Equal(t, i, got, "events must arrive in publish order")
	}
}

func TestSlowSubscriberDoesNotStallPublisher(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	release := make(chan struct{})
	_, err := b.Subscribe("stuck", func(ctx context.Context, e *Event) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	defer close(release)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			_ = b.Publish(context.Background(), "stuck", NewEvent("x", "test", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a stuck subscriber")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("test.subject", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "test.subject", NewEvent("x", "test", nil)))
	select {
	case <-received:
		t.Fatal("unsubscribed handler still invoked")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRequestReply(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	_, err := b.Subscribe("echo", func(ctx context.Context, e *Event) error {
		return b.Publish(ctx, e.Reply, NewEvent("echo.reply", "responder", nil))
	})
	require.NoError(t, err)

	reply, err := b.Request(context.Background(), "echo", NewEvent("echo.request", "test", nil), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "echo.reply", reply.Type)
}

func TestRequestTimesOutWithoutResponder(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	_, err := b.Request(context.Background(), "nobody.home",
		NewEvent("x", "test", nil), 50*time.Millisecond)
	assert.Error(t, err)
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()

	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "test.subject", NewEvent("x", "test", nil)))
	_, err := b.Subscribe("test.subject", func(context.Context, *Event) error { return nil })
	assert.Error(t, err)
}
