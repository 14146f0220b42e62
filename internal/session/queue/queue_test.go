package queue

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/mirageos/mirage/pkg/api/v1"
)

func mainTask(id, monitor string) *v1.Task {
	return &v1.Task{Kind: v1.TaskKindMain, MessageID: id, Content: "task " + id, MonitorID: monitor}
}

func TestMainQueueFIFOPerMonitor(t *testing.T) {
	q := NewMainQueue(10)

	pos, err := q.Enqueue(mainTask("a", ""))
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	pos, err = q.Enqueue(mainTask("b", ""))
	require.NoError(t, err)
	assert.Equal(t, 2, pos)
	_, err = q.Enqueue(mainTask("c", "monitor-1"))
	require.NoError(t, err)

	task, ok := q.Dequeue(v1.DefaultMonitorID)
	require.True(t, ok)
	assert.Equal(t, "a", task.MessageID)

	task, ok = q.Dequeue("monitor-1")
	require.True(t, ok)
	assert.Equal(t, "c", task.MessageID)

	task, ok = q.Dequeue(v1.DefaultMonitorID)
	require.True(t, ok)
	assert.Equal(t, "b", task.MessageID)

	_, ok = q.Dequeue(v1.DefaultMonitorID)
	assert.False(t, ok)
}

func TestMainQueueCapacity(t *testing.T) {
	q := NewMainQueue(2)

	_, err := q.Enqueue(mainTask("a", ""))
	require.NoError(t, err)
	_, err = q.Enqueue(mainTask("b", ""))
	require.NoError(t, err)

	_, err = q.Enqueue(mainTask("c", ""))
	assert.ErrorIs(t, err, ErrQueueFull)

	// Another monitor has its own budget.
	_, err = q.Enqueue(mainTask("d", "monitor-1"))
	assert.NoError(t, err)
}

func TestMainQueueProcessingFlag(t *testing.T) {
	q := NewMainQueue(10)

	assert.False(t, q.IsProcessing(v1.DefaultMonitorID))
	assert.True(t, q.TryAcquire(v1.DefaultMonitorID))
	assert.False(t, q.TryAcquire(v1.DefaultMonitorID), "second acquire must fail while busy")
	assert.True(t, q.IsProcessing(v1.DefaultMonitorID))

	// Other monitors are independent.
	assert.True(t, q.TryAcquire("monitor-1"))

	q.Release(v1.DefaultMonitorID)
	assert.True(t, q.TryAcquire(v1.DefaultMonitorID))
}

func TestMainQueueClear(t *testing.T) {
	q := NewMainQueue(10)
	_, _ = q.Enqueue(mainTask("a", ""))
	q.TryAcquire(v1.DefaultMonitorID)

	q.Clear()
	assert.Equal(t, 0, q.Len(v1.DefaultMonitorID))
	assert.False(t, q.IsProcessing(v1.DefaultMonitorID))
}

func TestWindowQueuePerAgentOrdering(t *testing.T) {
	q := NewWindowQueue()

	assert.Equal(t, 1, q.Enqueue("agent-1", &v1.Task{MessageID: "a"}))
	assert.Equal(t, 2, q.Enqueue("agent-1", &v1.Task{MessageID: "b"}))
	assert.Equal(t, 1, q.Enqueue("agent-2", &v1.Task{MessageID: "c"}))

	task, ok := q.Dequeue("agent-1")
	require.True(t, ok)
	assert.Equal(t, "a", task.MessageID)
	assert.Equal(t, 1, q.Len("agent-1"))
}

func TestWindowQueueUnbounded(t *testing.T) {
	q := NewWindowQueue()
	for i := 0; i < 100; i++ {
		q.Enqueue("agent-1", &v1.Task{MessageID: fmt.Sprintf("m%d", i)})
	}
	assert.Equal(t, 100, q.Len("agent-1"))
}

func TestWindowQueueDrop(t *testing.T) {
	q := NewWindowQueue()
	q.Enqueue("agent-1", &v1.Task{MessageID: "a"})
	q.Enqueue("agent-1", &v1.Task{MessageID: "b"})
	q.TryAcquire("agent-1")

	dropped := q.Drop("agent-1")
	assert.Len(t, dropped, 2)
	assert.Equal(t, 0, q.Len("agent-1"))
	assert.False(t, q.IsProcessing("agent-1"))
}
