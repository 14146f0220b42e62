// Package queue implements the per-monitor main queue and the per-agent
// window queues. Queues only hold tasks while an agent for the same key is
// busy; the dispatcher drains them as turns finish.
package queue

import (
	"errors"
	"sync"

	v1 "github.com/mirageos/mirage/pkg/api/v1"
)

// ErrQueueFull is returned when a bounded queue rejects a task.
var ErrQueueFull = errors.New("queue is full")

// DefaultMainCapacity bounds each monitor's main queue.
const DefaultMainCapacity = 10

// keyedQueue is a set of FIFO task queues with a busy flag per key.
type keyedQueue struct {
	mu         sync.Mutex
	queues     map[string][]*v1.Task
	processing map[string]bool
	capacity   int // 0 means unbounded
}

func newKeyedQueue(capacity int) *keyedQueue {
	return &keyedQueue{
		queues:     make(map[string][]*v1.Task),
		processing: make(map[string]bool),
		capacity:   capacity,
	}
}

// enqueue appends the task and returns its 1-based queue position.
func (q *keyedQueue) enqueue(key string, task *v1.Task) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.queues[key]) >= q.capacity {
		return 0, ErrQueueFull
	}
	q.queues[key] = append(q.queues[key], task)
	return len(q.queues[key]), nil
}

func (q *keyedQueue) dequeue(key string) (*v1.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := q.queues[key]
	if len(tasks) == 0 {
		return nil, false
	}
	task := tasks[0]
	if len(tasks) == 1 {
		delete(q.queues, key)
	} else {
		q.queues[key] = tasks[1:]
	}
	return task, true
}

func (q *keyedQueue) length(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[key])
}

func (q *keyedQueue) setProcessing(key string, busy bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if busy {
		q.processing[key] = true
	} else {
		delete(q.processing, key)
	}
}

func (q *keyedQueue) isProcessing(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing[key]
}

// tryAcquire marks the key busy if it is idle. Returns whether it acquired.
func (q *keyedQueue) tryAcquire(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.processing[key] {
		return false
	}
	q.processing[key] = true
	return true
}

func (q *keyedQueue) clearKey(key string) []*v1.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := q.queues[key]
	delete(q.queues, key)
	delete(q.processing, key)
	return dropped
}

func (q *keyedQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues = make(map[string][]*v1.Task)
	q.processing = make(map[string]bool)
}

// MainQueue holds overflow main tasks per monitor, bounded so a runaway client
// cannot buffer unbounded work.
type MainQueue struct {
	q *keyedQueue
}

// NewMainQueue creates a main queue with the given per-monitor capacity.
// Non-positive values fall back to DefaultMainCapacity.
func NewMainQueue(capacity int) *MainQueue {
	if capacity <= 0 {
		capacity = DefaultMainCapacity
	}
	return &MainQueue{q: newKeyedQueue(capacity)}
}

// Enqueue adds a task to its monitor's queue, returning the 1-based position
// or ErrQueueFull.
func (m *MainQueue) Enqueue(task *v1.Task) (int, error) {
	return m.q.enqueue(task.Monitor(), task)
}

// Dequeue pops the next task for a monitor.
func (m *MainQueue) Dequeue(monitorID string) (*v1.Task, bool) {
	return m.q.dequeue(monitorID)
}

// Len returns the number of waiting tasks for a monitor.
func (m *MainQueue) Len(monitorID string) int { return m.q.length(monitorID) }

// TryAcquire marks the monitor busy if no turn is running on it.
func (m *MainQueue) TryAcquire(monitorID string) bool { return m.q.tryAcquire(monitorID) }

// Release marks the monitor idle.
func (m *MainQueue) Release(monitorID string) { m.q.setProcessing(monitorID, false) }

// IsProcessing reports whether a turn is running on the monitor.
func (m *MainQueue) IsProcessing(monitorID string) bool { return m.q.isProcessing(monitorID) }

// Clear drops all queued tasks and busy flags.
func (m *MainQueue) Clear() { m.q.clear() }

// WindowQueue holds waiting window tasks keyed by the serving agent. Tasks
// carrying an action id never enter this queue: component actions run in
// parallel on their own agents.
type WindowQueue struct {
	q *keyedQueue
}

// NewWindowQueue creates an unbounded window queue.
func NewWindowQueue() *WindowQueue {
	return &WindowQueue{q: newKeyedQueue(0)}
}

// Enqueue adds a task behind the agent's current turn, returning its 1-based
// position.
func (w *WindowQueue) Enqueue(agentKey string, task *v1.Task) int {
	pos, _ := w.q.enqueue(agentKey, task)
	return pos
}

// Dequeue pops the next task for an agent.
func (w *WindowQueue) Dequeue(agentKey string) (*v1.Task, bool) {
	return w.q.dequeue(agentKey)
}

// Len returns the number of waiting tasks for an agent.
func (w *WindowQueue) Len(agentKey string) int { return w.q.length(agentKey) }

// TryAcquire marks the agent busy if it is idle.
func (w *WindowQueue) TryAcquire(agentKey string) bool { return w.q.tryAcquire(agentKey) }

// Release marks the agent idle.
func (w *WindowQueue) Release(agentKey string) { w.q.setProcessing(agentKey, false) }

// IsProcessing reports whether the agent is mid-turn.
func (w *WindowQueue) IsProcessing(agentKey string) bool { return w.q.isProcessing(agentKey) }

// Drop removes an agent's queue and busy flag, returning dropped tasks.
func (w *WindowQueue) Drop(agentKey string) []*v1.Task { return w.q.clearKey(agentKey) }

// Clear drops all queues and busy flags.
func (w *WindowQueue) Clear() { w.q.clear() }
