package worker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"

	"github.com/rendis/agentsim/internal/provider"
	"github.com/rendis/agentsim/pkg/schema"
)

// LocalTask is a cpu/io work item with no provider tier behind it.
type LocalTask struct {
	NodeID     schema.NodeID
	WorkflowID schema.WorkflowID
	NodeType   schema.NodeType
	Resource   schema.ResourceClass
	LatencyCtx provider.LatencyContext
	TimeoutMs  int
	AttemptID  schema.AttemptID
	Cancelled  *atomic.Bool
}

// LocalQueue is an unbounded FIFO of local tasks shared by a worker pool.
type LocalQueue struct {
	mu       sync.Mutex
	queue    deque.Deque[LocalTask]
	signal   chan struct{}
	shutdown atomic.Bool
}

// NewLocalQueue creates an empty queue.
func NewLocalQueue() *LocalQueue {
	return &LocalQueue{signal: make(chan struct{}, 1)}
}

// Push appends a task and wakes one parked worker. No-op after shutdown.
func (q *LocalQueue) Push(t LocalTask) {
	if q.shutdown.Load() {
		return
	}
	q.mu.Lock()
	q.queue.PushBack(t)
	q.mu.Unlock()
	q.wake()
}

// TryPop returns the front task without blocking.
func (q *LocalQueue) TryPop() (LocalTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queue.Len() == 0 || q.shutdown.Load() {
		return LocalTask{}, false
	}
	return q.queue.PopFront(), true
}

// TimedPop waits up to timeout for a task.
func (q *LocalQueue) TimedPop(timeout time.Duration) (LocalTask, bool) {
	if t, ok := q.TryPop(); ok {
		return t, true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.signal:
			if t, ok := q.TryPop(); ok {
				return t, true
			}
			if q.shutdown.Load() {
				return LocalTask{}, false
			}
		case <-timer.C:
			return LocalTask{}, false
		}
	}
}

// Shutdown drains waiters and rejects further pushes.
func (q *LocalQueue) Shutdown() {
	q.shutdown.Store(true)
	q.wake()
}

// IsShutdown reports whether the queue was shut down.
func (q *LocalQueue) IsShutdown() bool { return q.shutdown.Load() }

func (q *LocalQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// ResultQueue carries AttemptResults from workers to the controller.
type ResultQueue struct {
	mu       sync.Mutex
	queue    deque.Deque[schema.AttemptResult]
	signal   chan struct{}
	shutdown atomic.Bool
}

// NewResultQueue creates an empty queue.
func NewResultQueue() *ResultQueue {
	return &ResultQueue{signal: make(chan struct{}, 1)}
}

// Push appends a result. No-op after shutdown.
func (q *ResultQueue) Push(r schema.AttemptResult) {
	if q.shutdown.Load() {
		return
	}
	q.mu.Lock()
	q.queue.PushBack(r)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TryPop returns the front result without blocking.
func (q *ResultQueue) TryPop() (schema.AttemptResult, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queue.Len() == 0 || q.shutdown.Load() {
		return schema.AttemptResult{}, false
	}
	return q.queue.PopFront(), true
}

// Shutdown drains waiters and rejects further pushes.
func (q *ResultQueue) Shutdown() {
	q.shutdown.Store(true)
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// IsShutdown reports whether the queue was shut down.
func (q *ResultQueue) IsShutdown() bool { return q.shutdown.Load() }
