package engine

import "sync"

// Task is a unit of work run on the engine goroutine.
type Task func()

// taskQueue is a thread-safe FIFO queue for tasks.
//
// The queue is unbounded so that a task may enqueue follow-up work (timer
// firings, peer messages, completion callbacks) without blocking.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []Task
	closed bool
	signal chan struct{} // Signals task availability (buffered, size 1)
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		tasks:  make([]Task, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a task to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *taskQueue) Enqueue(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.tasks = append(q.tasks, t)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front task without blocking.
// Returns (nil, false) if the queue is empty.
func (q *taskQueue) TryDequeue() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}

	t := q.tasks[0]
	// Nil the slot so closures captured by the task can be collected.
	q.tasks[0] = nil
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}

	return t, true
}

// Wait returns a channel that signals when tasks may be available.
func (q *taskQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close signals that no more tasks will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

// Closed reports whether Close has been called.
func (q *taskQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
