package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process delayed queue backed by timers.
type Memory struct {
	opts  options
	ready chan Task
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	timers map[string]*time.Timer
}

func NewMemory(opts ...Option) *Memory {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Memory{
		opts:   o,
		ready:  make(chan Task, 1024),
		done:   make(chan struct{}),
		timers: make(map[string]*time.Timer),
	}
}

// Submit schedules task to run after delay.
func (q *Memory) Submit(ctx context.Context, task Task, delay time.Duration) error {
	if task.ID == "" {
		return errMissingID
	}
	task.DueAt = time.Now().Add(delay)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.opts.metrics.observeSubmitted(task.Kind)
	if delay > 0 {
		q.opts.metrics.addScheduled(1)
		q.timers[task.ID] = time.AfterFunc(delay, func() { q.fire(task) })
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	select {
	case q.ready <- task:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Memory) fire(task Task) {
	q.mu.Lock()
	if _, scheduled := q.timers[task.ID]; !scheduled || q.closed {
		q.mu.Unlock()
		return
	}
	delete(q.timers, task.ID)
	q.opts.metrics.addScheduled(-1)
	q.mu.Unlock()

	select {
	case q.ready <- task:
	case <-q.done:
	}
}

// Run dispatches due tasks to handler until ctx ends, then stops the queue.
func (q *Memory) Run(ctx context.Context, handler Handler) error {
	defer q.Close()
	return runWorkers(ctx, q.opts, q.ready, handler)
}

// Pending reports how many tasks wait for their due time.
func (q *Memory) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// Close stops all timers. Tasks not yet due are dropped.
func (q *Memory) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
	for taskID, t := range q.timers {
		t.Stop()
		delete(q.timers, taskID)
		q.opts.metrics.addScheduled(-1)
	}
}
