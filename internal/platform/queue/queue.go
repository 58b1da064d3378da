// Package queue dispatches tasks to a handler after an optional delay.
//
// Two backends share the same contract: Memory keeps timers in process and
// Redis keeps due tasks in a sorted set so several instances can share work.
// Delivery is at most once per Submit; handlers reschedule explicitly by
// submitting a follow-up task.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Submit once the queue has stopped.
var ErrClosed = errors.New("queue: closed")

// Kind names what a task asks the handler to do.
type Kind string

// Task is one unit of deferred work.
type Task struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	// Attempt counts how many times this logical step has been rescheduled.
	Attempt int `json:"attempt"`
	// Retries counts redeliveries of this exact task after a handler error.
	Retries int       `json:"retries,omitempty"`
	DueAt   time.Time `json:"due_at"`
}

// NewTask builds a task with a fresh id and a JSON encoded payload.
func NewTask(kind Kind, payload any, attempt int) (Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, err
	}
	return Task{ID: uuid.NewString(), Kind: kind, Payload: raw, Attempt: attempt}, nil
}

// Retry returns a copy of t under a fresh id with Retries incremented.
func (t Task) Retry() Task {
	t.ID = uuid.NewString()
	t.Retries++
	t.DueAt = time.Time{}
	return t
}

// Decode unmarshals the payload into v.
func (t Task) Decode(v any) error {
	return json.Unmarshal(t.Payload, v)
}

// Handler processes a task. A returned error is logged and counted; it does
// not trigger redelivery.
type Handler interface {
	HandleTask(ctx context.Context, task Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task Task) error

func (f HandlerFunc) HandleTask(ctx context.Context, task Task) error {
	return f(ctx, task)
}

// Option configures a queue backend.
type Option func(*options)

type options struct {
	workers      int
	logger       *slog.Logger
	metrics      *Metrics
	pollInterval time.Duration
	batchSize    int64
}

func defaultOptions() options {
	return options{
		workers:      4,
		logger:       slog.Default(),
		pollInterval: 250 * time.Millisecond,
		batchSize:    32,
	}
}

// WithWorkers sets how many tasks run concurrently.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithPollInterval sets how often the Redis backend looks for due tasks.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// runWorkers drains ready with o.workers goroutines until ctx ends or ready
// is closed.
func runWorkers(ctx context.Context, o options, ready <-chan Task, handler Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case task, ok := <-ready:
					if !ok {
						return nil
					}
					dispatch(gctx, o, handler, task)
				}
			}
		})
	}
	return g.Wait()
}

func dispatch(ctx context.Context, o options, handler Handler, task Task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.logger.ErrorContext(ctx, "task handler panicked",
				"task_id", task.ID,
				"kind", task.Kind,
				"panic", r,
			)
			o.metrics.observeHandled(task.Kind, outcomePanic, time.Since(start))
		}
	}()

	err := handler.HandleTask(ctx, task)
	if err != nil {
		o.logger.WarnContext(ctx, "task failed",
			"task_id", task.ID,
			"kind", task.Kind,
			"attempt", task.Attempt,
			"error", err,
		)
		o.metrics.observeHandled(task.Kind, outcomeError, time.Since(start))
		return
	}
	o.metrics.observeHandled(task.Kind, outcomeOK, time.Since(start))
}

var errMissingID = errors.New("queue: task id is required")
