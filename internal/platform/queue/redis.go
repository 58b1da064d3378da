package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// claimDue atomically pops up to ARGV[2] members whose score is <= ARGV[1].
var claimDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
if #due > 0 then
	redis.call('ZREM', KEYS[1], unpack(due))
end
return due
`)

// Redis is a delayed queue stored in a sorted set scored by due time in
// milliseconds. A claimed task is removed before it is handled, so each
// submission is handled by at most one instance.
type Redis struct {
	client redis.UniversalClient
	key    string
	opts   options
}

func NewRedis(client redis.UniversalClient, key string, opts ...Option) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if key == "" {
		return nil, fmt.Errorf("queue key is required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Redis{client: client, key: key, opts: o}, nil
}

func (q *Redis) Submit(ctx context.Context, task Task, delay time.Duration) error {
	if task.ID == "" {
		return errMissingID
	}
	task.DueAt = time.Now().Add(delay)
	member, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(task.DueAt.UnixMilli()),
		Member: member,
	}).Err(); err != nil {
		return fmt.Errorf("schedule task: %w", err)
	}
	q.opts.metrics.observeSubmitted(task.Kind)
	return nil
}

// Pending reports how many tasks are stored, due or not.
func (q *Redis) Pending(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}

// Run polls for due tasks and dispatches them until ctx ends.
func (q *Redis) Run(ctx context.Context, handler Handler) error {
	ready := make(chan Task, q.opts.workers)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(ready)
		ticker := time.NewTicker(q.opts.pollInterval)
		defer ticker.Stop()
		for {
			if err := q.claim(gctx, ready); err != nil && gctx.Err() == nil {
				q.opts.logger.WarnContext(gctx, "claiming due tasks failed", "key", q.key, "error", err)
			}
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	g.Go(func() error {
		return runWorkers(gctx, q.opts, ready, handler)
	})
	return g.Wait()
}

func (q *Redis) claim(ctx context.Context, ready chan<- Task) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := claimDue.Run(ctx, q.client, []string{q.key}, now, q.opts.batchSize).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	for _, member := range members {
		var task Task
		if err := json.Unmarshal([]byte(member), &task); err != nil {
			q.opts.logger.ErrorContext(ctx, "dropping undecodable task", "key", q.key, "error", err)
			continue
		}
		select {
		case ready <- task:
		case <-ctx.Done():
			// put it back so another instance picks it up
			requeue := context.WithoutCancel(ctx)
			if err := q.client.ZAdd(requeue, q.key, redis.Z{Score: float64(task.DueAt.UnixMilli()), Member: member}).Err(); err != nil {
				q.opts.logger.ErrorContext(requeue, "requeue on shutdown failed", "task_id", task.ID, "error", err)
			}
		}
	}
	return nil
}
