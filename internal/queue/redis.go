package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyPrefix      = "pier:queue:"
	popTimeout     = 2 * time.Second
	moverInterval  = time.Second
	handlerTimeout = 30 * time.Minute
)

// redisCommands is the slice of the redis client the broker uses.
type redisCommands interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BLMove(ctx context.Context, source, destination, srcpos, destpos string, timeout time.Duration) *redis.StringCmd
	LMove(ctx context.Context, source, destination, srcpos, destpos string) *redis.StringCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Close() error
}

// RedisBroker stores pending jobs in Redis lists and retry-delayed jobs in
// sorted sets scored by their ready time. Multiple worker processes can
// consume the same queues; each job is popped by exactly one of them.
// A popped job moves to a processing list until its handler settles, so a
// crash mid-handler leaves a copy that the next Run requeues. Delivery is
// at least once; handlers must tolerate redelivery.
type RedisBroker struct {
	client redisCommands
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[string]subscription
	started bool
}

type subscription struct {
	opts    Options
	handler Handler
}

// NewRedisBroker connects to Redis and validates connectivity.
func NewRedisBroker(addr, password string, db int, logger *slog.Logger) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect job broker redis: %w", err)
	}
	if logger != nil {
		logger = logger.With("component", "broker")
	}
	return &RedisBroker{client: client, logger: logger, subs: make(map[string]subscription)}, nil
}

// Enqueue pushes a job onto the named queue.
func (b *RedisBroker) Enqueue(ctx context.Context, queue string, payload any) (string, error) {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("encode job payload: %w", err)
		}
		raw = encoded
	}
	job := Job{
		ID:         uuid.NewString(),
		Queue:      queue,
		Payload:    raw,
		Attempt:    0,
		EnqueuedAt: time.Now().UTC(),
	}
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	if err := b.client.LPush(ctx, pendingKey(queue), body).Err(); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return job.ID, nil
}

// Subscribe registers the handler for a queue. It must be called before Run.
func (b *RedisBroker) Subscribe(queue string, opts Options, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("broker already running")
	}
	if _, dup := b.subs[queue]; dup {
		return fmt.Errorf("queue %s already subscribed", queue)
	}
	b.subs[queue] = subscription{opts: opts.withDefaults(), handler: handler}
	return nil
}

// Run consumes all subscribed queues until the context is cancelled.
func (b *RedisBroker) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return errors.New("broker already running")
	}
	b.started = true
	subs := make(map[string]subscription, len(b.subs))
	for queue, sub := range b.subs {
		subs[queue] = sub
	}
	b.mu.Unlock()

	for queue := range subs {
		b.requeueInFlight(ctx, queue)
	}

	var wg sync.WaitGroup
	for queue, sub := range subs {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			b.moveDelayed(ctx, queue)
		}(queue)
		for i := 0; i < sub.opts.Concurrency; i++ {
			wg.Add(1)
			go func(queue string, sub subscription) {
				defer wg.Done()
				b.consume(ctx, queue, sub)
			}(queue, sub)
		}
	}
	wg.Wait()
	return ctx.Err()
}

// Close releases the Redis connection.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

// requeueInFlight returns jobs stranded in the processing list by a
// previous run to the pending list.
func (b *RedisBroker) requeueInFlight(ctx context.Context, queue string) {
	for {
		_, err := b.client.LMove(ctx, processingKey(queue), pendingKey(queue), "RIGHT", "LEFT").Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				b.logger.Warn("in-flight requeue failed", "queue", queue, "error", err)
			}
			return
		}
		b.logger.Info("requeued in-flight job from previous run", "queue", queue)
	}
}

func (b *RedisBroker) consume(ctx context.Context, queue string, sub subscription) {
	for {
		if ctx.Err() != nil {
			return
		}
		raw, err := b.client.BLMove(ctx, pendingKey(queue), processingKey(queue), "RIGHT", "LEFT", popTimeout).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			b.logger.Warn("queue pop failed", "queue", queue, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			b.logger.Warn("discarding malformed job", "queue", queue, "error", err)
			b.ack(queue, raw)
			continue
		}
		b.dispatch(ctx, queue, sub, job)
		b.ack(queue, raw)
	}
}

// ack drops the in-flight copy once the job has settled: handled, parked for
// retry, or dead-lettered. A copy left behind is requeued on the next Run.
func (b *RedisBroker) ack(queue, raw string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.client.LRem(ctx, processingKey(queue), 1, raw).Err(); err != nil {
		b.logger.Warn("processing ack failed", "queue", queue, "error", err)
	}
}

func (b *RedisBroker) dispatch(ctx context.Context, queue string, sub subscription, job Job) {
	job.Attempt++
	jobCtx, cancel := context.WithTimeout(ctx, handlerTimeout)
	err := sub.handler(jobCtx, job)
	cancel()
	if err == nil {
		return
	}
	if job.Attempt >= sub.opts.MaxAttempts {
		b.logger.Error("job exhausted retries", "queue", queue, "job_id", job.ID, "attempts", job.Attempt, "error", err)
		b.deadLetter(ctx, queue, job)
		return
	}
	delay := backoffFor(sub.opts.BackoffBase, job.Attempt)
	b.logger.Warn("job failed, scheduling retry", "queue", queue, "job_id", job.ID, "attempt", job.Attempt, "retry_in", delay, "error", err)
	if err := b.scheduleRetry(ctx, queue, job, delay); err != nil {
		b.logger.Error("failed to schedule retry", "queue", queue, "job_id", job.ID, "error", err)
	}
}

func (b *RedisBroker) scheduleRetry(ctx context.Context, queue string, job Job, delay time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	readyAt := float64(time.Now().Add(delay).Unix())
	return b.client.ZAdd(ctx, delayedKey(queue), redis.Z{Score: readyAt, Member: body}).Err()
}

// moveDelayed shifts due retries from the delayed set back onto the
// pending list.
func (b *RedisBroker) moveDelayed(ctx context.Context, queue string) {
	ticker := time.NewTicker(moverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := fmt.Sprintf("%d", time.Now().Unix())
		due, err := b.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Warn("delayed scan failed", "queue", queue, "error", err)
			}
			continue
		}
		for _, member := range due {
			removed, err := b.client.ZRem(ctx, delayedKey(queue), member).Result()
			if err != nil || removed == 0 {
				// Another worker claimed it first.
				continue
			}
			if err := b.client.LPush(ctx, pendingKey(queue), member).Err(); err != nil {
				b.logger.Warn("requeue of delayed job failed", "queue", queue, "error", err)
			}
		}
	}
}

func (b *RedisBroker) deadLetter(ctx context.Context, queue string, job Job) {
	body, err := json.Marshal(job)
	if err != nil {
		return
	}
	if err := b.client.LPush(ctx, deadKey(queue), body).Err(); err != nil {
		b.logger.Warn("dead letter push failed", "queue", queue, "job_id", job.ID, "error", err)
	}
}

func pendingKey(queue string) string    { return keyPrefix + queue }
func processingKey(queue string) string { return keyPrefix + queue + ":processing" }
func delayedKey(queue string) string    { return keyPrefix + queue + ":delayed" }
func deadKey(queue string) string       { return keyPrefix + queue + ":dead" }
