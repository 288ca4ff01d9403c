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
)

// MemoryBroker is an in-process Broker with the same delivery semantics as
// the Redis broker. Used in tests and single-process development setups.
type MemoryBroker struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string][]Job
	subs    map[string]subscription
	started bool
	wake    chan struct{}
}

// NewMemoryBroker constructs an empty in-memory broker.
func NewMemoryBroker(logger *slog.Logger) *MemoryBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBroker{
		logger:  logger,
		pending: make(map[string][]Job),
		subs:    make(map[string]subscription),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue implements Broker.
func (b *MemoryBroker) Enqueue(_ context.Context, queue string, payload any) (string, error) {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("encode job payload: %w", err)
		}
		raw = encoded
	}
	job := Job{ID: uuid.NewString(), Queue: queue, Payload: raw, EnqueuedAt: time.Now().UTC()}
	b.mu.Lock()
	b.pending[queue] = append(b.pending[queue], job)
	b.mu.Unlock()
	b.signal()
	return job.ID, nil
}

// Subscribe implements Broker.
func (b *MemoryBroker) Subscribe(queue string, opts Options, handler Handler) error {
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

// Run implements Broker. Jobs are handled sequentially per queue.
func (b *MemoryBroker) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return errors.New("broker already running")
	}
	b.started = true
	b.mu.Unlock()

	for {
		job, sub, ok := b.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-b.wake:
				continue
			}
		}
		b.dispatch(ctx, job, sub)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Close implements Broker.
func (b *MemoryBroker) Close() error { return nil }

// Drain synchronously processes everything currently queued. Test helper.
func (b *MemoryBroker) Drain(ctx context.Context) {
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
	for {
		job, sub, ok := b.next()
		if !ok {
			return
		}
		b.dispatch(ctx, job, sub)
	}
}

func (b *MemoryBroker) next() (Job, subscription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for queue, jobs := range b.pending {
		sub, subscribed := b.subs[queue]
		if !subscribed || len(jobs) == 0 {
			continue
		}
		job := jobs[0]
		b.pending[queue] = jobs[1:]
		return job, sub, true
	}
	return Job{}, subscription{}, false
}

func (b *MemoryBroker) dispatch(ctx context.Context, job Job, sub subscription) {
	job.Attempt++
	if err := sub.handler(ctx, job); err != nil {
		if job.Attempt >= sub.opts.MaxAttempts {
			b.logger.Error("job exhausted retries", "queue", job.Queue, "job_id", job.ID, "attempts", job.Attempt, "error", err)
			return
		}
		// Immediate requeue: tests should not wait out backoff delays.
		b.mu.Lock()
		b.pending[job.Queue] = append(b.pending[job.Queue], job)
		b.mu.Unlock()
		b.signal()
	}
}

func (b *MemoryBroker) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}
