// Package queue provides the job broker the worker pulls from: named
// queues with at-least-once delivery, per-job retry with exponential
// backoff, and a per-queue concurrency cap.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Queue names used by the worker.
const (
	QueueDeployments        = "deployments"
	QueueUsageCollection    = "usage-collection"
	QueueDailyCleanup       = "daily-cleanup"
	QueueSubscriptionChecks = "subscription-checks"
)

// Job is one unit of work delivered to a handler. Delivery is at least
// once: handlers must be safe to repeat.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Handler processes one job. A returned error fails the attempt and the
// broker schedules a retry with backoff until attempts are exhausted.
type Handler func(ctx context.Context, job Job) error

// Options tune a queue subscription.
type Options struct {
	// MaxAttempts caps delivery attempts per job (default 3).
	MaxAttempts int
	// BackoffBase is the delay before the first retry; it doubles per
	// attempt (default 5s).
	BackoffBase time.Duration
	// Concurrency caps handlers running at once for this queue (default 1).
	// The subscription-check queue must stay at 1: its side effects are
	// time-windowed, not idempotent.
	Concurrency int
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 5 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	return o
}

// backoffFor returns the delay before redelivering a job that has already
// been attempted the given number of times.
func backoffFor(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// Broker delivers jobs from named queues to subscribed handlers.
type Broker interface {
	Enqueue(ctx context.Context, queue string, payload any) (string, error)
	Subscribe(queue string, opts Options, handler Handler) error
	Run(ctx context.Context) error
	Close() error
}
