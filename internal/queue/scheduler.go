package queue

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler enqueues repeating jobs: fixed-interval repeats for usage
// collection and a fixed daily hour for cleanup.
type Scheduler struct {
	broker Broker
	logger *slog.Logger
	now    func() time.Time

	intervals map[string]time.Duration
	dailyAt   map[string]int
}

// NewScheduler constructs a Scheduler targeting the given broker.
func NewScheduler(broker Broker, logger *slog.Logger) *Scheduler {
	if logger != nil {
		logger = logger.With("component", "scheduler")
	}
	return &Scheduler{
		broker:    broker,
		logger:    logger,
		now:       time.Now,
		intervals: make(map[string]time.Duration),
		dailyAt:   make(map[string]int),
	}
}

// Every enqueues an empty job on the queue at the given interval.
func (s *Scheduler) Every(queue string, interval time.Duration) {
	if interval > 0 {
		s.intervals[queue] = interval
	}
}

// DailyAt enqueues an empty job on the queue once per day at the given UTC
// hour.
func (s *Scheduler) DailyAt(queue string, hourUTC int) {
	if hourUTC >= 0 && hourUTC < 24 {
		s.dailyAt[queue] = hourUTC
	}
}

// Run fires the configured schedules until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for queue, interval := range s.intervals {
		go s.runInterval(ctx, queue, interval)
	}
	for queue, hour := range s.dailyAt {
		go s.runDaily(ctx, queue, hour)
	}
	<-ctx.Done()
}

func (s *Scheduler) runInterval(ctx context.Context, queue string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, queue)
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context, queue string, hourUTC int) {
	for {
		next := nextDailyTick(s.now().UTC(), hourUTC)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			s.fire(ctx, queue)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, queue string) {
	if _, err := s.broker.Enqueue(ctx, queue, nil); err != nil {
		s.logger.Warn("scheduled enqueue failed", "queue", queue, "error", err)
		return
	}
	s.logger.Debug("scheduled job enqueued", "queue", queue)
}

func nextDailyTick(now time.Time, hourUTC int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
