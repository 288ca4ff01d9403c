package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestOptionsWithDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	if opts.MaxAttempts != 3 {
		t.Fatalf("expected 3 max attempts, got %d", opts.MaxAttempts)
	}
	if opts.BackoffBase != 5*time.Second {
		t.Fatalf("expected 5s backoff base, got %v", opts.BackoffBase)
	}
	if opts.Concurrency != 1 {
		t.Fatalf("expected concurrency 1, got %d", opts.Concurrency)
	}
}

func TestBackoffDoublesPerAttempt(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffFor(5*time.Second, tc.attempt); got != tc.want {
			t.Fatalf("backoffFor(5s, %d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestMemoryBrokerDeliversPayload(t *testing.T) {
	broker := NewMemoryBroker(testLogger())
	var got []string
	err := broker.Subscribe("work", Options{}, func(_ context.Context, job Job) error {
		var payload map[string]string
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		got = append(got, payload["id"])
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	if _, err := broker.Enqueue(context.Background(), "work", map[string]string{"id": "a"}); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if _, err := broker.Enqueue(context.Background(), "work", map[string]string{"id": "b"}); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	broker.Drain(context.Background())

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected in-order delivery of both jobs, got %v", got)
	}
}

func TestMemoryBrokerRetriesUntilAttemptsExhausted(t *testing.T) {
	broker := NewMemoryBroker(testLogger())
	attempts := 0
	err := broker.Subscribe("flaky", Options{MaxAttempts: 3}, func(_ context.Context, job Job) error {
		attempts++
		if job.Attempt != attempts {
			t.Fatalf("expected attempt %d, got %d", attempts, job.Attempt)
		}
		return errors.New("still broken")
	})
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	if _, err := broker.Enqueue(context.Background(), "flaky", nil); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	broker.Drain(context.Background())

	if attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}
}

func TestMemoryBrokerStopsRetryingAfterSuccess(t *testing.T) {
	broker, attempts := NewMemoryBroker(testLogger()), 0
	err := broker.Subscribe("recovers", Options{MaxAttempts: 5}, func(context.Context, Job) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	if _, err := broker.Enqueue(context.Background(), "recovers", nil); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	broker.Drain(context.Background())

	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestMemoryBrokerRejectsDuplicateSubscription(t *testing.T) {
	broker := NewMemoryBroker(testLogger())
	handler := func(context.Context, Job) error { return nil }
	if err := broker.Subscribe("q", Options{}, handler); err != nil {
		t.Fatalf("first Subscribe returned error: %v", err)
	}
	if err := broker.Subscribe("q", Options{}, handler); err == nil {
		t.Fatal("duplicate subscription must be rejected")
	}
}

func TestNextDailyTickRollsToTomorrow(t *testing.T) {
	now := time.Date(2026, 5, 1, 4, 30, 0, 0, time.UTC)
	next := nextDailyTick(now, 3)
	want := time.Date(2026, 5, 2, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}

	next = nextDailyTick(now, 5)
	want = time.Date(2026, 5, 1, 5, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}
