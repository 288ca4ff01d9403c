package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// fakeRedis implements redisCommands in memory. Lists are stored head-first,
// matching LPUSH/LMOVE left/right semantics.
type fakeRedis struct {
	mu    sync.Mutex
	lists map[string][]string
	zsets map[string]map[string]float64
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		lists: make(map[string][]string),
		zsets: make(map[string]map[string]float64),
	}
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}

func (f *fakeRedis) LPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.lists[key] = append([]string{asString(v)}, f.lists[key]...)
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeRedis) lmove(source, destination string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := f.lists[source]
	if len(src) == 0 {
		return "", false
	}
	v := src[len(src)-1]
	f.lists[source] = src[:len(src)-1]
	f.lists[destination] = append([]string{v}, f.lists[destination]...)
	return v, true
}

func (f *fakeRedis) BLMove(_ context.Context, source, destination, _, _ string, _ time.Duration) *redis.StringCmd {
	if v, ok := f.lmove(source, destination); ok {
		return redis.NewStringResult(v, nil)
	}
	time.Sleep(time.Millisecond)
	return redis.NewStringResult("", redis.Nil)
}

func (f *fakeRedis) LMove(_ context.Context, source, destination, _, _ string) *redis.StringCmd {
	if v, ok := f.lmove(source, destination); ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (f *fakeRedis) LRem(_ context.Context, key string, _ int64, value interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := asString(value)
	for i, v := range f.lists[key] {
		if v == want {
			f.lists[key] = append(f.lists[key][:i], f.lists[key][i+1:]...)
			return redis.NewIntResult(1, nil)
		}
	}
	return redis.NewIntResult(0, nil)
}

func (f *fakeRedis) ZAdd(_ context.Context, key string, members ...redis.Z) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.zsets[key] == nil {
		f.zsets[key] = make(map[string]float64)
	}
	for _, m := range members {
		f.zsets[key][asString(m.Member)] = m.Score
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (f *fakeRedis) ZRangeByScore(_ context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	max, err := strconv.ParseFloat(opt.Max, 64)
	if err != nil {
		max = 0
	}
	var out []string
	for member, score := range f.zsets[key] {
		if score <= max {
			out = append(out, member)
		}
	}
	return redis.NewStringSliceResult(out, nil)
}

func (f *fakeRedis) ZRem(_ context.Context, key string, members ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed int64
	for _, m := range members {
		if _, ok := f.zsets[key][asString(m)]; ok {
			delete(f.zsets[key], asString(m))
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func (f *fakeRedis) Close() error { return nil }

func (f *fakeRedis) listLen(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lists[key])
}

func (f *fakeRedis) zsetLen(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.zsets[key])
}

func newTestRedisBroker(client redisCommands) *RedisBroker {
	return &RedisBroker{
		client: client,
		logger: testLogger(),
		subs:   make(map[string]subscription),
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRedisBrokerRequeuesInFlightJobsOnStart(t *testing.T) {
	fake := newFakeRedis()
	stranded := Job{ID: "job-1", Queue: QueueDeployments, EnqueuedAt: time.Now().UTC()}
	body, err := json.Marshal(stranded)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	fake.LPush(context.Background(), processingKey(QueueDeployments), body)

	broker := newTestRedisBroker(fake)
	delivered := make(chan string, 1)
	err = broker.Subscribe(QueueDeployments, Options{MaxAttempts: 1}, func(_ context.Context, job Job) error {
		delivered <- job.ID
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		broker.Run(ctx)
		close(done)
	}()

	select {
	case id := <-delivered:
		if id != "job-1" {
			t.Fatalf("delivered job %q, want job-1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stranded job was never redelivered")
	}
	waitFor(t, func() bool { return fake.listLen(processingKey(QueueDeployments)) == 0 },
		"handled job must leave the processing list")

	cancel()
	<-done
}

func TestRedisBrokerClearsProcessingAfterSuccess(t *testing.T) {
	fake := newFakeRedis()
	broker := newTestRedisBroker(fake)
	delivered := make(chan Job, 1)
	err := broker.Subscribe(QueueDeployments, Options{MaxAttempts: 1}, func(_ context.Context, job Job) error {
		delivered <- job
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	if _, err := broker.Enqueue(context.Background(), QueueDeployments, map[string]string{"deployment_id": "dep-1"}); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		broker.Run(ctx)
		close(done)
	}()

	select {
	case job := <-delivered:
		var payload map[string]string
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["deployment_id"] != "dep-1" {
			t.Fatalf("unexpected payload: %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job was never delivered")
	}
	waitFor(t, func() bool {
		return fake.listLen(pendingKey(QueueDeployments)) == 0 &&
			fake.listLen(processingKey(QueueDeployments)) == 0
	}, "settled job must leave both the pending and processing lists")

	cancel()
	<-done
}

func TestRedisBrokerParksFailedJobsForRetry(t *testing.T) {
	fake := newFakeRedis()
	broker := newTestRedisBroker(fake)
	attempts := make(chan int, 4)
	err := broker.Subscribe(QueueDeployments, Options{MaxAttempts: 3, BackoffBase: time.Hour}, func(_ context.Context, job Job) error {
		attempts <- job.Attempt
		return fmt.Errorf("handler exploded")
	})
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	if _, err := broker.Enqueue(context.Background(), QueueDeployments, nil); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		broker.Run(ctx)
		close(done)
	}()

	select {
	case attempt := <-attempts:
		if attempt != 1 {
			t.Fatalf("first delivery must carry attempt 1, got %d", attempt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job was never delivered")
	}
	waitFor(t, func() bool { return fake.zsetLen(delayedKey(QueueDeployments)) == 1 },
		"failed job must be parked in the delayed set")
	waitFor(t, func() bool { return fake.listLen(processingKey(QueueDeployments)) == 0 },
		"parked job must leave the processing list")

	cancel()
	<-done
}
