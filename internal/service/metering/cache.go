package metering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const sampleKeyPrefix = "usage:container:"

// CachedSample holds the previous raw cumulative counters for a container.
// Losing a cached sample only under-reports one cycle; it can never cause
// double-counting because absent samples contribute zero.
type CachedSample struct {
	NetworkRxBytes  int64     `json:"networkRxBytes"`
	NetworkTxBytes  int64     `json:"networkTxBytes"`
	BlockReadBytes  int64     `json:"blockReadBytes"`
	BlockWriteBytes int64     `json:"blockWriteBytes"`
	Timestamp       time.Time `json:"timestamp"`
}

// SampleCache stores previous samples keyed by container id. Get returns
// (nil, nil) when no sample exists.
type SampleCache interface {
	GetSample(ctx context.Context, containerID string) (*CachedSample, error)
	PutSample(ctx context.Context, containerID string, sample CachedSample) error
}

// RedisSampleCache stores samples in Redis with a per-key TTL.
type RedisSampleCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSampleCache constructs a cache with the given TTL (24h default).
func NewRedisSampleCache(client *redis.Client, ttl time.Duration) *RedisSampleCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSampleCache{client: client, ttl: ttl}
}

// GetSample implements SampleCache.
func (c *RedisSampleCache) GetSample(ctx context.Context, containerID string) (*CachedSample, error) {
	payload, err := c.client.Get(ctx, sampleKeyPrefix+containerID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get cached sample: %w", err)
	}
	var sample CachedSample
	if err := json.Unmarshal(payload, &sample); err != nil {
		// A corrupt entry is the same as no entry; the next cycle rewrites it.
		return nil, nil
	}
	return &sample, nil
}

// PutSample implements SampleCache.
func (c *RedisSampleCache) PutSample(ctx context.Context, containerID string, sample CachedSample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("encode sample: %w", err)
	}
	if err := c.client.Set(ctx, sampleKeyPrefix+containerID, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("store sample: %w", err)
	}
	return nil
}
