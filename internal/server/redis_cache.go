package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"breathrelay/backend/internal/telemetry"
)

const defaultLatestTTL = 24 * time.Hour

// RedisLatestCache keeps the newest envelope per source so dashboards can
// show current state without touching Postgres.
type RedisLatestCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLatestCache(ctx context.Context, addr string, ttl time.Duration) (*RedisLatestCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if ttl <= 0 {
		ttl = defaultLatestTTL
	}
	return &RedisLatestCache{client: client, ttl: ttl}, nil
}

func latestKey(sourceKey string) string {
	return "reading:last:" + sourceKey
}

func (cache *RedisLatestCache) Name() string {
	return "redis"
}

func (cache *RedisLatestCache) Add(ctx context.Context, reading telemetry.DeviceReading) error {
	payload, err := json.Marshal(telemetry.NewEnvelope(reading))
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if err := cache.client.Set(ctx, latestKey(reading.SourceKey), payload, cache.ttl).Err(); err != nil {
		return fmt.Errorf("set latest: %w", err)
	}
	return nil
}

// Latest returns the cached envelope for each source that has one, in the
// order of sourceKeys.
func (cache *RedisLatestCache) Latest(ctx context.Context, sourceKeys []string) ([]telemetry.Envelope, error) {
	if len(sourceKeys) == 0 {
		return []telemetry.Envelope{}, nil
	}

	keys := make([]string, len(sourceKeys))
	for position, sourceKey := range sourceKeys {
		keys[position] = latestKey(sourceKey)
	}

	values, err := cache.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("mget latest: %w", err)
	}

	envelopes := make([]telemetry.Envelope, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		envelope, err := telemetry.DecodeEnvelope([]byte(raw))
		if err != nil {
			continue
		}
		envelopes = append(envelopes, envelope)
	}
	return envelopes, nil
}

func (cache *RedisLatestCache) Close() {
	_ = cache.client.Close()
}
