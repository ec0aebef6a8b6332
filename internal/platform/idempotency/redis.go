package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisClient is the subset of go-redis used by RedisStore.
type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

const (
	redisKeyPrefix = "healconnect:idem:"
	inFlightMarker = "in-flight"
	// An abandoned claim expires well before the record ttl so a crashed
	// request does not block retries for long.
	claimTTL = 30 * time.Second
)

// RedisStore shares idempotency keys between replicas.
type RedisStore struct {
	client redisClient
	ttl    time.Duration
}

func NewRedisStore(client redisClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// NewRedisStoreFromURL connects to the Redis server at url.
func NewRedisStoreFromURL(ctx context.Context, url string, ttl time.Duration) (*RedisStore, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client, ttl), client, nil
}

func (s *RedisStore) Begin(ctx context.Context, key string) (*Record, error) {
	k := redisKeyPrefix + key
	claimed, err := s.client.SetNX(ctx, k, inFlightMarker, claimTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	if claimed {
		return nil, nil
	}

	raw, err := s.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; the caller may retry.
		return nil, ErrInFlight
	}
	if err != nil {
		return nil, fmt.Errorf("read idempotency key: %w", err)
	}
	if raw == inFlightMarker {
		return nil, ErrInFlight
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKeyPrefix+key, data, s.ttl).Err()
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisKeyPrefix+key).Err()
}
