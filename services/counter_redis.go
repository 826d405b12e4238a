package services

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounterStore is the shared-backend implementation of CounterStore.
// INCR serializes concurrent increments per key on the server, so the
// fixed-window semantics match the in-memory store across instances.
type RedisCounterStore struct {
	client *redis.Client
}

func NewRedisCounterStore(client *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{client: client}
}

const counterKeyPrefix = "admission:counter:"

func (s *RedisCounterStore) Check(ctx context.Context, key string, window time.Duration, maxRequests int) (CounterResult, error) {
	redisKey := counterKeyPrefix + key

	count, err := s.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return CounterResult{}, err
	}

	if count == 1 {
		if err := s.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return CounterResult{}, err
		}
	}

	ttl, err := s.client.PTTL(ctx, redisKey).Result()
	if err != nil {
		return CounterResult{}, err
	}
	if ttl < 0 {
		// Expiry was lost (crash between INCR and PEXPIRE); reinstate it so
		// the key cannot count forever.
		ttl = window
		if err := s.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return CounterResult{}, err
		}
	}

	resetAt := time.Now().Add(ttl)
	if count > int64(maxRequests) {
		return CounterResult{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	return CounterResult{
		Allowed:   true,
		Remaining: maxRequests - int(count),
		ResetAt:   resetAt,
	}, nil
}

func (s *RedisCounterStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, counterKeyPrefix+key).Err()
}

// Len is unsupported on the shared backend; stats report -1 rather than
// scanning the keyspace.
func (s *RedisCounterStore) Len() int {
	return -1
}
