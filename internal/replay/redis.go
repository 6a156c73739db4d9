package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps nonces in Redis so several attestd nodes share one
// replay window. Keys expire on their own after the retention period.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps a client. prefix namespaces the keys.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "attestd:nonce:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Remember implements NonceStore with SET NX PX, falling back to a GET to
// recognise the claim's own owner.
func (s *RedisStore) Remember(ctx context.Context, deviceID, nonce, owner string, ttl time.Duration) (bool, error) {
	key := s.key(deviceID, nonce)
	ok, err := s.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	if ok {
		return true, nil
	}
	held, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls; try once more.
		return s.client.SetNX(ctx, key, owner, ttl).Result()
	}
	if err != nil {
		return false, fmt.Errorf("redis get: %w", err)
	}
	return held == owner, nil
}

func (s *RedisStore) key(deviceID, nonce string) string {
	return s.prefix + deviceID + ":" + nonce
}
