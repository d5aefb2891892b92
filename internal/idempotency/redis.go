package idempotency

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "idem:sos:"

// pendingMarker holds a reserved key until the response is stored. It can
// never be a JSON document.
var pendingMarker = []byte("\x00pending")

// RedisStore caches SOS trigger responses in Redis so a retried request
// served by another replica returns the original result.
type RedisStore struct {
	client     redis.Cmdable
	prefix     string
	ttl        time.Duration
	pendingTTL time.Duration
}

// NewRedisStore constructs the store. ttl defaults to 24h. pendingTTL bounds
// how long a reservation survives a request that never finishes; it defaults
// to one minute.
func NewRedisStore(client redis.Cmdable, prefix string, ttl, pendingTTL time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if pendingTTL <= 0 {
		pendingTTL = time.Minute
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, pendingTTL: pendingTTL}
}

// Reserve claims key with SET NX. A lost race reads back the holder's value.
func (r *RedisStore) Reserve(ctx context.Context, key string) ([]byte, bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, pendingMarker, r.pendingTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx: %w", err)
	}
	if ok {
		return nil, true, nil
	}
	value, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		// Released or expired between the two calls; the caller retries.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	if bytes.Equal(value, pendingMarker) {
		return nil, false, nil
	}
	return value, false, nil
}

// PutResponse stores payload under key for the full ttl.
func (r *RedisStore) PutResponse(ctx context.Context, key string, payload []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Release deletes key.
func (r *RedisStore) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
