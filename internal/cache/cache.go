// Package cache is a small keyed store over Redis used for usage counters
// and short-lived JSON snapshots.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/google/uuid"
)

// Store is the cache surface the rest of the code depends on.
type Store interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// IncrWithExpiry increments a counter, setting ttl only when the key is
	// created, so the window does not slide on every hit.
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

type Redis struct {
	client goredis.UniversalClient
}

var _ Store = (*Redis)(nil)

func NewRedis(client goredis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return false, fmt.Errorf("decoding cached value at %s: %w", key, err)
	}
	return true, nil
}

func (r *Redis) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, raw, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *Redis) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Key helpers. Usage counter keys embed the window start so old windows
// simply age out via their TTL.

func HourlyUsageKey(userID uuid.UUID, t time.Time) string {
	return fmt.Sprintf("usage:hourly:%s:%s", userID, t.UTC().Format("2006010215"))
}

func DailyUsageKey(userID uuid.UUID, t time.Time) string {
	return fmt.Sprintf("usage:daily:%s:%s", userID, t.UTC().Format("20060102"))
}

func JobStatusKey(jobID string) string {
	return "jobs:status:" + jobID
}
