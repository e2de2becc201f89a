// Package resilient provides the key/value + pub/sub surface backing
// cross-process state and fan-out, wrapped in a circuit breaker.
//
// The primary backend is a Redis-compatible service. Every call runs
// through the breaker; once it opens, calls are served by a
// process-local store until the cooldown elapses and a single probe
// re-tests the backend. While degraded, cross-process fan-out is
// unavailable but same-process delivery continues. That trade is
// logged explicitly, never silent.
package resilient

import (
	"context"
	"time"
)

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Backend is the storage surface the resilient wrapper guards. Both
// the Redis client and the process-local fallback implement it.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Keys(ctx context.Context, pattern string) ([]string, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	Publish(ctx context.Context, channel string, payload []byte) error

	Ping(ctx context.Context) error
	Close() error
}
