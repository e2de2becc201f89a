package resilient

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/beaconhq/beacon/config"
	"github.com/beaconhq/beacon/consts"
)

// RedisBackend implements Backend on a Redis-compatible service.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(cfg config.StoreConfig) *RedisBackend {
	return &RedisBackend{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix: cfg.KeyPrefix,
	}
}

func (r *RedisBackend) key(k string) string {
	return r.prefix + k
}

func translateErr(err error) error {
	if errors.Is(err, redis.Nil) {
		return consts.ErrKeyNotFound
	}
	return err
}

func (r *RedisBackend) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	return v, translateErr(err)
}

func (r *RedisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, r.key(key), value, ttl).Err()
}

func (r *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = r.key(k)
	}
	return r.client.Del(ctx, prefixed...).Err()
}

func (r *RedisBackend) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, r.key(key), ttl).Err()
}

func (r *RedisBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := r.client.Keys(ctx, r.key(pattern)).Result()
	if err != nil {
		return nil, err
	}
	for i := range keys {
		keys[i] = keys[i][len(r.prefix):]
	}
	return keys, nil
}

func (r *RedisBackend) SAdd(ctx context.Context, key string, members ...string) error {
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return r.client.SAdd(ctx, r.key(key), vals...).Err()
}

func (r *RedisBackend) SRem(ctx context.Context, key string, members ...string) error {
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return r.client.SRem(ctx, r.key(key), vals...).Err()
}

func (r *RedisBackend) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, r.key(key)).Result()
}

func (r *RedisBackend) HSet(ctx context.Context, key, field, value string) error {
	return r.client.HSet(ctx, r.key(key), field, value).Err()
}

func (r *RedisBackend) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := r.client.HGet(ctx, r.key(key), field).Result()
	return v, translateErr(err)
}

func (r *RedisBackend) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, r.key(key)).Result()
}

func (r *RedisBackend) HDel(ctx context.Context, key string, fields ...string) error {
	return r.client.HDel(ctx, r.key(key), fields...).Err()
}

func (r *RedisBackend) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, r.key(channel), payload).Err()
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

// Subscribe opens a pattern subscription on the backend. The go-redis
// client re-establishes the subscription itself after connection loss,
// so the returned channel survives backend restarts.
func (r *RedisBackend) Subscribe(ctx context.Context, pattern string) (<-chan Message, func(), error) {
	ps := r.client.PSubscribe(ctx, r.key(pattern))

	// Force the subscription onto the wire before first use.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, err
	}

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			channel := msg.Channel
			if len(channel) >= len(r.prefix) {
				channel = channel[len(r.prefix):]
			}
			select {
			case out <- Message{Channel: channel, Payload: []byte(msg.Payload)}:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { ps.Close() }
	return out, cancel, nil
}
