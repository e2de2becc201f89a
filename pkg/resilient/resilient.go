package resilient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/beaconhq/beacon/config"
	"github.com/beaconhq/beacon/consts"
	"github.com/beaconhq/beacon/logger"
	"github.com/beaconhq/beacon/pkg/circuitbreaker"
	"github.com/beaconhq/beacon/pkg/metrics"
	"github.com/beaconhq/beacon/pkg/retry"
)

// subscriber is the pub/sub half of a backend; both RedisBackend and
// LocalBackend satisfy it.
type subscriber interface {
	Subscribe(ctx context.Context, pattern string) (<-chan Message, func(), error)
}

// Store wraps the primary backend behind a circuit breaker with a
// process-local fallback.
//
// Writes are mirrored into the local backend on every call so the
// fallback view is warm when the circuit opens. Reads prefer the
// primary and fall back to the mirror. Publish degrades to local-only
// delivery: subscribers in this process keep receiving events while
// cross-process fan-out is down.
type Store struct {
	primary Backend
	local   *LocalBackend
	breaker *circuitbreaker.CircuitBreaker
	timeout time.Duration
}

// New builds a Store over a Redis backend per cfg.
func New(cfg config.StoreConfig) (*Store, error) {
	cooldown, err := cfg.GetCooldown()
	if err != nil {
		return nil, err
	}
	healthy, err := cfg.GetHealthyWindow()
	if err != nil {
		return nil, err
	}
	timeout, err := cfg.GetOpTimeout()
	if err != nil {
		return nil, err
	}

	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}

	return NewWithBackend(NewRedisBackend(cfg), circuitbreaker.Settings{
		Name:             "resilience-store",
		FailureThreshold: uint32(threshold),
		Cooldown:         cooldown,
		HealthyWindow:    healthy,
	}, timeout), nil
}

// NewWithBackend builds a Store over an arbitrary primary backend.
// Used directly by tests.
func NewWithBackend(primary Backend, st circuitbreaker.Settings, timeout time.Duration) *Store {
	if st.IsSuccessful == nil {
		// Missing keys are a business outcome, not a backend fault.
		st.IsSuccessful = func(err error) bool {
			return err == nil || errors.Is(err, consts.ErrKeyNotFound)
		}
	}
	userStateChange := st.OnStateChange
	st.OnStateChange = func(name string, from, to circuitbreaker.State) {
		metrics.CircuitState.WithLabelValues(name).Set(float64(to))
		switch to {
		case circuitbreaker.StateOpen:
			logger.Warn("store circuit opened, degrading to process-local delivery", "breaker", name, "from", from.String())
		case circuitbreaker.StateClosed:
			logger.Info("store circuit closed, backend healthy", "breaker", name, "from", from.String())
		case circuitbreaker.StateHalfOpen:
			logger.Info("store circuit half-open, probing backend", "breaker", name)
		}
		if userStateChange != nil {
			userStateChange(name, from, to)
		}
	}

	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Store{
		primary: primary,
		local:   NewLocalBackend(),
		breaker: circuitbreaker.New(st),
		timeout: timeout,
	}
}

// CircuitState exposes the breaker state for health checks and the
// admin API.
func (s *Store) CircuitState() circuitbreaker.State {
	return s.breaker.State()
}

// Ping bypasses the breaker so health checks observe the real backend.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.primary.Ping(ctx)
}

func (s *Store) Close() error {
	s.local.Close()
	return s.primary.Close()
}

func (s *Store) execute(ctx context.Context, op string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	res, err := s.breaker.Execute(func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return fn(opCtx)
	})
	switch {
	case err == nil || errors.Is(err, consts.ErrKeyNotFound):
		metrics.StoreOperationsTotal.WithLabelValues(op, "ok").Inc()
	case circuitbreaker.Rejected(err):
		metrics.StoreFallbacks.WithLabelValues(op).Inc()
	default:
		metrics.StoreOperationsTotal.WithLabelValues(op, "error").Inc()
	}
	return res, err
}

// read runs the primary read, serving the local mirror when the
// breaker refuses the call or the backend fails outright.
func (s *Store) read(ctx context.Context, op string, primary func(ctx context.Context) (interface{}, error), local func() (interface{}, error)) (interface{}, error) {
	res, err := s.execute(ctx, op, primary)
	if err == nil || errors.Is(err, consts.ErrKeyNotFound) {
		return res, err
	}
	if !circuitbreaker.Rejected(err) {
		logger.Debug("store read failed, serving local mirror", "op", op, "error", err)
	}
	return local()
}

// write mirrors into the local backend first, then attempts the
// primary. Primary failures are absorbed: the caller's state is safe
// locally and the breaker records the fault.
func (s *Store) write(ctx context.Context, op string, mirror func(), primary func(ctx context.Context) (interface{}, error)) error {
	mirror()
	_, err := s.execute(ctx, op, primary)
	if err != nil && !circuitbreaker.Rejected(err) {
		logger.Debug("store write failed on primary, mirror retained", "op", op, "error", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	res, err := s.read(ctx, "get",
		func(ctx context.Context) (interface{}, error) { return s.primary.Get(ctx, key) },
		func() (interface{}, error) { return s.local.Get(ctx, key) },
	)
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.write(ctx, "set",
		func() { s.local.Set(ctx, key, value, ttl) },
		func(ctx context.Context) (interface{}, error) { return nil, s.primary.Set(ctx, key, value, ttl) },
	)
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	return s.write(ctx, "delete",
		func() { s.local.Delete(ctx, keys...) },
		func(ctx context.Context) (interface{}, error) { return nil, s.primary.Delete(ctx, keys...) },
	)
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.write(ctx, "expire",
		func() { s.local.Expire(ctx, key, ttl) },
		func(ctx context.Context) (interface{}, error) { return nil, s.primary.Expire(ctx, key, ttl) },
	)
}

func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	res, err := s.read(ctx, "keys",
		func(ctx context.Context) (interface{}, error) { return s.primary.Keys(ctx, pattern) },
		func() (interface{}, error) { return s.local.Keys(ctx, pattern) },
	)
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	return s.write(ctx, "sadd",
		func() { s.local.SAdd(ctx, key, members...) },
		func(ctx context.Context) (interface{}, error) { return nil, s.primary.SAdd(ctx, key, members...) },
	)
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	return s.write(ctx, "srem",
		func() { s.local.SRem(ctx, key, members...) },
		func(ctx context.Context) (interface{}, error) { return nil, s.primary.SRem(ctx, key, members...) },
	)
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	res, err := s.read(ctx, "smembers",
		func(ctx context.Context) (interface{}, error) { return s.primary.SMembers(ctx, key) },
		func() (interface{}, error) { return s.local.SMembers(ctx, key) },
	)
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	return s.write(ctx, "hset",
		func() { s.local.HSet(ctx, key, field, value) },
		func(ctx context.Context) (interface{}, error) { return nil, s.primary.HSet(ctx, key, field, value) },
	)
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	res, err := s.read(ctx, "hget",
		func(ctx context.Context) (interface{}, error) { return s.primary.HGet(ctx, key, field) },
		func() (interface{}, error) { return s.local.HGet(ctx, key, field) },
	)
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := s.read(ctx, "hgetall",
		func(ctx context.Context) (interface{}, error) { return s.primary.HGetAll(ctx, key) },
		func() (interface{}, error) { return s.local.HGetAll(ctx, key) },
	)
	if err != nil {
		return nil, err
	}
	return res.(map[string]string), nil
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	return s.write(ctx, "hdel",
		func() { s.local.HDel(ctx, key, fields...) },
		func(ctx context.Context) (interface{}, error) { return nil, s.primary.HDel(ctx, key, fields...) },
	)
}

// Publish fans payload out through the primary backend. When the
// backend is down or the circuit is open, delivery degrades to
// subscribers within this process; that keeps local tabs in sync and
// is logged as a consistency warning, not surfaced as an error.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := s.execute(ctx, "publish", func(ctx context.Context) (interface{}, error) {
		return nil, s.primary.Publish(ctx, channel, payload)
	})
	if err != nil {
		if circuitbreaker.Rejected(err) {
			logger.Warn("cross-process fan-out unavailable, delivering locally", "channel", channel)
		} else {
			logger.Warn("store publish failed, delivering locally", "channel", channel, "error", err)
		}
		s.local.Publish(ctx, channel, payload)
	}
	return nil
}

// Subscribe merges the primary and local subscriptions for a pattern
// into one stream. The local leg always works; the primary leg is
// established in the background with backoff if the backend is down at
// subscribe time, so a recovered backend resumes cross-process
// delivery without caller involvement.
func (s *Store) Subscribe(ctx context.Context, pattern string) (<-chan Message, error) {
	out := make(chan Message, 128)

	localCh, localCancel, err := s.local.Subscribe(ctx, pattern)
	if err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pump(ctx, localCh, out)
	}()

	primarySub, ok := s.primary.(subscriber)
	if ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var primaryCh <-chan Message
			var primaryCancel func()
			err := retry.WithRetry(ctx, func() error {
				var err error
				primaryCh, primaryCancel, err = primarySub.Subscribe(ctx, pattern)
				return err
			}, retry.BackoffConfig{
				InitialInterval: time.Second,
				MaxInterval:     30 * time.Second,
				Multiplier:      2.0,
				Jitter:          true,
				MaxRetries:      1 << 20, // effectively until ctx is done
			})
			if err != nil {
				logger.Warn("store subscription unavailable, local-only delivery", "pattern", pattern, "error", err)
				return
			}
			defer primaryCancel()
			pump(ctx, primaryCh, out)
		}()
	}

	go func() {
		wg.Wait()
		localCancel()
		close(out)
	}()

	return out, nil
}

func pump(ctx context.Context, in <-chan Message, out chan<- Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}
