package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExponentialBackoffCapsAtMax(t *testing.T) {
	cfg := BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     1 * time.Second,
		Multiplier:      2.0,
		Jitter:          false,
	}
	backoff := ExponentialBackoff(cfg)

	if got := backoff(1); got != 100*time.Millisecond {
		t.Errorf("attempt 1: got %v, want 100ms", got)
	}
	if got := backoff(3); got != 400*time.Millisecond {
		t.Errorf("attempt 3: got %v, want 400ms", got)
	}
	// Far past the cap.
	if got := backoff(20); got != 1*time.Second {
		t.Errorf("attempt 20: got %v, want 1s (cap)", got)
	}
}

func TestExponentialBackoffJitterStaysInBounds(t *testing.T) {
	cfg := BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
	backoff := ExponentialBackoff(cfg)

	for i := 0; i < 50; i++ {
		d := backoff(4) // base 800ms
		if d < 400*time.Millisecond || d > 800*time.Millisecond {
			t.Fatalf("jittered delay %v outside [400ms, 800ms]", d)
		}
	}
}

func TestWithRetryEventuallySucceeds(t *testing.T) {
	cfg := BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      1.0,
		MaxRetries:      5,
	}

	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	cfg := BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      1.0,
		MaxRetries:      3,
	}

	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return errors.New("still down")
	}, cfg)
	if err == nil {
		t.Fatal("expected error after budget exhaustion")
	}
	if calls != 4 { // initial attempt + 3 retries
		t.Errorf("expected 4 calls, got %d", calls)
	}
}

func TestWithRetryStopError(t *testing.T) {
	cfg := BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      1.0,
		MaxRetries:      10,
	}

	fatal := errors.New("credential revoked")
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return Stop(fatal)
	}, cfg)
	if !errors.Is(err, fatal) {
		t.Fatalf("expected wrapped fatal error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("StopError must halt retries, got %d calls", calls)
	}
}

func TestWithRetryContextCancellation(t *testing.T) {
	cfg := BackoffConfig{
		InitialInterval: time.Hour, // would block without cancellation
		MaxInterval:     time.Hour,
		Multiplier:      1.0,
		MaxRetries:      2,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := WithRetry(ctx, func() error { return errors.New("down") }, cfg)
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation error, got %v", err)
	}
}
