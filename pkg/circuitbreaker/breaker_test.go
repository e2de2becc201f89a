package circuitbreaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errBackend = errors.New("backend unreachable")

func failingSettings(cooldown, healthy time.Duration) Settings {
	return Settings{
		Name:             "test",
		FailureThreshold: 3,
		Cooldown:         cooldown,
		HealthyWindow:    healthy,
	}
}

func fail(cb *CircuitBreaker) error {
	_, err := cb.Execute(func() (interface{}, error) { return nil, errBackend })
	return err
}

func succeed(cb *CircuitBreaker) error {
	_, err := cb.Execute(func() (interface{}, error) { return nil, nil })
	return err
}

func TestOpensAfterThresholdConsecutiveFailures(t *testing.T) {
	cb := New(failingSettings(time.Hour, time.Hour))

	for i := 0; i < 3; i++ {
		if cb.State() != StateClosed {
			t.Fatalf("breaker opened early after %d failures", i)
		}
		fail(cb)
	}

	if cb.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %v", cb.State())
	}

	// The next call must be refused without touching the backend.
	called := false
	_, err := cb.Execute(func() (interface{}, error) {
		called = true
		return nil, nil
	})
	if !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("expected ErrCircuitBreakerOpen, got %v", err)
	}
	if called {
		t.Fatal("backend was called while circuit open")
	}
}

func TestSingleSuccessDoesNotResetFailureCount(t *testing.T) {
	cb := New(failingSettings(time.Hour, time.Hour))

	fail(cb)
	fail(cb)
	succeed(cb) // health not yet sustained, counter must survive
	fail(cb)

	if cb.State() != StateOpen {
		t.Fatalf("expected open (2 failures + 1 after unsustained success), got %v", cb.State())
	}
}

func TestSustainedHealthResetsFailureCount(t *testing.T) {
	cb := New(failingSettings(time.Hour, 20*time.Millisecond))

	fail(cb)
	fail(cb)
	succeed(cb)
	time.Sleep(30 * time.Millisecond)
	succeed(cb) // health sustained past the window, counter clears

	fail(cb)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after counter reset, got %v", cb.State())
	}
}

func TestExactlyOneProbeAfterCooldown(t *testing.T) {
	cb := New(failingSettings(20*time.Millisecond, time.Hour))

	for i := 0; i < 3; i++ {
		fail(cb)
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %v", cb.State())
	}

	time.Sleep(30 * time.Millisecond)

	var backendCalls int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	var refused int32

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cb.Execute(func() (interface{}, error) {
				atomic.AddInt32(&backendCalls, 1)
				<-release
				return nil, nil
			})
			if errors.Is(err, ErrTooManyRequests) || errors.Is(err, ErrCircuitBreakerOpen) {
				atomic.AddInt32(&refused, 1)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&backendCalls); got != 1 {
		t.Fatalf("expected exactly 1 probe call, backend saw %d", got)
	}
	if got := atomic.LoadInt32(&refused); got != 7 {
		t.Fatalf("expected 7 refused calls, got %d", got)
	}
	if cb.State() != StateClosed {
		t.Fatalf("successful probe should close the breaker, got %v", cb.State())
	}
}

func TestFailedProbeReopens(t *testing.T) {
	cb := New(failingSettings(20*time.Millisecond, time.Hour))

	for i := 0; i < 3; i++ {
		fail(cb)
	}
	time.Sleep(30 * time.Millisecond)

	fail(cb) // half-open probe fails
	if cb.State() != StateOpen {
		t.Fatalf("failed probe should reopen, got %v", cb.State())
	}
}

func TestExecuteWithFallback(t *testing.T) {
	cb := New(failingSettings(time.Hour, time.Hour))

	for i := 0; i < 3; i++ {
		fail(cb)
	}

	fallbackUsed := false
	result, err := cb.ExecuteWithFallback(
		func() (interface{}, error) {
			t.Fatal("primary must not run while open")
			return nil, nil
		},
		func(error) (interface{}, error) {
			fallbackUsed = true
			return "local", nil
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fallbackUsed || result != "local" {
		t.Fatal("fallback was not used")
	}

	// A genuine backend failure (breaker closed) is not diverted.
	cb2 := New(failingSettings(time.Hour, time.Hour))
	_, err = cb2.ExecuteWithFallback(
		func() (interface{}, error) { return nil, errBackend },
		func(error) (interface{}, error) { return "local", nil },
	)
	if !errors.Is(err, errBackend) {
		t.Fatalf("expected backend error surfaced, got %v", err)
	}
}

func TestStateChangeCallback(t *testing.T) {
	var transitions []string
	var mu sync.Mutex

	st := failingSettings(time.Hour, time.Hour)
	st.OnStateChange = func(name string, from, to State) {
		mu.Lock()
		transitions = append(transitions, from.String()+"->"+to.String())
		mu.Unlock()
	}
	cb := New(st)

	for i := 0; i < 3; i++ {
		fail(cb)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0] != "CLOSED->OPEN" {
		t.Fatalf("unexpected transitions: %v", transitions)
	}
}
