// Package circuitbreaker guards calls to an unreliable dependency.
//
// The breaker opens after a number of consecutive failures, serves a
// cooldown period in which callers are refused immediately, then lets
// a bounded number of probe calls through (half-open). Failure
// counters do not reset on a single success: the dependency has to
// stay healthy for a sustained window first, which stops a flapping
// backend from endlessly re-arming the threshold.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
)

type Settings struct {
	Name             string
	FailureThreshold uint32        // consecutive failures before opening, default 3
	Cooldown         time.Duration // open-state duration before half-open, default 30s
	HealthyWindow    time.Duration // sustained health before counters reset, default 30s
	MaxRequests      uint32        // concurrent probes allowed while half-open, default 1
	IsSuccessful     func(err error) bool
	OnStateChange    func(name string, from State, to State)
}

type Counts struct {
	Requests            uint32
	TotalSuccesses      uint32
	TotalFailures       uint32
	ConsecutiveFailures uint32
}

func (c *Counts) onRequest() {
	c.Requests++
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
}

func (c *Counts) clear() {
	c.Requests = 0
	c.TotalSuccesses = 0
	c.TotalFailures = 0
	c.ConsecutiveFailures = 0
}

type CircuitBreaker struct {
	name             string
	failureThreshold uint32
	cooldown         time.Duration
	healthyWindow    time.Duration
	maxRequests      uint32
	isSuccessful     func(err error) bool
	onStateChange    func(name string, from State, to State)

	mutex        sync.Mutex
	state        State
	generation   uint64
	counts       Counts
	expiry       time.Time // closed: ignored; open: end of cooldown
	healthySince time.Time // closed: start of the current unbroken success run
}

func New(st Settings) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             st.Name,
		failureThreshold: st.FailureThreshold,
		cooldown:         st.Cooldown,
		healthyWindow:    st.HealthyWindow,
		maxRequests:      st.MaxRequests,
		isSuccessful:     st.IsSuccessful,
		onStateChange:    st.OnStateChange,
	}

	if cb.name == "" {
		cb.name = "CircuitBreaker"
	}

	if cb.failureThreshold == 0 {
		cb.failureThreshold = 3
	}

	if cb.cooldown <= 0 {
		cb.cooldown = 30 * time.Second
	}

	if cb.healthyWindow <= 0 {
		cb.healthyWindow = 30 * time.Second
	}

	if cb.maxRequests == 0 {
		cb.maxRequests = 1
	}

	if cb.isSuccessful == nil {
		cb.isSuccessful = func(err error) bool {
			return err == nil
		}
	}

	cb.toNewGeneration(time.Now())

	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state, _ := cb.currentState(time.Now())
	return state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.counts
}

// Execute runs req through the breaker. While open it returns
// ErrCircuitBreakerOpen without invoking req; while half-open at most
// maxRequests probes run concurrently and the rest get
// ErrTooManyRequests.
func (cb *CircuitBreaker) Execute(req func() (interface{}, error)) (interface{}, error) {
	generation, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}

	defer func() {
		e := recover()
		if e != nil {
			cb.afterRequest(generation, false)
			panic(e)
		}
	}()

	result, err := req()
	cb.afterRequest(generation, cb.isSuccessful(err))
	return result, err
}

// ExecuteWithFallback runs req through the breaker, diverting to
// fallback when the breaker refuses the call. Failures of req itself
// are returned as-is so the caller can distinguish a rejected call
// from a failed one.
func (cb *CircuitBreaker) ExecuteWithFallback(req func() (interface{}, error), fallback func(error) (interface{}, error)) (interface{}, error) {
	result, err := cb.Execute(req)
	if err != nil {
		if errors.Is(err, ErrCircuitBreakerOpen) || errors.Is(err, ErrTooManyRequests) {
			return fallback(err)
		}
	}
	return result, err
}

// Rejected reports whether err came from the breaker refusing the
// call rather than from the wrapped dependency.
func Rejected(err error) bool {
	return errors.Is(err, ErrCircuitBreakerOpen) || errors.Is(err, ErrTooManyRequests)
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)

	if state == StateOpen {
		return generation, ErrCircuitBreakerOpen
	} else if state == StateHalfOpen && cb.counts.Requests >= cb.maxRequests {
		return generation, ErrTooManyRequests
	}

	cb.counts.onRequest()
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, success bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)
	if generation != before {
		// The state changed while the call was in flight; its outcome
		// belongs to a previous generation and must not count twice.
		return
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	cb.counts.onSuccess()

	switch state {
	case StateClosed:
		if cb.healthySince.IsZero() {
			cb.healthySince = now
		}
		// Consecutive failures only clear after sustained health.
		if cb.counts.ConsecutiveFailures > 0 && now.Sub(cb.healthySince) >= cb.healthyWindow {
			cb.counts.ConsecutiveFailures = 0
		}
	case StateHalfOpen:
		cb.setState(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	cb.counts.onFailure()
	cb.healthySince = time.Time{}

	switch state {
	case StateClosed:
		if cb.counts.ConsecutiveFailures >= cb.failureThreshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	if cb.state == StateOpen && cb.expiry.Before(now) {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state

	cb.toNewGeneration(now)

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts.clear()
	cb.healthySince = time.Time{}

	switch cb.state {
	case StateOpen:
		cb.expiry = now.Add(cb.cooldown)
	default: // StateClosed, StateHalfOpen
		cb.expiry = time.Time{}
	}
}

// WrapWithContext adapts a context-taking function to Execute.
func WrapWithContext(ctx context.Context, cb *CircuitBreaker, fn func(context.Context) error) error {
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	return err
}
