package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/beaconhq/beacon/logger"
	"github.com/beaconhq/beacon/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy     ComponentStatus = "healthy"
	StatusDegraded    ComponentStatus = "degraded"
	StatusUnhealthy   ComponentStatus = "unhealthy"
	StatusUnreachable ComponentStatus = "unreachable"
)

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool // If true, failure affects overall system health
	Enabled  bool

	// Fields below are protected by mu
	mu         sync.RWMutex
	LastCheck  time.Time
	LastError  error
	Status     ComponentStatus
	CheckCount int
	FailCount  int
}

type HealthMonitor struct {
	checks        map[string]*HealthCheck
	mu            sync.RWMutex
	overallStatus ComponentStatus
	ctx           context.Context
	cancel        context.CancelFunc
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		checks:        make(map[string]*HealthCheck),
		overallStatus: StatusHealthy,
	}
}

func (hm *HealthMonitor) RegisterCheck(check *HealthCheck) {
	if check.Interval == 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout == 0 {
		check.Timeout = 10 * time.Second
	}
	check.Status = StatusHealthy
	check.Enabled = true

	hm.mu.Lock()
	hm.checks[check.Name] = check
	hm.mu.Unlock()
}

func (hm *HealthMonitor) Start(ctx context.Context) {
	hm.ctx, hm.cancel = context.WithCancel(ctx)

	hm.mu.RLock()
	for _, check := range hm.checks {
		if check.Enabled {
			go hm.runHealthCheck(check)
		}
	}
	hm.mu.RUnlock()
}

func (hm *HealthMonitor) Stop() {
	if hm.cancel != nil {
		hm.cancel()
	}
}

func (hm *HealthMonitor) runHealthCheck(check *HealthCheck) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	logger.Infof("[HEALTH] Started monitoring '%s' with interval %v", check.Name, check.Interval)

	// Don't perform the first check immediately - wait for the first ticker
	// interval to allow the application to fully initialize
	for {
		select {
		case <-hm.ctx.Done():
			logger.Infof("[HEALTH] Monitoring stopped for '%s' due to context cancellation", check.Name)
			return
		case <-ticker.C:
			hm.performCheck(check)
		}
	}
}

func (hm *HealthMonitor) performCheck(check *HealthCheck) {
	// Recover from panics within a health check to prevent the monitor goroutine from crashing.
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			logger.Errorf("[HEALTH] PANIC during check for component '%s': %v", check.Name, err)

			check.mu.Lock()
			check.Status = StatusUnhealthy
			check.LastError = err
			check.mu.Unlock()

			hm.updateOverallStatus()
		}
	}()

	ctx, cancel := context.WithTimeout(hm.ctx, check.Timeout)
	defer cancel()

	startTime := time.Now()
	err := check.Check(ctx)
	metrics.ComponentHealthCheckDuration.WithLabelValues(check.Name).Observe(time.Since(startTime).Seconds())

	check.mu.Lock()
	check.CheckCount++
	check.LastCheck = time.Now()
	previousStatus := check.Status
	isFirstCheck := check.CheckCount == 1

	if err != nil {
		check.FailCount++
		check.LastError = err

		failureRate := float64(check.FailCount) / float64(check.CheckCount)

		// If failure rate is high, mark as unhealthy. Otherwise, a single
		// failure will result in a 'degraded' state.
		if failureRate >= 0.5 {
			check.Status = StatusUnhealthy
		} else {
			check.Status = StatusDegraded
		}

		logger.Warnf("[HEALTH] check '%s' failed: %v (status: %s, failure rate: %.2f)",
			check.Name, err, check.Status, failureRate)
	} else {
		check.LastError = nil
		// A successful check transitions the state back to healthy.
		check.Status = StatusHealthy
	}

	currentStatus := check.Status
	check.mu.Unlock()

	metrics.ComponentHealthChecks.WithLabelValues(check.Name, string(currentStatus)).Inc()

	// Health status gauge (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)
	var statusValue float64
	switch currentStatus {
	case StatusHealthy:
		statusValue = 3
	case StatusDegraded:
		statusValue = 2
	case StatusUnhealthy:
		statusValue = 1
	case StatusUnreachable:
		statusValue = 0
	}
	metrics.ComponentHealthStatus.WithLabelValues(check.Name).Set(statusValue)

	if previousStatus != currentStatus || isFirstCheck {
		if isFirstCheck {
			logger.Infof("[HEALTH] check '%s' initialized: %s", check.Name, currentStatus)
		} else {
			logger.Infof("[HEALTH] check '%s' status changed: %s -> %s", check.Name, previousStatus, currentStatus)
		}
	}

	hm.updateOverallStatus()
}

func (hm *HealthMonitor) updateOverallStatus() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	var criticalUnhealthy, criticalDegraded bool
	var anyDegraded bool

	for _, check := range hm.checks {
		check.mu.RLock()
		status := check.Status
		critical := check.Critical
		check.mu.RUnlock()

		if critical {
			switch status {
			case StatusUnhealthy, StatusUnreachable:
				criticalUnhealthy = true
			case StatusDegraded:
				criticalDegraded = true
			}
		}

		if status == StatusDegraded {
			anyDegraded = true
		}
	}

	previousStatus := hm.overallStatus

	switch {
	case criticalUnhealthy:
		hm.overallStatus = StatusUnhealthy
	case criticalDegraded || anyDegraded:
		hm.overallStatus = StatusDegraded
	default:
		hm.overallStatus = StatusHealthy
	}

	if previousStatus != hm.overallStatus {
		logger.Infof("[HEALTH] overall system status changed: %s -> %s", previousStatus, hm.overallStatus)
	}
}

func (hm *HealthMonitor) GetOverallStatus() ComponentStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.overallStatus
}

func (hm *HealthMonitor) GetAllStatuses() map[string]ComponentStatus {
	hm.mu.RLock()
	checks := make(map[string]*HealthCheck)
	for name, check := range hm.checks {
		checks[name] = check
	}
	hm.mu.RUnlock()

	statuses := make(map[string]ComponentStatus)
	for name, check := range checks {
		check.mu.RLock()
		statuses[name] = check.Status
		check.mu.RUnlock()
	}

	return statuses
}

// NewStoreHealthCheck probes the resilience store's primary backend.
// The probe bypasses the circuit breaker so recovery is observed even
// while the circuit is open.
func NewStoreHealthCheck(ping func(ctx context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:     "resilience_store",
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
		Critical: false, // degraded service keeps running on the local fallback
		Check:    ping,
	}
}

// NewAuthorityHealthCheck probes the credential authority database.
func NewAuthorityHealthCheck(ping func(ctx context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:     "authority",
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
		Critical: true,
		Check:    ping,
	}
}
