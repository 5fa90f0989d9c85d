package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type Checker interface {
	Check(ctx context.Context) error
	Name() string
}

type Health struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

type CheckResult struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const defaultCheckTimeout = 2 * time.Second

// CheckerRegistry runs the process's own dependency checks.
type CheckerRegistry struct {
	mu       sync.RWMutex
	checkers []Checker
	timeout  time.Duration
}

func NewCheckerRegistry() *CheckerRegistry {
	return &CheckerRegistry{
		checkers: make([]Checker, 0),
		timeout:  defaultCheckTimeout,
	}
}

// WithTimeout bounds each individual check.
func (r *CheckerRegistry) WithTimeout(d time.Duration) *CheckerRegistry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

func (r *CheckerRegistry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, checker)
}

// Check runs all checks concurrently. Any failing check makes the process
// unhealthy.
func (r *CheckerRegistry) Check(ctx context.Context) Health {
	r.mu.RLock()
	checkers := append([]Checker(nil), r.checkers...)
	r.mu.RUnlock()

	var mu sync.Mutex
	results := make(map[string]CheckResult, len(checkers))

	var g errgroup.Group
	for _, checker := range checkers {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			result := CheckResult{Status: StatusHealthy}
			if err := checker.Check(checkCtx); err != nil {
				result.Status = StatusUnhealthy
				result.Message = err.Error()
			}
			result.Timestamp = time.Now()

			mu.Lock()
			results[checker.Name()] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	overallStatus := StatusHealthy
	for _, result := range results {
		if result.Status != StatusHealthy {
			overallStatus = StatusUnhealthy
			break
		}
	}

	return Health{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Checks:    results,
	}
}

// EventBus is the part of the bus client a health check needs.
type EventBus interface {
	Healthy() error
}

type EventBusChecker struct {
	bus EventBus
}

func NewEventBusChecker(bus EventBus) *EventBusChecker {
	return &EventBusChecker{bus: bus}
}

func (c *EventBusChecker) Name() string {
	return "event_bus"
}

func (c *EventBusChecker) Check(ctx context.Context) error {
	return c.bus.Healthy()
}
