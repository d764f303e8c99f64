// Package health aggregates the state of the relay's moving parts (the
// collection service connection, the retry queue, the repository watchers and
// the journal) into one status for the status API and the CLI.
package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTimeout bounds a single component check.
const DefaultTimeout = 5 * time.Second

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the component is degraded but functional.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the component is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusUnknown indicates the component status is unknown.
	StatusUnknown Status = "unknown"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check is a function that performs a health check.
type Check func(ctx context.Context) CheckResult

// Component is one named check. An unhealthy critical component makes the
// whole relay unhealthy; a non-critical one only degrades it.
type Component struct {
	Name     string
	Critical bool
	Check    Check
	Timeout  time.Duration
}

// Checker runs the registered component checks.
type Checker struct {
	mu         sync.RWMutex
	components []*Component
	started    time.Time
	ready      atomic.Bool
}

// NewChecker creates a Checker with no components.
func NewChecker() *Checker {
	return &Checker{started: time.Now()}
}

// Register adds a component, replacing one with the same name.
func (c *Checker) Register(component *Component) {
	if component.Timeout <= 0 {
		component.Timeout = DefaultTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i, existing := range c.components {
		if existing.Name == component.Name {
			c.components[i] = component
			return
		}
	}
	c.components = append(c.components, component)
}

// RegisterFunc registers check under name with the default timeout.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// SetReady marks the relay as ready to serve.
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

// IsReady reports the readiness flag.
func (c *Checker) IsReady() bool {
	return c.ready.Load()
}

// Uptime returns the time since the checker was created.
func (c *Checker) Uptime() time.Duration {
	return time.Since(c.started)
}

func (c *Checker) snapshot() []*Component {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Component(nil), c.components...)
}

// Check runs every component concurrently and returns the results by name.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	components := c.snapshot()
	results := make([]CheckResult, len(components))

	var wg sync.WaitGroup
	for i, comp := range components {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = run(ctx, comp)
		}()
	}
	wg.Wait()

	byName := make(map[string]CheckResult, len(components))
	for i, comp := range components {
		byName[comp.Name] = results[i]
	}
	return byName
}

// run executes one check. A check that panics or outlives its timeout is
// reported unhealthy; a late result is discarded.
func run(ctx context.Context, comp *Component) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{
					Status:  StatusUnhealthy,
					Message: "check panicked",
					Error:   fmt.Sprint(r),
				}
			}
		}()
		done <- comp.Check(checkCtx)
	}()

	var result CheckResult
	select {
	case result = <-done:
	case <-checkCtx.Done():
		result = CheckResult{
			Status:  StatusUnhealthy,
			Message: "check timed out",
			Error:   checkCtx.Err().Error(),
		}
	}

	result.LastChecked = start
	result.Duration = time.Since(start)
	return result
}

// Aggregate folds component results into one status. A critical component
// without a result makes the outcome unknown.
func Aggregate(components []*Component, results map[string]CheckResult) Status {
	status := StatusHealthy

	for _, comp := range components {
		result, ok := results[comp.Name]
		if !ok {
			result.Status = StatusUnknown
		}

		switch result.Status {
		case StatusHealthy:
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			if status == StatusHealthy {
				status = StatusDegraded
			}
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		default:
			if comp.Critical {
				status = StatusUnknown
			}
		}
	}
	return status
}

// Report is the aggregated view served by the status API.
type Report struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Report runs every check and aggregates the results.
func (c *Checker) Report(ctx context.Context) Report {
	components := c.snapshot()
	results := c.Check(ctx)

	return Report{
		Status:     Aggregate(components, results),
		Ready:      c.IsReady(),
		Uptime:     c.Uptime().Round(time.Second).String(),
		Components: results,
		Timestamp:  time.Now(),
	}
}
