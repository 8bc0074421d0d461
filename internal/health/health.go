// Package health aggregates component health checks for the management
// API's health and readiness endpoints.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// checkTimeout bounds a full RunAll pass. Checks still running when it
// expires are reported as failed.
const checkTimeout = 5 * time.Second

// Check is implemented by any component that wants to report health.
type Check interface {
	// HealthCheck returns one CheckResult per probe the component
	// performs.
	HealthCheck(ctx context.Context) []CheckResult
}

// CheckResult is the outcome of a single health probe.
type CheckResult struct {
	Name string // Name identifies the probe.
	Err  error  // Err is nil when healthy.
}

// checkFunc adapts a plain function to the Check interface.
type checkFunc struct {
	name  string
	check func(ctx context.Context) error
}

func (c *checkFunc) HealthCheck(ctx context.Context) []CheckResult {
	return []CheckResult{{Name: c.name, Err: c.check(ctx)}}
}

// CheckRegistry is a registry of health checks from the relay's
// components.
type CheckRegistry struct {
	log    zerolog.Logger
	m      sync.Mutex
	checks []Check
}

// NewCheckRegistry creates a new CheckRegistry.
func NewCheckRegistry(log zerolog.Logger) *CheckRegistry {
	return &CheckRegistry{log: log.With().Str("component", "health").Logger()}
}

// Register registers a new health check.
//
// Checks must complete within 5 seconds, otherwise they are considered
// failed. Checks can be called at any time and may have multiple
// goroutines calling them concurrently.
func (c *CheckRegistry) Register(check Check) {
	c.m.Lock()
	defer c.m.Unlock()
	c.checks = append(c.checks, check)
}

// RegisterFunc registers a new health check from a function with a
// given name.
func (c *CheckRegistry) RegisterFunc(name string, check func(ctx context.Context) error) {
	c.Register(&checkFunc{name, check})
}

// GetChecks returns all registered health checks.
func (c *CheckRegistry) GetChecks() []Check {
	c.m.Lock()
	defer c.m.Unlock()
	return c.checks
}

// RunAll runs all health checks in parallel and returns the results
// sorted by name.
func (c *CheckRegistry) RunAll(ctx context.Context) []CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	checks := c.GetChecks()

	results := make(chan []CheckResult, len(checks))
	var wg sync.WaitGroup
	wg.Add(len(checks))
	for _, check := range checks {
		check := check
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.log.Error().Any("panic", r).Msg("health check panicked")
				}
			}()

			results <- check.HealthCheck(ctx)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	// Wait for all checks to complete or the context to be cancelled.
	var allResults []CheckResult
	select {
	case <-done:
	case <-ctx.Done():
		allResults = append(allResults, CheckResult{
			Name: "health-checks.run",
			Err:  ctx.Err(),
		})
	}
	close(results)

	for rs := range results {
		allResults = append(allResults, rs...)
	}

	sort.Slice(allResults, func(i, j int) bool {
		return allResults[i].Name < allResults[j].Name
	})
	return allResults
}
