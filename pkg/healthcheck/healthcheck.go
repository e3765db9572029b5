// Package healthcheck probes the hub's critical dependencies: the snapshot
// store, the collaboration platform API, the RPA provider and the tracking
// list. The /health endpoint runs all registered checks and reports 503 when
// any fatal check fails.
package healthcheck

import (
	"context"
	"time"
)

const (
	// StateStoreCategory covers the snapshot store connection.
	StateStoreCategory = "state-store"

	// PlatformAPICategory covers authenticated reads from the platform.
	PlatformAPICategory = "platform-api"

	// RPACategory covers authentication against the RPA provider.
	RPACategory = "rpa-api"

	// TrackingCategory covers reads from the tracking list.
	TrackingCategory = "tracking-list"
)

// checkTimeout bounds one check; a hung dependency must not hang the probe.
const checkTimeout = 10 * time.Second

// Checker is a single health check.
type Checker struct {
	// Category is one of the *Category constants above.
	Category string

	// Description is the short description reported with the result.
	Description string

	// Warning indicates that a failure should be reported but should not
	// impact the overall outcome (default false).
	Warning bool

	// Check executes the probe; a non-nil error is a failure.
	Check func(ctx context.Context) error
}

// CheckResult is the outcome of one Checker.
type CheckResult struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Warning     bool   `json:"warning,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Healthy reports whether the check passed or only warned.
func (r CheckResult) Healthy() bool {
	return r.Error == "" || r.Warning
}

// CheckObserver receives results as checks complete.
type CheckObserver func(*CheckResult)

// HealthChecker runs an ordered list of checks.
type HealthChecker struct {
	checkers []Checker
}

// NewHealthChecker returns a checker over the given checks.
func NewHealthChecker(checkers []Checker) *HealthChecker {
	return &HealthChecker{checkers: checkers}
}

// Add appends one check.
func (hc *HealthChecker) Add(c Checker) {
	hc.checkers = append(hc.checkers, c)
}

// RunChecks executes every check in order, invoking observer (when non-nil)
// per result, and returns the results plus overall success. Warnings do not
// affect success.
func (hc *HealthChecker) RunChecks(ctx context.Context, observer CheckObserver) ([]CheckResult, bool) {
	success := true
	results := make([]CheckResult, 0, len(hc.checkers))

	for _, c := range hc.checkers {
		result := CheckResult{
			Category:    c.Category,
			Description: c.Description,
			Warning:     c.Warning,
		}

		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		if err := c.Check(checkCtx); err != nil {
			result.Error = err.Error()
			if !c.Warning {
				success = false
			}
		}
		cancel()

		if observer != nil {
			observer(&result)
		}
		results = append(results, result)
	}
	return results, success
}
