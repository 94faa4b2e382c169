// Package health provides pluggable liveness and readiness checks
// for the serving process and the supervisor that watches it.
package health

import (
	"context"
	"time"
)

// Checker verifies one dependency or capability. Implementations
// should respect the context deadline and return quickly.
type Checker interface {
	// Name returns the unique name of this check, lowercase with
	// hyphens (e.g. "instruction-store", "server-endpoint").
	Name() string

	// Check performs the health check and returns the result.
	Check(ctx context.Context) *Result
}

// Status is the outcome class of a health check.
type Status string

const (
	// StatusHealthy indicates the component is fully operational.
	StatusHealthy Status = "healthy"

	// StatusDegraded indicates partial operation; serving can
	// continue with reduced capability.
	StatusDegraded Status = "degraded"

	// StatusUnhealthy indicates the component is not working.
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) String() string {
	return string(s)
}

// Result carries the outcome of one check.
type Result struct {
	Status  Status         `json:"status"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Latency time.Duration  `json:"latency"`
}

// NewResult creates a result with the given status and message.
func NewResult(status Status, message string) *Result {
	return &Result{
		Status:  status,
		Message: message,
		Details: make(map[string]any),
	}
}

// WithDetail adds one detail and returns the result for chaining.
func (r *Result) WithDetail(key string, value any) *Result {
	r.Details[key] = value
	return r
}

// Healthy creates a healthy result.
func Healthy(message string) *Result {
	return NewResult(StatusHealthy, message)
}

// Degraded creates a degraded result.
func Degraded(message string) *Result {
	return NewResult(StatusDegraded, message)
}

// Unhealthy creates an unhealthy result.
func Unhealthy(message string) *Result {
	return NewResult(StatusUnhealthy, message)
}
