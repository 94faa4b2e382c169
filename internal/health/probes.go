package health

import (
	"context"
	"sync/atomic"
	"time"
)

// ProbeManager extends Manager with liveness and readiness probes for
// the streaming transport's health endpoints.
type ProbeManager struct {
	*Manager

	startTime  time.Time
	inShutdown atomic.Bool
	version    string
}

// NewProbeManager creates a probe-capable manager.
func NewProbeManager(version string) *ProbeManager {
	return &ProbeManager{
		Manager:   NewManager(),
		startTime: time.Now(),
		version:   version,
	}
}

// MarkShutdown flips readiness to failing so callers stop routing new
// work here while in-flight calls drain.
func (pm *ProbeManager) MarkShutdown() {
	pm.inShutdown.Store(true)
}

// IsShuttingDown reports whether shutdown has begun.
func (pm *ProbeManager) IsShuttingDown() bool {
	return pm.inShutdown.Load()
}

// Uptime returns how long this process has been serving.
func (pm *ProbeManager) Uptime() time.Duration {
	return time.Since(pm.startTime)
}

// ProbeResult is the JSON body served on the health endpoints.
type ProbeResult struct {
	Status    Status             `json:"status"`
	Version   string             `json:"version,omitempty"`
	Uptime    string             `json:"uptime,omitempty"`
	Checks    map[string]*Result `json:"checks,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// CheckLiveness reports whether the process is alive. It runs no
// dependency checks; a shutting-down process is degraded, not dead.
func (pm *ProbeManager) CheckLiveness(_ context.Context) *ProbeResult {
	status := StatusHealthy
	if pm.IsShuttingDown() {
		status = StatusDegraded
	}
	return &ProbeResult{
		Status:    status,
		Version:   pm.version,
		Uptime:    pm.Uptime().Round(time.Second).String(),
		Timestamp: time.Now(),
	}
}

// CheckReadiness reports whether the process can serve tool calls,
// aggregating every registered dependency check.
func (pm *ProbeManager) CheckReadiness(ctx context.Context) *ProbeResult {
	if pm.IsShuttingDown() {
		return &ProbeResult{
			Status:    StatusUnhealthy,
			Version:   pm.version,
			Uptime:    pm.Uptime().Round(time.Second).String(),
			Timestamp: time.Now(),
		}
	}

	checks := pm.Manager.Check(ctx)
	return &ProbeResult{
		Status:    pm.Manager.OverallStatus(checks),
		Version:   pm.version,
		Uptime:    pm.Uptime().Round(time.Second).String(),
		Checks:    checks,
		Timestamp: time.Now(),
	}
}
