package health

import (
	"context"
	"fmt"
	"os"
	"syscall"
)

// ProcessChecker verifies a process is alive by pid. Used by the
// supervisor to watch a stdio-mode server it cannot probe over HTTP.
type ProcessChecker struct {
	pid func() int
}

// NewProcessChecker creates a checker over a pid source. The source
// is a function so the supervisor can swap pids across restarts.
func NewProcessChecker(pid func() int) *ProcessChecker {
	return &ProcessChecker{pid: pid}
}

func (c *ProcessChecker) Name() string {
	return "server-process"
}

func (c *ProcessChecker) Check(_ context.Context) *Result {
	pid := c.pid()
	if pid <= 0 {
		return Unhealthy("no server process running")
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return Unhealthy(fmt.Sprintf("process %d not found: %v", pid, err))
	}
	// Signal 0 tests existence without delivering anything.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return Unhealthy(fmt.Sprintf("process %d not responding: %v", pid, err)).
			WithDetail("pid", pid)
	}
	return Healthy(fmt.Sprintf("process %d alive", pid)).WithDetail("pid", pid)
}
