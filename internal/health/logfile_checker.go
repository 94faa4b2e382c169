package health

import (
	"context"
	"fmt"
	"os"
	"time"
)

// LogRecencyChecker treats a server log that has gone quiet for too
// long as a sign the stdio-mode server is wedged. A missing log file
// is only degraded: the server may simply not have logged yet.
type LogRecencyChecker struct {
	path   string
	maxAge time.Duration
}

// NewLogRecencyChecker creates a checker over the server's log file.
func NewLogRecencyChecker(path string, maxAge time.Duration) *LogRecencyChecker {
	return &LogRecencyChecker{path: path, maxAge: maxAge}
}

func (c *LogRecencyChecker) Name() string {
	return "server-log"
}

func (c *LogRecencyChecker) Check(_ context.Context) *Result {
	info, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Degraded("log file not written yet").WithDetail("path", c.path)
		}
		return Unhealthy(fmt.Sprintf("cannot stat log file: %v", err)).
			WithDetail("path", c.path)
	}

	age := time.Since(info.ModTime())
	if age > c.maxAge {
		return Unhealthy(fmt.Sprintf("log silent for %s, limit %s", age.Round(time.Second), c.maxAge)).
			WithDetail("path", c.path).
			WithDetail("last_write", info.ModTime().UTC().Format(time.RFC3339))
	}
	return Healthy(fmt.Sprintf("log active %s ago", age.Round(time.Second))).
		WithDetail("path", c.path)
}
