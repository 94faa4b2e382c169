// Package supervisor keeps one serving process alive under a bounded
// restart budget. It shares no memory with the server; it only
// observes a health check and sends process signals.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/felixgeelhaar/foreman/internal/health"
	"github.com/felixgeelhaar/foreman/internal/log"
)

// Config bounds the watchdog loop.
type Config struct {
	// MaxRestarts is the restart budget. Exceeding it is terminal.
	MaxRestarts int

	// RestartDelay is the pause between a detected failure and the
	// next health check after relaunch.
	RestartDelay time.Duration

	// MonitorInterval is the pause between checks while healthy.
	MonitorInterval time.Duration

	// GraceTimeout is how long a stale process gets to exit after a
	// termination request before it is killed outright.
	GraceTimeout time.Duration

	// StartupGrace is how long to wait after a launch before the
	// first health check, so a crash-on-start is caught promptly.
	StartupGrace time.Duration
}

// DefaultConfig mirrors the operational defaults.
func DefaultConfig() Config {
	return Config{
		MaxRestarts:     5,
		RestartDelay:    5 * time.Second,
		MonitorInterval: 30 * time.Second,
		GraceTimeout:    10 * time.Second,
		StartupGrace:    3 * time.Second,
	}
}

// Process is a launched server under supervision.
type Process interface {
	// Pid returns the operating system process id.
	Pid() int

	// Alive reports whether the process is still running.
	Alive() bool

	// Terminate asks the process to exit, escalating to a kill after
	// the grace period.
	Terminate(grace time.Duration) error
}

// Launcher starts one server process.
type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// Supervisor is the watchdog control loop.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	checker  health.Checker
	logger   *log.Logger

	restartCount int
	proc         Process
}

// New creates a supervisor over the given launcher and health check.
func New(cfg Config, launcher Launcher, checker health.Checker, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.DefaultLogger()
	}
	return &Supervisor{cfg: cfg, launcher: launcher, checker: checker, logger: logger}
}

// RestartCount returns the current consecutive-failure restart count.
func (s *Supervisor) RestartCount() int {
	return s.restartCount
}

// CheckOnce runs a single health check and returns its result, for
// --check-only invocations.
func (s *Supervisor) CheckOnce(ctx context.Context) *health.Result {
	return s.checker.Check(ctx)
}

// Run launches the server and supervises it until the context is
// cancelled (returns nil: intentional shutdown) or the restart budget
// is exhausted (returns an error: the caller should exit non-zero).
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor starting",
		"max_restarts", s.cfg.MaxRestarts,
		"monitor_interval", s.cfg.MonitorInterval.String())

	if err := s.launch(ctx); err != nil {
		return fmt.Errorf("initial launch: %w", err)
	}
	if !s.sleep(ctx, s.cfg.StartupGrace) {
		return s.shutdown()
	}

	for {
		result := s.checker.Check(ctx)
		if result.Status != health.StatusUnhealthy {
			if s.restartCount > 0 {
				s.logger.Info("server recovered, restart count reset",
					"previous_count", s.restartCount)
				s.restartCount = 0
			}
			if !s.sleep(ctx, s.cfg.MonitorInterval) {
				return s.shutdown()
			}
			continue
		}

		s.logger.Warn("health check failed",
			"message", result.Message,
			"restart_count", s.restartCount)

		if s.restartCount >= s.cfg.MaxRestarts {
			s.logger.Error("restart budget exhausted, giving up",
				"max_restarts", s.cfg.MaxRestarts)
			s.terminateStale()
			return fmt.Errorf("server unhealthy after %d restarts", s.cfg.MaxRestarts)
		}

		s.terminateStale()
		if err := s.launch(ctx); err != nil {
			s.logger.Error("relaunch failed", "error", err.Error())
		}
		s.restartCount++
		s.logger.Info("server restarted",
			"attempt", s.restartCount,
			"max_restarts", s.cfg.MaxRestarts)

		if !s.sleep(ctx, s.cfg.RestartDelay) {
			return s.shutdown()
		}
	}
}

func (s *Supervisor) launch(ctx context.Context) error {
	proc, err := s.launcher.Launch(ctx)
	if err != nil {
		return err
	}
	s.proc = proc
	s.logger.Info("server launched", "pid", proc.Pid())
	return nil
}

// terminateStale tears down the previous process if it is still
// around, so two servers never own the data directory at once.
func (s *Supervisor) terminateStale() {
	if s.proc == nil || !s.proc.Alive() {
		return
	}
	s.logger.Info("terminating stale server", "pid", s.proc.Pid())
	if err := s.proc.Terminate(s.cfg.GraceTimeout); err != nil {
		s.logger.Warn("termination failed", "pid", s.proc.Pid(), "error", err.Error())
	}
}

func (s *Supervisor) shutdown() error {
	s.logger.Info("supervisor shutting down")
	s.terminateStale()
	return nil
}

// sleep waits for d or context cancellation. Returns false when the
// context ended first.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
