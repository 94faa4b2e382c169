package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/foreman/internal/config"
	"github.com/felixgeelhaar/foreman/internal/health"
	"github.com/felixgeelhaar/foreman/internal/log"
	"github.com/felixgeelhaar/foreman/internal/supervisor"
	"github.com/felixgeelhaar/foreman/internal/version"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Supervise a foreman server under a bounded restart budget",
	Long: `Launch the server and keep it alive: health-check it on an
interval, restart it on failure, and give up with a non-zero exit once
the restart budget is exhausted. With --port the server runs on the
SSE transport and is probed over /health/live; otherwise it runs on
stdio and is watched via process liveness and log recency.`,
	RunE: runMonitor,
}

var (
	monitorPort      int
	monitorCheckOnly bool
)

func init() {
	monitorCmd.Flags().IntVar(&monitorPort, "port", 0, "supervise an SSE server on this port")
	monitorCmd.Flags().BoolVar(&monitorCheckOnly, "check-only", false, "run one health check and exit")
	rootCmd.AddCommand(monitorCmd)
}

// trackingLauncher remembers the pid of the most recent launch so the
// process liveness check follows restarts.
type trackingLauncher struct {
	inner supervisor.Launcher
	pid   atomic.Int64
}

func (l *trackingLauncher) Launch(ctx context.Context) (supervisor.Process, error) {
	p, err := l.inner.Launch(ctx)
	if err == nil {
		l.pid.Store(int64(p.Pid()))
	}
	return p, err
}

// stdioChecker watches a stdio-mode server, which has no probe
// endpoint: the process must be alive and its log recently written.
type stdioChecker struct {
	process *health.ProcessChecker
	logfile *health.LogRecencyChecker
}

func (c *stdioChecker) Name() string { return "stdio-server" }

func (c *stdioChecker) Check(ctx context.Context) *health.Result {
	if res := c.process.Check(ctx); res.Status == health.StatusUnhealthy {
		return res
	}
	res := c.logfile.Check(ctx)
	if res.Status == health.StatusDegraded {
		// The server is alive but has not logged yet; not a failure.
		return health.Healthy(res.Message)
	}
	return res
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if monitorPort == 0 {
		monitorPort = cfg.Server.Port
	}

	logFile, err := log.OutputFile(cfg.MonitorLogPath())
	if err != nil {
		return err
	}
	logger := log.New(log.Config{
		Level:          log.ParseLevel(cfg.Log.Level),
		Format:         log.ParseFormat(cfg.Log.Format),
		Output:         log.OutputMulti(logFile, log.OutputStderr()),
		ServiceName:    "foreman-monitor",
		ServiceVersion: version.Version,
	})

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate own executable: %w", err)
	}
	serveArgs := []string{"serve"}
	if configPath != "" {
		serveArgs = append(serveArgs, "--config", configPath)
	}
	if monitorPort > 0 {
		serveArgs = append(serveArgs, "--port", fmt.Sprintf("%d", monitorPort))
	} else {
		serveArgs = append(serveArgs, "--stdio")
	}

	serverLog, err := log.OutputFile(cfg.ServerLogPath())
	if err != nil {
		return err
	}
	// In stdio mode the child's stdout carries protocol frames, so it
	// passes through to the monitor's caller; the monitor's stdin is
	// forwarded so a client can speak through the supervised server.
	childStdin := io.Reader(nil)
	childStdout := serverLog.Writer()
	if monitorPort == 0 {
		childStdin = os.Stdin
		childStdout = os.Stdout
	}
	launcher := &trackingLauncher{
		inner: supervisor.NewCommandLauncher(self, serveArgs, cfg.ProjectRoot, childStdin, childStdout, serverLog.Writer()),
	}

	var checker health.Checker
	if monitorPort > 0 {
		checker = health.NewEndpointChecker(fmt.Sprintf("http://127.0.0.1:%d/health/live", monitorPort))
	} else {
		checker = &stdioChecker{
			process: health.NewProcessChecker(func() int { return int(launcher.pid.Load()) }),
			logfile: health.NewLogRecencyChecker(cfg.ServerLogPath(), cfg.Supervisor.LogMaxAge),
		}
	}

	supCfg := supervisor.DefaultConfig()
	supCfg.MaxRestarts = cfg.Supervisor.MaxRestarts
	supCfg.RestartDelay = cfg.Supervisor.RestartDelay
	supCfg.MonitorInterval = cfg.Supervisor.MonitorInterval

	sup := supervisor.New(supCfg, launcher, checker, logger)

	if monitorCheckOnly {
		res := sup.CheckOnce(cmd.Context())
		fmt.Printf("%s: %s\n", res.Status, res.Message)
		if res.Status == health.StatusUnhealthy {
			return fmt.Errorf("health check failed: %s", res.Message)
		}
		return nil
	}

	return sup.Run(cmd.Context())
}
