package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/foreman/internal/config"
	"github.com/felixgeelhaar/foreman/internal/dispatch"
	"github.com/felixgeelhaar/foreman/internal/engine"
	"github.com/felixgeelhaar/foreman/internal/health"
	"github.com/felixgeelhaar/foreman/internal/log"
	"github.com/felixgeelhaar/foreman/internal/server"
	"github.com/felixgeelhaar/foreman/internal/store"
	"github.com/felixgeelhaar/foreman/internal/tools"
	"github.com/felixgeelhaar/foreman/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the workflow tools over stdio or SSE",
	Long: `Start the MCP server. With --stdio (the default) tool calls arrive
on standard input and results leave on standard output; logs go to the
server log file. With --port the server listens for SSE connections
and additionally exposes /health/live and /health/ready.`,
	RunE: runServe,
}

var (
	serveStdio bool
	servePort  int
)

func init() {
	serveCmd.Flags().BoolVar(&serveStdio, "stdio", false, "serve on the stdio transport")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "serve on the SSE transport at this port")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	port, err := resolvePort(serveStdio, servePort, cfg.Server.Port)
	if err != nil {
		return err
	}

	// Stdout belongs to the stdio transport; logs go to stderr and
	// the append-only server log, which the supervisor also watches.
	logFile, err := log.OutputFile(cfg.ServerLogPath())
	if err != nil {
		return err
	}
	logCfg := log.Config{
		Level:          log.ParseLevel(cfg.Log.Level),
		Format:         log.ParseFormat(cfg.Log.Format),
		Output:         log.OutputMulti(logFile, log.OutputStderr()),
		ServiceName:    "foreman",
		ServiceVersion: version.Version,
	}
	logger := log.New(logCfg)
	log.SetDefaultLogger(logger)

	st, err := store.New(cfg.DataDir)
	if err != nil {
		return err
	}

	gatherer := tools.NewFileGatherer(cfg.ProjectRoot)
	runner := tools.NewLocalRunner(cfg.ProjectRoot, logger)
	browser := tools.NewBrowserAgent(cfg.Server.BrowserTimeout, logger)
	eng := engine.New(st, gatherer, runner, logger)
	dispatcher := dispatch.New(eng, browser, cfg.ProjectRoot, logger)

	probes := health.NewProbeManager(version.Version)
	probes.AddChecker(health.NewStoreChecker(cfg.DataDir))

	srv := server.New(dispatcher, gatherer, probes, version.Version, logger)

	ctx := cmd.Context()
	if port > 0 {
		logger.Info("starting server",
			"transport", "sse",
			"port", port,
			"data_dir", cfg.DataDir)
		return srv.ServeSSE(ctx, port)
	}
	logger.Info("starting server",
		"transport", "stdio",
		"data_dir", cfg.DataDir)
	return srv.ServeStdio(ctx)
}

// resolvePort picks the serve port from the explicit flags before the
// config default, so --stdio works even when the config names a port.
func resolvePort(stdio bool, flagPort, cfgPort int) (int, error) {
	if stdio && flagPort != 0 {
		return 0, fmt.Errorf("--stdio and --port are mutually exclusive")
	}
	if stdio {
		return 0, nil
	}
	if flagPort != 0 {
		return flagPort, nil
	}
	return cfgPort, nil
}
