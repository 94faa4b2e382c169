// Package config loads the foreman.yaml configuration with
// FOREMAN_* environment overrides layered on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/foreman/internal/errors"
)

// DefaultFileName is looked up in the project root when no explicit
// config path is given.
const DefaultFileName = "foreman.yaml"

// Config is the full runtime configuration.
type Config struct {
	// ProjectRoot is the directory served by the filesystem tools.
	ProjectRoot string `yaml:"project_root"`

	// DataDir holds one JSON record per instruction.
	DataDir string `yaml:"data_dir"`

	Log        LogConfig        `yaml:"log"`
	Server     ServerConfig     `yaml:"server"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// ServerFile and MonitorFile are the append-only operational
	// logs, relative to DataDir unless absolute.
	ServerFile  string `yaml:"server_file"`
	MonitorFile string `yaml:"monitor_file"`
}

// ServerConfig controls the serving transports.
type ServerConfig struct {
	// Port is the SSE listen port; zero means stdio-only.
	Port int `yaml:"port"`

	// BrowserTimeout bounds one run_browser_agent goal.
	BrowserTimeout time.Duration `yaml:"browser_timeout"`
}

// SupervisorConfig bounds the watchdog loop.
type SupervisorConfig struct {
	MaxRestarts     int           `yaml:"max_restarts"`
	RestartDelay    time.Duration `yaml:"restart_delay"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`

	// LogMaxAge is the silence threshold for the stdio-mode log
	// recency health check.
	LogMaxAge time.Duration `yaml:"log_max_age"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return &Config{
		ProjectRoot: cwd,
		DataDir:     filepath.Join(cwd, ".foreman"),
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			ServerFile:  "logs/server.log",
			MonitorFile: "logs/monitor.log",
		},
		Server: ServerConfig{
			BrowserTimeout: 2 * time.Minute,
		},
		Supervisor: SupervisorConfig{
			MaxRestarts:     5,
			RestartDelay:    5 * time.Second,
			MonitorInterval: 30 * time.Second,
			LogMaxAge:       5 * time.Minute,
		},
	}
}

// Load reads the config at path, or the defaults when path is empty
// and no foreman.yaml exists in the working directory. Environment
// overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFileName
	}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidArguments,
				fmt.Sprintf("malformed config file %s", path), err).
				WithSuggestion("Check the YAML syntax in the config file")
		}
	case os.IsNotExist(err) && !explicit:
		// No config file is fine; defaults apply.
	default:
		return nil, errors.Wrap(errors.ErrCodeStorage,
			fmt.Sprintf("cannot read config file %s", path), err)
	}

	applyEnv(cfg)
	cfg.normalize()
	return cfg, nil
}

// applyEnv layers FOREMAN_* variables over the file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("FOREMAN_PROJECT_ROOT"); v != "" {
		cfg.ProjectRoot = v
	}
	if v := os.Getenv("FOREMAN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("FOREMAN_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FOREMAN_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("FOREMAN_DEBUG"); v == "1" || v == "true" {
		cfg.Log.Level = "debug"
	}
	if v := os.Getenv("FOREMAN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FOREMAN_MAX_RESTARTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Supervisor.MaxRestarts = n
		}
	}
	if v := os.Getenv("FOREMAN_MONITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Supervisor.MonitorInterval = d
		}
	}
	if v := os.Getenv("FOREMAN_RESTART_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Supervisor.RestartDelay = d
		}
	}
}

// normalize anchors relative paths and fills gaps left by a sparse
// config file.
func (c *Config) normalize() {
	def := Default()
	if c.ProjectRoot == "" {
		c.ProjectRoot = def.ProjectRoot
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join(c.ProjectRoot, ".foreman")
	} else if !filepath.IsAbs(c.DataDir) {
		c.DataDir = filepath.Join(c.ProjectRoot, c.DataDir)
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	if c.Log.ServerFile == "" {
		c.Log.ServerFile = def.Log.ServerFile
	}
	if c.Log.MonitorFile == "" {
		c.Log.MonitorFile = def.Log.MonitorFile
	}
	if c.Server.BrowserTimeout <= 0 {
		c.Server.BrowserTimeout = def.Server.BrowserTimeout
	}
	if c.Supervisor.MaxRestarts <= 0 {
		c.Supervisor.MaxRestarts = def.Supervisor.MaxRestarts
	}
	if c.Supervisor.RestartDelay <= 0 {
		c.Supervisor.RestartDelay = def.Supervisor.RestartDelay
	}
	if c.Supervisor.MonitorInterval <= 0 {
		c.Supervisor.MonitorInterval = def.Supervisor.MonitorInterval
	}
	if c.Supervisor.LogMaxAge <= 0 {
		c.Supervisor.LogMaxAge = def.Supervisor.LogMaxAge
	}
}

// ServerLogPath returns the absolute path of the server log.
func (c *Config) ServerLogPath() string {
	return c.resolveLogPath(c.Log.ServerFile)
}

// MonitorLogPath returns the absolute path of the supervisor log.
func (c *Config) MonitorLogPath() string {
	return c.resolveLogPath(c.Log.MonitorFile)
}

func (c *Config) resolveLogPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}
