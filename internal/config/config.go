package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// Queue contains task queue retry and observability settings.
type Queue struct {
	DefaultMaxRetries int `toml:"default_max_retries"`
	BackoffBaseMS     int `toml:"backoff_base_ms"`
	BackoffCeilingMS  int `toml:"backoff_ceiling_ms"`
	StatsWindow       int `toml:"stats_window"`
}

// Workers contains worker pool availability settings.
type Workers struct {
	HeartbeatTimeout int `toml:"heartbeat_timeout"` // seconds
	ConcurrencyLimit int `toml:"concurrency_limit"` // tasks per worker
}

// Orchestrator contains lifecycle timing settings.
type Orchestrator struct {
	DrainTimeout       int `toml:"drain_timeout"`        // seconds, soft deadline
	PollInterval       int `toml:"poll_interval"`        // seconds
	ErrorRetryInterval int `toml:"error_retry_interval"` // seconds
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for foreman.
//
// Configuration sections by subsystem:
//   - Paths: data and log directories
//   - Queue: retry budget defaults and backoff bounds
//   - Workers: heartbeat staleness and per-worker concurrency
//   - Orchestrator: drain timeout and polling intervals
//   - Logging: log format and level
type Config struct {
	Paths        Paths        `toml:"paths"`
	Queue        Queue        `toml:"queue"`
	Workers      Workers      `toml:"workers"`
	Orchestrator Orchestrator `toml:"orchestrator"`
	Logging      Logging      `toml:"logging"`
}

// envOverrides are applied on top of the file so containerized deployments
// can steer foreman without mounting a config file.
type envOverrides struct {
	DataDir   string `env:"FOREMAN_DATA_DIR"`
	LogDir    string `env:"FOREMAN_LOG_DIR"`
	LogLevel  string `env:"FOREMAN_LOG_LEVEL"`
	LogFormat string `env:"FOREMAN_LOG_FORMAT"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/foreman/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The bool result reports
// whether a file was found at the resolved path.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func (c *Config) applyEnv() error {
	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return fmt.Errorf("parse env overrides: %w", err)
	}
	if overrides.DataDir != "" {
		c.Paths.DataDir = overrides.DataDir
	}
	if overrides.LogDir != "" {
		c.Paths.LogDir = overrides.LogDir
	}
	if overrides.LogLevel != "" {
		c.Logging.Level = overrides.LogLevel
	}
	if overrides.LogFormat != "" {
		c.Logging.Format = overrides.LogFormat
	}
	return nil
}

func (c *Config) normalize() error {
	dataDir, err := expandPath(c.Paths.DataDir)
	if err != nil {
		return err
	}
	c.Paths.DataDir = dataDir

	logDir, err := expandPath(c.Paths.LogDir)
	if err != nil {
		return err
	}
	c.Paths.LogDir = logDir
	return nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("foreman.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
