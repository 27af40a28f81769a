package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateWorkers(); err != nil {
		return err
	}
	if err := c.validateOrchestrator(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return errors.New("paths.log_dir must be set")
	}
	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.DefaultMaxRetries < 0 {
		return errors.New("queue.default_max_retries must be >= 0")
	}
	if err := ensurePositiveMap(map[string]int{
		"queue.backoff_base_ms":    c.Queue.BackoffBaseMS,
		"queue.backoff_ceiling_ms": c.Queue.BackoffCeilingMS,
		"queue.stats_window":       c.Queue.StatsWindow,
	}); err != nil {
		return err
	}
	if c.Queue.BackoffCeilingMS < c.Queue.BackoffBaseMS {
		return errors.New("queue.backoff_ceiling_ms must be >= queue.backoff_base_ms")
	}
	return nil
}

func (c *Config) validateWorkers() error {
	return ensurePositiveMap(map[string]int{
		"workers.heartbeat_timeout": c.Workers.HeartbeatTimeout,
		"workers.concurrency_limit": c.Workers.ConcurrencyLimit,
	})
}

func (c *Config) validateOrchestrator() error {
	return ensurePositiveMap(map[string]int{
		"orchestrator.drain_timeout":        c.Orchestrator.DrainTimeout,
		"orchestrator.poll_interval":        c.Orchestrator.PollInterval,
		"orchestrator.error_retry_interval": c.Orchestrator.ErrorRetryInterval,
	})
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
		return nil
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
