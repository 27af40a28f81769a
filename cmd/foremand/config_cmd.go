package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"foreman/internal/config"
)

func newConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := configPath
			if target == "" {
				defaultPath, err := config.DefaultConfigPath()
				if err != nil {
					return err
				}
				target = defaultPath
			}

			if !force {
				if _, err := os.Stat(target); err == nil {
					return fmt.Errorf("config already exists at %s (use --force to overwrite)", target)
				}
			}

			if err := config.CreateSample(target); err != nil {
				return err
			}
			fmt.Println("wrote", target)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, resolved, exists, err := config.Load(configPath)
			if err != nil {
				return err
			}
			source := resolved
			if !exists {
				source = "(defaults, no file found)"
			}
			fmt.Println("config:", source)
			fmt.Println("data dir:", cfg.Paths.DataDir)
			fmt.Println("log dir:", cfg.Paths.LogDir)
			fmt.Printf("queue: max_retries=%d backoff=%dms..%dms\n",
				cfg.Queue.DefaultMaxRetries, cfg.Queue.BackoffBaseMS, cfg.Queue.BackoffCeilingMS)
			fmt.Printf("workers: heartbeat_timeout=%ds concurrency_limit=%d\n",
				cfg.Workers.HeartbeatTimeout, cfg.Workers.ConcurrencyLimit)
			fmt.Printf("orchestrator: drain_timeout=%ds poll_interval=%ds\n",
				cfg.Orchestrator.DrainTimeout, cfg.Orchestrator.PollInterval)
			fmt.Printf("logging: format=%s level=%s\n", cfg.Logging.Format, cfg.Logging.Level)
			return nil
		},
	}

	configCmd.AddCommand(initCmd, showCmd)
	return configCmd
}
