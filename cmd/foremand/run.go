package main

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"foreman/internal/config"
	"foreman/internal/events"
	"foreman/internal/identity"
	"foreman/internal/logging"
	"foreman/internal/orchestrator"
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the orchestration daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		OutputPaths: []string{
			"stdout",
			filepath.Join(cfg.Paths.LogDir, "foremand.log"),
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch := orchestrator.New(cfg, logger, events.NewLogSink(logger), identity.SystemClock{})
	if err := orch.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	stop()

	// Give the drain its full budget plus slack even though the signal
	// context is already done.
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Orchestrator.DrainTimeout)*time.Second+10*time.Second)
	defer cancel()

	return orch.Shutdown(shutdownCtx)
}
