package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"foreman/internal/config"
	"foreman/internal/identity"
	"foreman/internal/logging"
	"foreman/internal/queue"
	"foreman/internal/state"
	"foreman/internal/store"
	"foreman/internal/workerpool"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue, worker, and workflow status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context())
		},
	}
}

// showStatus reads the shared database directly. WAL mode makes this safe
// while the daemon is running.
func showStatus(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	logger := logging.NewNop()
	clock := identity.SystemClock{}
	q := queue.New(st, cfg.Queue, logger, nil, clock)
	pool := workerpool.New(st, cfg.Workers, logger, clock)
	states := state.New(st, logger, nil, clock)

	stats, err := q.Stats(ctx)
	if err != nil {
		return err
	}
	workers, err := pool.ListWorkers(ctx)
	if err != nil {
		return err
	}
	workflows, err := states.List(ctx, state.ListFilter{})
	if err != nil {
		return err
	}

	renderQueueTable(stats)
	renderWorkerTable(workers, cfg)
	renderWorkflowTable(workflows)
	return nil
}

func renderQueueTable(stats *queue.Stats) {
	tw := newTable("Queue")
	tw.AppendHeader(table.Row{"Status", "Count"})
	tw.AppendRows([]table.Row{
		{"pending", stats.Pending},
		{"running", stats.Running},
		{"completed", stats.Completed},
		{"failed", stats.Failed},
		{"cancelled", stats.Cancelled},
	})
	tw.AppendFooter(table.Row{"total", stats.Total()})
	tw.Render()

	fmt.Printf("avg duration: %s  paused: %v\n\n",
		stats.AvgDuration.Round(time.Millisecond), stats.Paused)
}

func renderWorkerTable(workers []*workerpool.Worker, cfg *config.Config) {
	tw := newTable("Workers")
	tw.AppendHeader(table.Row{"ID", "Capabilities", "Tasks", "Limit", "Last Heartbeat"})
	cutoff := time.Now().UTC().Add(-time.Duration(cfg.Workers.HeartbeatTimeout) * time.Second)
	for _, worker := range workers {
		heartbeat := worker.LastHeartbeat.Format(time.RFC3339)
		if worker.LastHeartbeat.Before(cutoff) {
			heartbeat += " (stale)"
		}
		tw.AppendRow(table.Row{
			worker.ID,
			fmt.Sprintf("%v", worker.Capabilities),
			len(worker.TaskIDs),
			worker.ConcurrencyLimit,
			heartbeat,
		})
	}
	tw.Render()
	fmt.Println()
}

func renderWorkflowTable(workflows []*state.WorkflowState) {
	tw := newTable("Workflows")
	tw.AppendHeader(table.Row{"ID", "Issue", "Step", "Status", "Updated"})
	for _, ws := range workflows {
		tw.AppendRow(table.Row{
			ws.ID,
			ws.IssueRef,
			ws.CurrentStep,
			string(ws.Status),
			ws.UpdatedAt.Format(time.RFC3339),
		})
	}
	tw.Render()
}

func newTable(title string) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle(title)
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		tw.SetStyle(table.StyleRounded)
	} else {
		tw.SetStyle(table.StyleLight)
	}
	return tw
}
