package orchestrator

import (
	"context"
	"time"

	"foreman/internal/events"
	"foreman/internal/logging"
	"foreman/internal/queue"
	"foreman/internal/state"
)

// Shutdown drains and stops the orchestrator: the queue stops handing out
// tasks, then in-flight tasks and running workflows are given until the
// drain deadline to finish. The deadline is soft; exceeding it logs the
// stragglers and shutdown proceeds. Safe to call more than once.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.shutdown || o.phase == PhaseStopped {
		o.mu.Unlock()
		return nil
	}
	o.shutdown = true

	if o.phase != PhaseRunning {
		o.teardownLocked()
		o.phase = PhaseStopped
		o.mu.Unlock()
		return nil
	}

	o.phase = PhaseDraining
	o.mu.Unlock()

	o.logger.InfoContext(ctx, "orchestrator draining")
	o.queue.Pause()

	deadlineExceeded := o.drain(ctx)

	o.mu.Lock()
	o.teardownLocked()
	o.phase = PhaseStopped
	o.mu.Unlock()

	o.emit(ctx, events.OrchestratorStopped, map[string]any{
		"drain_deadline_exceeded": deadlineExceeded,
	})
	o.logger.InfoContext(ctx, "orchestrator stopped",
		logging.Bool("drain_deadline_exceeded", deadlineExceeded))
	return nil
}

// drain polls until no tasks are running and no workflows are mid-flight,
// or the configured deadline passes. Returns true when the deadline was
// exceeded with work still in flight.
func (o *Orchestrator) drain(ctx context.Context) bool {
	deadline := o.clock.Now().Add(o.drainTimeout())
	interval := o.pollInterval()

	for {
		taskIDs, workflowIDs, err := o.inFlight(ctx)
		if err != nil {
			o.logger.WarnContext(ctx, "drain check failed", logging.Error(err))
			if !o.clock.Now().Before(deadline) {
				return true
			}
			select {
			case <-time.After(o.errorRetryInterval()):
				continue
			case <-ctx.Done():
				return true
			}
		}
		if len(taskIDs) == 0 && len(workflowIDs) == 0 {
			return false
		}
		if !o.clock.Now().Before(deadline) {
			o.logger.WarnContext(ctx, "drain deadline exceeded, stopping anyway",
				logging.Any("running_tasks", taskIDs),
				logging.Any("running_workflows", workflowIDs))
			return true
		}

		o.logger.DebugContext(ctx, "waiting for in-flight work",
			logging.Int("running_tasks", len(taskIDs)),
			logging.Int("running_workflows", len(workflowIDs)))

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			o.logger.WarnContext(ctx, "drain interrupted",
				logging.Any("running_tasks", taskIDs),
				logging.Any("running_workflows", workflowIDs))
			return true
		}
	}
}

func (o *Orchestrator) inFlight(ctx context.Context) ([]string, []string, error) {
	tasks, err := o.queue.ListTasks(ctx, queue.ListFilter{Status: queue.StatusRunning})
	if err != nil {
		return nil, nil, err
	}
	taskIDs := make([]string, 0, len(tasks))
	for _, task := range tasks {
		taskIDs = append(taskIDs, task.ID)
	}

	workflows, err := o.states.List(ctx, state.ListFilter{Status: state.WorkflowRunning})
	if err != nil {
		return nil, nil, err
	}
	workflowIDs := make([]string, 0, len(workflows))
	for _, ws := range workflows {
		workflowIDs = append(workflowIDs, ws.ID)
	}

	return taskIDs, workflowIDs, nil
}

func (o *Orchestrator) drainTimeout() time.Duration {
	if o.cfg.Orchestrator.DrainTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(o.cfg.Orchestrator.DrainTimeout) * time.Second
}

func (o *Orchestrator) pollInterval() time.Duration {
	if o.cfg.Orchestrator.PollInterval <= 0 {
		return 2 * time.Second
	}
	return time.Duration(o.cfg.Orchestrator.PollInterval) * time.Second
}

func (o *Orchestrator) errorRetryInterval() time.Duration {
	if o.cfg.Orchestrator.ErrorRetryInterval <= 0 {
		return 10 * time.Second
	}
	return time.Duration(o.cfg.Orchestrator.ErrorRetryInterval) * time.Second
}
