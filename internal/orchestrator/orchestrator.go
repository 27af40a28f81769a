// Package orchestrator owns the process lifecycle: single-instance locking,
// store startup, crash recovery, and a drain-then-stop shutdown. It wires the
// queue, worker pool, and state manager together and is the only component
// that opens or closes the store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"foreman/internal/config"
	"foreman/internal/events"
	"foreman/internal/identity"
	"foreman/internal/logging"
	"foreman/internal/queue"
	"foreman/internal/state"
	"foreman/internal/store"
	"foreman/internal/workerpool"
)

// Phase is the orchestrator lifecycle stage. Phases only move forward:
// initializing, running, draining, stopped.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseRunning      Phase = "running"
	PhaseDraining     Phase = "draining"
	PhaseStopped      Phase = "stopped"
)

// ErrAlreadyRunning indicates another orchestrator instance holds the lock.
var ErrAlreadyRunning = errors.New("another instance is already running")

// Orchestrator coordinates startup, recovery, and shutdown of the core
// components.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger
	sink   events.Sink
	clock  identity.Clock

	mu       sync.Mutex
	phase    Phase
	lock     *flock.Flock
	store    *store.Store
	queue    *queue.Queue
	pool     *workerpool.Pool
	states   *state.Manager
	shutdown bool
}

// New creates an orchestrator. Nothing is opened until Start.
func New(cfg *config.Config, logger *slog.Logger, sink events.Sink, clock identity.Clock) *Orchestrator {
	if sink == nil {
		sink = events.NopSink{}
	}
	if clock == nil {
		clock = identity.SystemClock{}
	}
	return &Orchestrator{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "orchestrator"),
		sink:   sink,
		clock:  clock,
		phase:  PhaseInitializing,
	}
}

// Start runs the startup sequence: acquire the instance lock, open the
// store, build and wire the components, recover interrupted work, then move
// to running. Any failure tears down what was opened and leaves the
// orchestrator stopped.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.phase != PhaseInitializing {
		return fmt.Errorf("orchestrator is %s, cannot start", o.phase)
	}

	if err := o.startLocked(ctx); err != nil {
		o.teardownLocked()
		o.phase = PhaseStopped
		o.emit(ctx, events.OrchestratorStartupFailed, map[string]any{"error": err.Error()})
		return err
	}

	o.phase = PhaseRunning
	o.emit(ctx, events.OrchestratorStarted, map[string]any{
		"database":   o.store.Path(),
		"components": []string{"store", "queue", "workerpool", "state"},
	})
	o.logger.InfoContext(ctx, "orchestrator running",
		logging.String("database", o.store.Path()))
	return nil
}

func (o *Orchestrator) startLocked(ctx context.Context) error {
	if err := o.cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	lockPath := filepath.Join(o.cfg.Paths.DataDir, "foreman.lock")
	o.lock = flock.New(lockPath)
	locked, err := o.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w (lock file %s)", ErrAlreadyRunning, lockPath)
	}

	st, err := store.Open(o.cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	o.store = st

	o.queue = queue.New(st, o.cfg.Queue, o.logger, o.sink, o.clock)
	o.pool = workerpool.New(st, o.cfg.Workers, o.logger, o.clock)
	o.states = state.New(st, o.logger, o.sink, o.clock)
	o.queue.SetAssignments(o.pool)

	if err := o.recover(ctx); err != nil {
		return fmt.Errorf("recover interrupted work: %w", err)
	}

	if err := o.store.CheckHealth(ctx); err != nil {
		return fmt.Errorf("startup health check: %w", err)
	}

	return nil
}

// recover picks up work interrupted by a previous crash: tasks stuck in
// running go back to pending untouched by the retry budget, and each
// workflow left running gets a fresh workflow-step task enqueued.
func (o *Orchestrator) recover(ctx context.Context) error {
	orphaned, err := o.queue.ListTasks(ctx, queue.ListFilter{Status: queue.StatusRunning})
	if err != nil {
		return err
	}
	for _, task := range orphaned {
		if err := o.requeueOrphan(ctx, task.ID); err != nil {
			return err
		}
		o.logger.InfoContext(ctx, "orphaned task requeued",
			logging.String(logging.FieldTaskID, task.ID),
			logging.String("type", string(task.Type)))
	}

	running, err := o.states.List(ctx, state.ListFilter{Status: state.WorkflowRunning})
	if err != nil {
		return err
	}
	for _, ws := range running {
		task, err := o.queue.Enqueue(ctx, queue.EnqueueRequest{
			Type:    queue.TaskWorkflowStep,
			Payload: map[string]any{"workflow_id": ws.ID, "step": ws.CurrentStep},
			Metadata: map[string]string{
				"recovered": "true",
			},
			MaxRetries: o.cfg.Queue.DefaultMaxRetries,
		})
		if err != nil {
			return err
		}
		o.emit(ctx, events.WorkflowRecovered, map[string]any{
			logging.FieldWorkflowID: ws.ID,
			logging.FieldTaskID:     task.ID,
			"current_step":          ws.CurrentStep,
		})
		o.logger.InfoContext(ctx, "workflow recovery task enqueued",
			logging.String(logging.FieldWorkflowID, ws.ID),
			logging.String(logging.FieldTaskID, task.ID))
	}

	return nil
}

// requeueOrphan puts a task abandoned mid-run back in line. The worker that
// held it is gone, so the claim bookkeeping is cleared without spending a
// retry.
func (o *Orchestrator) requeueOrphan(ctx context.Context, taskID string) error {
	now := store.FormatTime(o.clock.Now())
	_, err := o.store.Exec(ctx, `
UPDATE tasks
SET status = ?, assigned_worker_id = NULL, started_at = NULL, updated_at = ?
WHERE id = ? AND status = ?`,
		string(queue.StatusPending), now, taskID, string(queue.StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("requeue task %s: %w", taskID, err)
	}
	return nil
}

func (o *Orchestrator) teardownLocked() {
	if o.store != nil {
		if err := o.store.Close(); err != nil {
			o.logger.Warn("store close failed", logging.Error(err))
		}
		o.store = nil
	}
	if o.lock != nil {
		if err := o.lock.Unlock(); err != nil {
			o.logger.Warn("lock release failed", logging.Error(err))
		}
		o.lock = nil
	}
}

// Phase returns the current lifecycle stage.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Queue exposes the task queue. Nil before Start succeeds.
func (o *Orchestrator) Queue() *queue.Queue { return o.queue }

// Workers exposes the worker pool. Nil before Start succeeds.
func (o *Orchestrator) Workers() *workerpool.Pool { return o.pool }

// States exposes the workflow state manager. Nil before Start succeeds.
func (o *Orchestrator) States() *state.Manager { return o.states }

func (o *Orchestrator) emit(ctx context.Context, eventType string, payload map[string]any) {
	if err := o.sink.Emit(ctx, eventType, nil, payload); err != nil {
		o.logger.WarnContext(ctx, "event emission failed",
			logging.String(logging.FieldEventType, eventType),
			logging.Error(err))
	}
}
