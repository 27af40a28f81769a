// Package queue implements the durable task queue: prioritized FIFO intake,
// atomic claim, bounded retries with exponential backoff, and terminal-state
// bookkeeping. All state lives in the shared SQLite store so tasks survive
// restarts.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"foreman/internal/config"
	"foreman/internal/events"
	"foreman/internal/faults"
	"foreman/internal/identity"
	"foreman/internal/logging"
	"foreman/internal/store"
)

// Assignments is the worker-side bookkeeping the queue notifies when a task
// changes hands. Hook failures are advisory: the queue logs them and keeps
// the task transition, since the tasks table is the source of truth.
type Assignments interface {
	AssignTask(ctx context.Context, workerID, taskID string) error
	CompleteTask(ctx context.Context, workerID, taskID string) error
	FailTask(ctx context.Context, workerID, taskID string) error
}

// Queue is the durable task queue. Safe for concurrent use; claim atomicity
// is enforced by the database, not by in-process locks.
type Queue struct {
	store       *store.Store
	settings    config.Queue
	logger      *slog.Logger
	sink        events.Sink
	clock       identity.Clock
	assignments Assignments
	paused      atomic.Bool
}

// New creates a queue over the shared store.
func New(st *store.Store, settings config.Queue, logger *slog.Logger, sink events.Sink, clock identity.Clock) *Queue {
	if sink == nil {
		sink = events.NopSink{}
	}
	if clock == nil {
		clock = identity.SystemClock{}
	}
	return &Queue{
		store:    st,
		settings: settings,
		logger:   logging.NewComponentLogger(logger, "queue"),
		sink:     sink,
		clock:    clock,
	}
}

// SetAssignments wires the worker pool's bookkeeping hooks. Must be called
// before the queue starts serving claims.
func (q *Queue) SetAssignments(assignments Assignments) {
	q.assignments = assignments
}

// Enqueue validates and persists a new pending task, returning it with
// identity and timestamps filled in.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*Task, error) {
	if !req.Type.IsValid() {
		return nil, faults.Wrap(faults.ErrValidation, "queue", "enqueue",
			fmt.Sprintf("unknown task type %q", req.Type), nil)
	}
	if req.MaxRetries < 0 {
		return nil, faults.Wrap(faults.ErrValidation, "queue", "enqueue",
			fmt.Sprintf("max retries must be >= 0, got %d", req.MaxRetries), nil)
	}

	now := q.clock.Now().UTC()
	task := &Task{
		ID:         identity.NewID(),
		Type:       req.Type,
		Priority:   req.Priority,
		Status:     StatusPending,
		Payload:    req.Payload,
		Metadata:   req.Metadata,
		MaxRetries: req.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	payloadJSON, err := encodeJSON(task.Payload)
	if err != nil {
		return nil, faults.Wrap(faults.ErrValidation, "queue", "enqueue", "encode payload", err)
	}
	metadataJSON, err := encodeJSON(task.Metadata)
	if err != nil {
		return nil, faults.Wrap(faults.ErrValidation, "queue", "enqueue", "encode metadata", err)
	}

	_, err = q.store.Exec(ctx, `
INSERT INTO tasks (id, type, priority, status, payload_json, metadata_json,
    retry_count, max_retries, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		task.ID, string(task.Type), task.Priority, string(task.Status),
		payloadJSON, metadataJSON, task.MaxRetries,
		store.FormatTime(task.CreatedAt), store.FormatTime(task.UpdatedAt),
	)
	if err != nil {
		return nil, faults.Wrap(faults.ErrStorage, "queue", "enqueue", "insert task", err)
	}

	q.emit(ctx, events.TaskEnqueued, map[string]any{
		logging.FieldTaskID: task.ID,
		"type":              string(task.Type),
		"priority":          task.Priority,
	})

	return task, nil
}

// Claim atomically hands the highest-priority eligible pending task to the
// given worker. Returns (nil, nil) when nothing is eligible or the queue is
// paused. Ties on priority break by enqueue order.
func (q *Queue) Claim(ctx context.Context, workerID string, capabilities []TaskType) (*Task, error) {
	if workerID == "" {
		return nil, faults.Wrap(faults.ErrValidation, "queue", "claim", "worker id required", nil)
	}
	if len(capabilities) == 0 {
		return nil, nil
	}
	if q.paused.Load() {
		return nil, nil
	}

	typeArgs := make([]any, 0, len(capabilities))
	for _, capability := range capabilities {
		if !capability.IsValid() {
			return nil, faults.Wrap(faults.ErrValidation, "queue", "claim",
				fmt.Sprintf("unknown task type %q", capability), nil)
		}
		typeArgs = append(typeArgs, string(capability))
	}

	now := q.clock.Now().UTC()
	nowValue := store.FormatTime(now)

	// Single conditional UPDATE so concurrent claimants can never take the
	// same row: the inner SELECT picks the candidate and the outer guard
	// re-checks its status in the same statement.
	query := fmt.Sprintf(`
UPDATE tasks
SET status = ?, assigned_worker_id = ?, started_at = ?, updated_at = ?
WHERE id = (
    SELECT id FROM tasks
    WHERE status = ?
      AND (scheduled_at IS NULL OR scheduled_at <= ?)
      AND type IN (%s)
    ORDER BY priority DESC, created_at ASC
    LIMIT 1
)
  AND status = ?
RETURNING %s`, store.Placeholders(len(typeArgs)), taskColumns)

	args := []any{
		string(StatusRunning), workerID, nowValue, nowValue,
		string(StatusPending), nowValue,
	}
	args = append(args, typeArgs...)
	args = append(args, string(StatusPending))

	var task *Task
	err := store.WithRetry(ctx, func() error {
		row := q.store.DB().QueryRowContext(ctx, query, args...)
		claimed, scanErr := scanTask(row)
		if scanErr != nil {
			return scanErr
		}
		task = claimed
		return nil
	})
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, faults.Wrap(faults.ErrStorage, "queue", "claim", "claim task", err)
	}

	if q.assignments != nil {
		if hookErr := q.assignments.AssignTask(ctx, workerID, task.ID); hookErr != nil {
			q.logger.WarnContext(ctx, "assignment bookkeeping failed",
				logging.String(logging.FieldTaskID, task.ID),
				logging.String(logging.FieldWorkerID, workerID),
				logging.Error(hookErr))
		}
	}

	q.logger.DebugContext(ctx, "task claimed",
		logging.String(logging.FieldTaskID, task.ID),
		logging.String(logging.FieldWorkerID, workerID),
		logging.String("type", string(task.Type)))

	return task, nil
}

// Pause stops Claim from handing out tasks. Running tasks are unaffected and
// Enqueue keeps accepting work.
func (q *Queue) Pause() {
	if q.paused.CompareAndSwap(false, true) {
		q.logger.Info("queue paused")
	}
}

// Resume re-enables claiming.
func (q *Queue) Resume() {
	if q.paused.CompareAndSwap(true, false) {
		q.logger.Info("queue resumed")
	}
}

// Paused reports whether the claim gate is closed.
func (q *Queue) Paused() bool {
	return q.paused.Load()
}

// Healthy verifies the queue can reach its table.
func (q *Queue) Healthy(ctx context.Context) error {
	var count int
	err := q.store.DB().QueryRowContext(ctx, "SELECT COUNT(1) FROM tasks").Scan(&count)
	if err != nil {
		return faults.Wrap(faults.ErrStorage, "queue", "health", "count tasks", err)
	}
	return nil
}

func (q *Queue) emit(ctx context.Context, eventType string, payload map[string]any) {
	if err := q.sink.Emit(ctx, eventType, nil, payload); err != nil {
		q.logger.WarnContext(ctx, "event emission failed",
			logging.String(logging.FieldEventType, eventType),
			logging.Error(err))
	}
}

func retryAt(now time.Time, delay time.Duration) time.Time {
	return now.Add(delay).UTC()
}
