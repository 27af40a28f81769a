package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"foreman/internal/events"
	"foreman/internal/faults"
	"foreman/internal/logging"
	"foreman/internal/store"
)

// Complete moves a running task to completed, recording its result and
// releasing the claim. Only running tasks may complete; anything else is an
// invalid-state error.
func (q *Queue) Complete(ctx context.Context, taskID string, result map[string]any) error {
	task, err := q.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != StatusRunning {
		return faults.Wrap(faults.ErrInvalidState, "queue", "complete",
			fmt.Sprintf("task %s is %s, not running", taskID, task.Status), nil)
	}

	resultJSON, err := encodeJSON(result)
	if err != nil {
		return faults.Wrap(faults.ErrValidation, "queue", "complete", "encode result", err)
	}

	now := store.FormatTime(q.clock.Now())
	res, err := q.store.Exec(ctx, `
UPDATE tasks
SET status = ?, result_json = ?, assigned_worker_id = NULL, completed_at = ?, updated_at = ?
WHERE id = ? AND status = ?`,
		string(StatusCompleted), resultJSON, now, now, taskID, string(StatusRunning),
	)
	if err != nil {
		return faults.Wrap(faults.ErrStorage, "queue", "complete", "update task", err)
	}
	if err := q.guardTransition(ctx, res, taskID, "complete"); err != nil {
		return err
	}

	q.releaseAssignment(ctx, task.AssignedWorkerID, taskID, true)
	q.emit(ctx, events.TaskCompleted, map[string]any{logging.FieldTaskID: taskID})
	return nil
}

// Fail records a failure for a running task. If the retry budget allows,
// the task returns to pending with a backoff delay and RetryScheduled is
// returned; otherwise the task fails permanently. Either way the claim is
// released.
func (q *Queue) Fail(ctx context.Context, taskID string, message string) (FailOutcome, error) {
	task, err := q.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task.Status != StatusRunning {
		return "", faults.Wrap(faults.ErrInvalidState, "queue", "fail",
			fmt.Sprintf("task %s is %s, not running", taskID, task.Status), nil)
	}

	now := q.clock.Now().UTC()
	nowValue := store.FormatTime(now)

	var outcome FailOutcome
	if task.RetryCount < task.MaxRetries {
		delay := retryDelay(
			time.Duration(q.settings.BackoffBaseMS)*time.Millisecond,
			time.Duration(q.settings.BackoffCeilingMS)*time.Millisecond,
			task.RetryCount,
		)
		scheduledAt := store.FormatTime(retryAt(now, delay))

		res, execErr := q.store.Exec(ctx, `
UPDATE tasks
SET status = ?, retry_count = retry_count + 1, error_message = ?,
    scheduled_at = ?, assigned_worker_id = NULL, started_at = NULL,
    updated_at = ?
WHERE id = ? AND status = ?`,
			string(StatusPending), message, scheduledAt, nowValue, taskID, string(StatusRunning),
		)
		if execErr != nil {
			return "", faults.Wrap(faults.ErrStorage, "queue", "fail", "schedule retry", execErr)
		}
		if guardErr := q.guardTransition(ctx, res, taskID, "fail"); guardErr != nil {
			return "", guardErr
		}

		outcome = RetryScheduled
		q.emit(ctx, events.TaskRetryScheduled, map[string]any{
			logging.FieldTaskID: taskID,
			"retry_count":       task.RetryCount + 1,
			"max_retries":       task.MaxRetries,
			"delay_ms":          delay.Milliseconds(),
		})
		q.logger.InfoContext(ctx, "task retry scheduled",
			logging.String(logging.FieldTaskID, taskID),
			logging.Int("retry_count", task.RetryCount+1),
			logging.Duration("delay", delay))
	} else {
		res, execErr := q.store.Exec(ctx, `
UPDATE tasks
SET status = ?, error_message = ?, assigned_worker_id = NULL, failed_at = ?, updated_at = ?
WHERE id = ? AND status = ?`,
			string(StatusFailed), message, nowValue, nowValue, taskID, string(StatusRunning),
		)
		if execErr != nil {
			return "", faults.Wrap(faults.ErrStorage, "queue", "fail", "mark failed", execErr)
		}
		if guardErr := q.guardTransition(ctx, res, taskID, "fail"); guardErr != nil {
			return "", guardErr
		}

		outcome = FailedPermanently
		q.emit(ctx, events.TaskFailed, map[string]any{
			logging.FieldTaskID: taskID,
			"retry_count":       task.RetryCount,
			"error":             message,
		})
		q.logger.WarnContext(ctx, "task failed permanently",
			logging.String(logging.FieldTaskID, taskID),
			logging.String("error", message))
	}

	q.releaseAssignment(ctx, task.AssignedWorkerID, taskID, false)
	return outcome, nil
}

// Cancel terminally cancels a pending or running task, releasing any claim.
// Cancelling an already-cancelled task is a no-op; completed and failed
// tasks cannot be cancelled.
func (q *Queue) Cancel(ctx context.Context, taskID string) error {
	task, err := q.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	switch task.Status {
	case StatusCancelled:
		return nil
	case StatusCompleted, StatusFailed:
		return faults.Wrap(faults.ErrInvalidState, "queue", "cancel",
			fmt.Sprintf("task %s is already %s", taskID, task.Status), nil)
	}

	now := store.FormatTime(q.clock.Now())
	res, err := q.store.Exec(ctx, `
UPDATE tasks
SET status = ?, assigned_worker_id = NULL, updated_at = ?
WHERE id = ? AND status IN (?, ?)`,
		string(StatusCancelled), now, taskID, string(StatusPending), string(StatusRunning),
	)
	if err != nil {
		return faults.Wrap(faults.ErrStorage, "queue", "cancel", "update task", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return faults.Wrap(faults.ErrStorage, "queue", "cancel", "read rows affected", err)
	}
	if rows == 0 {
		// Lost a race with another transition; re-read and apply the same
		// rules to the fresh status.
		return q.Cancel(ctx, taskID)
	}

	if task.Status == StatusRunning {
		q.releaseAssignment(ctx, task.AssignedWorkerID, taskID, false)
	}

	q.logger.InfoContext(ctx, "task cancelled", logging.String(logging.FieldTaskID, taskID))
	return nil
}

// releaseAssignment tells the worker pool the task left the given worker's
// hands. Hook failures are advisory; the tasks table already committed.
func (q *Queue) releaseAssignment(ctx context.Context, workerID, taskID string, completed bool) {
	if q.assignments == nil || workerID == "" {
		return
	}
	var hookErr error
	if completed {
		hookErr = q.assignments.CompleteTask(ctx, workerID, taskID)
	} else {
		hookErr = q.assignments.FailTask(ctx, workerID, taskID)
	}
	if hookErr != nil {
		q.logger.WarnContext(ctx, "assignment bookkeeping failed",
			logging.String(logging.FieldTaskID, taskID),
			logging.String(logging.FieldWorkerID, workerID),
			logging.Error(hookErr))
	}
}

// guardTransition disambiguates a zero-row conditional update into not-found
// versus invalid-state.
func (q *Queue) guardTransition(ctx context.Context, res sql.Result, taskID, operation string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return faults.Wrap(faults.ErrStorage, "queue", operation, "read rows affected", err)
	}
	if rows > 0 {
		return nil
	}

	task, err := q.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return faults.Wrap(faults.ErrInvalidState, "queue", operation,
		fmt.Sprintf("task %s is %s, not running", taskID, task.Status), nil)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
