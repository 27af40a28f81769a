package workerpool

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"foreman/internal/faults"
	"foreman/internal/store"
)

// AssignTask records that the worker picked up the task. Duplicate
// assignments of the same task are ignored.
func (p *Pool) AssignTask(ctx context.Context, workerID, taskID string) error {
	return p.mutateAssignments(ctx, workerID, "assign", func(taskIDs []string) []string {
		for _, existing := range taskIDs {
			if existing == taskID {
				return taskIDs
			}
		}
		return append(taskIDs, taskID)
	})
}

// CompleteTask removes a finished task from the worker's assignments.
func (p *Pool) CompleteTask(ctx context.Context, workerID, taskID string) error {
	return p.releaseTask(ctx, workerID, taskID, "complete")
}

// FailTask removes a failed or cancelled task from the worker's assignments.
func (p *Pool) FailTask(ctx context.Context, workerID, taskID string) error {
	return p.releaseTask(ctx, workerID, taskID, "fail")
}

func (p *Pool) releaseTask(ctx context.Context, workerID, taskID, operation string) error {
	return p.mutateAssignments(ctx, workerID, operation, func(taskIDs []string) []string {
		remaining := taskIDs[:0]
		for _, existing := range taskIDs {
			if existing != taskID {
				remaining = append(remaining, existing)
			}
		}
		return remaining
	})
}

// mutateAssignments applies fn to the worker's task list inside a
// transaction so concurrent hooks for the same worker serialize cleanly.
func (p *Pool) mutateAssignments(ctx context.Context, workerID, operation string, fn func([]string) []string) error {
	if workerID == "" {
		return faults.Wrap(faults.ErrValidation, "workerpool", operation, "worker id required", nil)
	}

	return store.WithRetry(ctx, func() error {
		tx, err := p.store.DB().BeginTx(ctx, nil)
		if err != nil {
			return faults.Wrap(faults.ErrStorage, "workerpool", operation, "begin tx", err)
		}
		defer func() { _ = tx.Rollback() }()

		var taskIDsJSON string
		err = tx.QueryRowContext(ctx,
			"SELECT task_ids_json FROM workers WHERE id = ?", workerID).Scan(&taskIDsJSON)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return faults.Wrap(faults.ErrNotFound, "workerpool", operation,
					fmt.Sprintf("worker %s", workerID), nil)
			}
			return faults.Wrap(faults.ErrStorage, "workerpool", operation, "read assignments", err)
		}

		var taskIDs []string
		if err := json.Unmarshal([]byte(taskIDsJSON), &taskIDs); err != nil {
			return faults.Wrap(faults.ErrStorage, "workerpool", operation, "decode assignments", err)
		}

		updated := fn(taskIDs)
		if updated == nil {
			updated = []string{}
		}
		encoded, err := json.Marshal(updated)
		if err != nil {
			return faults.Wrap(faults.ErrStorage, "workerpool", operation, "encode assignments", err)
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE workers SET task_ids_json = ? WHERE id = ?", string(encoded), workerID); err != nil {
			return faults.Wrap(faults.ErrStorage, "workerpool", operation, "write assignments", err)
		}

		if err := tx.Commit(); err != nil {
			return faults.Wrap(faults.ErrStorage, "workerpool", operation, "commit", err)
		}
		return nil
	})
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
