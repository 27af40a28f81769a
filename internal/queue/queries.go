package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"foreman/internal/faults"
	"foreman/internal/store"
)

// GetTask returns a single task by ID.
func (q *Queue) GetTask(ctx context.Context, taskID string) (*Task, error) {
	if taskID == "" {
		return nil, faults.Wrap(faults.ErrValidation, "queue", "get", "task id required", nil)
	}

	row := q.store.DB().QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM tasks WHERE id = ?", taskColumns), taskID)
	task, err := scanTask(row)
	if err != nil {
		if isNoRows(err) {
			return nil, faults.Wrap(faults.ErrNotFound, "queue", "get",
				fmt.Sprintf("task %s", taskID), nil)
		}
		return nil, faults.Wrap(faults.ErrStorage, "queue", "get", "read task", err)
	}
	return task, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (q *Queue) ListTasks(ctx context.Context, filter ListFilter) ([]*Task, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.WorkerID != "" {
		conditions = append(conditions, "assigned_worker_id = ?")
		args = append(args, filter.WorkerID)
	}

	query := fmt.Sprintf("SELECT %s FROM tasks", taskColumns)
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := q.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, faults.Wrap(faults.ErrStorage, "queue", "list", "query tasks", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		task, scanErr := scanTask(rows)
		if scanErr != nil {
			return nil, faults.Wrap(faults.ErrStorage, "queue", "list", "scan task", scanErr)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Wrap(faults.ErrStorage, "queue", "list", "iterate tasks", err)
	}
	return tasks, nil
}

// Stats returns per-status counts plus the rolling average duration of
// recently completed tasks.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Paused: q.paused.Load()}

	rows, err := q.store.DB().QueryContext(ctx,
		"SELECT status, COUNT(1) FROM tasks GROUP BY status")
	if err != nil {
		return nil, faults.Wrap(faults.ErrStorage, "queue", "stats", "count by status", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, faults.Wrap(faults.ErrStorage, "queue", "stats", "scan counts", err)
		}
		switch Status(status) {
		case StatusPending:
			stats.Pending = count
		case StatusRunning:
			stats.Running = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		case StatusCancelled:
			stats.Cancelled = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Wrap(faults.ErrStorage, "queue", "stats", "iterate counts", err)
	}

	avg, err := q.averageDuration(ctx)
	if err != nil {
		return nil, err
	}
	stats.AvgDuration = avg

	return stats, nil
}

func (q *Queue) averageDuration(ctx context.Context) (time.Duration, error) {
	window := q.settings.StatsWindow
	if window <= 0 {
		window = 50
	}

	rows, err := q.store.DB().QueryContext(ctx, `
SELECT started_at, completed_at FROM tasks
WHERE status = ? AND started_at IS NOT NULL AND completed_at IS NOT NULL
ORDER BY completed_at DESC
LIMIT ?`, string(StatusCompleted), window)
	if err != nil {
		return 0, faults.Wrap(faults.ErrStorage, "queue", "stats", "query durations", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		total time.Duration
		count int
	)
	for rows.Next() {
		var startedAt, completedAt string
		if err := rows.Scan(&startedAt, &completedAt); err != nil {
			return 0, faults.Wrap(faults.ErrStorage, "queue", "stats", "scan durations", err)
		}
		started, err := store.ParseTime(startedAt)
		if err != nil {
			continue
		}
		completed, err := store.ParseTime(completedAt)
		if err != nil {
			continue
		}
		if completed.Before(started) {
			continue
		}
		total += completed.Sub(started)
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, faults.Wrap(faults.ErrStorage, "queue", "stats", "iterate durations", err)
	}

	if count == 0 {
		return 0, nil
	}
	return total / time.Duration(count), nil
}
