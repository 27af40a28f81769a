// Package workerpool tracks registered workers: their capabilities, current
// assignments, and heartbeat freshness. The pool is bookkeeping around the
// queue's claim path; the tasks table stays the source of truth for who is
// running what.
package workerpool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"foreman/internal/config"
	"foreman/internal/faults"
	"foreman/internal/identity"
	"foreman/internal/logging"
	"foreman/internal/queue"
	"foreman/internal/store"
)

// Pool manages worker registration and availability. Safe for concurrent use.
type Pool struct {
	store    *store.Store
	settings config.Workers
	logger   *slog.Logger
	clock    identity.Clock
}

// New creates a pool over the shared store.
func New(st *store.Store, settings config.Workers, logger *slog.Logger, clock identity.Clock) *Pool {
	if clock == nil {
		clock = identity.SystemClock{}
	}
	return &Pool{
		store:    st,
		settings: settings,
		logger:   logging.NewComponentLogger(logger, "workerpool"),
		clock:    clock,
	}
}

// Register adds a worker or refreshes an existing registration. Registering
// the same ID again replaces its capabilities and resets its heartbeat, but
// keeps its current assignments.
func (p *Pool) Register(ctx context.Context, workerID string, capabilities []queue.TaskType, concurrencyLimit int) (*Worker, error) {
	if workerID == "" {
		return nil, faults.Wrap(faults.ErrValidation, "workerpool", "register", "worker id required", nil)
	}
	if len(capabilities) == 0 {
		return nil, faults.Wrap(faults.ErrValidation, "workerpool", "register", "at least one capability required", nil)
	}
	for _, capability := range capabilities {
		if !capability.IsValid() {
			return nil, faults.Wrap(faults.ErrValidation, "workerpool", "register",
				fmt.Sprintf("unknown task type %q", capability), nil)
		}
	}
	if concurrencyLimit <= 0 {
		concurrencyLimit = p.settings.ConcurrencyLimit
	}
	if concurrencyLimit <= 0 {
		concurrencyLimit = 1
	}

	capabilitiesJSON, err := json.Marshal(capabilities)
	if err != nil {
		return nil, faults.Wrap(faults.ErrValidation, "workerpool", "register", "encode capabilities", err)
	}

	now := store.FormatTime(p.clock.Now())
	_, err = p.store.Exec(ctx, `
INSERT INTO workers (id, capabilities_json, task_ids_json, concurrency_limit, registered_at, last_heartbeat)
VALUES (?, ?, '[]', ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    capabilities_json = excluded.capabilities_json,
    concurrency_limit = excluded.concurrency_limit,
    last_heartbeat = excluded.last_heartbeat`,
		workerID, string(capabilitiesJSON), concurrencyLimit, now, now,
	)
	if err != nil {
		return nil, faults.Wrap(faults.ErrStorage, "workerpool", "register", "upsert worker", err)
	}

	p.logger.InfoContext(ctx, "worker registered",
		logging.String(logging.FieldWorkerID, workerID),
		logging.Any("capabilities", capabilities),
		logging.Int("concurrency_limit", concurrencyLimit))

	return p.GetWorker(ctx, workerID)
}

// Unregister removes a worker. Removing an unknown worker is a no-op.
func (p *Pool) Unregister(ctx context.Context, workerID string) error {
	if workerID == "" {
		return faults.Wrap(faults.ErrValidation, "workerpool", "unregister", "worker id required", nil)
	}

	res, err := p.store.Exec(ctx, "DELETE FROM workers WHERE id = ?", workerID)
	if err != nil {
		return faults.Wrap(faults.ErrStorage, "workerpool", "unregister", "delete worker", err)
	}
	if rows, rowsErr := res.RowsAffected(); rowsErr == nil && rows > 0 {
		p.logger.InfoContext(ctx, "worker unregistered",
			logging.String(logging.FieldWorkerID, workerID))
	}
	return nil
}

// Heartbeat refreshes a worker's liveness timestamp.
func (p *Pool) Heartbeat(ctx context.Context, workerID string) error {
	now := store.FormatTime(p.clock.Now())
	res, err := p.store.Exec(ctx,
		"UPDATE workers SET last_heartbeat = ? WHERE id = ?", now, workerID)
	if err != nil {
		return faults.Wrap(faults.ErrStorage, "workerpool", "heartbeat", "update heartbeat", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return faults.Wrap(faults.ErrStorage, "workerpool", "heartbeat", "read rows affected", err)
	}
	if rows == 0 {
		return faults.Wrap(faults.ErrNotFound, "workerpool", "heartbeat",
			fmt.Sprintf("worker %s", workerID), nil)
	}
	return nil
}

// GetWorker returns a single worker by ID.
func (p *Pool) GetWorker(ctx context.Context, workerID string) (*Worker, error) {
	row := p.store.DB().QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM workers WHERE id = ?", workerColumns), workerID)
	worker, err := scanWorker(row)
	if err != nil {
		if isNoRows(err) {
			return nil, faults.Wrap(faults.ErrNotFound, "workerpool", "get",
				fmt.Sprintf("worker %s", workerID), nil)
		}
		return nil, faults.Wrap(faults.ErrStorage, "workerpool", "get", "read worker", err)
	}
	return worker, nil
}

// ListWorkers returns every registered worker.
func (p *Pool) ListWorkers(ctx context.Context) ([]*Worker, error) {
	return p.queryWorkers(ctx,
		fmt.Sprintf("SELECT %s FROM workers ORDER BY id", workerColumns))
}

// GetAvailableWorkers returns workers that can take work right now: fresh
// heartbeat, spare capacity, and — when taskType is non-empty — a matching
// capability.
func (p *Pool) GetAvailableWorkers(ctx context.Context, taskType queue.TaskType) ([]*Worker, error) {
	if taskType != "" && !taskType.IsValid() {
		return nil, faults.Wrap(faults.ErrValidation, "workerpool", "available",
			fmt.Sprintf("unknown task type %q", taskType), nil)
	}

	workers, err := p.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := p.HeartbeatCutoff()
	available := make([]*Worker, 0, len(workers))
	for _, worker := range workers {
		if worker.LastHeartbeat.Before(cutoff) {
			continue
		}
		if taskType != "" && !worker.CanRun(taskType) {
			continue
		}
		if !worker.HasCapacity() {
			continue
		}
		available = append(available, worker)
	}
	return available, nil
}

// Healthy verifies the pool can reach its table.
func (p *Pool) Healthy(ctx context.Context) error {
	var count int
	err := p.store.DB().QueryRowContext(ctx, "SELECT COUNT(1) FROM workers").Scan(&count)
	if err != nil {
		return faults.Wrap(faults.ErrStorage, "workerpool", "health", "count workers", err)
	}
	return nil
}

// HeartbeatCutoff returns the oldest heartbeat still considered live.
// Workers whose last heartbeat is before the cutoff are excluded from claim
// eligibility.
func (p *Pool) HeartbeatCutoff() time.Time {
	return p.clock.Now().Add(-p.heartbeatTimeout())
}

func (p *Pool) heartbeatTimeout() time.Duration {
	if p.settings.HeartbeatTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.settings.HeartbeatTimeout) * time.Second
}

func (p *Pool) queryWorkers(ctx context.Context, query string, args ...any) ([]*Worker, error) {
	rows, err := p.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, faults.Wrap(faults.ErrStorage, "workerpool", "list", "query workers", err)
	}
	defer func() { _ = rows.Close() }()

	var workers []*Worker
	for rows.Next() {
		worker, scanErr := scanWorker(rows)
		if scanErr != nil {
			return nil, faults.Wrap(faults.ErrStorage, "workerpool", "list", "scan worker", scanErr)
		}
		workers = append(workers, worker)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Wrap(faults.ErrStorage, "workerpool", "list", "iterate workers", err)
	}
	return workers, nil
}
