package workerpool

import (
	"encoding/json"
	"fmt"
	"time"

	"foreman/internal/queue"
	"foreman/internal/store"
)

// Worker is a registered task executor. Capabilities name the task types it
// can run; TaskIDs are its current assignments.
type Worker struct {
	ID               string
	Capabilities     []queue.TaskType
	TaskIDs          []string
	ConcurrencyLimit int
	RegisteredAt     time.Time
	LastHeartbeat    time.Time
}

// CanRun reports whether the worker advertises the given task type.
func (w *Worker) CanRun(taskType queue.TaskType) bool {
	for _, capability := range w.Capabilities {
		if capability == taskType {
			return true
		}
	}
	return false
}

// HasCapacity reports whether the worker can take another assignment.
func (w *Worker) HasCapacity() bool {
	return len(w.TaskIDs) < w.ConcurrencyLimit
}

const workerColumns = `id, capabilities_json, task_ids_json, concurrency_limit,
registered_at, last_heartbeat`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorker(scanner rowScanner) (*Worker, error) {
	var (
		worker           Worker
		capabilitiesJSON string
		taskIDsJSON      string
		registeredAt     string
		lastHeartbeat    string
	)

	err := scanner.Scan(&worker.ID, &capabilitiesJSON, &taskIDsJSON,
		&worker.ConcurrencyLimit, &registeredAt, &lastHeartbeat)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(capabilitiesJSON), &worker.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities for worker %s: %w", worker.ID, err)
	}
	if err := json.Unmarshal([]byte(taskIDsJSON), &worker.TaskIDs); err != nil {
		return nil, fmt.Errorf("decode task ids for worker %s: %w", worker.ID, err)
	}

	if worker.RegisteredAt, err = store.ParseTime(registeredAt); err != nil {
		return nil, fmt.Errorf("parse registered_at for worker %s: %w", worker.ID, err)
	}
	if worker.LastHeartbeat, err = store.ParseTime(lastHeartbeat); err != nil {
		return nil, fmt.Errorf("parse last_heartbeat for worker %s: %w", worker.ID, err)
	}

	return &worker, nil
}
