package orchestrator

import (
	"context"
	"fmt"

	"foreman/internal/faults"
	"foreman/internal/queue"
	"foreman/internal/workerpool"
)

// The orchestrator fronts the components for callers that hold only it.
// Every operation is rejected outside the running phase, which is also what
// stops new registrations and heartbeats once draining begins.

func (o *Orchestrator) requireRunning(operation string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase != PhaseRunning {
		return faults.Wrap(faults.ErrInvalidState, "orchestrator", operation,
			fmt.Sprintf("orchestrator is %s", o.phase), nil)
	}
	return nil
}

// Enqueue submits a task to the queue.
func (o *Orchestrator) Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Task, error) {
	if err := o.requireRunning("enqueue"); err != nil {
		return nil, err
	}
	return o.queue.Enqueue(ctx, req)
}

// RegisterWorker adds a worker to the pool.
func (o *Orchestrator) RegisterWorker(ctx context.Context, workerID string, capabilities []queue.TaskType, concurrencyLimit int) (*workerpool.Worker, error) {
	if err := o.requireRunning("register"); err != nil {
		return nil, err
	}
	return o.pool.Register(ctx, workerID, capabilities, concurrencyLimit)
}

// UnregisterWorker removes a worker from the pool.
func (o *Orchestrator) UnregisterWorker(ctx context.Context, workerID string) error {
	if err := o.requireRunning("unregister"); err != nil {
		return err
	}
	return o.pool.Unregister(ctx, workerID)
}

// Heartbeat refreshes a worker's liveness.
func (o *Orchestrator) Heartbeat(ctx context.Context, workerID string) error {
	if err := o.requireRunning("heartbeat"); err != nil {
		return err
	}
	return o.pool.Heartbeat(ctx, workerID)
}

// Claim hands the worker its next task, resolving capabilities and
// availability from the pool first. A registered worker with no spare
// capacity or a heartbeat older than the staleness cutoff gets (nil, nil),
// same as an empty queue.
func (o *Orchestrator) Claim(ctx context.Context, workerID string) (*queue.Task, error) {
	if err := o.requireRunning("claim"); err != nil {
		return nil, err
	}
	worker, err := o.pool.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if worker.LastHeartbeat.Before(o.pool.HeartbeatCutoff()) {
		return nil, nil
	}
	if !worker.HasCapacity() {
		return nil, nil
	}
	return o.queue.Claim(ctx, workerID, worker.Capabilities)
}

// Complete marks a running task completed.
func (o *Orchestrator) Complete(ctx context.Context, taskID string, result map[string]any) error {
	if err := o.requireRunning("complete"); err != nil {
		return err
	}
	return o.queue.Complete(ctx, taskID, result)
}

// Fail records a task failure and reports whether it will retry.
func (o *Orchestrator) Fail(ctx context.Context, taskID, message string) (queue.FailOutcome, error) {
	if err := o.requireRunning("fail"); err != nil {
		return "", err
	}
	return o.queue.Fail(ctx, taskID, message)
}

// Cancel terminally cancels a pending or running task.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	if err := o.requireRunning("cancel"); err != nil {
		return err
	}
	return o.queue.Cancel(ctx, taskID)
}

// Stats returns the queue snapshot.
func (o *Orchestrator) Stats(ctx context.Context) (*queue.Stats, error) {
	if err := o.requireRunning("stats"); err != nil {
		return nil, err
	}
	return o.queue.Stats(ctx)
}
