package orchestrator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"foreman/internal/config"
	"foreman/internal/identity"
	"foreman/internal/logging"
	"foreman/internal/orchestrator"
	"foreman/internal/queue"
	"foreman/internal/state"
	"foreman/internal/testsupport"
)

func fastConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Orchestrator.DrainTimeout = 1
	cfg.Orchestrator.PollInterval = 1
	cfg.Orchestrator.ErrorRetryInterval = 1
	return cfg
}

func TestStartAndShutdown(t *testing.T) {
	cfg := fastConfig(t)
	orch := orchestrator.New(cfg, logging.NewNop(), nil, identity.SystemClock{})
	ctx := context.Background()

	if orch.Phase() != orchestrator.PhaseInitializing {
		t.Fatalf("expected initializing phase, got %s", orch.Phase())
	}

	if err := orch.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if orch.Phase() != orchestrator.PhaseRunning {
		t.Fatalf("expected running phase, got %s", orch.Phase())
	}
	if orch.Queue() == nil || orch.Workers() == nil || orch.States() == nil {
		t.Fatal("expected components to be wired after start")
	}

	if err := orch.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if orch.Phase() != orchestrator.PhaseStopped {
		t.Fatalf("expected stopped phase, got %s", orch.Phase())
	}

	// Shutdown is idempotent.
	if err := orch.Shutdown(ctx); err != nil {
		t.Fatalf("repeated Shutdown failed: %v", err)
	}
}

func TestSecondInstanceRejected(t *testing.T) {
	cfg := fastConfig(t)
	ctx := context.Background()

	first := orchestrator.New(cfg, logging.NewNop(), nil, identity.SystemClock{})
	if err := first.Start(ctx); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	defer func() { _ = first.Shutdown(ctx) }()

	second := orchestrator.New(cfg, logging.NewNop(), nil, identity.SystemClock{})
	err := second.Start(ctx)
	if !errors.Is(err, orchestrator.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if second.Phase() != orchestrator.PhaseStopped {
		t.Fatalf("expected failed start to end stopped, got %s", second.Phase())
	}
}

func TestStartCannotBeRepeated(t *testing.T) {
	cfg := fastConfig(t)
	orch := orchestrator.New(cfg, logging.NewNop(), nil, identity.SystemClock{})
	ctx := context.Background()

	if err := orch.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = orch.Shutdown(ctx) }()

	if err := orch.Start(ctx); err == nil {
		t.Fatal("expected second Start to fail")
	}
}

func TestRecoveryRequeuesInterruptedWork(t *testing.T) {
	cfg := fastConfig(t)
	ctx := context.Background()

	// First run: leave a claimed task and a running workflow behind, then
	// tear down without draining, as a crash would.
	seedStore := testsupport.MustOpenStore(t, cfg)
	clock := identity.SystemClock{}
	seedQueue := queue.New(seedStore, cfg.Queue, logging.NewNop(), nil, clock)
	seedStates := state.New(seedStore, logging.NewNop(), nil, clock)

	task, err := seedQueue.Enqueue(ctx, queue.EnqueueRequest{Type: queue.TaskGitOperation})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	claimed, err := seedQueue.Claim(ctx, "worker-1", []queue.TaskType{queue.TaskGitOperation})
	if err != nil || claimed == nil {
		t.Fatalf("Claim failed: %v (%#v)", err, claimed)
	}

	ws, err := seedStates.Create(ctx, state.CreateRequest{IssueRef: "issues/9"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	running := state.WorkflowRunning
	if _, err := seedStates.Update(ctx, ws.ID, state.UpdateRequest{Status: &running}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	orch := orchestrator.New(cfg, logging.NewNop(), nil, clock)
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		// Finish the recovered workflow so drain has nothing to wait for.
		completed := state.WorkflowCompleted
		if _, err := orch.States().Update(ctx, ws.ID, state.UpdateRequest{Status: &completed}); err != nil {
			t.Errorf("complete workflow: %v", err)
		}
		if err := orch.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	}()

	// The orphaned task is pending again with its claim cleared and no
	// retry spent.
	recovered, err := orch.Queue().GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if recovered.Status != queue.StatusPending {
		t.Fatalf("expected orphaned task to be pending, got %s", recovered.Status)
	}
	if recovered.AssignedWorkerID != "" {
		t.Fatalf("expected claim to be cleared, got %q", recovered.AssignedWorkerID)
	}
	if recovered.RetryCount != 0 {
		t.Fatalf("expected recovery not to spend a retry, got count %d", recovered.RetryCount)
	}

	// The running workflow got a fresh workflow-step task.
	stepTasks, err := orch.Queue().ListTasks(ctx, queue.ListFilter{
		Status: queue.StatusPending,
		Type:   queue.TaskWorkflowStep,
	})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	found := false
	for _, stepTask := range stepTasks {
		if stepTask.Payload["workflow_id"] == ws.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a recovery task for workflow %s, got %#v", ws.ID, stepTasks)
	}
}

func TestShutdownDrainsBeforeStopping(t *testing.T) {
	cfg := fastConfig(t)
	ctx := context.Background()

	orch := orchestrator.New(cfg, logging.NewNop(), nil, identity.SystemClock{})
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := orch.Queue().Enqueue(ctx, queue.EnqueueRequest{Type: queue.TaskWorkflowStep}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	claimed, err := orch.Queue().Claim(ctx, "worker-1", []queue.TaskType{queue.TaskWorkflowStep})
	if err != nil || claimed == nil {
		t.Fatalf("Claim failed: %v (%#v)", err, claimed)
	}

	// Complete the in-flight task while shutdown is draining.
	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = orch.Queue().Complete(context.Background(), claimed.ID, nil)
	}()

	start := time.Now()
	if err := orch.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if orch.Phase() != orchestrator.PhaseStopped {
		t.Fatalf("expected stopped phase, got %s", orch.Phase())
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("shutdown returned before the in-flight task finished (%s)", elapsed)
	}
}

func TestShutdownProceedsPastDrainDeadline(t *testing.T) {
	cfg := fastConfig(t)
	ctx := context.Background()

	orch := orchestrator.New(cfg, logging.NewNop(), nil, identity.SystemClock{})
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := orch.Queue().Enqueue(ctx, queue.EnqueueRequest{Type: queue.TaskWorkflowStep}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	claimed, err := orch.Queue().Claim(ctx, "worker-1", []queue.TaskType{queue.TaskWorkflowStep})
	if err != nil || claimed == nil {
		t.Fatalf("Claim failed: %v (%#v)", err, claimed)
	}

	// Nothing ever completes the task; the soft deadline must let shutdown
	// finish anyway.
	if err := orch.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if orch.Phase() != orchestrator.PhaseStopped {
		t.Fatalf("expected stopped phase, got %s", orch.Phase())
	}
}

func TestPassthroughsRequireRunningPhase(t *testing.T) {
	cfg := fastConfig(t)
	ctx := context.Background()

	orch := orchestrator.New(cfg, logging.NewNop(), nil, identity.SystemClock{})

	if _, err := orch.Enqueue(ctx, queue.EnqueueRequest{Type: queue.TaskWorkflowStep}); err == nil {
		t.Fatal("expected enqueue to fail before start")
	}
	if _, err := orch.RegisterWorker(ctx, "worker-1", []queue.TaskType{queue.TaskWorkflowStep}, 1); err == nil {
		t.Fatal("expected register to fail before start")
	}

	if err := orch.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = orch.Shutdown(ctx) }()

	if _, err := orch.RegisterWorker(ctx, "worker-1", []queue.TaskType{queue.TaskWorkflowStep}, 1); err != nil {
		t.Fatalf("RegisterWorker failed: %v", err)
	}
	task, err := orch.Enqueue(ctx, queue.EnqueueRequest{Type: queue.TaskWorkflowStep})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Claim resolves the worker's capabilities from the pool.
	claimed, err := orch.Claim(ctx, "worker-1")
	if err != nil || claimed == nil || claimed.ID != task.ID {
		t.Fatalf("Claim failed: %v (%#v)", err, claimed)
	}

	// The worker is now at its concurrency limit; further claims return
	// nothing even though the queue could have work.
	if _, err := orch.Enqueue(ctx, queue.EnqueueRequest{Type: queue.TaskWorkflowStep}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	extra, err := orch.Claim(ctx, "worker-1")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if extra != nil {
		t.Fatalf("expected no claim at capacity, got %#v", extra)
	}

	if err := orch.Complete(ctx, task.ID, nil); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	stats, err := orch.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Completed != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestClaimSkipsStaleWorkers(t *testing.T) {
	cfg := fastConfig(t)
	ctx := context.Background()

	clock := &identity.FakeClock{Current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	orch := orchestrator.New(cfg, logging.NewNop(), nil, clock)
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := orch.RegisterWorker(ctx, "worker-1", []queue.TaskType{queue.TaskWorkflowStep}, 1); err != nil {
		t.Fatalf("RegisterWorker failed: %v", err)
	}
	task, err := orch.Enqueue(ctx, queue.EnqueueRequest{Type: queue.TaskWorkflowStep})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	defer func() {
		if err := orch.Cancel(ctx, task.ID); err != nil {
			t.Errorf("Cancel failed: %v", err)
		}
		if err := orch.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	}()

	// The worker goes quiet well past the heartbeat timeout; it keeps its
	// registration but must not pick up new work.
	clock.Advance(10 * time.Minute)
	claimed, err := orch.Claim(ctx, "worker-1")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed != nil {
		t.Fatalf("expected no claim for a stale worker, got %#v", claimed)
	}

	// A heartbeat restores eligibility.
	if err := orch.Heartbeat(ctx, "worker-1"); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	claimed, err = orch.Claim(ctx, "worker-1")
	if err != nil || claimed == nil || claimed.ID != task.ID {
		t.Fatalf("expected claim after heartbeat, got %v (%#v)", err, claimed)
	}
}

func TestHealthCheck(t *testing.T) {
	cfg := fastConfig(t)
	ctx := context.Background()

	orch := orchestrator.New(cfg, logging.NewNop(), nil, identity.SystemClock{})

	health := orch.HealthCheck(ctx)
	if health.Healthy {
		t.Fatal("expected unhealthy before start")
	}

	if err := orch.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = orch.Shutdown(ctx) }()

	health = orch.HealthCheck(ctx)
	if !health.Healthy {
		t.Fatalf("expected healthy after start: %#v", health)
	}
	if len(health.Components) != 4 {
		t.Fatalf("expected four component checks, got %d", len(health.Components))
	}
}
