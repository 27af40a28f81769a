package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"foreman/internal/store"
)

// TaskType categorizes what kind of work a task carries. The set is closed:
// workers advertise capabilities drawn from it and enqueue rejects anything
// else.
type TaskType string

const (
	TaskWorkflowStep TaskType = "workflow-step"
	TaskQualityGate  TaskType = "quality-gate"
	TaskGitOperation TaskType = "git-operation"
)

var knownTaskTypes = map[TaskType]bool{
	TaskWorkflowStep: true,
	TaskQualityGate:  true,
	TaskGitOperation: true,
}

// IsValid reports whether the type belongs to the closed set.
func (t TaskType) IsValid() bool {
	return knownTaskTypes[t]
}

// Status represents the lifecycle stage of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// FailOutcome tells the caller of Fail what the queue decided to do with
// the task.
type FailOutcome string

const (
	// RetryScheduled means the task went back to pending with a backoff delay.
	RetryScheduled FailOutcome = "retry_scheduled"
	// FailedPermanently means the retry budget is exhausted and the task is
	// terminally failed.
	FailedPermanently FailOutcome = "failed_permanently"
)

// Task is a unit of durable work.
type Task struct {
	ID               string
	Type             TaskType
	Priority         int
	Status           Status
	Payload          map[string]any
	Result           map[string]any
	Metadata         map[string]string
	ErrorMessage     string
	RetryCount       int
	MaxRetries       int
	ScheduledAt      *time.Time
	AssignedWorkerID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	FailedAt         *time.Time
}

// EnqueueRequest describes a task to add to the queue. MaxRetries must not
// be negative; zero means the task gets a single attempt.
type EnqueueRequest struct {
	Type       TaskType
	Priority   int
	Payload    map[string]any
	Metadata   map[string]string
	MaxRetries int
}

// ListFilter narrows ListTasks output. Zero values mean "no constraint".
type ListFilter struct {
	Status   Status
	Type     TaskType
	WorkerID string
	Limit    int
}

// Stats is a point-in-time queue snapshot.
type Stats struct {
	Pending   int
	Running   int
	Completed int
	Failed    int
	Cancelled int
	// AvgDuration is the rolling mean runtime of the most recent completed
	// tasks, zero when none have completed yet.
	AvgDuration time.Duration
	// Paused mirrors the intake gate: true means Claim returns nothing.
	Paused bool
}

// Total returns the number of tasks across every status.
func (s Stats) Total() int {
	return s.Pending + s.Running + s.Completed + s.Failed + s.Cancelled
}

const taskColumns = `id, type, priority, status, payload_json, result_json,
metadata_json, error_message, retry_count, max_retries, scheduled_at,
assigned_worker_id, created_at, updated_at, started_at, completed_at, failed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(scanner rowScanner) (*Task, error) {
	var (
		task        Task
		taskType    string
		status      string
		payload     sql.NullString
		result      sql.NullString
		metadata    sql.NullString
		errMessage  sql.NullString
		scheduledAt sql.NullString
		workerID    sql.NullString
		createdAt   string
		updatedAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
		failedAt    sql.NullString
	)

	err := scanner.Scan(
		&task.ID, &taskType, &task.Priority, &status, &payload, &result,
		&metadata, &errMessage, &task.RetryCount, &task.MaxRetries, &scheduledAt,
		&workerID, &createdAt, &updatedAt, &startedAt, &completedAt, &failedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Type = TaskType(taskType)
	task.Status = Status(status)
	task.ErrorMessage = errMessage.String
	task.AssignedWorkerID = workerID.String

	if err := decodeJSON(payload, &task.Payload); err != nil {
		return nil, fmt.Errorf("decode payload for task %s: %w", task.ID, err)
	}
	if err := decodeJSON(result, &task.Result); err != nil {
		return nil, fmt.Errorf("decode result for task %s: %w", task.ID, err)
	}
	if err := decodeJSON(metadata, &task.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata for task %s: %w", task.ID, err)
	}

	if task.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at for task %s: %w", task.ID, err)
	}
	if task.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at for task %s: %w", task.ID, err)
	}
	if task.ScheduledAt, err = parseNullableTime(scheduledAt); err != nil {
		return nil, fmt.Errorf("parse scheduled_at for task %s: %w", task.ID, err)
	}
	if task.StartedAt, err = parseNullableTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at for task %s: %w", task.ID, err)
	}
	if task.CompletedAt, err = parseNullableTime(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at for task %s: %w", task.ID, err)
	}
	if task.FailedAt, err = parseNullableTime(failedAt); err != nil {
		return nil, fmt.Errorf("parse failed_at for task %s: %w", task.ID, err)
	}

	return &task, nil
}

func decodeJSON[T any](column sql.NullString, dest *T) error {
	if !column.Valid || column.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(column.String), dest)
}

func encodeJSON(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

func parseNullableTime(column sql.NullString) (*time.Time, error) {
	if !column.Valid || column.String == "" {
		return nil, nil
	}
	parsed, err := store.ParseTime(column.String)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}
