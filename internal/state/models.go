package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"foreman/internal/store"
)

// WorkflowStatus is the lifecycle stage of a workflow.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowPaused    WorkflowStatus = "paused"
)

// validTransitions maps each status to the statuses it may move to.
// Terminal statuses have no successors.
var validTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowPending: {WorkflowRunning},
	WorkflowRunning: {WorkflowCompleted, WorkflowFailed, WorkflowPaused},
	WorkflowPaused:  {WorkflowRunning},
}

// CanTransition reports whether a status change is allowed.
func CanTransition(from, to WorkflowStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed
}

// WorkflowState is the durable record of one workflow's progress.
type WorkflowState struct {
	ID            string
	IssueRef      string
	PlatformRef   string
	RepositoryRef string
	CurrentStep   int
	Status        WorkflowStatus
	Context       map[string]any
	Metadata      map[string]string
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	FailedAt      *time.Time
}

// Archived reports whether the workflow has been archived.
func (w *WorkflowState) Archived() bool {
	return w.Metadata["archived_at"] != ""
}

// CreateRequest describes a new workflow state.
type CreateRequest struct {
	IssueRef      string
	PlatformRef   string
	RepositoryRef string
	Context       map[string]any
	Metadata      map[string]string
}

// UpdateRequest carries the fields to change. Nil pointers and nil maps mean
// "leave untouched"; Context and Metadata replace wholesale when set.
type UpdateRequest struct {
	Status       *WorkflowStatus
	CurrentStep  *int
	Context      map[string]any
	Metadata     map[string]string
	ErrorMessage *string
}

// HistoryEntry is one audited change to a workflow state. ChangedFields holds
// the new values keyed by field name; PreviousValues holds what they replaced,
// so replaying either direction reconstructs the state at any point.
type HistoryEntry struct {
	ID             int64
	WorkflowID     string
	ChangedAt      time.Time
	ChangedFields  map[string]any
	PreviousValues map[string]any
}

// ListFilter narrows List output. Zero values mean "no constraint".
type ListFilter struct {
	Status   WorkflowStatus
	Archived *bool
	Limit    int
}

const stateColumns = `id, issue_ref, platform_ref, repository_ref, current_step,
status, context_json, metadata_json, error_message, created_at, updated_at,
started_at, completed_at, failed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(scanner rowScanner) (*WorkflowState, error) {
	var (
		ws          WorkflowState
		issueRef    sql.NullString
		platform    sql.NullString
		repository  sql.NullString
		status      string
		contextJSON sql.NullString
		metadata    sql.NullString
		errMessage  sql.NullString
		createdAt   string
		updatedAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
		failedAt    sql.NullString
	)

	err := scanner.Scan(
		&ws.ID, &issueRef, &platform, &repository, &ws.CurrentStep,
		&status, &contextJSON, &metadata, &errMessage, &createdAt, &updatedAt,
		&startedAt, &completedAt, &failedAt,
	)
	if err != nil {
		return nil, err
	}

	ws.IssueRef = issueRef.String
	ws.PlatformRef = platform.String
	ws.RepositoryRef = repository.String
	ws.Status = WorkflowStatus(status)
	ws.ErrorMessage = errMessage.String

	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &ws.Context); err != nil {
			return nil, fmt.Errorf("decode context for workflow %s: %w", ws.ID, err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &ws.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for workflow %s: %w", ws.ID, err)
		}
	}

	if ws.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at for workflow %s: %w", ws.ID, err)
	}
	if ws.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at for workflow %s: %w", ws.ID, err)
	}
	if ws.StartedAt, err = parseNullableTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at for workflow %s: %w", ws.ID, err)
	}
	if ws.CompletedAt, err = parseNullableTime(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at for workflow %s: %w", ws.ID, err)
	}
	if ws.FailedAt, err = parseNullableTime(failedAt); err != nil {
		return nil, fmt.Errorf("parse failed_at for workflow %s: %w", ws.ID, err)
	}

	return &ws, nil
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
