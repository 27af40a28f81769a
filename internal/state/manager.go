// Package state persists workflow progress with a full audit trail. Every
// update writes the new row and exactly one history entry in the same
// transaction, so the history can reconstruct the state at any point.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"foreman/internal/events"
	"foreman/internal/faults"
	"foreman/internal/identity"
	"foreman/internal/logging"
	"foreman/internal/store"
)

// Manager owns the workflow_states and workflow_state_history tables.
type Manager struct {
	store  *store.Store
	logger *slog.Logger
	sink   events.Sink
	clock  identity.Clock
}

// New creates a manager over the shared store.
func New(st *store.Store, logger *slog.Logger, sink events.Sink, clock identity.Clock) *Manager {
	if sink == nil {
		sink = events.NopSink{}
	}
	if clock == nil {
		clock = identity.SystemClock{}
	}
	return &Manager{
		store:  st,
		logger: logging.NewComponentLogger(logger, "state"),
		sink:   sink,
		clock:  clock,
	}
}

// Create persists a new workflow state in status pending at step zero.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*WorkflowState, error) {
	if strings.TrimSpace(req.IssueRef) == "" {
		return nil, faults.Wrap(faults.ErrValidation, "state", "create", "issue ref required", nil)
	}

	now := m.clock.Now().UTC()
	ws := &WorkflowState{
		ID:            identity.NewID(),
		IssueRef:      req.IssueRef,
		PlatformRef:   req.PlatformRef,
		RepositoryRef: req.RepositoryRef,
		Status:        WorkflowPending,
		Context:       req.Context,
		Metadata:      req.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	contextJSON, err := encodeJSON(ws.Context)
	if err != nil {
		return nil, faults.Wrap(faults.ErrValidation, "state", "create", "encode context", err)
	}
	metadataJSON, err := encodeJSON(ws.Metadata)
	if err != nil {
		return nil, faults.Wrap(faults.ErrValidation, "state", "create", "encode metadata", err)
	}

	_, err = m.store.Exec(ctx, `
INSERT INTO workflow_states (id, issue_ref, platform_ref, repository_ref,
    current_step, status, context_json, metadata_json, created_at, updated_at)
VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		ws.ID, ws.IssueRef, store.NullableString(ws.PlatformRef),
		store.NullableString(ws.RepositoryRef), string(ws.Status),
		contextJSON, metadataJSON,
		store.FormatTime(ws.CreatedAt), store.FormatTime(ws.UpdatedAt),
	)
	if err != nil {
		return nil, faults.Wrap(faults.ErrStorage, "state", "create", "insert workflow", err)
	}

	m.logger.InfoContext(ctx, "workflow created",
		logging.String(logging.FieldWorkflowID, ws.ID),
		logging.String("issue_ref", ws.IssueRef))

	return ws, nil
}

// Update applies the requested changes under the transition rules: status
// moves only along the allowed graph and the step counter never decreases.
// The row update and its history entry commit together.
func (m *Manager) Update(ctx context.Context, workflowID string, req UpdateRequest) (*WorkflowState, error) {
	var updated *WorkflowState

	err := store.WithRetry(ctx, func() error {
		tx, err := m.store.DB().BeginTx(ctx, nil)
		if err != nil {
			return faults.Wrap(faults.ErrStorage, "state", "update", "begin tx", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, err := m.getInTx(ctx, tx, workflowID)
		if err != nil {
			return err
		}

		next, changed, previous, err := m.applyUpdate(current, req)
		if err != nil {
			return err
		}
		if len(changed) == 0 {
			updated = current
			return nil
		}

		now := m.clock.Now().UTC()
		next.UpdatedAt = now

		contextJSON, err := encodeJSON(next.Context)
		if err != nil {
			return faults.Wrap(faults.ErrValidation, "state", "update", "encode context", err)
		}
		metadataJSON, err := encodeJSON(next.Metadata)
		if err != nil {
			return faults.Wrap(faults.ErrValidation, "state", "update", "encode metadata", err)
		}

		_, err = tx.ExecContext(ctx, `
UPDATE workflow_states
SET issue_ref = ?, platform_ref = ?, repository_ref = ?, current_step = ?,
    status = ?, context_json = ?, metadata_json = ?, error_message = ?,
    updated_at = ?, started_at = ?, completed_at = ?, failed_at = ?
WHERE id = ?`,
			next.IssueRef, store.NullableString(next.PlatformRef),
			store.NullableString(next.RepositoryRef), next.CurrentStep,
			string(next.Status), contextJSON, metadataJSON,
			store.NullableString(next.ErrorMessage),
			store.FormatTime(next.UpdatedAt), store.NullableTime(next.StartedAt),
			store.NullableTime(next.CompletedAt), store.NullableTime(next.FailedAt),
			workflowID,
		)
		if err != nil {
			return faults.Wrap(faults.ErrStorage, "state", "update", "write workflow", err)
		}

		if err := m.appendHistory(ctx, tx, workflowID, now, changed, previous); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return faults.Wrap(faults.ErrStorage, "state", "update", "commit", err)
		}

		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.sink.Emit(ctx, events.WorkflowUpdated, nil, map[string]any{
		logging.FieldWorkflowID: workflowID,
		"status":                string(updated.Status),
		"current_step":          updated.CurrentStep,
	}); err != nil {
		m.logger.WarnContext(ctx, "event emission failed",
			logging.String(logging.FieldEventType, events.WorkflowUpdated),
			logging.Error(err))
	}

	return updated, nil
}

// applyUpdate validates the request against the current state and builds the
// next state plus the changed/previous field maps for the history entry.
func (m *Manager) applyUpdate(current *WorkflowState, req UpdateRequest) (*WorkflowState, map[string]any, map[string]any, error) {
	next := *current
	changed := map[string]any{}
	previous := map[string]any{}

	if req.Status != nil && *req.Status != current.Status {
		if !CanTransition(current.Status, *req.Status) {
			return nil, nil, nil, faults.Wrap(faults.ErrInvalidState, "state", "update",
				fmt.Sprintf("cannot move workflow %s from %s to %s", current.ID, current.Status, *req.Status), nil)
		}
		next.Status = *req.Status
		changed["status"] = string(next.Status)
		previous["status"] = string(current.Status)

		now := m.clock.Now().UTC()
		switch next.Status {
		case WorkflowRunning:
			if next.StartedAt == nil {
				next.StartedAt = &now
				changed["started_at"] = store.FormatTime(now)
				previous["started_at"] = nil
			}
		case WorkflowCompleted:
			next.CompletedAt = &now
			changed["completed_at"] = store.FormatTime(now)
			previous["completed_at"] = nil
		case WorkflowFailed:
			next.FailedAt = &now
			changed["failed_at"] = store.FormatTime(now)
			previous["failed_at"] = nil
		}
	}

	if req.CurrentStep != nil && *req.CurrentStep != current.CurrentStep {
		if *req.CurrentStep < current.CurrentStep {
			return nil, nil, nil, faults.Wrap(faults.ErrValidation, "state", "update",
				fmt.Sprintf("step cannot decrease from %d to %d", current.CurrentStep, *req.CurrentStep), nil)
		}
		next.CurrentStep = *req.CurrentStep
		changed["current_step"] = next.CurrentStep
		previous["current_step"] = current.CurrentStep
	}

	if req.Context != nil {
		next.Context = req.Context
		changed["context"] = next.Context
		previous["context"] = current.Context
	}

	if req.Metadata != nil {
		next.Metadata = req.Metadata
		changed["metadata"] = next.Metadata
		previous["metadata"] = current.Metadata
	}

	if req.ErrorMessage != nil && *req.ErrorMessage != current.ErrorMessage {
		next.ErrorMessage = *req.ErrorMessage
		changed["error_message"] = next.ErrorMessage
		previous["error_message"] = current.ErrorMessage
	}

	return &next, changed, previous, nil
}

func (m *Manager) appendHistory(ctx context.Context, tx *sql.Tx, workflowID string, changedAt time.Time, changed, previous map[string]any) error {
	changedJSON, err := json.Marshal(changed)
	if err != nil {
		return faults.Wrap(faults.ErrStorage, "state", "update", "encode changed fields", err)
	}
	previousJSON, err := json.Marshal(previous)
	if err != nil {
		return faults.Wrap(faults.ErrStorage, "state", "update", "encode previous values", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO workflow_state_history (workflow_id, changed_at, changed_fields_json, previous_values_json)
VALUES (?, ?, ?, ?)`,
		workflowID, store.FormatTime(changedAt), string(changedJSON), string(previousJSON),
	)
	if err != nil {
		return faults.Wrap(faults.ErrStorage, "state", "update", "append history", err)
	}
	return nil
}

// Archive stamps a terminal workflow as archived. The change goes through
// Update so it is audited like any other.
func (m *Manager) Archive(ctx context.Context, workflowID string) (*WorkflowState, error) {
	current, err := m.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !current.Status.IsTerminal() {
		return nil, faults.Wrap(faults.ErrInvalidState, "state", "archive",
			fmt.Sprintf("workflow %s is %s, not terminal", workflowID, current.Status), nil)
	}
	if current.Archived() {
		return current, nil
	}

	metadata := make(map[string]string, len(current.Metadata)+1)
	for key, value := range current.Metadata {
		metadata[key] = value
	}
	metadata["archived_at"] = store.FormatTime(m.clock.Now())

	return m.Update(ctx, workflowID, UpdateRequest{Metadata: metadata})
}

// Delete removes the workflow state row. History entries are kept: the audit
// trail outlives the record it describes.
func (m *Manager) Delete(ctx context.Context, workflowID string) error {
	res, err := m.store.Exec(ctx, "DELETE FROM workflow_states WHERE id = ?", workflowID)
	if err != nil {
		return faults.Wrap(faults.ErrStorage, "state", "delete", "delete workflow", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return faults.Wrap(faults.ErrStorage, "state", "delete", "read rows affected", err)
	}
	if rows == 0 {
		return faults.Wrap(faults.ErrNotFound, "state", "delete",
			fmt.Sprintf("workflow %s", workflowID), nil)
	}

	m.logger.InfoContext(ctx, "workflow deleted",
		logging.String(logging.FieldWorkflowID, workflowID))
	return nil
}

// Healthy verifies the manager can reach its tables.
func (m *Manager) Healthy(ctx context.Context) error {
	var count int
	err := m.store.DB().QueryRowContext(ctx, "SELECT COUNT(1) FROM workflow_states").Scan(&count)
	if err != nil {
		return faults.Wrap(faults.ErrStorage, "state", "health", "count workflows", err)
	}
	return nil
}

func (m *Manager) getInTx(ctx context.Context, tx *sql.Tx, workflowID string) (*WorkflowState, error) {
	row := tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM workflow_states WHERE id = ?", stateColumns), workflowID)
	ws, err := scanState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, faults.Wrap(faults.ErrNotFound, "state", "update",
				fmt.Sprintf("workflow %s", workflowID), nil)
		}
		return nil, faults.Wrap(faults.ErrStorage, "state", "update", "read workflow", err)
	}
	return ws, nil
}
