package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"foreman/internal/faults"
	"foreman/internal/store"
)

// Get returns a single workflow state by ID.
func (m *Manager) Get(ctx context.Context, workflowID string) (*WorkflowState, error) {
	if workflowID == "" {
		return nil, faults.Wrap(faults.ErrValidation, "state", "get", "workflow id required", nil)
	}

	row := m.store.DB().QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM workflow_states WHERE id = ?", stateColumns), workflowID)
	ws, err := scanState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, faults.Wrap(faults.ErrNotFound, "state", "get",
				fmt.Sprintf("workflow %s", workflowID), nil)
		}
		return nil, faults.Wrap(faults.ErrStorage, "state", "get", "read workflow", err)
	}
	return ws, nil
}

// List returns workflow states matching the filter, newest first. The
// archived filter is applied after the query since the flag lives in
// metadata.
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]*WorkflowState, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := fmt.Sprintf("SELECT %s FROM workflow_states", stateColumns)
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := m.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, faults.Wrap(faults.ErrStorage, "state", "list", "query workflows", err)
	}
	defer func() { _ = rows.Close() }()

	var states []*WorkflowState
	for rows.Next() {
		ws, scanErr := scanState(rows)
		if scanErr != nil {
			return nil, faults.Wrap(faults.ErrStorage, "state", "list", "scan workflow", scanErr)
		}
		if filter.Archived != nil && ws.Archived() != *filter.Archived {
			continue
		}
		states = append(states, ws)
		if filter.Limit > 0 && len(states) >= filter.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Wrap(faults.ErrStorage, "state", "list", "iterate workflows", err)
	}
	return states, nil
}

// History returns every audited change for a workflow in the order the
// changes were made. History survives deletion of the workflow itself.
func (m *Manager) History(ctx context.Context, workflowID string) ([]HistoryEntry, error) {
	if workflowID == "" {
		return nil, faults.Wrap(faults.ErrValidation, "state", "history", "workflow id required", nil)
	}

	rows, err := m.store.DB().QueryContext(ctx, `
SELECT id, workflow_id, changed_at, changed_fields_json, previous_values_json
FROM workflow_state_history
WHERE workflow_id = ?
ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, faults.Wrap(faults.ErrStorage, "state", "history", "query history", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			entry        HistoryEntry
			changedAt    string
			changedJSON  string
			previousJSON string
		)
		if err := rows.Scan(&entry.ID, &entry.WorkflowID, &changedAt, &changedJSON, &previousJSON); err != nil {
			return nil, faults.Wrap(faults.ErrStorage, "state", "history", "scan entry", err)
		}
		if entry.ChangedAt, err = store.ParseTime(changedAt); err != nil {
			return nil, faults.Wrap(faults.ErrStorage, "state", "history", "parse changed_at", err)
		}
		if err := json.Unmarshal([]byte(changedJSON), &entry.ChangedFields); err != nil {
			return nil, faults.Wrap(faults.ErrStorage, "state", "history", "decode changed fields", err)
		}
		if err := json.Unmarshal([]byte(previousJSON), &entry.PreviousValues); err != nil {
			return nil, faults.Wrap(faults.ErrStorage, "state", "history", "decode previous values", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Wrap(faults.ErrStorage, "state", "history", "iterate history", err)
	}
	return entries, nil
}
