package store

import (
	"context"
	"fmt"
	"strings"
)

var requiredTables = []string{"tasks", "workers", "workflow_states", "workflow_state_history"}

// CheckHealth verifies the database is reachable, carries the expected
// tables, and passes SQLite's integrity check.
func (s *Store) CheckHealth(ctx context.Context) error {
	ctx = ensureContext(ctx)

	if err := s.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	query := fmt.Sprintf(
		"SELECT name FROM sqlite_master WHERE type='table' AND name IN (%s)",
		Placeholders(len(requiredTables)),
	)
	args := make([]any, len(requiredTables))
	for i, name := range requiredTables {
		args[i] = name
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("inspect tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]bool, len(requiredTables))
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scan table name: %w", err)
		}
		found[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect tables: %w", err)
	}

	var missing []string
	for _, name := range requiredTables {
		if !found[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing tables: %s", strings.Join(missing, ", "))
	}

	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}

	return nil
}
