package faults

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound marks operations that referenced an unknown identifier.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState marks operations that are not valid for the record's
	// current status (for example completing a task that is not running).
	ErrInvalidState = errors.New("invalid state")
	// ErrValidation marks malformed input rejected before any write.
	ErrValidation = errors.New("validation error")
	// ErrStorage marks durable-store failures that survived the bounded
	// internal retry budget. The operation's effect is unknown; callers must
	// escalate rather than assume success or failure.
	ErrStorage = errors.New("storage error")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrStorage
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsRecoverable reports whether the caller can handle the error without
// escalating: not-found, invalid-state, and validation errors are returned
// to the caller and never retried internally.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidState) || errors.Is(err, ErrValidation)
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "operation failed"
	}
	return strings.Join(parts, ": ")
}
