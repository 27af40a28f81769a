package faults_test

import (
	"errors"
	"strings"
	"testing"

	"foreman/internal/faults"
)

func TestWrapTagsAndChains(t *testing.T) {
	cause := errors.New("disk full")
	err := faults.Wrap(faults.ErrStorage, "queue", "enqueue", "insert task", cause)

	if !errors.Is(err, faults.ErrStorage) {
		t.Fatalf("expected storage marker, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to remain in the chain, got %v", err)
	}
	for _, fragment := range []string{"queue", "enqueue", "insert task", "disk full"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("expected %q in message, got %q", fragment, err.Error())
		}
	}
}

func TestWrapDefaultsToStorage(t *testing.T) {
	err := faults.Wrap(nil, "state", "update", "", nil)
	if !errors.Is(err, faults.ErrStorage) {
		t.Fatalf("expected storage marker by default, got %v", err)
	}
}

func TestIsRecoverable(t *testing.T) {
	recoverable := []error{
		faults.Wrap(faults.ErrNotFound, "queue", "get", "task x", nil),
		faults.Wrap(faults.ErrInvalidState, "queue", "complete", "not running", nil),
		faults.Wrap(faults.ErrValidation, "queue", "enqueue", "bad type", nil),
	}
	for _, err := range recoverable {
		if !faults.IsRecoverable(err) {
			t.Fatalf("expected %v to be recoverable", err)
		}
	}

	if faults.IsRecoverable(faults.Wrap(faults.ErrStorage, "queue", "enqueue", "", nil)) {
		t.Fatal("storage errors are not recoverable")
	}
	if faults.IsRecoverable(nil) {
		t.Fatal("nil is not recoverable")
	}
}
