package events_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"foreman/internal/events"
)

func TestLogSinkEmitsEventFields(t *testing.T) {
	var buf bytes.Buffer
	sink := events.NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))

	err := sink.Emit(context.Background(), events.TaskEnqueued,
		[]string{"priority-high"}, map[string]any{"task_id": "abc"})
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	line := buf.String()
	if !strings.Contains(line, events.TaskEnqueued) {
		t.Fatalf("expected event type in output, got %q", line)
	}
	if !strings.Contains(line, "task_id=abc") {
		t.Fatalf("expected payload field in output, got %q", line)
	}
}

func TestNopSinkDiscards(t *testing.T) {
	if err := (events.NopSink{}).Emit(context.Background(), events.TaskFailed, nil, nil); err != nil {
		t.Fatalf("NopSink returned error: %v", err)
	}
}
