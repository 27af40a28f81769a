// Package events defines the sink through which lifecycle events leave the
// core. State-mutating operations emit synchronously so a committed change
// and its event stay paired; advisory emissions are fire-and-forget at the
// call site.
package events

import (
	"context"
	"log/slog"

	"foreman/internal/logging"
)

// Event type constants emitted by the core components.
const (
	TaskEnqueued              = "task.enqueued"
	TaskCompleted             = "task.completed"
	TaskRetryScheduled        = "task.retry_scheduled"
	TaskFailed                = "task.failed"
	WorkflowUpdated           = "workflow.updated"
	WorkflowRecovered         = "workflow.recovered"
	OrchestratorStarted       = "orchestrator.started"
	OrchestratorStopped       = "orchestrator.stopped"
	OrchestratorStartupFailed = "orchestrator.startup_failed"
)

// Sink receives lifecycle events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Emit(ctx context.Context, eventType string, tags []string, payload map[string]any) error
}

// LogSink writes every event to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink wires a sink onto the given logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LogSink{logger: logging.NewComponentLogger(logger, "events")}
}

// Emit records the event at info level.
func (s *LogSink) Emit(ctx context.Context, eventType string, tags []string, payload map[string]any) error {
	attrs := make([]any, 0, 2+len(payload)*2)
	attrs = append(attrs, logging.String(logging.FieldEventType, eventType))
	if len(tags) > 0 {
		attrs = append(attrs, logging.Any("tags", tags))
	}
	for key, value := range payload {
		attrs = append(attrs, logging.Any(key, value))
	}
	s.logger.InfoContext(ctx, "event", attrs...)
	return nil
}

// NopSink discards every event.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(context.Context, string, []string, map[string]any) error {
	return nil
}
