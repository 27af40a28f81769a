package logging

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldTaskID is the standardized structured logging key for task identifiers.
	FieldTaskID = "task_id"
	// FieldWorkerID is the standardized structured logging key for worker identifiers.
	FieldWorkerID = "worker_id"
	// FieldWorkflowID is the standardized structured logging key for workflow state identifiers.
	FieldWorkflowID = "workflow_id"
	// FieldEventType categorizes log lines for downstream filtering.
	FieldEventType = "event_type"
	// FieldErrorHint carries the suggested next step when something fails.
	FieldErrorHint = "error_hint"
)
