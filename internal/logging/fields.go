package logging

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldEventType classifies a record for log filtering (worker_exit, command_failed, ...).
	FieldEventType = "event_type"
	// FieldErrorHint carries the next step an operator should take.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldClientID identifies a connected control client or notification subscriber.
	FieldClientID = "client_id"
	// FieldTransport names the control surface a client used (ipc, ws, http).
	FieldTransport = "transport"
	// FieldCommand carries the node CLI command being executed.
	FieldCommand = "command"
	// FieldState carries the supervisor lifecycle state.
	FieldState = "state"
)
