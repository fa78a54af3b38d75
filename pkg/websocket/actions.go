package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Run actions (client -> server)
	ActionRunStart    = "run.start"
	ActionRunDecision = "run.decision"
	ActionRunStop     = "run.stop"
	ActionRunList     = "run.list"
	ActionRunGet      = "run.get"

	// Subscription actions
	ActionRunSubscribe   = "run.subscribe"
	ActionRunUnsubscribe = "run.unsubscribe"

	// Notification actions (server -> client)
	ActionRunStatus   = "run.status"
	ActionRunEvent    = "run.event"
	ActionRunApproval = "run.approval"
	ActionRunError    = "run.error"
	ActionRunPing     = "run.ping"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
