package v1

import "time"

// RunState represents the lifecycle state of a run
type RunState string

const (
	RunStateCreated RunState = "created"
	RunStateRunning RunState = "running"
	RunStateEnded   RunState = "ended"
)

// Run status values carried in status notifications
const (
	RunStatusStarted = "started"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusStopped = "stopped"
	RunStatusError   = "error"
)

// Notification kinds
const (
	KindStatus   = "status"
	KindEvent    = "event"
	KindApproval = "approval"
	KindError    = "error"
	KindPing     = "ping"
)

// Approval modes accepted in start requests
const (
	ModeAuto   = "auto"
	ModeManual = "manual"
)

// Decision values
const (
	DecisionApprove = "approve"
	DecisionDeny    = "deny"
)

// StartRunRequest asks the orchestrator to spawn a new agent run
type StartRunRequest struct {
	CallerID   string   `json:"caller_id"`
	Task       string   `json:"task"`
	Mode       string   `json:"mode,omitempty"`        // auto or manual, defaults to manual
	Model      string   `json:"model,omitempty"`       // optional model override
	MaxTurns   int      `json:"max_turns,omitempty"`   // optional step budget
	GatedTools []string `json:"gated_tools,omitempty"` // overrides the default gated set
	WorkDir    string   `json:"work_dir,omitempty"`
}

// DecisionRequest resolves a pending approval
type DecisionRequest struct {
	RunID    string `json:"run_id"`
	CallID   string `json:"call_id"`
	Decision string `json:"decision"` // approve, anything else treated as deny
}

// StopRequest asks a run to terminate
type StopRequest struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

// RunInfo is a snapshot of one run
type RunInfo struct {
	ID        string    `json:"id"`
	CallerID  string    `json:"caller_id"`
	State     RunState  `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is one tagged payload in a run's outbound event sequence.
// Kind selects which optional fields are populated.
type Notification struct {
	Kind      string    `json:"kind"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`

	// status
	Status   string `json:"status,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Signal   string `json:"signal,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// event
	Payload any `json:"payload,omitempty"`

	// approval
	CallID string `json:"call_id,omitempty"`
	Tool   string `json:"tool,omitempty"`
	Args   any    `json:"args,omitempty"`
	Prompt string `json:"prompt,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}
