package contracts

import "time"

// Mode selects how far the planner drives a plan.
type Mode string

const (
	ModeAnswer         Mode = "answer"
	ModePlan           Mode = "plan"
	ModeEnqueue        Mode = "enqueue"
	ModeEnqueueAndWait Mode = "enqueue_and_wait"
)

// Valid reports whether m is a known planner mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeAnswer, ModePlan, ModeEnqueue, ModeEnqueueAndWait:
		return true
	}
	return false
}

// Enqueues reports whether the mode persists planned calls.
func (m Mode) Enqueues() bool {
	return m == ModeEnqueue || m == ModeEnqueueAndWait
}

// RunStatus is the brain run state machine:
// created -> planning -> (enqueued | failed);
// enqueued -> (waiting -> (completed | failed)) or directly completed.
type RunStatus string

const (
	RunCreated   RunStatus = "created"
	RunPlanning  RunStatus = "planning"
	RunEnqueued  RunStatus = "enqueued"
	RunWaiting   RunStatus = "waiting"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Limits bounds a single planner invocation.
type Limits struct {
	MaxToolCalls  int `json:"max_tool_calls,omitempty"`
	WaitTimeoutMs int `json:"wait_timeout_ms,omitempty"`
}

const (
	DefaultMaxToolCalls  = 10
	DefaultWaitTimeoutMs = 30000
)

// Normalized returns limits with defaults applied.
func (l Limits) Normalized() Limits {
	if l.MaxToolCalls <= 0 {
		l.MaxToolCalls = DefaultMaxToolCalls
	}
	if l.WaitTimeoutMs <= 0 {
		l.WaitTimeoutMs = DefaultWaitTimeoutMs
	}
	return l
}

// Decision records which mode was used and why.
type Decision struct {
	ModeUsed Mode   `json:"mode_used"`
	Reason   string `json:"reason"`
}

// PlannedCall is a registry-valid tool call draft produced by the planner.
type PlannedCall struct {
	ToolName       string         `json:"tool_name"`
	Input          map[string]any `json:"input"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// BrainRun is the audit record of one planner invocation.
type BrainRun struct {
	ID               string         `json:"id"`
	Message          string         `json:"message"`
	Mode             Mode           `json:"mode"`
	ConversationID   string         `json:"conversation_id,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
	Limits           Limits         `json:"limits"`
	Decision         Decision       `json:"decision"`
	PlannedToolCalls []PlannedCall  `json:"planned_tool_calls"`
	EnqueuedCallIDs  []string       `json:"enqueued_call_ids"`
	Status           RunStatus      `json:"status"`
	AssistantMessage string         `json:"assistant_message,omitempty"`
	NextActions      []string       `json:"next_actions,omitempty"`
	Receipts         []Receipt      `json:"receipts,omitempty"`
	Error            *Failure       `json:"error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}
