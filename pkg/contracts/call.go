package contracts

import "time"

// CallStatus is the lifecycle state of a tool call. The only legal path is
// queued -> running -> {succeeded, failed, not_configured}.
type CallStatus string

const (
	StatusQueued        CallStatus = "queued"
	StatusRunning       CallStatus = "running"
	StatusSucceeded     CallStatus = "succeeded"
	StatusFailed        CallStatus = "failed"
	StatusNotConfigured CallStatus = "not_configured"
)

// Terminal reports whether the status never transitions again.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusNotConfigured:
		return true
	}
	return false
}

// LegalTransition reports whether from -> to is allowed.
func LegalTransition(from, to CallStatus) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning
	case StatusRunning:
		return to.Terminal()
	}
	return false
}

// ToolCall is a queued request to execute a tool with a specific input.
type ToolCall struct {
	ID             string         `json:"id"`
	ToolName       string         `json:"tool_name"`
	Input          map[string]any `json:"input"`
	Status         CallStatus     `json:"status"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Error          *Failure       `json:"error,omitempty"`
	ClaimedAt      *time.Time     `json:"claimed_at,omitempty"`
	ClaimedBy      string         `json:"claimed_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
