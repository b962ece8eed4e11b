package contracts

// NotConfiguredInfo explains how to enable a tool whose external
// dependency is absent. It is carried verbatim in the receipt result.
type NotConfiguredInfo struct {
	Reason      string   `json:"reason"`
	RequiredEnv []string `json:"required_env"`
	NextSteps   []string `json:"next_steps"`
}

// Outcome is the single tagged variant a handler resolves to. The worker
// translates it into the persisted receipt; handlers never touch the queue
// or receipts directly.
type Outcome struct {
	Status  CallStatus     `json:"status"`
	Result  map[string]any `json:"result,omitempty"`
	Effects Effects        `json:"effects"`
	Failure *Failure       `json:"failure,omitempty"`
}

// Success builds a succeeded outcome.
func Success(result map[string]any, effects Effects) *Outcome {
	return &Outcome{Status: StatusSucceeded, Result: result, Effects: effects}
}

// NotConfigured builds a not_configured outcome. This is a terminal status,
// not an error: the tool exists but its dependency is absent. Handlers
// returning it must not have performed side effects.
func NotConfigured(info NotConfiguredInfo) *Outcome {
	return &Outcome{
		Status: StatusNotConfigured,
		Result: map[string]any{
			"reason":       info.Reason,
			"required_env": info.RequiredEnv,
			"next_steps":   info.NextSteps,
		},
	}
}

// Failed builds a failed outcome with a taxonomy code.
func Failed(code, format string, args ...any) *Outcome {
	return &Outcome{Status: StatusFailed, Failure: NewFailure(code, format, args...)}
}
