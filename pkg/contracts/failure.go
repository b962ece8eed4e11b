package contracts

import "fmt"

// Failure codes, grouped by origin.
const (
	// Validation
	CodeSchemaValidationFailed = "schema_validation_failed"
	CodeKeyMissing             = "missing_key_field"
	CodeUnknownValue           = "unknown_value"

	// Registry
	CodeToolNotFound    = "tool_not_found"
	CodeInvalidRegistry = "invalid_registry"

	// Execution
	CodeHandlerNotFound    = "handler_not_found"
	CodeExecutionTimeout   = "execution_timeout"
	CodeHandlerThrew       = "handler_threw"
	CodeReceiptWriteFailed = "receipt_write_failed"
	CodeClaimFailed        = "claim_failed"

	// Database
	CodeUniqueViolation     = "unique_violation"
	CodeForeignKeyViolation = "foreign_key_violation"
	CodeConnectionError     = "connection_error"

	// Integration
	CodeNotConfigured = "not_configured"
	CodeAuthFailed    = "auth_failed"
	CodeRateLimited   = "rate_limited"
	CodeTimeout       = "timeout"
	CodeAPIError      = "api_error"

	// Idempotency
	CodeIdempotencyViolation = "idempotency_violation"

	// Business
	CodePreconditionFailed     = "precondition_failed"
	CodeInvalidStateTransition = "invalid_state_transition"
)

// Failure is a structured error carried on failed calls, receipts and
// planner responses.
type Failure struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// NewFailure builds a Failure with the given taxonomy code.
func NewFailure(code, format string, args ...any) *Failure {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured details and returns the failure.
func (f *Failure) WithDetails(details map[string]any) *Failure {
	f.Details = details
	return f
}

// AsFailure converts an arbitrary handler error into a Failure, preserving
// an existing Failure's code.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	if f, ok := err.(*Failure); ok {
		return f
	}
	return &Failure{Code: CodeHandlerThrew, Message: err.Error()}
}
