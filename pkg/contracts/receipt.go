package contracts

import (
	"strings"
	"time"
)

// FieldError describes a single schema validation failure.
type FieldError struct {
	Path    string `json:"path"`
	Keyword string `json:"keyword"`
	Message string `json:"message"`
}

// IdempotencyEffect records that a prior successful result was returned.
type IdempotencyEffect struct {
	Hit bool   `json:"hit"`
	Key string `json:"key,omitempty"`
}

// Effects is the structured side-effect log attached to a receipt.
type Effects struct {
	DBWrites      []string           `json:"db_writes,omitempty"`
	MessagesSent  []string           `json:"messages_sent,omitempty"`
	FilesWritten  []string           `json:"files_written,omitempty"`
	ExternalCalls []string           `json:"external_calls,omitempty"`
	Idempotency   *IdempotencyEffect `json:"idempotency,omitempty"`
	Errors        []FieldError       `json:"errors,omitempty"`
}

// Receipt is the exactly-one, append-only terminal record of a call.
type Receipt struct {
	ID        string         `json:"id"`
	CallID    string         `json:"call_id"`
	ToolName  string         `json:"tool_name"`
	Status    CallStatus     `json:"status"`
	Result    map[string]any `json:"result"`
	Effects   Effects        `json:"effects"`
	CreatedAt time.Time      `json:"created_at"`
}

// ResolvePath walks a dotted path through a result object. The second
// return is false when any segment is absent or nil.
func ResolvePath(obj map[string]any, path string) (any, bool) {
	cur := any(obj)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// MissingReceiptFields returns the declared receipt fields that do not
// resolve to a defined, non-nil value in result.
func (t *Tool) MissingReceiptFields(result map[string]any) []string {
	var missing []string
	for _, path := range t.ReceiptFields {
		if _, ok := ResolvePath(result, path); !ok {
			missing = append(missing, path)
		}
	}
	return missing
}
