// Package contracts defines the shared data contracts of the platform:
// tools, calls, receipts, outcomes and brain runs. It carries no behavior
// beyond small helpers; stores and codecs live in their own packages.
package contracts

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// IdempotencyMode governs when a prior result is returned instead of
// re-executing a tool.
type IdempotencyMode string

const (
	IdempotencyNone      IdempotencyMode = "none"
	IdempotencySafeRetry IdempotencyMode = "safe-retry"
	IdempotencyKeyed     IdempotencyMode = "keyed"
)

// Idempotency declares a tool's idempotency contract.
type Idempotency struct {
	Mode     IdempotencyMode `json:"mode" yaml:"mode"`
	KeyField string          `json:"key_field,omitempty" yaml:"key_field,omitempty"`
}

// DefaultTimeoutMs bounds handler execution when a tool declares no timeout.
const DefaultTimeoutMs = 30000

// Tool is a declared execution contract identified by a dotted name.
// Registry entries are immutable once loaded.
type Tool struct {
	Name          string          `json:"name" yaml:"name"`
	Description   string          `json:"description,omitempty" yaml:"description,omitempty"`
	Permissions   []string        `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	InputSchema   json.RawMessage `json:"input_schema" yaml:"-"`
	OutputSchema  json.RawMessage `json:"output_schema,omitempty" yaml:"-"`
	Idempotency   Idempotency     `json:"idempotency" yaml:"idempotency"`
	TimeoutMs     int             `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	ReceiptFields []string        `json:"receipt_fields,omitempty" yaml:"receipt_fields,omitempty"`
	// Guard is an optional CEL expression over `input`, evaluated after
	// schema validation and before dispatch. False blocks execution with
	// a precondition_failed receipt.
	Guard string `json:"guard,omitempty" yaml:"guard,omitempty"`
}

// toolNamePattern: dotted lowercase snake segments, at least domain.method.
var toolNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// ValidateName reports whether s is a legal dotted tool identifier.
func ValidateName(s string) error {
	if !toolNamePattern.MatchString(s) {
		return fmt.Errorf("invalid tool name %q: want dotted lowercase snake (d1.d2.method)", s)
	}
	return nil
}

// Domain returns the first segment of the tool name.
func (t *Tool) Domain() string {
	name, _, _ := strings.Cut(t.Name, ".")
	return name
}

// Timeout returns the declared timeout or the platform default.
func (t *Tool) Timeout() int {
	if t.TimeoutMs > 0 {
		return t.TimeoutMs
	}
	return DefaultTimeoutMs
}
