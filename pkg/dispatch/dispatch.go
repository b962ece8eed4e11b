// Package dispatch maps dotted tool names onto registered handler
// functions. The table is populated at startup by each handler module;
// registering a duplicate panics, matching the registry's load-time
// strictness.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/opsdeck-ai/opsdeck/pkg/contracts"
)

// CallContext carries per-call metadata into a handler.
type CallContext struct {
	CallID         string
	ToolName       string
	IdempotencyKey string
	Logger         *slog.Logger
}

// Handler executes a tool. It may only touch external state it owns and
// must never mutate the queue or receipts directly. A returned error is
// converted by the worker into a failed receipt.
type Handler func(ctx context.Context, input map[string]any, call *CallContext) (*contracts.Outcome, error)

// Ref is a resolved handler address: module plus exported symbol.
// integrations.highlevel.sync_contacts -> module "integrations",
// symbol "highlevel_sync_contacts".
type Ref struct {
	Module string
	Symbol string
}

// Resolve splits a dotted tool name into its handler address.
func Resolve(toolName string) (Ref, error) {
	parts := strings.Split(toolName, ".")
	if len(parts) < 2 {
		return Ref{}, fmt.Errorf("tool name %q has no method segment", toolName)
	}
	return Ref{
		Module: parts[0],
		Symbol: strings.Join(parts[1:], "_"),
	}, nil
}

// Table is the registration table of handlers keyed by tool name.
type Table struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewTable() *Table {
	return &Table{handlers: make(map[string]Handler)}
}

// Register binds a tool name to its handler. Called from handler module
// init paths; duplicates are programming errors and panic.
func (t *Table) Register(toolName string, h Handler) {
	if h == nil {
		panic(fmt.Sprintf("dispatch: nil handler for %q", toolName))
	}
	if _, err := Resolve(toolName); err != nil {
		panic(fmt.Sprintf("dispatch: %v", err))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.handlers[toolName]; dup {
		panic(fmt.Sprintf("dispatch: duplicate handler for %q", toolName))
	}
	t.handlers[toolName] = h
}

// Lookup returns the handler for a tool name, or false when no module
// registered the symbol. A miss is a worker-side handler_not_found fault,
// not a handler fault.
func (t *Table) Lookup(toolName string) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[toolName]
	return h, ok
}

// Registered returns the sorted tool names with handlers, for diagnostics
// and startup cross-checks against the registry.
func (t *Table) Registered() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
