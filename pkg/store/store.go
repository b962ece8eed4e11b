// Package store defines the queue-store contract the worker and planner
// consume, with SQLite and Postgres implementations. All mutations the
// protocol depends on (claim, completion, receipt write) are atomic at
// the database level; no cross-worker locks exist anywhere else.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/opsdeck-ai/opsdeck/pkg/contracts"
)

var (
	ErrCallNotFound      = errors.New("call not found")
	ErrReceiptNotFound   = errors.New("receipt not found")
	ErrRunNotFound       = errors.New("brain run not found")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrDuplicateReceipt  = errors.New("receipt already written for call")
)

// Store is the abstract queue-store contract.
type Store interface {
	// Enqueue inserts a call with status=queued and returns its id.
	Enqueue(ctx context.Context, toolName string, input map[string]any, idempotencyKey string) (string, error)

	// ClaimNext atomically selects the oldest queued call, transitions it
	// to running stamped with the worker identity, and returns it. Returns
	// (nil, nil) when the queue is empty. Two workers never receive the
	// same call.
	ClaimNext(ctx context.Context, workerID string) (*contracts.ToolCall, error)

	// Complete transitions a running call to a terminal status. Illegal
	// transitions are rejected with ErrIllegalTransition.
	Complete(ctx context.Context, callID string, status contracts.CallStatus, failure *contracts.Failure) error

	// WriteReceipt persists the exactly-one receipt for a call. A second
	// write for the same call id fails with ErrDuplicateReceipt.
	WriteReceipt(ctx context.Context, r *contracts.Receipt) (string, error)

	// Finalize completes the call and writes its receipt as one logical
	// unit. If the receipt write fails the call is marked failed with
	// receipt_write_failed and no phantom receipt survives.
	Finalize(ctx context.Context, callID string, status contracts.CallStatus, failure *contracts.Failure, r *contracts.Receipt) (string, error)

	GetCall(ctx context.Context, id string) (*contracts.ToolCall, error)
	FindReceiptByCallID(ctx context.Context, callID string) (*contracts.Receipt, error)

	// FindSuccessfulReceiptByToolAndKey returns the most recent successful
	// receipt among calls to toolName carrying the caller-supplied
	// idempotency key; ties break by call id, descending.
	FindSuccessfulReceiptByToolAndKey(ctx context.Context, toolName, idempotencyKey string) (*contracts.Receipt, error)

	// FindSuccessfulReceiptByToolAndInputField returns the most recent
	// successful receipt among calls to toolName whose input[field] equals
	// value; same ordering as above.
	FindSuccessfulReceiptByToolAndInputField(ctx context.Context, toolName, field string, value any) (*contracts.Receipt, error)

	// RequeueStale moves running calls claimed before the cutoff back to
	// queued and returns their ids. Only invoked by the opt-in reaper.
	RequeueStale(ctx context.Context, olderThan time.Duration) ([]string, error)

	// LogEvent appends to the audit stream, independent of receipts.
	LogEvent(ctx context.Context, eventType, aggregate string, payload map[string]any) error

	CreateBrainRun(ctx context.Context, run *contracts.BrainRun) error
	UpdateBrainRun(ctx context.Context, run *contracts.BrainRun) error
	GetBrainRun(ctx context.Context, id string) (*contracts.BrainRun, error)
}
