// Package idempotency resolves hit/miss for safe-retry and keyed tools
// before handler dispatch, and computes stable keys.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/opsdeck-ai/opsdeck/pkg/contracts"
	"github.com/opsdeck-ai/opsdeck/pkg/store"
)

// Engine consults prior successful receipts through the store. Hits are
// deterministic: most recent created_at wins, ties break by call id.
type Engine struct {
	store store.Store
}

func NewEngine(s store.Store) *Engine {
	return &Engine{store: s}
}

// Resolution is the engine's verdict for one call.
type Resolution struct {
	Hit bool
	// Prior is the receipt whose result is replayed on a hit.
	Prior *contracts.Receipt
	// Key is the stable keyed-idempotency key, empty for other modes.
	Key string
}

// KeyedKey computes the stable key for a keyed tool:
// tool_name + ":" + key_field + ":" + input[key_field].
func KeyedKey(tool *contracts.Tool, value any) string {
	return fmt.Sprintf("%s:%s:%v", tool.Name, tool.Idempotency.KeyField, value)
}

// Fingerprint hashes an input payload over its canonical JSON form. Key
// ordering in the input never changes it; the planner uses it as the
// safe-retry idempotency key.
func Fingerprint(input map[string]any) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encode input: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize input: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Resolve evaluates the tool's idempotency mode against a claimed call.
// mode=none short-circuits to a miss. A missing key_field on a keyed tool
// is reported as a failure (the handler is never reached).
func (e *Engine) Resolve(ctx context.Context, tool *contracts.Tool, call *contracts.ToolCall) (*Resolution, *contracts.Failure) {
	switch tool.Idempotency.Mode {
	case contracts.IdempotencyNone:
		return &Resolution{}, nil
	case contracts.IdempotencySafeRetry:
		return e.resolveSafeRetry(ctx, tool, call)
	case contracts.IdempotencyKeyed:
		return e.resolveKeyed(ctx, tool, call)
	default:
		return nil, contracts.NewFailure(contracts.CodeIdempotencyViolation,
			"tool %s declares unknown idempotency mode %q", tool.Name, tool.Idempotency.Mode)
	}
}

func (e *Engine) resolveSafeRetry(ctx context.Context, tool *contracts.Tool, call *contracts.ToolCall) (*Resolution, *contracts.Failure) {
	// A prior successful receipt for this very call wins first. This is
	// the re-delivery case after a crash between receipt and ack.
	prior, err := e.store.FindReceiptByCallID(ctx, call.ID)
	if err == nil && prior.Status == contracts.StatusSucceeded {
		return &Resolution{Hit: true, Prior: prior}, nil
	}
	if err != nil && !errors.Is(err, store.ErrReceiptNotFound) {
		return nil, contracts.NewFailure(contracts.CodeConnectionError, "idempotency lookup: %v", err)
	}

	if call.IdempotencyKey == "" {
		return &Resolution{}, nil
	}
	prior, err = e.store.FindSuccessfulReceiptByToolAndKey(ctx, tool.Name, call.IdempotencyKey)
	if errors.Is(err, store.ErrReceiptNotFound) {
		return &Resolution{Key: call.IdempotencyKey}, nil
	}
	if err != nil {
		return nil, contracts.NewFailure(contracts.CodeConnectionError, "idempotency lookup: %v", err)
	}
	return &Resolution{Hit: true, Prior: prior, Key: call.IdempotencyKey}, nil
}

func (e *Engine) resolveKeyed(ctx context.Context, tool *contracts.Tool, call *contracts.ToolCall) (*Resolution, *contracts.Failure) {
	field := tool.Idempotency.KeyField
	value, present := call.Input[field]
	if !present || value == nil || value == "" {
		return nil, contracts.NewFailure(contracts.CodeKeyMissing,
			"keyed tool %s requires input field %q", tool.Name, field)
	}
	key := KeyedKey(tool, value)

	prior, err := e.store.FindSuccessfulReceiptByToolAndInputField(ctx, tool.Name, field, value)
	if errors.Is(err, store.ErrReceiptNotFound) {
		return &Resolution{Key: key}, nil
	}
	if err != nil {
		return nil, contracts.NewFailure(contracts.CodeConnectionError, "idempotency lookup: %v", err)
	}
	// Don't replay the call's own receipt onto itself.
	if prior.CallID == call.ID {
		return &Resolution{Key: key}, nil
	}
	return &Resolution{Hit: true, Prior: prior, Key: key}, nil
}

// HitReceipt builds the new receipt row written for an idempotency hit:
// a copy of the prior result, succeeded, no side effects, hit marker set.
func HitReceipt(call *contracts.ToolCall, res *Resolution) *contracts.Receipt {
	return &contracts.Receipt{
		CallID:   call.ID,
		ToolName: call.ToolName,
		Status:   contracts.StatusSucceeded,
		Result:   res.Prior.Result,
		Effects: contracts.Effects{
			Idempotency: &contracts.IdempotencyEffect{Hit: true, Key: res.Key},
		},
	}
}
