package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opsdeck-ai/opsdeck/pkg/bus"
	"github.com/opsdeck-ai/opsdeck/pkg/contracts"
	"github.com/opsdeck-ai/opsdeck/pkg/dispatch"
	"github.com/opsdeck-ai/opsdeck/pkg/guard"
	"github.com/opsdeck-ai/opsdeck/pkg/idempotency"
	"github.com/opsdeck-ai/opsdeck/pkg/registry"
)

// execute drives one claimed call through the pipeline. The step order is
// fixed: registry, input validation, guard, idempotency, handler lookup,
// timed execution, receipt. Every path ends in exactly one receipt.
func (w *Worker) execute(ctx context.Context, call *contracts.ToolCall) {
	started := time.Now()
	log := w.log.With("call_id", call.ID, "tool", call.ToolName)

	// 1. Registry lookup.
	tool, err := w.registry.Get(call.ToolName)
	if err != nil {
		if errors.Is(err, registry.ErrToolNotFound) {
			w.finish(ctx, call, started, &contracts.Outcome{
				Status:  contracts.StatusFailed,
				Failure: contracts.NewFailure(contracts.CodeToolNotFound, "no registry entry for %s", call.ToolName),
			})
			return
		}
		w.finish(ctx, call, started, &contracts.Outcome{
			Status:  contracts.StatusFailed,
			Failure: contracts.AsFailure(err),
		})
		return
	}

	// 2. Input validation. Failures never reach the handler; the error
	// list travels in effects.errors.
	result, err := w.validators.ValidateInput(tool, call.Input)
	if err != nil {
		w.finish(ctx, call, started, &contracts.Outcome{
			Status:  contracts.StatusFailed,
			Failure: contracts.NewFailure(contracts.CodeSchemaValidationFailed, "input schema unusable: %v", err),
		})
		return
	}
	if !result.OK {
		w.finish(ctx, call, started, &contracts.Outcome{
			Status:  contracts.StatusFailed,
			Effects: contracts.Effects{Errors: result.Errors},
			Failure: contracts.NewFailure(contracts.CodeSchemaValidationFailed, "input does not satisfy %s input_schema", tool.Name),
		})
		return
	}

	// 3. Guard expression, if declared.
	if tool.Guard != "" {
		ok, guardErr := w.evalGuard(tool, call.Input)
		if guardErr != nil {
			w.finish(ctx, call, started, &contracts.Outcome{
				Status:  contracts.StatusFailed,
				Failure: contracts.NewFailure(contracts.CodePreconditionFailed, "guard evaluation: %v", guardErr),
			})
			return
		}
		if !ok {
			w.finish(ctx, call, started, &contracts.Outcome{
				Status: contracts.StatusFailed,
				Failure: contracts.NewFailure(contracts.CodePreconditionFailed, "guard rejected input").
					WithDetails(map[string]any{"guard": tool.Guard}),
			})
			return
		}
	}

	// 4. Idempotency. A hit replays the prior result and skips the
	// handler entirely.
	resolution, failure := w.engine.Resolve(ctx, tool, call)
	if failure != nil {
		w.finish(ctx, call, started, &contracts.Outcome{Status: contracts.StatusFailed, Failure: failure})
		return
	}
	if resolution.Hit {
		log.Info("idempotency hit", "prior_receipt", resolution.Prior.ID)
		receipt := idempotency.HitReceipt(call, resolution)
		w.writeReceipt(ctx, call, started, receipt, nil)
		return
	}

	// 5. Handler lookup. A miss is a worker-side fault.
	handler, ok := w.dispatch.Lookup(call.ToolName)
	if !ok {
		ref, _ := dispatch.Resolve(call.ToolName)
		w.finish(ctx, call, started, &contracts.Outcome{
			Status: contracts.StatusFailed,
			Failure: contracts.NewFailure(contracts.CodeHandlerNotFound, "no handler registered for %s", call.ToolName).
				WithDetails(map[string]any{"module": ref.Module, "symbol": ref.Symbol}),
		})
		return
	}

	// 6. Timed execution.
	outcome := w.runHandler(ctx, tool, call, handler)
	w.finish(ctx, call, started, outcome)
}

// runHandler supervises the handler under the tool's timeout. Timeouts
// cancel cooperatively through the context and still yield a receipt.
func (w *Worker) runHandler(ctx context.Context, tool *contracts.Tool, call *contracts.ToolCall, handler dispatch.Handler) *contracts.Outcome {
	timeout := time.Duration(tool.Timeout()) * time.Millisecond
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type handlerReturn struct {
		outcome *contracts.Outcome
		err     error
	}
	done := make(chan handlerReturn, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerReturn{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		outcome, err := handler(hctx, call.Input, &dispatch.CallContext{
			CallID:         call.ID,
			ToolName:       call.ToolName,
			IdempotencyKey: call.IdempotencyKey,
			Logger:         w.log.With("call_id", call.ID, "tool", call.ToolName),
		})
		done <- handlerReturn{outcome: outcome, err: err}
	}()

	select {
	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return &contracts.Outcome{
				Status: contracts.StatusFailed,
				Failure: contracts.NewFailure(contracts.CodeExecutionTimeout, "handler exceeded %s", timeout).
					WithDetails(map[string]any{"timeout_ms": tool.Timeout()}),
			}
		}
		return &contracts.Outcome{
			Status:  contracts.StatusFailed,
			Failure: contracts.NewFailure(contracts.CodeExecutionTimeout, "handler cancelled: %v", hctx.Err()),
		}
	case ret := <-done:
		if ret.err != nil {
			return &contracts.Outcome{Status: contracts.StatusFailed, Failure: contracts.AsFailure(ret.err)}
		}
		if ret.outcome == nil {
			return &contracts.Outcome{
				Status:  contracts.StatusFailed,
				Failure: contracts.NewFailure(contracts.CodeHandlerThrew, "handler returned no outcome"),
			}
		}
		return w.checkOutcome(tool, ret.outcome)
	}
}

// checkOutcome enforces the receipt contract on handler results: declared
// receipt_fields must resolve on success, and output schema drift is
// logged but never blocks.
func (w *Worker) checkOutcome(tool *contracts.Tool, outcome *contracts.Outcome) *contracts.Outcome {
	if outcome.Status != contracts.StatusSucceeded {
		return outcome
	}
	if missing := tool.MissingReceiptFields(outcome.Result); len(missing) > 0 {
		return &contracts.Outcome{
			Status: contracts.StatusFailed,
			Failure: contracts.NewFailure(contracts.CodeHandlerThrew, "result missing declared receipt fields").
				WithDetails(map[string]any{"missing": missing}),
		}
	}
	check, err := w.validators.ValidateOutput(tool, outcome.Result)
	if err != nil {
		w.log.Warn("output schema unusable", "tool", tool.Name, "error", err)
	} else if !check.OK {
		w.log.Warn("output schema drift", "tool", tool.Name, "errors", check.Errors)
	}
	return outcome
}

// finish maps an outcome onto the receipt and completes the call.
func (w *Worker) finish(ctx context.Context, call *contracts.ToolCall, started time.Time, outcome *contracts.Outcome) {
	receipt := &contracts.Receipt{
		CallID:   call.ID,
		ToolName: call.ToolName,
		Status:   outcome.Status,
		Result:   outcome.Result,
		Effects:  outcome.Effects,
	}
	if outcome.Status == contracts.StatusFailed && outcome.Failure != nil {
		if receipt.Result == nil {
			receipt.Result = map[string]any{}
		}
		receipt.Result["error"] = outcome.Failure
		if len(receipt.Effects.Errors) == 0 {
			receipt.Effects.Errors = []contracts.FieldError{{
				Path:    "/",
				Keyword: outcome.Failure.Code,
				Message: outcome.Failure.Message,
			}}
		}
	}
	w.writeReceipt(ctx, call, started, receipt, outcome.Failure)
}

// writeReceipt finalizes call and receipt as one logical unit and
// publishes the events.
func (w *Worker) writeReceipt(ctx context.Context, call *contracts.ToolCall, started time.Time, receipt *contracts.Receipt, failure *contracts.Failure) {
	log := w.log.With("call_id", call.ID, "tool", call.ToolName)

	// Finalization must survive job-context cancellation (shutdown or
	// timeout): the receipt is owed regardless.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	receiptID, err := w.store.Finalize(writeCtx, call.ID, receipt.Status, failure, receipt)
	if err != nil {
		log.Error("finalize failed", "error", err)
		w.failed.Add(1)
		return
	}

	if receipt.Status == contracts.StatusFailed {
		w.failed.Add(1)
	}
	w.completed.Add(1)
	w.ins.recordFinish(writeCtx, call.ToolName, string(receipt.Status), started)

	w.publishStatus(writeCtx, call.ID, contracts.StatusRunning, receipt.Status)
	if err := w.bus.PublishReceiptCreated(writeCtx, bus.ReceiptCreated{
		ReceiptID: receiptID,
		CallID:    call.ID,
		ToolName:  call.ToolName,
		Status:    receipt.Status,
	}); err != nil {
		log.Warn("publish receipt event failed", "error", err)
	}

	if err := w.store.LogEvent(writeCtx, "call_finished", call.ID, map[string]any{
		"tool_name":  call.ToolName,
		"status":     receipt.Status,
		"receipt_id": receiptID,
		"elapsed_ms": time.Since(started).Milliseconds(),
		"worker_id":  w.id,
	}); err != nil {
		log.Warn("audit event failed", "error", err)
	}

	log.Info("call finished", "status", receipt.Status, "elapsed", time.Since(started))
}

// evalGuard compiles on first use and caches per tool.
func (w *Worker) evalGuard(tool *contracts.Tool, input map[string]any) (bool, error) {
	w.guardMu.Lock()
	prog, ok := w.guardCache[tool.Name]
	w.guardMu.Unlock()
	if !ok {
		var err error
		prog, err = guard.Compile(tool.Guard)
		if err != nil {
			// Registry load already compiled this; reaching here means
			// the catalog changed underneath us.
			return false, err
		}
		w.guardMu.Lock()
		w.guardCache[tool.Name] = prog
		w.guardMu.Unlock()
	}
	return prog.Eval(input)
}
