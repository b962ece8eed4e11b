// Package brain is the rule-based planner: it turns a natural-language
// message into an ordered, registry-valid tool-call sequence and drives
// execution according to the requested mode.
package brain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsdeck-ai/opsdeck/pkg/bus"
	"github.com/opsdeck-ai/opsdeck/pkg/contracts"
	"github.com/opsdeck-ai/opsdeck/pkg/idempotency"
	"github.com/opsdeck-ai/opsdeck/pkg/registry"
	"github.com/opsdeck-ai/opsdeck/pkg/schema"
	"github.com/opsdeck-ai/opsdeck/pkg/store"
)

// Request is the planner boundary shape.
type Request struct {
	Message        string           `json:"message"`
	Mode           contracts.Mode   `json:"mode"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Context        map[string]any   `json:"context,omitempty"`
	Limits         contracts.Limits `json:"limits,omitempty"`
}

// EnqueuedCall references a call the planner persisted.
type EnqueuedCall struct {
	CallID   string `json:"call_id"`
	ToolName string `json:"tool_name"`
}

// ReceiptView is the receipt slice of the response.
type ReceiptView struct {
	CallID   string               `json:"call_id"`
	ToolName string               `json:"tool_name"`
	Status   contracts.CallStatus `json:"status"`
	Result   map[string]any       `json:"result,omitempty"`
	Effects  contracts.Effects    `json:"effects"`
}

// Response is what every planner invocation returns, regardless of mode.
type Response struct {
	OK               bool                    `json:"ok"`
	RunID            string                  `json:"run_id"`
	Decision         contracts.Decision      `json:"decision"`
	PlannedToolCalls []contracts.PlannedCall `json:"planned_tool_calls"`
	Enqueued         []EnqueuedCall          `json:"enqueued"`
	Receipts         []ReceiptView           `json:"receipts"`
	AssistantMessage string                  `json:"assistant_message"`
	NextActions      []string                `json:"next_actions"`
	Errors           []contracts.Failure     `json:"errors"`
}

// Brain plans and optionally executes tool calls. Safe for concurrent
// use; each Run owns a distinct BrainRun.
type Brain struct {
	store      store.Store
	registry   *registry.Registry
	validators *schema.Cache
	bus        bus.Bus
	rules      *RuleSet
	log        *slog.Logger

	// pollInterval is the receipt-poll fallback cadence while waiting.
	pollInterval time.Duration
	// defaultWait applies when a request leaves WaitTimeoutMs unset.
	defaultWait time.Duration
}

// Config wires a Brain.
type Config struct {
	Store      store.Store
	Registry   *registry.Registry
	Validators *schema.Cache
	Bus        bus.Bus
	Rules      *RuleSet
	Logger     *slog.Logger

	// DefaultWaitTimeout is the receipt wait deadline used when the
	// request does not set one. Zero falls back to the built-in default.
	DefaultWaitTimeout time.Duration
}

// New builds a planner. Store and Registry are required.
func New(cfg Config) (*Brain, error) {
	if cfg.Store == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("brain: store and registry are required")
	}
	if cfg.Validators == nil {
		cfg.Validators = schema.NewCache()
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.NewInProcessBus()
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Brain{
		store:        cfg.Store,
		registry:     cfg.Registry,
		validators:   cfg.Validators,
		bus:          cfg.Bus,
		rules:        cfg.Rules,
		log:          cfg.Logger,
		pollInterval: 500 * time.Millisecond,
		defaultWait:  cfg.DefaultWaitTimeout,
	}, nil
}

// Run executes one planner invocation end to end.
func (b *Brain) Run(ctx context.Context, req Request) (*Response, error) {
	if req.Limits.WaitTimeoutMs == 0 && b.defaultWait > 0 {
		req.Limits.WaitTimeoutMs = int(b.defaultWait / time.Millisecond)
	}
	limits := req.Limits.Normalized()
	run := &contracts.BrainRun{
		ID:               uuid.NewString(),
		Message:          req.Message,
		Mode:             req.Mode,
		ConversationID:   req.ConversationID,
		Context:          req.Context,
		Limits:           limits,
		PlannedToolCalls: []contracts.PlannedCall{},
		EnqueuedCallIDs:  []string{},
		Status:           contracts.RunCreated,
	}
	resp := &Response{
		RunID:            run.ID,
		PlannedToolCalls: []contracts.PlannedCall{},
		Enqueued:         []EnqueuedCall{},
		Receipts:         []ReceiptView{},
		NextActions:      []string{},
		Errors:           []contracts.Failure{},
	}
	log := b.log.With("run_id", run.ID, "mode", req.Mode)

	if !req.Mode.Valid() {
		f := contracts.NewFailure(contracts.CodeUnknownValue, "unknown planner mode %q", req.Mode)
		run.Status = contracts.RunFailed
		run.Error = f
		run.Decision = contracts.Decision{ModeUsed: req.Mode, Reason: "invalid mode"}
		if err := b.store.CreateBrainRun(ctx, run); err != nil {
			return nil, fmt.Errorf("brain: persist run: %w", err)
		}
		resp.Decision = run.Decision
		resp.Errors = append(resp.Errors, *f)
		resp.AssistantMessage = "I don't recognise that mode. Use answer, plan, enqueue or enqueue_and_wait."
		return resp, nil
	}

	if err := b.store.CreateBrainRun(ctx, run); err != nil {
		return nil, fmt.Errorf("brain: persist run: %w", err)
	}
	run.Status = contracts.RunPlanning
	b.save(ctx, run, log)

	planned, decision, failures := b.plan(req, limits, log)
	run.Decision = decision
	run.PlannedToolCalls = planned
	resp.Decision = decision
	resp.PlannedToolCalls = planned

	if len(failures) > 0 {
		// A validation failure anywhere aborts the whole plan; nothing
		// is enqueued.
		run.Status = contracts.RunFailed
		run.Error = &failures[0]
		b.save(ctx, run, log)
		resp.Errors = failures
		resp.AssistantMessage = "The planned tool calls did not pass validation. Nothing was enqueued."
		resp.NextActions = append(resp.NextActions, "fix the reported fields and retry")
		return resp, nil
	}

	switch decision.ModeUsed {
	case contracts.ModeAnswer:
		run.Status = contracts.RunCompleted
		run.AssistantMessage = b.answerMessage(planned, decision)
		b.save(ctx, run, log)
		resp.OK = true
		resp.AssistantMessage = run.AssistantMessage
		if len(planned) == 0 {
			resp.NextActions = append(resp.NextActions, "try: \"create a lead for Dana 555-0134\"")
		}
		return resp, nil

	case contracts.ModePlan:
		run.Status = contracts.RunCompleted
		run.AssistantMessage = fmt.Sprintf("Planned %d tool call(s); nothing enqueued.", len(planned))
		run.NextActions = []string{"re-run with mode=enqueue to execute"}
		b.save(ctx, run, log)
		resp.OK = true
		resp.AssistantMessage = run.AssistantMessage
		resp.NextActions = run.NextActions
		return resp, nil
	}

	// enqueue / enqueue_and_wait
	if len(planned) == 0 {
		run.Status = contracts.RunCompleted
		run.AssistantMessage = "Nothing to enqueue."
		b.save(ctx, run, log)
		resp.OK = true
		resp.AssistantMessage = run.AssistantMessage
		return resp, nil
	}

	for _, pc := range planned {
		callID, err := b.store.Enqueue(ctx, pc.ToolName, pc.Input, pc.IdempotencyKey)
		if err != nil {
			f := contracts.AsFailure(fmt.Errorf("enqueue %s: %w", pc.ToolName, err))
			run.Status = contracts.RunFailed
			run.Error = f
			b.save(ctx, run, log)
			resp.Errors = append(resp.Errors, *f)
			resp.AssistantMessage = "Enqueue failed part-way; see enqueued[] for the calls that made it."
			return resp, nil
		}
		run.EnqueuedCallIDs = append(run.EnqueuedCallIDs, callID)
		resp.Enqueued = append(resp.Enqueued, EnqueuedCall{CallID: callID, ToolName: pc.ToolName})
		if err := b.store.LogEvent(ctx, "call_planned", callID, map[string]any{
			"run_id":    run.ID,
			"tool_name": pc.ToolName,
		}); err != nil {
			log.Warn("audit event failed", "error", err)
		}
	}
	run.Status = contracts.RunEnqueued
	b.save(ctx, run, log)

	if decision.ModeUsed == contracts.ModeEnqueue {
		run.Status = contracts.RunCompleted
		run.AssistantMessage = fmt.Sprintf("Enqueued %d tool call(s).", len(run.EnqueuedCallIDs))
		run.NextActions = []string{"poll the call ids for receipts"}
		b.save(ctx, run, log)
		resp.OK = true
		resp.AssistantMessage = run.AssistantMessage
		resp.NextActions = run.NextActions
		return resp, nil
	}

	// enqueue_and_wait
	run.Status = contracts.RunWaiting
	b.save(ctx, run, log)

	timeout := time.Duration(limits.WaitTimeoutMs) * time.Millisecond
	receipts, pending := b.waitForReceipts(ctx, run.EnqueuedCallIDs, timeout)

	run.Receipts = receipts
	run.Status = contracts.RunCompleted
	for _, r := range receipts {
		resp.Receipts = append(resp.Receipts, ReceiptView{
			CallID:   r.CallID,
			ToolName: r.ToolName,
			Status:   r.Status,
			Result:   r.Result,
			Effects:  r.Effects,
		})
	}
	if len(pending) == 0 {
		resp.OK = true
		run.AssistantMessage = fmt.Sprintf("All %d call(s) finished.", len(receipts))
	} else {
		// Partial completion is reported, never masked.
		run.AssistantMessage = fmt.Sprintf("Timed out after %s with %d of %d receipt(s); still pending: %s.",
			timeout, len(receipts), len(run.EnqueuedCallIDs), strings.Join(pending, ", "))
		run.NextActions = []string{"poll the pending call ids for receipts"}
		resp.NextActions = run.NextActions
	}
	b.save(ctx, run, log)
	resp.AssistantMessage = run.AssistantMessage
	return resp, nil
}

// plan matches the message against the rule base and validates every
// draft. Validation failure aborts the whole plan.
func (b *Brain) plan(req Request, limits contracts.Limits, log *slog.Logger) ([]contracts.PlannedCall, contracts.Decision, []contracts.Failure) {
	rule, input := b.rules.Match(req.Message, req.Context)
	if rule == nil {
		return nil, contracts.Decision{
			ModeUsed: contracts.ModeAnswer,
			Reason:   "no rule matched the message",
		}, nil
	}
	decision := contracts.Decision{
		ModeUsed: req.Mode,
		Reason:   fmt.Sprintf("rule %q matched", rule.Name),
	}

	drafts := []contracts.PlannedCall{{ToolName: rule.ToolName, Input: input}}
	if len(drafts) > limits.MaxToolCalls {
		decision.Reason += fmt.Sprintf("; truncated to %d call(s)", limits.MaxToolCalls)
		drafts = drafts[:limits.MaxToolCalls]
	}

	var failures []contracts.Failure
	for i := range drafts {
		tool, err := b.registry.Get(drafts[i].ToolName)
		if err != nil {
			failures = append(failures, *contracts.NewFailure(contracts.CodeToolNotFound,
				"planned tool %s is not in the registry", drafts[i].ToolName))
			continue
		}
		result, err := b.validators.ValidateInput(tool, drafts[i].Input)
		if err != nil {
			failures = append(failures, *contracts.AsFailure(err))
			continue
		}
		if !result.OK {
			f := contracts.NewFailure(contracts.CodeSchemaValidationFailed,
				"input for %s failed validation", tool.Name).
				WithDetails(map[string]any{"errors": result.Errors})
			failures = append(failures, *f)
			continue
		}
		drafts[i].IdempotencyKey = b.idempotencyKey(tool, drafts[i].Input, log)
	}
	return drafts, decision, failures
}

// idempotencyKey computes the key recorded on the planned call: the
// keyed key for keyed tools, a canonical input fingerprint for
// safe-retry, empty otherwise.
func (b *Brain) idempotencyKey(tool *contracts.Tool, input map[string]any, log *slog.Logger) string {
	switch tool.Idempotency.Mode {
	case contracts.IdempotencyKeyed:
		return idempotency.KeyedKey(tool, input[tool.Idempotency.KeyField])
	case contracts.IdempotencySafeRetry:
		fp, err := idempotency.Fingerprint(input)
		if err != nil {
			log.Warn("input fingerprint failed", "tool", tool.Name, "error", err)
			return ""
		}
		return fp
	}
	return ""
}

func (b *Brain) answerMessage(planned []contracts.PlannedCall, decision contracts.Decision) string {
	if len(planned) == 0 {
		names := b.registry.Names()
		return fmt.Sprintf("I couldn't match that to an action. Available tools: %s.",
			strings.Join(names, ", "))
	}
	parts := make([]string, len(planned))
	for i, pc := range planned {
		parts[i] = pc.ToolName
	}
	return fmt.Sprintf("I would run %s (%s). Nothing was enqueued.",
		strings.Join(parts, ", "), decision.Reason)
}

// save persists run state transitions; persistence failures are logged,
// not fatal, because the response still reflects reality.
func (b *Brain) save(ctx context.Context, run *contracts.BrainRun, log *slog.Logger) {
	if err := b.store.UpdateBrainRun(ctx, run); err != nil {
		log.Warn("persist brain run failed", "status", run.Status, "error", err)
	}
}
