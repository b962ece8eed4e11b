package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeck-ai/opsdeck/pkg/bus"
	"github.com/opsdeck-ai/opsdeck/pkg/contracts"
	"github.com/opsdeck-ai/opsdeck/pkg/dispatch"
	"github.com/opsdeck-ai/opsdeck/pkg/registry"
	"github.com/opsdeck-ai/opsdeck/pkg/store"
)

const testCatalog = `
version: "1.0.0"
tools:
  - name: echo.say
    description: Echo the message back.
    idempotency:
      mode: none
    input_schema:
      type: object
      properties:
        message: { type: string }
      required: [message]
      additionalProperties: false
    receipt_fields: [echoed]
  - name: leads.create
    description: Create a lead keyed by phone.
    idempotency:
      mode: keyed
      key_field: phone
    input_schema:
      type: object
      properties:
        phone: { type: string }
      required: [phone]
      additionalProperties: false
    receipt_fields: [lead_id]
  - name: slow.crawl
    description: Deliberately slow.
    timeout_ms: 60
    idempotency:
      mode: none
    input_schema:
      type: object
    receipt_fields: []
  - name: comms.send_sms
    description: Guarded send.
    idempotency:
      mode: none
    input_schema:
      type: object
      properties:
        to: { type: string }
        body: { type: string }
      required: [to, body]
      additionalProperties: false
    guard: "input.body.size() > 0"
    receipt_fields: []
  - name: ghost.walk
    description: Registered with no handler behind it.
    idempotency:
      mode: none
    input_schema:
      type: object
    receipt_fields: []
`

type fixture struct {
	store  *store.SQLiteStore
	reg    *registry.Registry
	table  *dispatch.Table
	bus    *bus.InProcessBus
	worker *Worker

	echoCalls atomic.Int32
	leadCalls atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	reg, err := registry.Load([]byte(testCatalog))
	require.NoError(t, err)

	f := &fixture{store: s, reg: reg, bus: bus.NewInProcessBus()}

	f.table = dispatch.NewTable()
	f.table.Register("echo.say", func(ctx context.Context, input map[string]any, cc *dispatch.CallContext) (*contracts.Outcome, error) {
		f.echoCalls.Add(1)
		return contracts.Success(map[string]any{"echoed": input["message"]}, contracts.Effects{}), nil
	})
	f.table.Register("leads.create", func(ctx context.Context, input map[string]any, cc *dispatch.CallContext) (*contracts.Outcome, error) {
		n := f.leadCalls.Add(1)
		return contracts.Success(map[string]any{"lead_id": n}, contracts.Effects{
			DBWrites: []string{"leads:1"},
		}), nil
	})
	f.table.Register("slow.crawl", func(ctx context.Context, input map[string]any, cc *dispatch.CallContext) (*contracts.Outcome, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return contracts.Success(map[string]any{}, contracts.Effects{}), nil
		}
	})
	f.table.Register("comms.send_sms", func(ctx context.Context, input map[string]any, cc *dispatch.CallContext) (*contracts.Outcome, error) {
		return contracts.NotConfigured(contracts.NotConfiguredInfo{
			Reason:      "twilio credentials absent",
			RequiredEnv: []string{"TWILIO_ACCOUNT_SID"},
			NextSteps:   []string{"export the credentials and retry"},
		}), nil
	})

	w, err := New(Config{
		Store:           s,
		Registry:        reg,
		Validators:      nil,
		Dispatch:        f.table,
		Bus:             f.bus,
		PollInterval:    10 * time.Millisecond,
		MaxConcurrent:   1,
		ShutdownTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	f.worker = w
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.worker.Start(context.Background()))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = f.worker.Stop(stopCtx)
	})
}

// awaitReceipt polls the store until the call's receipt lands.
func awaitReceipt(t *testing.T, s store.Store, callID string) *contracts.Receipt {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		r, err := s.FindReceiptByCallID(context.Background(), callID)
		if err == nil {
			return r
		}
		if !errors.Is(err, store.ErrReceiptNotFound) {
			t.Fatalf("receipt lookup: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no receipt for %s", callID)
	return nil
}

func failureCode(t *testing.T, r *contracts.Receipt) string {
	t.Helper()
	raw, ok := r.Result["error"].(map[string]any)
	require.True(t, ok, "receipt carries no error object: %v", r.Result)
	code, _ := raw["code"].(string)
	return code
}

func TestWorkerSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.Enqueue(ctx, "echo.say", map[string]any{"message": "hello"}, "")
	require.NoError(t, err)

	f.start(t)
	r := awaitReceipt(t, f.store, id)

	assert.Equal(t, contracts.StatusSucceeded, r.Status)
	assert.Equal(t, "hello", r.Result["echoed"])
	assert.Equal(t, int32(1), f.echoCalls.Load())

	call, err := f.store.GetCall(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSucceeded, call.Status)
	assert.NotEmpty(t, call.ClaimedBy)
}

func TestWorkerKeyedDedupe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.store.Enqueue(ctx, "leads.create", map[string]any{"phone": "+15550134"}, "")
	require.NoError(t, err)
	second, err := f.store.Enqueue(ctx, "leads.create", map[string]any{"phone": "+15550134"}, "")
	require.NoError(t, err)

	f.start(t)
	r1 := awaitReceipt(t, f.store, first)
	r2 := awaitReceipt(t, f.store, second)

	assert.Equal(t, contracts.StatusSucceeded, r1.Status)
	assert.Equal(t, contracts.StatusSucceeded, r2.Status)
	assert.Equal(t, int32(1), f.leadCalls.Load(), "handler must run once")

	require.NotNil(t, r2.Effects.Idempotency)
	assert.True(t, r2.Effects.Idempotency.Hit)
	assert.Equal(t, "leads.create:phone:+15550134", r2.Effects.Idempotency.Key)
	assert.Equal(t, r1.Result["lead_id"], r2.Result["lead_id"])
	// Replays report no side effects of their own.
	assert.Empty(t, r2.Effects.DBWrites)
}

func TestWorkerSchemaFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.Enqueue(ctx, "echo.say", map[string]any{"volume": 11}, "")
	require.NoError(t, err)

	f.start(t)
	r := awaitReceipt(t, f.store, id)

	assert.Equal(t, contracts.StatusFailed, r.Status)
	assert.Equal(t, contracts.CodeSchemaValidationFailed, failureCode(t, r))
	assert.NotEmpty(t, r.Effects.Errors, "field errors travel in effects")
	assert.Equal(t, int32(0), f.echoCalls.Load(), "handler never runs on invalid input")
}

func TestWorkerGuardRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.Enqueue(ctx, "comms.send_sms", map[string]any{"to": "+15550134", "body": ""}, "")
	require.NoError(t, err)

	f.start(t)
	r := awaitReceipt(t, f.store, id)

	assert.Equal(t, contracts.StatusFailed, r.Status)
	assert.Equal(t, contracts.CodePreconditionFailed, failureCode(t, r))
}

func TestWorkerExecutionTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.Enqueue(ctx, "slow.crawl", map[string]any{}, "")
	require.NoError(t, err)

	f.start(t)
	r := awaitReceipt(t, f.store, id)

	assert.Equal(t, contracts.StatusFailed, r.Status)
	assert.Equal(t, contracts.CodeExecutionTimeout, failureCode(t, r))
}

func TestWorkerToolNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.Enqueue(ctx, "nosuch.tool", map[string]any{}, "")
	require.NoError(t, err)
	after, err := f.store.Enqueue(ctx, "echo.say", map[string]any{"message": "still here"}, "")
	require.NoError(t, err)

	f.start(t)
	r := awaitReceipt(t, f.store, id)
	assert.Equal(t, contracts.StatusFailed, r.Status)
	assert.Equal(t, contracts.CodeToolNotFound, failureCode(t, r))

	// The worker keeps draining the queue after a bad call.
	next := awaitReceipt(t, f.store, after)
	assert.Equal(t, contracts.StatusSucceeded, next.Status)
}

func TestWorkerHandlerNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.Enqueue(ctx, "ghost.walk", map[string]any{}, "")
	require.NoError(t, err)

	f.start(t)
	r := awaitReceipt(t, f.store, id)

	assert.Equal(t, contracts.StatusFailed, r.Status)
	assert.Equal(t, contracts.CodeHandlerNotFound, failureCode(t, r))
}

func TestWorkerNotConfigured(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.Enqueue(ctx, "comms.send_sms", map[string]any{"to": "+15550134", "body": "hi"}, "")
	require.NoError(t, err)

	f.start(t)
	r := awaitReceipt(t, f.store, id)

	assert.Equal(t, contracts.StatusNotConfigured, r.Status)
	assert.Equal(t, "twilio credentials absent", r.Result["reason"])
	assert.Equal(t, []any{"TWILIO_ACCOUNT_SID"}, r.Result["required_env"])
}

func TestWorkerPublishesLifecycleEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	statuses := make(chan bus.CallStatusChanged, 4)
	f.bus.SubscribeCallStatus(func(ev bus.CallStatusChanged) { statuses <- ev })
	receipts := make(chan bus.ReceiptCreated, 1)
	f.bus.SubscribeReceipts(func(ev bus.ReceiptCreated) { receipts <- ev })

	id, err := f.store.Enqueue(ctx, "echo.say", map[string]any{"message": "ping"}, "")
	require.NoError(t, err)

	f.start(t)
	awaitReceipt(t, f.store, id)

	ev := <-receipts
	assert.Equal(t, id, ev.CallID)
	assert.Equal(t, contracts.StatusSucceeded, ev.Status)
	assert.NotEmpty(t, ev.ReceiptID)

	first := <-statuses
	assert.Equal(t, contracts.StatusQueued, first.OldStatus)
	assert.Equal(t, contracts.StatusRunning, first.NewStatus)
	second := <-statuses
	assert.Equal(t, contracts.StatusRunning, second.OldStatus)
	assert.Equal(t, contracts.StatusSucceeded, second.NewStatus)
}

func TestWorkerStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.Enqueue(ctx, "echo.say", map[string]any{"message": "bye"}, "")
	require.NoError(t, err)

	require.NoError(t, f.worker.Start(ctx))
	awaitReceipt(t, f.store, id)

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, f.worker.Stop(stopCtx))

	h := f.worker.Health()
	assert.Zero(t, h.ActiveJobs)
	assert.Equal(t, uint64(1), h.JobsClaimed)
	assert.Equal(t, uint64(1), h.JobsCompleted)
	assert.Zero(t, h.JobsFailed)
	assert.False(t, h.LastClaimAt.IsZero())

	t.Run("double start is rejected after stop", func(t *testing.T) {
		assert.Error(t, f.worker.Start(ctx))
	})
}
