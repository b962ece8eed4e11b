// Package bus fans out call-status and receipt-creation events. Delivery
// is at-least-once within a process; ordering is preserved per call id.
package bus

import (
	"context"
	"sync"

	"github.com/opsdeck-ai/opsdeck/pkg/contracts"
)

// Event type names on the wire.
const (
	EventReceiptCreated    = "receipt_created"
	EventCallStatusChanged = "call_status_changed"
)

// ReceiptCreated references a freshly written receipt.
type ReceiptCreated struct {
	ReceiptID string               `json:"receipt_id"`
	CallID    string               `json:"call_id"`
	ToolName  string               `json:"tool_name"`
	Status    contracts.CallStatus `json:"status"`
}

// CallStatusChanged reports a call lifecycle transition.
type CallStatusChanged struct {
	CallID    string               `json:"call_id"`
	OldStatus contracts.CallStatus `json:"old_status"`
	NewStatus contracts.CallStatus `json:"new_status"`
	WorkerID  string               `json:"worker_id,omitempty"`
}

// Bus is the abstract event fan-out the worker publishes to and the
// planner subscribes on.
type Bus interface {
	PublishReceiptCreated(ctx context.Context, ev ReceiptCreated) error
	PublishCallStatusChanged(ctx context.Context, ev CallStatusChanged) error
	// SubscribeReceipts registers a handler; the returned func removes it.
	SubscribeReceipts(fn func(ReceiptCreated)) (cancel func())
	SubscribeCallStatus(fn func(CallStatusChanged)) (cancel func())
}

// InProcessBus delivers synchronously to subscribers in registration
// order, which preserves per-call ordering without extra machinery.
type InProcessBus struct {
	mu          sync.RWMutex
	nextID      int
	receiptSubs map[int]func(ReceiptCreated)
	statusSubs  map[int]func(CallStatusChanged)
}

func NewInProcessBus() *InProcessBus {
	return &InProcessBus{
		receiptSubs: make(map[int]func(ReceiptCreated)),
		statusSubs:  make(map[int]func(CallStatusChanged)),
	}
}

func (b *InProcessBus) PublishReceiptCreated(_ context.Context, ev ReceiptCreated) error {
	b.mu.RLock()
	subs := make([]func(ReceiptCreated), 0, len(b.receiptSubs))
	for _, fn := range b.receiptSubs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
	return nil
}

func (b *InProcessBus) PublishCallStatusChanged(_ context.Context, ev CallStatusChanged) error {
	b.mu.RLock()
	subs := make([]func(CallStatusChanged), 0, len(b.statusSubs))
	for _, fn := range b.statusSubs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
	return nil
}

func (b *InProcessBus) SubscribeReceipts(fn func(ReceiptCreated)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.receiptSubs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.receiptSubs, id)
		b.mu.Unlock()
	}
}

func (b *InProcessBus) SubscribeCallStatus(fn func(CallStatusChanged)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.statusSubs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.statusSubs, id)
		b.mu.Unlock()
	}
}
