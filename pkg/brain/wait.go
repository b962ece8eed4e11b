package brain

import (
	"context"
	"errors"
	"time"

	"github.com/opsdeck-ai/opsdeck/pkg/bus"
	"github.com/opsdeck-ai/opsdeck/pkg/contracts"
	"github.com/opsdeck-ai/opsdeck/pkg/store"
)

// waitForReceipts blocks until every call id has a receipt or the
// timeout elapses. It subscribes to receipt events and polls the store
// as a fallback, so receipts written before the subscription (or on a
// bus that dropped the event) are still found. Returns the receipts
// collected so far plus the ids still pending, in enqueue order.
func (b *Brain) waitForReceipts(ctx context.Context, callIDs []string, timeout time.Duration) ([]contracts.Receipt, []string) {
	wanted := make(map[string]struct{}, len(callIDs))
	for _, id := range callIDs {
		wanted[id] = struct{}{}
	}

	arrived := make(chan string, len(callIDs))
	cancel := b.bus.SubscribeReceipts(func(ev bus.ReceiptCreated) {
		if _, ok := wanted[ev.CallID]; ok {
			select {
			case arrived <- ev.CallID:
			default:
			}
		}
	})
	defer cancel()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(b.pollInterval)
	defer poll.Stop()

	collected := make(map[string]contracts.Receipt, len(callIDs))

	// Receipts may already exist (idempotency hits resolve fast).
	b.collect(ctx, wanted, collected)

	for len(collected) < len(callIDs) {
		select {
		case <-ctx.Done():
			return b.ordered(callIDs, collected)
		case <-deadline.C:
			// Last look before reporting partial results.
			b.collect(ctx, wanted, collected)
			return b.ordered(callIDs, collected)
		case id := <-arrived:
			if _, have := collected[id]; have {
				continue
			}
			if r, err := b.store.FindReceiptByCallID(ctx, id); err == nil {
				collected[id] = *r
			}
		case <-poll.C:
			b.collect(ctx, wanted, collected)
		}
	}
	return b.ordered(callIDs, collected)
}

// collect polls the store for every wanted receipt not yet seen.
func (b *Brain) collect(ctx context.Context, wanted map[string]struct{}, collected map[string]contracts.Receipt) {
	for id := range wanted {
		if _, have := collected[id]; have {
			continue
		}
		r, err := b.store.FindReceiptByCallID(ctx, id)
		if err != nil {
			if !errors.Is(err, store.ErrReceiptNotFound) {
				b.log.Warn("receipt poll failed", "call_id", id, "error", err)
			}
			continue
		}
		collected[id] = *r
	}
}

// ordered splits collected receipts and pending ids, both in the
// original enqueue order.
func (b *Brain) ordered(callIDs []string, collected map[string]contracts.Receipt) ([]contracts.Receipt, []string) {
	receipts := make([]contracts.Receipt, 0, len(collected))
	var pending []string
	for _, id := range callIDs {
		if r, ok := collected[id]; ok {
			receipts = append(receipts, r)
		} else {
			pending = append(pending, id)
		}
	}
	return receipts, pending
}
