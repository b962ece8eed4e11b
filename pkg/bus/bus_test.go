package bus

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeck-ai/opsdeck/pkg/contracts"
)

func TestInProcessBus(t *testing.T) {
	t.Run("delivers to all subscribers", func(t *testing.T) {
		b := NewInProcessBus()
		var mu sync.Mutex
		var got []string

		b.SubscribeReceipts(func(ev ReceiptCreated) {
			mu.Lock()
			got = append(got, "a:"+ev.CallID)
			mu.Unlock()
		})
		b.SubscribeReceipts(func(ev ReceiptCreated) {
			mu.Lock()
			got = append(got, "b:"+ev.CallID)
			mu.Unlock()
		})

		err := b.PublishReceiptCreated(context.Background(), ReceiptCreated{CallID: "c1"})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a:c1", "b:c1"}, got)
	})

	t.Run("cancel removes the subscription", func(t *testing.T) {
		b := NewInProcessBus()
		var count int
		cancel := b.SubscribeReceipts(func(ReceiptCreated) { count++ })

		require.NoError(t, b.PublishReceiptCreated(context.Background(), ReceiptCreated{CallID: "c1"}))
		cancel()
		require.NoError(t, b.PublishReceiptCreated(context.Background(), ReceiptCreated{CallID: "c2"}))
		assert.Equal(t, 1, count)
	})

	t.Run("per-call ordering is preserved", func(t *testing.T) {
		b := NewInProcessBus()
		var statuses []contracts.CallStatus
		b.SubscribeCallStatus(func(ev CallStatusChanged) {
			statuses = append(statuses, ev.NewStatus)
		})

		ctx := context.Background()
		require.NoError(t, b.PublishCallStatusChanged(ctx, CallStatusChanged{CallID: "c1", NewStatus: contracts.StatusRunning}))
		require.NoError(t, b.PublishCallStatusChanged(ctx, CallStatusChanged{CallID: "c1", NewStatus: contracts.StatusSucceeded}))

		assert.Equal(t, []contracts.CallStatus{contracts.StatusRunning, contracts.StatusSucceeded}, statuses)
	})

	t.Run("publish with no subscribers is a no-op", func(t *testing.T) {
		b := NewInProcessBus()
		assert.NoError(t, b.PublishReceiptCreated(context.Background(), ReceiptCreated{CallID: "c1"}))
	})
}
