package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeck-ai/opsdeck/pkg/contracts"
)

func newRedisBus(t *testing.T) *RedisBus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b, err := NewRedisBus(context.Background(), client, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		panic("unreachable")
	}
}

func TestRedisBusRoundTrip(t *testing.T) {
	b := newRedisBus(t)

	t.Run("receipt events cross the wire", func(t *testing.T) {
		got := make(chan ReceiptCreated, 1)
		cancel := b.SubscribeReceipts(func(ev ReceiptCreated) { got <- ev })
		defer cancel()

		err := b.PublishReceiptCreated(context.Background(), ReceiptCreated{
			ReceiptID: "r1",
			CallID:    "c1",
			ToolName:  "leads.create",
			Status:    contracts.StatusSucceeded,
		})
		require.NoError(t, err)

		ev := waitFor(t, got)
		assert.Equal(t, "r1", ev.ReceiptID)
		assert.Equal(t, "c1", ev.CallID)
		assert.Equal(t, contracts.StatusSucceeded, ev.Status)
	})

	t.Run("status events cross the wire", func(t *testing.T) {
		got := make(chan CallStatusChanged, 1)
		cancel := b.SubscribeCallStatus(func(ev CallStatusChanged) { got <- ev })
		defer cancel()

		err := b.PublishCallStatusChanged(context.Background(), CallStatusChanged{
			CallID:    "c1",
			OldStatus: contracts.StatusQueued,
			NewStatus: contracts.StatusRunning,
			WorkerID:  "w1",
		})
		require.NoError(t, err)

		ev := waitFor(t, got)
		assert.Equal(t, contracts.StatusQueued, ev.OldStatus)
		assert.Equal(t, contracts.StatusRunning, ev.NewStatus)
		assert.Equal(t, "w1", ev.WorkerID)
	})
}
