package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Channel names for cross-process fan-out.
const (
	receiptChannel = "opsdeck.receipts"
	statusChannel  = "opsdeck.calls"
)

// RedisBus bridges events across processes over Redis pub/sub. Redis
// preserves publish order per channel, which keeps per-call ordering.
type RedisBus struct {
	client *redis.Client
	local  *InProcessBus
	log    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisBus connects the bus and starts the subscriber loop. Events
// published by this process are also delivered locally via the loop,
// same as events from other processes.
func NewRedisBus(ctx context.Context, client *redis.Client, log *slog.Logger) (*RedisBus, error) {
	if log == nil {
		log = slog.Default()
	}
	b := &RedisBus{
		client: client,
		local:  NewInProcessBus(),
		log:    log,
	}

	sub := client.Subscribe(ctx, receiptChannel, statusChannel)
	// Wait for confirmation so no event published after construction
	// is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	go b.receive(loopCtx, sub)
	return b, nil
}

func (b *RedisBus) receive(ctx context.Context, sub *redis.PubSub) {
	defer b.wg.Done()
	defer func() { _ = sub.Close() }()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.deliver(msg)
		}
	}
}

func (b *RedisBus) deliver(msg *redis.Message) {
	switch msg.Channel {
	case receiptChannel:
		var ev ReceiptCreated
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			b.log.Warn("bus: drop malformed receipt event", "error", err)
			return
		}
		_ = b.local.PublishReceiptCreated(context.Background(), ev)
	case statusChannel:
		var ev CallStatusChanged
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			b.log.Warn("bus: drop malformed status event", "error", err)
			return
		}
		_ = b.local.PublishCallStatusChanged(context.Background(), ev)
	}
}

func (b *RedisBus) PublishReceiptCreated(ctx context.Context, ev ReceiptCreated) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, receiptChannel, payload).Err()
}

func (b *RedisBus) PublishCallStatusChanged(ctx context.Context, ev CallStatusChanged) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, statusChannel, payload).Err()
}

func (b *RedisBus) SubscribeReceipts(fn func(ReceiptCreated)) func() {
	return b.local.SubscribeReceipts(fn)
}

func (b *RedisBus) SubscribeCallStatus(fn func(CallStatusChanged)) func() {
	return b.local.SubscribeCallStatus(fn)
}

// Close stops the subscriber loop and waits for it to drain.
func (b *RedisBus) Close() error {
	b.cancel()
	b.wg.Wait()
	return nil
}
