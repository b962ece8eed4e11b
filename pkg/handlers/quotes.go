package handlers

import (
	"context"

	"github.com/opsdeck-ai/opsdeck/pkg/contracts"
	"github.com/opsdeck-ai/opsdeck/pkg/dispatch"
)

// draftQuote implements quotes.draft_quote (idempotency: safe-retry).
// Re-delivery with the same idempotency key replays the prior draft via
// the engine; a genuinely new call always drafts a new quote.
func draftQuote(deps Deps) dispatch.Handler {
	return func(_ context.Context, input map[string]any, call *dispatch.CallContext) (*contracts.Outcome, error) {
		q := deps.Mem.AddQuote(
			stringField(input, "customer_name"),
			stringField(input, "description"),
			floatField(input, "amount"),
		)
		call.Logger.Info("quote drafted", "quote_id", q.ID)
		return contracts.Success(map[string]any{
			"quote_id":      q.ID,
			"customer_name": q.CustomerName,
			"description":   q.Description,
			"amount":        q.Amount,
			"status":        q.Status,
		}, contracts.Effects{DBWrites: []string{"quotes:" + q.ID}}), nil
	}
}
