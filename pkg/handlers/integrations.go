package handlers

import (
	"context"

	"github.com/opsdeck-ai/opsdeck/pkg/contracts"
	"github.com/opsdeck-ai/opsdeck/pkg/dispatch"
)

var highlevelEnv = []string{"HIGHLEVEL_API_KEY", "HIGHLEVEL_LOCATION_ID"}

// syncContacts implements integrations.highlevel.sync_contacts
// (idempotency: none). The nested dotted name exercises multi-segment
// dispatch. Without credentials it is not_configured with no effects.
func syncContacts(deps Deps) dispatch.Handler {
	return func(_ context.Context, input map[string]any, call *dispatch.CallContext) (*contracts.Outcome, error) {
		if missing := missingEnv(deps.Getenv, highlevelEnv); len(missing) > 0 {
			return contracts.NotConfigured(contracts.NotConfiguredInfo{
				Reason:      "HighLevel API credentials are not set",
				RequiredEnv: missing,
				NextSteps:   []string{"create an API key in HighLevel", "set the listed environment variables"},
			}), nil
		}
		direction := stringField(input, "direction")
		if direction == "" {
			direction = "pull"
		}
		call.Logger.Info("contact sync accepted", "direction", direction)
		return contracts.Success(map[string]any{
			"accepted":  true,
			"direction": direction,
		}, contracts.Effects{ExternalCalls: []string{"highlevel:contacts:" + direction}}), nil
	}
}
