package handlers

import (
	"context"

	"github.com/opsdeck-ai/opsdeck/pkg/contracts"
	"github.com/opsdeck-ai/opsdeck/pkg/dispatch"
)

// createLead implements leads.create (idempotency: keyed on phone).
// The idempotency engine catches replays before dispatch; the unique
// phone constraint here is the second line for true races, where the
// loser returns the winner's record instead of erroring.
func createLead(deps Deps) dispatch.Handler {
	return func(_ context.Context, input map[string]any, call *dispatch.CallContext) (*contracts.Outcome, error) {
		phone := stringField(input, "phone")
		lead, created := deps.Mem.UpsertLead(phone, stringField(input, "name"), stringField(input, "source"))

		effects := contracts.Effects{}
		if created {
			effects.DBWrites = []string{"leads:" + lead.ID}
			call.Logger.Info("lead created", "lead_id", lead.ID)
		} else {
			call.Logger.Info("lead already exists", "lead_id", lead.ID, "phone", phone)
		}
		return contracts.Success(map[string]any{
			"lead_id": lead.ID,
			"phone":   lead.Phone,
			"name":    lead.Name,
			"source":  lead.Source,
			"created": created,
		}, effects), nil
	}
}

// lookupLead implements leads.lookup. Read-only: a miss is a successful
// receipt with found=false, never a failure.
func lookupLead(deps Deps) dispatch.Handler {
	return func(_ context.Context, input map[string]any, call *dispatch.CallContext) (*contracts.Outcome, error) {
		phone := stringField(input, "phone")
		lead, ok := deps.Mem.LeadByPhone(phone)
		if !ok {
			return contracts.Success(map[string]any{"found": false, "phone": phone}, contracts.Effects{}), nil
		}
		return contracts.Success(map[string]any{
			"found":   true,
			"lead_id": lead.ID,
			"phone":   lead.Phone,
			"name":    lead.Name,
			"source":  lead.Source,
		}, contracts.Effects{}), nil
	}
}
