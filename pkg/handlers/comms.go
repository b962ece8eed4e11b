package handlers

import (
	"context"

	"github.com/opsdeck-ai/opsdeck/pkg/contracts"
	"github.com/opsdeck-ai/opsdeck/pkg/dispatch"
)

var smsEnv = []string{"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER"}

// sendSMS implements comms.send_sms (idempotency: safe-retry). Without
// provider credentials it returns not_configured and performs no side
// effects at all. With credentials it records the outbound intent;
// actual delivery belongs to the comms collaborator.
func sendSMS(deps Deps) dispatch.Handler {
	return func(_ context.Context, input map[string]any, call *dispatch.CallContext) (*contracts.Outcome, error) {
		if missing := missingEnv(deps.Getenv, smsEnv); len(missing) > 0 {
			return contracts.NotConfigured(contracts.NotConfiguredInfo{
				Reason:      "SMS provider credentials are not set",
				RequiredEnv: missing,
				NextSteps:   []string{"set the listed environment variables and retry the call"},
			}), nil
		}
		msg := deps.Mem.RecordOutbound(stringField(input, "to"), stringField(input, "body"))
		call.Logger.Info("sms queued", "message_id", msg.ID, "to", msg.To)
		return contracts.Success(map[string]any{
			"message_id": msg.ID,
			"to":         msg.To,
			"queued":     true,
		}, contracts.Effects{MessagesSent: []string{msg.To}}), nil
	}
}

func missingEnv(getenv func(string) string, keys []string) []string {
	var missing []string
	for _, k := range keys {
		if getenv(k) == "" {
			missing = append(missing, k)
		}
	}
	return missing
}
