package brain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func matchDefault(t *testing.T, msg string, ctx map[string]any) (*Rule, map[string]any) {
	t.Helper()
	rule, input := DefaultRules().Match(msg, ctx)
	require.NotNil(t, rule, "no rule matched %q", msg)
	return rule, input
}

func TestDefaultRules(t *testing.T) {
	t.Run("create lead from message phone", func(t *testing.T) {
		rule, input := matchDefault(t, "create a lead for Dana at +1 (555) 013-4567", nil)
		assert.Equal(t, "leads.create", rule.ToolName)
		assert.Equal(t, "+15550134567", input["phone"])
		assert.Equal(t, "Dana", input["name"])
	})

	t.Run("lead phone falls back to context", func(t *testing.T) {
		rule, input := matchDefault(t, "add a lead for the caller", map[string]any{
			"phone":  "555 013 4567",
			"source": "missed_call",
		})
		assert.Equal(t, "leads.create", rule.ToolName)
		assert.Equal(t, "5550134567", input["phone"])
		assert.Equal(t, "missed_call", input["source"])
	})

	t.Run("lead without any phone declines", func(t *testing.T) {
		rule, _ := DefaultRules().Match("create a lead for Dana", nil)
		assert.Nil(t, rule)
	})

	t.Run("two-word names are captured", func(t *testing.T) {
		_, input := matchDefault(t, "new lead for Dana Smith at 555-013-4567", nil)
		assert.Equal(t, "Dana Smith", input["name"])
	})

	t.Run("sms uses quoted body", func(t *testing.T) {
		rule, input := matchDefault(t, `send an sms to 555-013-4567 saying "running late"`, nil)
		assert.Equal(t, "comms.send_sms", rule.ToolName)
		assert.Equal(t, "5550134567", input["to"])
		assert.Equal(t, "running late", input["body"])
	})

	t.Run("sms without quotes carries the whole message", func(t *testing.T) {
		msg := "send a text to 555-013-4567 that we are on the way"
		rule, input := matchDefault(t, msg, nil)
		assert.Equal(t, "comms.send_sms", rule.ToolName)
		assert.Equal(t, msg, input["body"])
	})

	t.Run("quote extracts amount and party", func(t *testing.T) {
		rule, input := matchDefault(t, "draft a quote for Dana, roof repair, $450.50", nil)
		assert.Equal(t, "quotes.draft_quote", rule.ToolName)
		assert.Equal(t, "Dana", input["customer_name"])
		assert.Equal(t, 450.50, input["amount"])
		assert.NotEmpty(t, input["description"])
	})

	t.Run("quote without amount still drafts", func(t *testing.T) {
		rule, input := matchDefault(t, "put together an estimate for Dana", nil)
		assert.Equal(t, "quotes.draft_quote", rule.ToolName)
		_, hasAmount := input["amount"]
		assert.False(t, hasAmount)
	})

	t.Run("note prefers quoted content", func(t *testing.T) {
		rule, input := matchDefault(t, `note "call the supplier back" please`, map[string]any{"topic": "ops"})
		assert.Equal(t, "os.create_note", rule.ToolName)
		assert.Equal(t, "call the supplier back", input["content"])
		assert.Equal(t, "ops", input["topic"])
	})

	t.Run("sync contacts defaults to pull", func(t *testing.T) {
		rule, input := matchDefault(t, "sync my contacts", nil)
		assert.Equal(t, "integrations.highlevel.sync_contacts", rule.ToolName)
		assert.Equal(t, "pull", input["direction"])
	})

	t.Run("sync push is detected", func(t *testing.T) {
		_, input := matchDefault(t, "push and sync the contacts upstream", nil)
		assert.Equal(t, "push", input["direction"])
	})

	t.Run("first matching rule wins", func(t *testing.T) {
		// Mentions both contacts sync and a note; sync is registered first.
		rule, _ := matchDefault(t, "sync contacts and note the result", nil)
		assert.Equal(t, "sync_contacts", rule.Name)
	})

	t.Run("unrelated chatter matches nothing", func(t *testing.T) {
		rule, _ := DefaultRules().Match("how are you today", nil)
		assert.Nil(t, rule)
	})
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "+15550134567", normalizePhone("+1 (555) 013-4567"))
	assert.Equal(t, "5550134567", normalizePhone("555.013.4567"))
	assert.Equal(t, "", normalizePhone("no digits"))
}
