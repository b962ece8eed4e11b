package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateName(t *testing.T) {
	t.Run("accepts dotted lowercase names", func(t *testing.T) {
		for _, name := range []string{
			"os.create_note",
			"leads.create",
			"integrations.highlevel.sync_contacts",
			"a.b",
		} {
			assert.NoError(t, ValidateName(name), name)
		}
	})

	t.Run("rejects malformed names", func(t *testing.T) {
		for _, name := range []string{
			"",
			"create_note",
			"OS.create_note",
			"os.Create",
			"os..create",
			".os.create",
			"os.create.",
			"os.create-note",
			"1os.create",
		} {
			assert.Error(t, ValidateName(name), name)
		}
	})
}

func TestToolDomainAndTimeout(t *testing.T) {
	tool := &Tool{Name: "integrations.highlevel.sync_contacts"}
	assert.Equal(t, "integrations", tool.Domain())
	assert.Equal(t, DefaultTimeoutMs, tool.Timeout())

	tool.TimeoutMs = 5000
	assert.Equal(t, 5000, tool.Timeout())
}

func TestCallStatusTransitions(t *testing.T) {
	t.Run("terminal statuses never transition", func(t *testing.T) {
		for _, from := range []CallStatus{StatusSucceeded, StatusFailed, StatusNotConfigured} {
			assert.True(t, from.Terminal())
			for _, to := range []CallStatus{StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusNotConfigured} {
				assert.False(t, LegalTransition(from, to), "%s -> %s", from, to)
			}
		}
	})

	t.Run("queued only moves to running", func(t *testing.T) {
		assert.True(t, LegalTransition(StatusQueued, StatusRunning))
		assert.False(t, LegalTransition(StatusQueued, StatusSucceeded))
		assert.False(t, LegalTransition(StatusQueued, StatusFailed))
	})

	t.Run("running moves only to terminal", func(t *testing.T) {
		assert.True(t, LegalTransition(StatusRunning, StatusSucceeded))
		assert.True(t, LegalTransition(StatusRunning, StatusFailed))
		assert.True(t, LegalTransition(StatusRunning, StatusNotConfigured))
		assert.False(t, LegalTransition(StatusRunning, StatusQueued))
		assert.False(t, LegalTransition(StatusRunning, StatusRunning))
	})
}

func TestResolvePath(t *testing.T) {
	result := map[string]any{
		"lead": map[string]any{
			"id":    "L-1",
			"phone": "+15550134",
			"nil":   nil,
		},
		"count": 2,
	}

	t.Run("walks nested segments", func(t *testing.T) {
		v, ok := ResolvePath(result, "lead.id")
		require.True(t, ok)
		assert.Equal(t, "L-1", v)
	})

	t.Run("top level", func(t *testing.T) {
		v, ok := ResolvePath(result, "count")
		require.True(t, ok)
		assert.Equal(t, 2, v)
	})

	t.Run("absent segment", func(t *testing.T) {
		_, ok := ResolvePath(result, "lead.email")
		assert.False(t, ok)
	})

	t.Run("nil value counts as missing", func(t *testing.T) {
		_, ok := ResolvePath(result, "lead.nil")
		assert.False(t, ok)
	})

	t.Run("non-object midway", func(t *testing.T) {
		_, ok := ResolvePath(result, "count.x")
		assert.False(t, ok)
	})
}

func TestMissingReceiptFields(t *testing.T) {
	tool := &Tool{
		Name:          "leads.create",
		ReceiptFields: []string{"lead_id", "contact.phone"},
	}

	missing := tool.MissingReceiptFields(map[string]any{
		"lead_id": "L-1",
		"contact": map[string]any{"phone": "+15550134"},
	})
	assert.Empty(t, missing)

	missing = tool.MissingReceiptFields(map[string]any{"lead_id": "L-1"})
	assert.Equal(t, []string{"contact.phone"}, missing)
}

func TestModeAndLimits(t *testing.T) {
	t.Run("mode validity", func(t *testing.T) {
		for _, m := range []Mode{ModeAnswer, ModePlan, ModeEnqueue, ModeEnqueueAndWait} {
			assert.True(t, m.Valid())
		}
		assert.False(t, Mode("dry_run").Valid())
	})

	t.Run("only enqueue modes enqueue", func(t *testing.T) {
		assert.False(t, ModeAnswer.Enqueues())
		assert.False(t, ModePlan.Enqueues())
		assert.True(t, ModeEnqueue.Enqueues())
		assert.True(t, ModeEnqueueAndWait.Enqueues())
	})

	t.Run("limit defaults", func(t *testing.T) {
		l := Limits{}.Normalized()
		assert.Equal(t, DefaultMaxToolCalls, l.MaxToolCalls)
		assert.Equal(t, DefaultWaitTimeoutMs, l.WaitTimeoutMs)

		l = Limits{MaxToolCalls: 3, WaitTimeoutMs: 100}.Normalized()
		assert.Equal(t, 3, l.MaxToolCalls)
		assert.Equal(t, 100, l.WaitTimeoutMs)
	})
}

func TestOutcomeBuilders(t *testing.T) {
	t.Run("not_configured carries actionable info", func(t *testing.T) {
		o := NotConfigured(NotConfiguredInfo{
			Reason:      "credentials missing",
			RequiredEnv: []string{"API_KEY"},
			NextSteps:   []string{"set API_KEY"},
		})
		assert.Equal(t, StatusNotConfigured, o.Status)
		assert.Equal(t, "credentials missing", o.Result["reason"])
		assert.Equal(t, []string{"API_KEY"}, o.Result["required_env"])
		assert.Nil(t, o.Failure)
	})

	t.Run("failed carries a taxonomy code", func(t *testing.T) {
		o := Failed(CodeExecutionTimeout, "exceeded %dms", 30000)
		assert.Equal(t, StatusFailed, o.Status)
		require.NotNil(t, o.Failure)
		assert.Equal(t, CodeExecutionTimeout, o.Failure.Code)
		assert.Contains(t, o.Failure.Message, "30000")
	})
}

func TestFailure(t *testing.T) {
	f := NewFailure(CodeToolNotFound, "no entry for %s", "x.y").
		WithDetails(map[string]any{"tool": "x.y"})
	assert.Equal(t, "tool_not_found: no entry for x.y", f.Error())
	assert.Equal(t, "x.y", f.Details["tool"])

	wrapped := AsFailure(f)
	assert.Same(t, f, wrapped)

	plain := AsFailure(assert.AnError)
	assert.Equal(t, CodeHandlerThrew, plain.Code)
}
