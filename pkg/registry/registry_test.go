package registry

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeck-ai/opsdeck/pkg/contracts"
)

func TestLoadFile(t *testing.T) {
	reg, err := LoadFile("testdata/tools.yaml")
	require.NoError(t, err)

	assert.Equal(t, "1.0.0", reg.Version())
	assert.Len(t, reg.All(), 3)
	assert.ElementsMatch(t, []string{"comms", "leads", "os"}, reg.Domains())

	t.Run("lookup", func(t *testing.T) {
		tool, err := reg.Get("leads.create")
		require.NoError(t, err)
		assert.Equal(t, contracts.IdempotencyKeyed, tool.Idempotency.Mode)
		assert.Equal(t, "phone", tool.Idempotency.KeyField)
		assert.Equal(t, []string{"lead_id", "phone"}, tool.ReceiptFields)
		assert.Equal(t, contracts.DefaultTimeoutMs, tool.Timeout())

		note, err := reg.Get("os.create_note")
		require.NoError(t, err)
		assert.Equal(t, 5000, note.Timeout())
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, err := reg.Get("jobs.schedule")
		assert.ErrorIs(t, err, ErrToolNotFound)
		assert.False(t, reg.Has("jobs.schedule"))
	})
}

const catalogHeader = "version: \"1.0.0\"\ntools:\n"

func minimalEntry(name string) string {
	return fmt.Sprintf(`  - name: %s
    input_schema:
      type: object
      properties:
        content: { type: string }
      required: [content]
`, name)
}

func TestLoadRejections(t *testing.T) {
	invalid := func(t *testing.T, doc string) *InvalidRegistryError {
		t.Helper()
		_, err := Load([]byte(doc))
		require.Error(t, err)
		var ire *InvalidRegistryError
		require.True(t, errors.As(err, &ire), "want InvalidRegistryError, got %v", err)
		return ire
	}

	t.Run("duplicate names", func(t *testing.T) {
		ire := invalid(t, catalogHeader+minimalEntry("os.create_note")+minimalEntry("os.create_note"))
		assert.Equal(t, "name", ire.Field)
	})

	t.Run("keyed without key_field", func(t *testing.T) {
		doc := catalogHeader + minimalEntry("leads.create") + `    idempotency:
      mode: keyed
`
		ire := invalid(t, doc)
		assert.Equal(t, "idempotency.key_field", ire.Field)
	})

	t.Run("key_field not in required", func(t *testing.T) {
		doc := catalogHeader + `  - name: leads.create
    input_schema:
      type: object
      properties:
        phone: { type: string }
      required: []
    idempotency:
      mode: keyed
      key_field: phone
`
		ire := invalid(t, doc)
		assert.Equal(t, "idempotency.key_field", ire.Field)
		assert.Contains(t, ire.Reason, "required")
	})

	t.Run("unknown idempotency mode", func(t *testing.T) {
		doc := catalogHeader + minimalEntry("os.create_note") + `    idempotency:
      mode: exactly_once
`
		ire := invalid(t, doc)
		assert.Equal(t, "idempotency.mode", ire.Field)
	})

	t.Run("invalid schema fails at load", func(t *testing.T) {
		doc := catalogHeader + `  - name: os.create_note
    input_schema:
      type: objekt
`
		ire := invalid(t, doc)
		assert.Equal(t, "input_schema", ire.Field)
	})

	t.Run("negative timeout", func(t *testing.T) {
		doc := catalogHeader + minimalEntry("os.create_note") + `    timeout_ms: -5
`
		ire := invalid(t, doc)
		assert.Equal(t, "timeout_ms", ire.Field)
	})

	t.Run("explicit zero timeout", func(t *testing.T) {
		doc := catalogHeader + minimalEntry("os.create_note") + `    timeout_ms: 0
`
		ire := invalid(t, doc)
		assert.Equal(t, "timeout_ms", ire.Field)
	})

	t.Run("bad tool name", func(t *testing.T) {
		ire := invalid(t, catalogHeader+minimalEntry("CreateNote"))
		assert.Equal(t, "name", ire.Field)
	})

	t.Run("guard must compile", func(t *testing.T) {
		doc := catalogHeader + minimalEntry("os.create_note") + `    guard: 'input.content +'
`
		ire := invalid(t, doc)
		assert.Equal(t, "guard", ire.Field)
	})

	t.Run("guard must be boolean", func(t *testing.T) {
		doc := catalogHeader + minimalEntry("os.create_note") + `    guard: 'input.content'
`
		ire := invalid(t, doc)
		assert.Equal(t, "guard", ire.Field)
	})

	t.Run("missing version", func(t *testing.T) {
		ire := invalid(t, "tools:\n"+minimalEntry("os.create_note"))
		assert.Equal(t, "version", ire.Field)
	})

	t.Run("non-semver version", func(t *testing.T) {
		ire := invalid(t, "version: latest\ntools:\n"+minimalEntry("os.create_note"))
		assert.Equal(t, "version", ire.Field)
	})

	t.Run("empty catalog", func(t *testing.T) {
		ire := invalid(t, "version: \"1.0.0\"\ntools: []\n")
		assert.Equal(t, "tools", ire.Field)
	})
}

func TestLoadJSONCatalog(t *testing.T) {
	// YAML is a JSON superset, so a JSON catalog loads unchanged.
	doc := `{
  "version": "2.1.0",
  "tools": [
    {
      "name": "os.create_note",
      "input_schema": {
        "type": "object",
        "properties": {"content": {"type": "string"}},
        "required": ["content"]
      },
      "idempotency": {"mode": "none"}
    }
  ]
}`
	reg, err := Load([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", reg.Version())
	assert.True(t, reg.Has("os.create_note"))
}
