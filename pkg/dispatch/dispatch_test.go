package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeck-ai/opsdeck/pkg/contracts"
)

func noop(context.Context, map[string]any, *CallContext) (*contracts.Outcome, error) {
	return contracts.Success(map[string]any{}, contracts.Effects{}), nil
}

func TestResolve(t *testing.T) {
	t.Run("two segments", func(t *testing.T) {
		ref, err := Resolve("leads.create")
		require.NoError(t, err)
		assert.Equal(t, Ref{Module: "leads", Symbol: "create"}, ref)
	})

	t.Run("nested segments join with underscore", func(t *testing.T) {
		ref, err := Resolve("integrations.highlevel.sync_contacts")
		require.NoError(t, err)
		assert.Equal(t, Ref{Module: "integrations", Symbol: "highlevel_sync_contacts"}, ref)
	})

	t.Run("no method segment", func(t *testing.T) {
		_, err := Resolve("leads")
		assert.Error(t, err)
	})
}

func TestTable(t *testing.T) {
	t.Run("register and lookup", func(t *testing.T) {
		tbl := NewTable()
		tbl.Register("leads.create", noop)

		h, ok := tbl.Lookup("leads.create")
		assert.True(t, ok)
		assert.NotNil(t, h)

		_, ok = tbl.Lookup("leads.delete")
		assert.False(t, ok)
	})

	t.Run("duplicate registration panics", func(t *testing.T) {
		tbl := NewTable()
		tbl.Register("leads.create", noop)
		assert.Panics(t, func() { tbl.Register("leads.create", noop) })
	})

	t.Run("nil handler panics", func(t *testing.T) {
		tbl := NewTable()
		assert.Panics(t, func() { tbl.Register("leads.create", nil) })
	})

	t.Run("undotted name panics", func(t *testing.T) {
		tbl := NewTable()
		assert.Panics(t, func() { tbl.Register("leads", noop) })
	})

	t.Run("registered names are sorted", func(t *testing.T) {
		tbl := NewTable()
		tbl.Register("quotes.draft_quote", noop)
		tbl.Register("leads.create", noop)
		assert.Equal(t, []string{"leads.create", "quotes.draft_quote"}, tbl.Registered())
	})
}
