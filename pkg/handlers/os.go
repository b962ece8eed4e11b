package handlers

import (
	"context"

	"github.com/opsdeck-ai/opsdeck/pkg/contracts"
	"github.com/opsdeck-ai/opsdeck/pkg/dispatch"
)

// createNote implements os.create_note (idempotency: none).
func createNote(deps Deps) dispatch.Handler {
	return func(_ context.Context, input map[string]any, call *dispatch.CallContext) (*contracts.Outcome, error) {
		n := deps.Mem.AddNote(stringField(input, "content"), stringField(input, "topic"))
		call.Logger.Debug("note created", "note_id", n.ID)
		return contracts.Success(map[string]any{
			"note_id":    n.ID,
			"content":    n.Content,
			"topic":      n.Topic,
			"created_at": n.CreatedAt,
		}, contracts.Effects{DBWrites: []string{"notes:" + n.ID}}), nil
	}
}

// listNotes implements os.list_notes (read-only, no effects).
func listNotes(deps Deps) dispatch.Handler {
	return func(_ context.Context, input map[string]any, _ *dispatch.CallContext) (*contracts.Outcome, error) {
		notes := deps.Mem.Notes(stringField(input, "topic"))
		items := make([]map[string]any, len(notes))
		for i, n := range notes {
			items[i] = map[string]any{
				"note_id":    n.ID,
				"content":    n.Content,
				"topic":      n.Topic,
				"created_at": n.CreatedAt,
			}
		}
		return contracts.Success(map[string]any{
			"notes": items,
			"count": len(items),
		}, contracts.Effects{}), nil
	}
}
