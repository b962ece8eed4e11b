// Package handlers bundles the built-in handler modules: os notes,
// leads, quotes, comms and integrations. Together they exercise every
// idempotency mode and every terminal status; real business depth lives
// with collaborators, not here.
package handlers

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsdeck-ai/opsdeck/pkg/dispatch"
)

// Deps wires the built-in handlers. Getenv defaults to os.Getenv;
// tests override it to flip tools between configured and not.
type Deps struct {
	Mem    *Memory
	Log    *slog.Logger
	Getenv func(string) string
}

// Register binds every built-in handler into the dispatch table.
func Register(t *dispatch.Table, deps Deps) {
	if deps.Mem == nil {
		deps.Mem = NewMemory()
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Getenv == nil {
		deps.Getenv = os.Getenv
	}

	t.Register("os.create_note", createNote(deps))
	t.Register("os.list_notes", listNotes(deps))
	t.Register("leads.create", createLead(deps))
	t.Register("leads.lookup", lookupLead(deps))
	t.Register("quotes.draft_quote", draftQuote(deps))
	t.Register("comms.send_sms", sendSMS(deps))
	t.Register("integrations.highlevel.sync_contacts", syncContacts(deps))
}

// Note is a free-form operator note.
type Note struct {
	ID        string    `json:"note_id"`
	Content   string    `json:"content"`
	Topic     string    `json:"topic,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Lead is a contact record unique by phone.
type Lead struct {
	ID        string    `json:"lead_id"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name,omitempty"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Quote is a draft estimate.
type Quote struct {
	ID           string    `json:"quote_id"`
	CustomerName string    `json:"customer_name,omitempty"`
	Description  string    `json:"description"`
	Amount       float64   `json:"amount,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// OutboundMessage is a recorded outbound intent; delivery belongs to a
// collaborator, never to the core.
type OutboundMessage struct {
	ID        string    `json:"message_id"`
	To        string    `json:"to"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Memory is the in-process backing store for the built-in handlers. It
// is deliberately not the queue store: handlers own their own state.
type Memory struct {
	mu           sync.Mutex
	notes        []Note
	leadsByPhone map[string]Lead
	quotes       map[string]Quote
	outbox       []OutboundMessage
}

func NewMemory() *Memory {
	return &Memory{
		leadsByPhone: make(map[string]Lead),
		quotes:       make(map[string]Quote),
	}
}

// AddNote appends a note and returns it.
func (m *Memory) AddNote(content, topic string) Note {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := Note{
		ID:        uuid.NewString(),
		Content:   content,
		Topic:     topic,
		CreatedAt: time.Now().UTC(),
	}
	m.notes = append(m.notes, n)
	return n
}

// Notes returns notes newest-first, optionally filtered by topic.
func (m *Memory) Notes(topic string) []Note {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Note, 0, len(m.notes))
	for i := len(m.notes) - 1; i >= 0; i-- {
		if topic != "" && m.notes[i].Topic != topic {
			continue
		}
		out = append(out, m.notes[i])
	}
	return out
}

// LeadByPhone returns the lead holding the phone, if any.
func (m *Memory) LeadByPhone(phone string) (Lead, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leadsByPhone[phone]
	return l, ok
}

// UpsertLead inserts a lead unless one already holds the phone. The
// single lock makes the phone constraint race-safe: concurrent creates
// for the same phone converge on one record.
func (m *Memory) UpsertLead(phone, name, source string) (Lead, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.leadsByPhone[phone]; ok {
		return existing, false
	}
	l := Lead{
		ID:        uuid.NewString(),
		Phone:     phone,
		Name:      name,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
	m.leadsByPhone[phone] = l
	return l, true
}

// AddQuote stores a draft quote.
func (m *Memory) AddQuote(customer, description string, amount float64) Quote {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := Quote{
		ID:           uuid.NewString(),
		CustomerName: customer,
		Description:  description,
		Amount:       amount,
		Status:       "draft",
		CreatedAt:    time.Now().UTC(),
	}
	m.quotes[q.ID] = q
	return q
}

// RecordOutbound appends to the outbox and returns the record.
func (m *Memory) RecordOutbound(to, body string) OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := OutboundMessage{
		ID:        uuid.NewString(),
		To:        to,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	m.outbox = append(m.outbox, msg)
	return msg
}

// Outbox returns the recorded outbound messages, oldest first.
func (m *Memory) Outbox() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, len(m.outbox))
	copy(out, m.outbox)
	return out
}

func stringField(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

func floatField(input map[string]any, key string) float64 {
	switch v := input[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
