package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsdeck-ai/opsdeck/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default embedded backend.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite-backed store at path. Use
// ":memory:" for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		// Serialized writes; the claim UPDATE depends on it.
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// modernc sqlite handles one writer at a time.
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an existing handle and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS calls (
		id TEXT PRIMARY KEY,
		tool_name TEXT NOT NULL,
		input JSON NOT NULL,
		status TEXT NOT NULL,
		idempotency_key TEXT NOT NULL DEFAULT '',
		error JSON,
		claimed_at TEXT,
		claimed_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_calls_claim ON calls(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_calls_claimed_by ON calls(claimed_by);

	CREATE TABLE IF NOT EXISTS receipts (
		id TEXT PRIMARY KEY,
		call_id TEXT NOT NULL UNIQUE,
		tool_name TEXT NOT NULL,
		status TEXT NOT NULL,
		result JSON,
		effects JSON,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_receipts_tool ON receipts(tool_name, status, created_at);

	CREATE TABLE IF NOT EXISTS brain_runs (
		id TEXT PRIMARY KEY,
		message TEXT NOT NULL,
		mode TEXT NOT NULL,
		conversation_id TEXT NOT NULL DEFAULT '',
		context JSON,
		limits JSON,
		decision JSON,
		planned_tool_calls JSON,
		enqueued_call_ids JSON,
		status TEXT NOT NULL,
		assistant_message TEXT NOT NULL DEFAULT '',
		next_actions JSON,
		receipts JSON,
		error JSON,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		aggregate TEXT NOT NULL,
		payload JSON,
		created_at TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("migrate sqlite store: %w", err)
	}
	return nil
}

// Close closes the underlying handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Enqueue(ctx context.Context, toolName string, input map[string]any, idempotencyKey string) (string, error) {
	id := uuid.NewString()
	now := timestamp(time.Now())
	inputJSON, err := json.Marshal(orEmpty(input))
	if err != nil {
		return "", fmt.Errorf("encode input: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO calls (id, tool_name, input, status, idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, toolName, string(inputJSON), contracts.StatusQueued, idempotencyKey, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", toolName, err)
	}
	return id, nil
}

const callColumns = `id, tool_name, input, status, idempotency_key, error, claimed_at, claimed_by, created_at, updated_at`

func (s *SQLiteStore) ClaimNext(ctx context.Context, workerID string) (*contracts.ToolCall, error) {
	now := timestamp(time.Now())
	// Single-statement claim: the subquery picks the oldest queued call,
	// the guarded UPDATE flips it to running. SQLite serializes writers,
	// so two workers can never claim the same row.
	row := s.db.QueryRowContext(ctx, `
		UPDATE calls
		SET status = ?, claimed_at = ?, claimed_by = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM calls WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1
		) AND status = ?
		RETURNING `+callColumns,
		contracts.StatusRunning, now, workerID, now,
		contracts.StatusQueued, contracts.StatusQueued,
	)
	call, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	return call, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, callID string, status contracts.CallStatus, failure *contracts.Failure) error {
	return completeTx(ctx, s.db, sqliteDialect{}, callID, status, failure)
}

func (s *SQLiteStore) WriteReceipt(ctx context.Context, r *contracts.Receipt) (string, error) {
	return writeReceiptTx(ctx, s.db, sqliteDialect{}, r)
}

func (s *SQLiteStore) Finalize(ctx context.Context, callID string, status contracts.CallStatus, failure *contracts.Failure, r *contracts.Receipt) (string, error) {
	return finalize(ctx, s.db, sqliteDialect{}, callID, status, failure, r)
}

func (s *SQLiteStore) GetCall(ctx context.Context, id string) (*contracts.ToolCall, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE id = ?`, id)
	call, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrCallNotFound, id)
	}
	return call, err
}

const receiptColumns = `id, call_id, tool_name, status, result, effects, created_at`

func (s *SQLiteStore) FindReceiptByCallID(ctx context.Context, callID string) (*contracts.Receipt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE call_id = ?`, callID)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: call %s", ErrReceiptNotFound, callID)
	}
	return r, err
}

func (s *SQLiteStore) FindSuccessfulReceiptByToolAndKey(ctx context.Context, toolName, idempotencyKey string) (*contracts.Receipt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.call_id, r.tool_name, r.status, r.result, r.effects, r.created_at
		FROM receipts r
		JOIN calls c ON c.id = r.call_id
		WHERE r.tool_name = ? AND r.status = ? AND c.idempotency_key = ?
		ORDER BY r.created_at DESC, r.call_id DESC
		LIMIT 1`,
		toolName, contracts.StatusSucceeded, idempotencyKey,
	)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: tool %s key %s", ErrReceiptNotFound, toolName, idempotencyKey)
	}
	return r, err
}

func (s *SQLiteStore) FindSuccessfulReceiptByToolAndInputField(ctx context.Context, toolName, field string, value any) (*contracts.Receipt, error) {
	path := `$."` + strings.ReplaceAll(field, `"`, ``) + `"`
	row := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.call_id, r.tool_name, r.status, r.result, r.effects, r.created_at
		FROM receipts r
		JOIN calls c ON c.id = r.call_id
		WHERE r.tool_name = ? AND r.status = ? AND json_extract(c.input, ?) = ?
		ORDER BY r.created_at DESC, r.call_id DESC
		LIMIT 1`,
		toolName, contracts.StatusSucceeded, path, value,
	)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: tool %s %s=%v", ErrReceiptNotFound, toolName, field, value)
	}
	return r, err
}

func (s *SQLiteStore) RequeueStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := timestamp(time.Now().Add(-olderThan))
	now := timestamp(time.Now())
	rows, err := s.db.QueryContext(ctx, `
		UPDATE calls
		SET status = ?, claimed_at = NULL, claimed_by = '', updated_at = ?
		WHERE status = ? AND claimed_at < ?
		RETURNING id`,
		contracts.StatusQueued, now, contracts.StatusRunning, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("requeue stale: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) LogEvent(ctx context.Context, eventType, aggregate string, payload map[string]any) error {
	payloadJSON, err := json.Marshal(orEmpty(payload))
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, event_type, aggregate, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), eventType, aggregate, string(payloadJSON), timestamp(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("log event %s: %w", eventType, err)
	}
	return nil
}

func (s *SQLiteStore) CreateBrainRun(ctx context.Context, run *contracts.BrainRun) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}
	cols, err := encodeRun(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO brain_runs (id, message, mode, conversation_id, context, limits, decision,
			planned_tool_calls, enqueued_call_ids, status, assistant_message, next_actions,
			receipts, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Message, run.Mode, run.ConversationID, cols.context, cols.limits, cols.decision,
		cols.planned, cols.enqueued, run.Status, run.AssistantMessage, cols.nextActions,
		cols.receipts, cols.failure, timestamp(run.CreatedAt), timestamp(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create brain run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateBrainRun(ctx context.Context, run *contracts.BrainRun) error {
	cols, err := encodeRun(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE brain_runs
		SET decision = ?, planned_tool_calls = ?, enqueued_call_ids = ?, status = ?,
			assistant_message = ?, next_actions = ?, receipts = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		cols.decision, cols.planned, cols.enqueued, run.Status,
		run.AssistantMessage, cols.nextActions, cols.receipts, cols.failure, timestamp(time.Now()),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("update brain run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}
	return nil
}

func (s *SQLiteStore) GetBrainRun(ctx context.Context, id string) (*contracts.BrainRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, message, mode, conversation_id, context, limits, decision,
			planned_tool_calls, enqueued_call_ids, status, assistant_message, next_actions,
			receipts, error, created_at, updated_at
		FROM brain_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, err
}
