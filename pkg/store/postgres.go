package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opsdeck-ai/opsdeck/pkg/contracts"

	_ "github.com/lib/pq"
)

// PostgresStore is the server-grade backend. Claims rely on
// FOR UPDATE SKIP LOCKED so concurrent workers never block each other.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with a postgres:// URL and runs migrations.
func OpenPostgres(url string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewPostgresStore(db)
}

// NewPostgresStore wraps an existing handle and runs migrations.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS calls (
		id TEXT PRIMARY KEY,
		tool_name TEXT NOT NULL,
		input JSONB NOT NULL,
		status TEXT NOT NULL,
		idempotency_key TEXT NOT NULL DEFAULT '',
		error JSONB,
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
		result JSONB,
		effects JSONB,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_receipts_tool ON receipts(tool_name, status, created_at);

	CREATE TABLE IF NOT EXISTS brain_runs (
		id TEXT PRIMARY KEY,
		message TEXT NOT NULL,
		mode TEXT NOT NULL,
		conversation_id TEXT NOT NULL DEFAULT '',
		context JSONB,
		limits JSONB,
		decision JSONB,
		planned_tool_calls JSONB,
		enqueued_call_ids JSONB,
		status TEXT NOT NULL,
		assistant_message TEXT NOT NULL DEFAULT '',
		next_actions JSONB,
		receipts JSONB,
		error JSONB,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		aggregate TEXT NOT NULL,
		payload JSONB,
		created_at TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("migrate postgres store: %w", err)
	}
	return nil
}

// Close closes the underlying handle.
func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Enqueue(ctx context.Context, toolName string, input map[string]any, idempotencyKey string) (string, error) {
	id := uuid.NewString()
	now := timestamp(time.Now())
	inputJSON, err := json.Marshal(orEmpty(input))
	if err != nil {
		return "", fmt.Errorf("encode input: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO calls (id, tool_name, input, status, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, toolName, string(inputJSON), contracts.StatusQueued, idempotencyKey, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", toolName, err)
	}
	return id, nil
}

func (s *PostgresStore) ClaimNext(ctx context.Context, workerID string) (*contracts.ToolCall, error) {
	now := timestamp(time.Now())
	// SKIP LOCKED makes concurrent claimers pass over rows another worker
	// is already acting on instead of blocking.
	row := s.db.QueryRowContext(ctx, `
		UPDATE calls
		SET status = $1, claimed_at = $2, claimed_by = $3, updated_at = $4
		WHERE id = (
			SELECT id FROM calls
			WHERE status = $5
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND status = $5
		RETURNING `+callColumns,
		contracts.StatusRunning, now, workerID, now, contracts.StatusQueued,
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

func (s *PostgresStore) Complete(ctx context.Context, callID string, status contracts.CallStatus, failure *contracts.Failure) error {
	return completeTx(ctx, s.db, postgresDialect{}, callID, status, failure)
}

func (s *PostgresStore) WriteReceipt(ctx context.Context, r *contracts.Receipt) (string, error) {
	return writeReceiptTx(ctx, s.db, postgresDialect{}, r)
}

func (s *PostgresStore) Finalize(ctx context.Context, callID string, status contracts.CallStatus, failure *contracts.Failure, r *contracts.Receipt) (string, error) {
	return finalize(ctx, s.db, postgresDialect{}, callID, status, failure, r)
}

func (s *PostgresStore) GetCall(ctx context.Context, id string) (*contracts.ToolCall, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE id = $1`, id)
	call, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrCallNotFound, id)
	}
	return call, err
}

func (s *PostgresStore) FindReceiptByCallID(ctx context.Context, callID string) (*contracts.Receipt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE call_id = $1`, callID)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: call %s", ErrReceiptNotFound, callID)
	}
	return r, err
}

func (s *PostgresStore) FindSuccessfulReceiptByToolAndKey(ctx context.Context, toolName, idempotencyKey string) (*contracts.Receipt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.call_id, r.tool_name, r.status, r.result, r.effects, r.created_at
		FROM receipts r
		JOIN calls c ON c.id = r.call_id
		WHERE r.tool_name = $1 AND r.status = $2 AND c.idempotency_key = $3
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

func (s *PostgresStore) FindSuccessfulReceiptByToolAndInputField(ctx context.Context, toolName, field string, value any) (*contracts.Receipt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.call_id, r.tool_name, r.status, r.result, r.effects, r.created_at
		FROM receipts r
		JOIN calls c ON c.id = r.call_id
		WHERE r.tool_name = $1 AND r.status = $2 AND c.input ->> $3 = $4
		ORDER BY r.created_at DESC, r.call_id DESC
		LIMIT 1`,
		toolName, contracts.StatusSucceeded, field, fmt.Sprint(value),
	)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: tool %s %s=%v", ErrReceiptNotFound, toolName, field, value)
	}
	return r, err
}

func (s *PostgresStore) RequeueStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := timestamp(time.Now().Add(-olderThan))
	now := timestamp(time.Now())
	rows, err := s.db.QueryContext(ctx, `
		UPDATE calls
		SET status = $1, claimed_at = NULL, claimed_by = '', updated_at = $2
		WHERE status = $3 AND claimed_at < $4
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

func (s *PostgresStore) LogEvent(ctx context.Context, eventType, aggregate string, payload map[string]any) error {
	payloadJSON, err := json.Marshal(orEmpty(payload))
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, event_type, aggregate, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), eventType, aggregate, string(payloadJSON), timestamp(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("log event %s: %w", eventType, err)
	}
	return nil
}

func (s *PostgresStore) CreateBrainRun(ctx context.Context, run *contracts.BrainRun) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		run.ID, run.Message, run.Mode, run.ConversationID, cols.context, cols.limits, cols.decision,
		cols.planned, cols.enqueued, run.Status, run.AssistantMessage, cols.nextActions,
		cols.receipts, cols.failure, timestamp(run.CreatedAt), timestamp(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create brain run: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateBrainRun(ctx context.Context, run *contracts.BrainRun) error {
	cols, err := encodeRun(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE brain_runs
		SET decision = $1, planned_tool_calls = $2, enqueued_call_ids = $3, status = $4,
			assistant_message = $5, next_actions = $6, receipts = $7, error = $8, updated_at = $9
		WHERE id = $10`,
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

func (s *PostgresStore) GetBrainRun(ctx context.Context, id string) (*contracts.BrainRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, message, mode, conversation_id, context, limits, decision,
			planned_tool_calls, enqueued_call_ids, status, assistant_message, next_actions,
			receipts, error, created_at, updated_at
		FROM brain_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, err
}
