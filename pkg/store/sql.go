package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/opsdeck-ai/opsdeck/pkg/contracts"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dialect abstracts the placeholder style and constraint-error detection
// differences between SQLite and Postgres.
type dialect interface {
	rebind(query string) string
	isUniqueViolation(err error) bool
}

type sqliteDialect struct{}

func (sqliteDialect) rebind(query string) string { return query }

func (sqliteDialect) isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type postgresDialect struct{}

// rebind rewrites ? placeholders into $1..$n.
func (postgresDialect) rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (postgresDialect) isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// timestampLayout is fixed-width so lexicographic order on stored text
// equals chronological order.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// completeTx transitions a running call to a terminal status on q.
func completeTx(ctx context.Context, q querier, d dialect, callID string, status contracts.CallStatus, failure *contracts.Failure) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: target status %q is not terminal", ErrIllegalTransition, status)
	}
	var errorJSON any
	if failure != nil {
		data, err := json.Marshal(failure)
		if err != nil {
			return fmt.Errorf("encode failure: %w", err)
		}
		errorJSON = string(data)
	}
	res, err := q.ExecContext(ctx, d.rebind(`
		UPDATE calls SET status = ?, error = ?, updated_at = ? WHERE id = ? AND status = ?`),
		status, errorJSON, timestamp(time.Now()), callID, contracts.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("complete call %s: %w", callID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var current string
		err := q.QueryRowContext(ctx, d.rebind(`SELECT status FROM calls WHERE id = ?`), callID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is %s, not running", ErrIllegalTransition, callID, current)
	}
	return nil
}

// writeReceiptTx inserts the receipt row on q. The unique constraint on
// call_id enforces exactly-once.
func writeReceiptTx(ctx context.Context, q querier, d dialect, r *contracts.Receipt) (string, error) {
	if !r.Status.Terminal() {
		return "", fmt.Errorf("receipt for call %s: status %q is not terminal", r.CallID, r.Status)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	resultJSON, err := json.Marshal(orEmpty(r.Result))
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	effectsJSON, err := json.Marshal(r.Effects)
	if err != nil {
		return "", fmt.Errorf("encode effects: %w", err)
	}
	_, err = q.ExecContext(ctx, d.rebind(`
		INSERT INTO receipts (id, call_id, tool_name, status, result, effects, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.CallID, r.ToolName, r.Status, string(resultJSON), string(effectsJSON), timestamp(r.CreatedAt),
	)
	if err != nil {
		if d.isUniqueViolation(err) {
			return "", fmt.Errorf("%w: %s", ErrDuplicateReceipt, r.CallID)
		}
		return "", fmt.Errorf("write receipt for call %s: %w", r.CallID, err)
	}
	return r.ID, nil
}

// finalize runs completion and receipt write in one transaction. On
// receipt-write failure the transaction rolls back and the call is marked
// failed with receipt_write_failed, so no phantom receipt survives.
func finalize(ctx context.Context, db *sql.DB, d dialect, callID string, status contracts.CallStatus, failure *contracts.Failure, r *contracts.Receipt) (string, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin finalize: %w", err)
	}
	if err := completeTx(ctx, tx, d, callID, status, failure); err != nil {
		_ = tx.Rollback()
		return "", err
	}
	receiptID, err := writeReceiptTx(ctx, tx, d, r)
	if err != nil {
		_ = tx.Rollback()
		markFailure := contracts.NewFailure(contracts.CodeReceiptWriteFailed, "receipt write failed: %v", err)
		if markErr := completeTx(ctx, db, d, callID, contracts.StatusFailed, markFailure); markErr != nil {
			return "", errors.Join(err, markErr)
		}
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit finalize: %w", err)
	}
	return receiptID, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (*contracts.ToolCall, error) {
	var (
		call      contracts.ToolCall
		inputJSON string
		errorJSON sql.NullString
		claimedAt sql.NullString
		claimedBy sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(
		&call.ID, &call.ToolName, &inputJSON, &call.Status, &call.IdempotencyKey,
		&errorJSON, &claimedAt, &claimedBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(inputJSON), &call.Input); err != nil {
		return nil, fmt.Errorf("decode input for call %s: %w", call.ID, err)
	}
	if errorJSON.Valid && errorJSON.String != "" {
		call.Error = &contracts.Failure{}
		if err := json.Unmarshal([]byte(errorJSON.String), call.Error); err != nil {
			return nil, fmt.Errorf("decode error for call %s: %w", call.ID, err)
		}
	}
	if claimedAt.Valid && claimedAt.String != "" {
		t := parseTimestamp(claimedAt.String)
		call.ClaimedAt = &t
	}
	call.ClaimedBy = claimedBy.String
	call.CreatedAt = parseTimestamp(createdAt)
	call.UpdatedAt = parseTimestamp(updatedAt)
	return &call, nil
}

func scanReceipt(row rowScanner) (*contracts.Receipt, error) {
	var (
		r           contracts.Receipt
		resultJSON  sql.NullString
		effectsJSON sql.NullString
		createdAt   string
	)
	err := row.Scan(&r.ID, &r.CallID, &r.ToolName, &r.Status, &resultJSON, &effectsJSON, &createdAt)
	if err != nil {
		return nil, err
	}
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &r.Result); err != nil {
			return nil, fmt.Errorf("decode result for receipt %s: %w", r.ID, err)
		}
	}
	if effectsJSON.Valid && effectsJSON.String != "" {
		if err := json.Unmarshal([]byte(effectsJSON.String), &r.Effects); err != nil {
			return nil, fmt.Errorf("decode effects for receipt %s: %w", r.ID, err)
		}
	}
	r.CreatedAt = parseTimestamp(createdAt)
	return &r, nil
}

// runColumns holds the JSON-encoded columns of a brain run row.
type runColumns struct {
	context     string
	limits      string
	decision    string
	planned     string
	enqueued    string
	nextActions string
	receipts    string
	failure     any
}

func encodeRun(run *contracts.BrainRun) (*runColumns, error) {
	cols := &runColumns{}
	encode := func(v any, dst *string) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode brain run %s: %w", run.ID, err)
		}
		*dst = string(data)
		return nil
	}
	if err := encode(orEmpty(run.Context), &cols.context); err != nil {
		return nil, err
	}
	if err := encode(run.Limits, &cols.limits); err != nil {
		return nil, err
	}
	if err := encode(run.Decision, &cols.decision); err != nil {
		return nil, err
	}
	if err := encode(emptySlice(run.PlannedToolCalls), &cols.planned); err != nil {
		return nil, err
	}
	if err := encode(emptySlice(run.EnqueuedCallIDs), &cols.enqueued); err != nil {
		return nil, err
	}
	if err := encode(emptySlice(run.NextActions), &cols.nextActions); err != nil {
		return nil, err
	}
	if err := encode(emptySlice(run.Receipts), &cols.receipts); err != nil {
		return nil, err
	}
	if run.Error != nil {
		data, err := json.Marshal(run.Error)
		if err != nil {
			return nil, fmt.Errorf("encode brain run %s: %w", run.ID, err)
		}
		cols.failure = string(data)
	}
	return cols, nil
}

func emptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func scanRun(row rowScanner) (*contracts.BrainRun, error) {
	var (
		run         contracts.BrainRun
		contextJSON sql.NullString
		limitsJSON  sql.NullString
		decision    sql.NullString
		planned     sql.NullString
		enqueued    sql.NullString
		nextActions sql.NullString
		receipts    sql.NullString
		errorJSON   sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(
		&run.ID, &run.Message, &run.Mode, &run.ConversationID, &contextJSON, &limitsJSON,
		&decision, &planned, &enqueued, &run.Status, &run.AssistantMessage, &nextActions,
		&receipts, &errorJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	decodeInto := func(col sql.NullString, dst any) error {
		if !col.Valid || col.String == "" {
			return nil
		}
		return json.Unmarshal([]byte(col.String), dst)
	}
	if err := decodeInto(contextJSON, &run.Context); err != nil {
		return nil, err
	}
	if err := decodeInto(limitsJSON, &run.Limits); err != nil {
		return nil, err
	}
	if err := decodeInto(decision, &run.Decision); err != nil {
		return nil, err
	}
	if err := decodeInto(planned, &run.PlannedToolCalls); err != nil {
		return nil, err
	}
	if err := decodeInto(enqueued, &run.EnqueuedCallIDs); err != nil {
		return nil, err
	}
	if err := decodeInto(nextActions, &run.NextActions); err != nil {
		return nil, err
	}
	if err := decodeInto(receipts, &run.Receipts); err != nil {
		return nil, err
	}
	if errorJSON.Valid && errorJSON.String != "" {
		run.Error = &contracts.Failure{}
		if err := json.Unmarshal([]byte(errorJSON.String), run.Error); err != nil {
			return nil, err
		}
	}
	run.CreatedAt = parseTimestamp(createdAt)
	run.UpdatedAt = parseTimestamp(updatedAt)
	return &run, nil
}
