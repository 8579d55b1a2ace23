package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"toolgate/internal/db"
	"toolgate/pkg/models"
)

// IdempotencyRepo owns the idempotency_keys table. Slot acquisition is a
// single conflict-handled INSERT so it stays correct under concurrent
// callers, including callers in other gateway processes.
type IdempotencyRepo struct {
	db *sql.DB
}

func NewIdempotencyRepo(db *sql.DB) *IdempotencyRepo {
	return &IdempotencyRepo{db: db}
}

// TryInsert atomically creates an in_flight row for key. Returns true if this
// caller won the slot, false if a row for the key already existed.
func (r *IdempotencyRepo) TryInsert(ctx context.Context, key, toolName string, arguments json.RawMessage, identityID string) (bool, error) {
	query := `
		INSERT INTO idempotency_keys (key, tool_name, arguments, identity_id, status, created_at)
		VALUES (?, ?, ?, ?, 'in_flight', ?)
		ON CONFLICT(key) DO NOTHING
	`

	var args sql.NullString
	if arguments != nil {
		args = sql.NullString{String: string(arguments), Valid: true}
	}

	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	res, err := r.db.ExecContext(ctx, query, key, toolName, args, identityID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert idempotency key: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected == 1, nil
}

// Get returns the request row for key, or nil if absent.
func (r *IdempotencyRepo) Get(ctx context.Context, key string) (*models.IdempotentRequest, error) {
	query := `
		SELECT key, tool_name, arguments, identity_id, status, result, error, created_at, completed_at
		FROM idempotency_keys
		WHERE key = ?
	`

	var req models.IdempotentRequest
	var args, result sql.NullString
	var completedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, query, key).Scan(
		&req.Key, &req.ToolName, &args, &req.IdentityID, &req.Status,
		&result, &req.Error, &req.CreatedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}

	if args.Valid {
		req.Arguments = json.RawMessage(args.String)
	}
	if result.Valid {
		req.Result = json.RawMessage(result.String)
	}
	if completedAt.Valid {
		req.CompletedAt = &completedAt.Time
	}

	return &req, nil
}

// ClaimNonTerminal flips a pending or failed row back to in_flight for the
// claiming caller. Returns true if the row was claimed.
func (r *IdempotencyRepo) ClaimNonTerminal(ctx context.Context, key string) (bool, error) {
	query := `
		UPDATE idempotency_keys
		SET status = 'in_flight', error = '', created_at = ?
		WHERE key = ? AND status IN ('pending', 'failed')
	`

	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	res, err := r.db.ExecContext(ctx, query, time.Now().UTC(), key)
	if err != nil {
		return false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// TakeOver re-claims a non-terminal row after a wait timeout. The status
// guard keeps a late takeover from reopening a row the executor already
// finished; callers that lose the race must re-inspect the key. The
// created_at refresh keeps the stuck-request sweep from immediately
// resetting the new owner.
func (r *IdempotencyRepo) TakeOver(ctx context.Context, key string) (bool, error) {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	res, err := r.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET status = 'in_flight', created_at = ?
		 WHERE key = ? AND status IN ('in_flight', 'pending')`,
		time.Now().UTC(), key)
	if err != nil {
		return false, fmt.Errorf("failed to take over idempotency key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkCompleted records the terminal success payload.
func (r *IdempotencyRepo) MarkCompleted(ctx context.Context, key string, result json.RawMessage) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET status = 'completed', result = ?, completed_at = ? WHERE key = ?`,
		string(result), time.Now().UTC(), key)
	if err != nil {
		return fmt.Errorf("failed to mark completed: %w", err)
	}
	return nil
}

// MarkFailed records the terminal error. Failed rows stay claimable.
func (r *IdempotencyRepo) MarkFailed(ctx context.Context, key string, errMsg string) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET status = 'failed', error = ?, completed_at = ? WHERE key = ?`,
		errMsg, time.Now().UTC(), key)
	if err != nil {
		return fmt.Errorf("failed to mark failed: %w", err)
	}
	return nil
}

// DeleteTerminalOlderThan purges completed and failed rows past the age
// threshold. Returns the number of rows removed.
func (r *IdempotencyRepo) DeleteTerminalOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)

	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE status IN ('completed', 'failed') AND created_at < ?`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge old requests: %w", err)
	}
	return res.RowsAffected()
}

// ResetStuck returns in_flight rows older than the threshold to pending so a
// new caller can take over after a worker crash.
func (r *IdempotencyRepo) ResetStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	res, err := r.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET status = 'pending' WHERE status = 'in_flight' AND created_at < ?`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck requests: %w", err)
	}
	return res.RowsAffected()
}
