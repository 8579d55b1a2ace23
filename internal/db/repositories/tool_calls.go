package repositories

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"toolgate/internal/db"
	"toolgate/pkg/models"
)

// ToolCallRepo appends to and queries the call log.
type ToolCallRepo struct {
	db *sql.DB
}

func NewToolCallRepo(db *sql.DB) *ToolCallRepo {
	return &ToolCallRepo{db: db}
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newCallID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

func (r *ToolCallRepo) Append(ctx context.Context, rec *models.ToolCallRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.ID == "" {
		rec.ID = newCallID(rec.CreatedAt)
	}

	query := `
		INSERT INTO tool_calls (id, tool_name, provider, success, latency_ms, error_code, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	if _, err := r.db.ExecContext(ctx, query, rec.ID, rec.ToolName, rec.Provider,
		rec.Success, rec.LatencyMs, rec.ErrorCode, rec.ErrorMessage, rec.CreatedAt); err != nil {
		return fmt.Errorf("failed to append call record: %w", err)
	}
	return nil
}

// RecentErrorCodes returns the most recent distinct error codes for a tool,
// newest first.
func (r *ToolCallRepo) RecentErrorCodes(ctx context.Context, toolName string, limit int) ([]string, error) {
	query := `
		SELECT error_code
		FROM tool_calls
		WHERE tool_name = ? AND success = 0 AND error_code != ''
		GROUP BY error_code
		ORDER BY MAX(created_at) DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, toolName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent errors: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("failed to scan error code: %w", err)
		}
		codes = append(codes, code)
	}

	return codes, rows.Err()
}

// ListRecent retrieves recent call records across all tools.
func (r *ToolCallRepo) ListRecent(ctx context.Context, limit int) ([]models.ToolCallRecord, error) {
	query := `
		SELECT id, tool_name, provider, success, latency_ms, error_code, error_message, created_at
		FROM tool_calls
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query call log: %w", err)
	}
	defer rows.Close()

	var records []models.ToolCallRecord
	for rows.Next() {
		var rec models.ToolCallRecord
		if err := rows.Scan(&rec.ID, &rec.ToolName, &rec.Provider, &rec.Success,
			&rec.LatencyMs, &rec.ErrorCode, &rec.ErrorMessage, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan call record: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// PruneOlderThan caps the call log by age.
func (r *ToolCallRepo) PruneOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)

	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	res, err := r.db.ExecContext(ctx, `DELETE FROM tool_calls WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune call log: %w", err)
	}
	return res.RowsAffected()
}
