package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"toolgate/internal/db"
	"toolgate/pkg/models"
)

type ToolRepo struct {
	db *sql.DB
}

func NewToolRepo(db *sql.DB) *ToolRepo {
	return &ToolRepo{db: db}
}

func scanTool(scan func(dest ...any) error) (*models.Tool, error) {
	var tool models.Tool
	var schema, tags, embedding sql.NullString

	err := scan(
		&tool.Name,
		&tool.Description,
		&schema,
		&tool.Provider,
		&tool.RiskHint,
		&tags,
		&tool.CallCount,
		&tool.AvgLatency,
		&tool.SuccessRate,
		&embedding,
		&tool.CreatedAt,
		&tool.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if schema.Valid && schema.String != "" {
		tool.InputSchema = json.RawMessage(schema.String)
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &tool.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags for tool %s: %w", tool.Name, err)
		}
	}
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &tool.Embedding); err != nil {
			return nil, fmt.Errorf("failed to decode embedding for tool %s: %w", tool.Name, err)
		}
	}

	return &tool, nil
}

const toolColumns = `name, description, input_schema, provider, risk_hint, tags,
		call_count, avg_latency_ms, success_rate, embedding, created_at, updated_at`

// Upsert inserts a tool or, on name conflict, updates its metadata while
// preserving accumulated call statistics.
func (r *ToolRepo) Upsert(ctx context.Context, tool *models.Tool) error {
	tags, err := json.Marshal(tool.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	var embedding sql.NullString
	if tool.Embedding != nil {
		data, err := json.Marshal(tool.Embedding)
		if err != nil {
			return fmt.Errorf("failed to encode embedding: %w", err)
		}
		embedding = sql.NullString{String: string(data), Valid: true}
	}

	var schema sql.NullString
	if tool.InputSchema != nil {
		schema = sql.NullString{String: string(tool.InputSchema), Valid: true}
	}

	query := `
		INSERT INTO tools (name, description, input_schema, provider, risk_hint, tags, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			input_schema = excluded.input_schema,
			provider = excluded.provider,
			risk_hint = excluded.risk_hint,
			tags = excluded.tags,
			embedding = COALESCE(excluded.embedding, tools.embedding),
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()

	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	if _, err := r.db.ExecContext(ctx, query, tool.Name, tool.Description, schema,
		tool.Provider, tool.RiskHint, string(tags), embedding, now, now); err != nil {
		return fmt.Errorf("failed to upsert tool %s: %w", tool.Name, err)
	}

	return nil
}

func (r *ToolRepo) Get(ctx context.Context, name string) (*models.Tool, error) {
	query := `SELECT ` + toolColumns + ` FROM tools WHERE name = ?`

	tool, err := scanTool(r.db.QueryRowContext(ctx, query, name).Scan)
	if err != nil {
		return nil, err
	}
	return tool, nil
}

// List returns all tools, optionally filtered by owning provider.
func (r *ToolRepo) List(ctx context.Context, providerFilter string) ([]*models.Tool, error) {
	query := `SELECT ` + toolColumns + ` FROM tools`
	var args []any
	if providerFilter != "" {
		query += ` WHERE provider = ?`
		args = append(args, providerFilter)
	}
	query += ` ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tools: %w", err)
	}
	defer rows.Close()

	var tools []*models.Tool
	for rows.Next() {
		tool, err := scanTool(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tool: %w", err)
		}
		tools = append(tools, tool)
	}

	return tools, rows.Err()
}

func (r *ToolRepo) Delete(ctx context.Context, name string) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM tools WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete tool %s: %w", name, err)
	}
	return nil
}

// DeleteByProvider removes every tool attributed to a provider. Idempotent,
// so a partially failed disconnect can re-run it.
func (r *ToolRepo) DeleteByProvider(ctx context.Context, provider string) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM tools WHERE provider = ?`, provider); err != nil {
		return fmt.Errorf("failed to delete tools for provider %s: %w", provider, err)
	}
	return nil
}

// UpdateEmbedding replaces the stored vector for a tool.
func (r *ToolRepo) UpdateEmbedding(ctx context.Context, name string, embedding []float64) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}

	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	if _, err := r.db.ExecContext(ctx,
		`UPDATE tools SET embedding = ?, updated_at = ? WHERE name = ?`,
		string(data), time.Now().UTC(), name); err != nil {
		return fmt.Errorf("failed to update embedding for %s: %w", name, err)
	}
	return nil
}

// RecordCall folds one observation into the running averages. SQLite
// evaluates SET expressions against the pre-update row, so the old
// call_count weights both averages.
func (r *ToolRepo) RecordCall(ctx context.Context, name string, success bool, latencyMs int64) error {
	outcome := 0.0
	if success {
		outcome = 1.0
	}

	query := `
		UPDATE tools SET
			avg_latency_ms = (avg_latency_ms * call_count + ?) / (call_count + 1),
			success_rate = (success_rate * call_count + ?) / (call_count + 1),
			call_count = call_count + 1,
			updated_at = ?
		WHERE name = ?
	`

	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	if _, err := r.db.ExecContext(ctx, query, float64(latencyMs), outcome, time.Now().UTC(), name); err != nil {
		return fmt.Errorf("failed to record call for %s: %w", name, err)
	}
	return nil
}

func (r *ToolRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tools`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count tools: %w", err)
	}
	return count, nil
}
