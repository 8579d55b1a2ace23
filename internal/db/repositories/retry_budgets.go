package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"toolgate/internal/db"
	"toolgate/pkg/models"
)

// RetryBudgetRepo owns the retry_budgets table. Budgets are durable so an
// exhausted provider stays exhausted across gateway restarts.
type RetryBudgetRepo struct {
	db *sql.DB
}

func NewRetryBudgetRepo(db *sql.DB) *RetryBudgetRepo {
	return &RetryBudgetRepo{db: db}
}

// GetOrCreate fetches the budget row for a provider, creating it with the
// given defaults if absent, and lazily rolling the period if reset_at passed.
func (r *RetryBudgetRepo) GetOrCreate(ctx context.Context, provider string, maxAttempts int, period time.Duration) (*models.RetryBudget, error) {
	now := time.Now().UTC()

	db.SQLiteWriteMutex.Lock()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO retry_budgets (provider, max_attempts, remaining, reset_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(provider) DO NOTHING
	`, provider, maxAttempts, maxAttempts, now.Add(period))
	if err == nil {
		// Budget period rolls over independent of call outcomes.
		_, err = r.db.ExecContext(ctx, `
			UPDATE retry_budgets
			SET remaining = max_attempts, reset_at = ?
			WHERE provider = ? AND reset_at <= ?
		`, now.Add(period), provider, now)
	}
	db.SQLiteWriteMutex.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to ensure budget for %s: %w", provider, err)
	}

	return r.Get(ctx, provider)
}

func (r *RetryBudgetRepo) Get(ctx context.Context, provider string) (*models.RetryBudget, error) {
	var budget models.RetryBudget
	var cooldown sql.NullTime

	err := r.db.QueryRowContext(ctx, `
		SELECT provider, max_attempts, remaining, reset_at, cooldown_until
		FROM retry_budgets WHERE provider = ?
	`, provider).Scan(&budget.Provider, &budget.MaxAttempts, &budget.Remaining, &budget.ResetAt, &cooldown)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get budget for %s: %w", provider, err)
	}

	if cooldown.Valid {
		budget.CooldownUntil = &cooldown.Time
	}
	return &budget, nil
}

// Decrement spends one attempt. Remaining never goes negative.
func (r *RetryBudgetRepo) Decrement(ctx context.Context, provider string) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx, `
		UPDATE retry_budgets SET remaining = MAX(remaining - 1, 0) WHERE provider = ?
	`, provider)
	if err != nil {
		return fmt.Errorf("failed to decrement budget for %s: %w", provider, err)
	}
	return nil
}

// Reset restores the full allowance and starts a fresh period.
func (r *RetryBudgetRepo) Reset(ctx context.Context, provider string, period time.Duration) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx, `
		UPDATE retry_budgets SET remaining = max_attempts, reset_at = ?, cooldown_until = NULL
		WHERE provider = ?
	`, time.Now().UTC().Add(period), provider)
	if err != nil {
		return fmt.Errorf("failed to reset budget for %s: %w", provider, err)
	}
	return nil
}

// SetCooldown suppresses all attempts for a provider until the given time.
func (r *RetryBudgetRepo) SetCooldown(ctx context.Context, provider string, until time.Time) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx, `
		UPDATE retry_budgets SET cooldown_until = ? WHERE provider = ?
	`, until.UTC(), provider)
	if err != nil {
		return fmt.Errorf("failed to set cooldown for %s: %w", provider, err)
	}
	return nil
}
