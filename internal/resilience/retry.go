package resilience

import (
	"context"
	"math/rand"
	"time"

	"toolgate/internal/db/repositories"
	"toolgate/internal/logging"
	"toolgate/pkg/types"
)

const (
	defaultMaxAttempts = 3
	initialBackoff     = 1000 * time.Millisecond
	maxBackoff         = 30000 * time.Millisecond
	jitterFraction     = 0.10
	exhaustedCooldown  = 60000 * time.Millisecond
	budgetPeriod       = time.Hour
)

// CooldownMs is the exhaustion cooldown length surfaced to API callers as a
// retry hint.
const CooldownMs = int64(exhaustedCooldown / time.Millisecond)

// RetryManager enforces the durable per-provider attempt allowance and runs
// the bounded retry loop with exponential backoff.
type RetryManager struct {
	budgets   *repositories.RetryBudgetRepo
	overrides map[string]int

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// RetryOption customizes manager construction.
type RetryOption func(*RetryManager)

// WithSleep replaces the inter-attempt sleep. Tests pass a no-op to avoid
// real backoff delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(m *RetryManager) { m.sleep = fn }
}

// NewRetryManager builds the manager. overrides maps provider name to a
// configured max-attempts value replacing the default of 3.
func NewRetryManager(budgets *repositories.RetryBudgetRepo, overrides map[string]int, opts ...RetryOption) *RetryManager {
	m := &RetryManager{
		budgets:   budgets,
		overrides: overrides,
		now:       time.Now,
		sleep:     sleepCtx,
		jitter:    rand.Float64,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *RetryManager) maxAttempts(provider string) int {
	if n, ok := m.overrides[provider]; ok && n > 0 {
		return n
	}
	return defaultMaxAttempts
}

// CheckBudget reports whether the provider has attempts left this period and
// is not in a cooldown.
func (m *RetryManager) CheckBudget(ctx context.Context, provider string) (bool, error) {
	budget, err := m.budgets.GetOrCreate(ctx, provider, m.maxAttempts(provider), budgetPeriod)
	if err != nil {
		return false, err
	}

	if budget.CooldownUntil != nil && m.now().Before(*budget.CooldownUntil) {
		return false, nil
	}
	return budget.Remaining > 0, nil
}

// backoffDelay applies ±10% jitter and the cap to the base delay.
func (m *RetryManager) backoffDelay(base time.Duration) time.Duration {
	jittered := float64(base) * (1 + jitterFraction*(2*m.jitter()-1))
	if jittered > float64(maxBackoff) {
		jittered = float64(maxBackoff)
	}
	return time.Duration(jittered)
}

// WithRetry runs operation up to the provider's attempt allowance, backing
// off between failures. Exhausting the budget sets a cooldown and returns
// the last operation error; a budget already spent or cooling down fails
// fast with ErrBudgetExhausted before any attempt.
func (m *RetryManager) WithRetry(ctx context.Context, provider string, operation func(ctx context.Context) error) error {
	attempts := m.maxAttempts(provider)
	delay := initialBackoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		ok, err := m.CheckBudget(ctx, provider)
		if err != nil {
			return err
		}
		if !ok {
			return types.ErrBudgetExhausted
		}

		lastErr = operation(ctx)
		if lastErr == nil {
			if err := m.budgets.Reset(ctx, provider, budgetPeriod); err != nil {
				logging.Error("failed to reset retry budget for %s: %v", provider, err)
			}
			return nil
		}

		if err := m.budgets.Decrement(ctx, provider); err != nil {
			return err
		}
		logging.Debug("attempt %d/%d against provider %s failed: %v", attempt, attempts, provider, lastErr)

		if attempt < attempts {
			if err := m.sleep(ctx, m.backoffDelay(delay)); err != nil {
				return err
			}
			delay *= 2
		}
	}

	until := m.now().Add(exhaustedCooldown)
	if err := m.budgets.SetCooldown(ctx, provider, until); err != nil {
		logging.Error("failed to set cooldown for %s: %v", provider, err)
	}
	logging.Error("retry budget for provider %s exhausted, cooling down until %s", provider, until.Format(time.RFC3339))

	return lastErr
}
