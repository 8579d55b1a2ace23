package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolgate/internal/db"
	"toolgate/internal/db/repositories"
	"toolgate/pkg/models"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *db.TestDB) {
	t.Helper()

	database, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	c := New(repositories.New(database).Idempotency)
	c.pollInterval = 5 * time.Millisecond
	c.waitTimeout = 250 * time.Millisecond
	return c, database
}

func TestAcquireFreshKey(t *testing.T) {
	c, _ := newTestCoordinator(t)

	outcome, err := c.AcquireOrWait(context.Background(), "k1", "read_file", nil, "caller")
	require.NoError(t, err)
	assert.True(t, outcome.ShouldExecute)
	assert.False(t, outcome.Cached)
}

func TestCompletedKeyServedFromCache(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	outcome, err := c.AcquireOrWait(ctx, "k1", "t", nil, "a")
	require.NoError(t, err)
	require.True(t, outcome.ShouldExecute)

	require.NoError(t, c.MarkCompleted(ctx, "k1", json.RawMessage(`{"out":42}`)))

	outcome, err = c.AcquireOrWait(ctx, "k1", "t", nil, "b")
	require.NoError(t, err)
	assert.False(t, outcome.ShouldExecute)
	assert.True(t, outcome.Cached)
	assert.JSONEq(t, `{"out":42}`, string(outcome.Result))
}

func TestFailedKeyAllowsRetry(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.AcquireOrWait(ctx, "k1", "t", nil, "a")
	require.NoError(t, err)
	require.NoError(t, c.MarkFailed(ctx, "k1", errors.New("boom")))

	outcome, err := c.AcquireOrWait(ctx, "k1", "t", nil, "b")
	require.NoError(t, err)
	assert.True(t, outcome.ShouldExecute, "failed requests are retryable")
}

func TestWaiterReceivesResult(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	first, err := c.AcquireOrWait(ctx, "k1", "t", nil, "a")
	require.NoError(t, err)
	require.True(t, first.ShouldExecute)

	var wg sync.WaitGroup
	wg.Add(1)
	var waited *Outcome
	go func() {
		defer wg.Done()
		waited, _ = c.AcquireOrWait(ctx, "k1", "t", nil, "b")
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.MarkCompleted(ctx, "k1", json.RawMessage(`"done"`)))
	wg.Wait()

	require.NotNil(t, waited)
	assert.False(t, waited.ShouldExecute)
	assert.True(t, waited.Cached)
	assert.Equal(t, `"done"`, string(waited.Result))
}

func TestSingleFlightUnderConcurrency(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	const callers = 8
	var executions sync.Map
	var wg sync.WaitGroup

	results := make([]*Outcome, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := c.AcquireOrWait(ctx, "shared", "t", nil, "caller")
			assert.NoError(t, err)
			if outcome != nil && outcome.ShouldExecute {
				executions.Store(i, true)
				time.Sleep(30 * time.Millisecond)
				assert.NoError(t, c.MarkCompleted(ctx, "shared", json.RawMessage(`"once"`)))
				outcome = &Outcome{Cached: false, Result: json.RawMessage(`"once"`)}
			}
			results[i] = outcome
		}(i)
	}
	wg.Wait()

	executed := 0
	executions.Range(func(any, any) bool { executed++; return true })
	assert.Equal(t, 1, executed, "exactly one caller should execute")

	for _, outcome := range results {
		require.NotNil(t, outcome)
		assert.Equal(t, `"once"`, string(outcome.Result))
	}
}

func TestWaitTimeoutTakesOver(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	first, err := c.AcquireOrWait(ctx, "k1", "t", nil, "a")
	require.NoError(t, err)
	require.True(t, first.ShouldExecute)

	// The first caller never terminates; the second waits out the budget
	// and takes over.
	start := time.Now()
	second, err := c.AcquireOrWait(ctx, "k1", "t", nil, "b")
	require.NoError(t, err)
	assert.True(t, second.ShouldExecute)
	assert.GreaterOrEqual(t, time.Since(start), c.waitTimeout)
}

func TestMaintenanceResetsStuckAndPurges(t *testing.T) {
	c, database := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.AcquireOrWait(ctx, "stuck", "t", nil, "a")
	require.NoError(t, err)

	// Fresh in-flight rows are left alone.
	c.RunMaintenance(ctx)
	req, err := c.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, models.RequestInFlight, req.Status)

	// Age the row past the stuck threshold; the sweep resets it to
	// pending and a new caller can acquire it.
	_, err = database.Conn().ExecContext(ctx,
		`UPDATE idempotency_keys SET created_at = ? WHERE key = ?`,
		time.Now().UTC().Add(-2*stuckThreshold), "stuck")
	require.NoError(t, err)

	c.RunMaintenance(ctx)
	req, err = c.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, req.Status)

	outcome, err := c.AcquireOrWait(ctx, "stuck", "t", nil, "b")
	require.NoError(t, err)
	assert.True(t, outcome.ShouldExecute, "reset keys are claimable again")
}
