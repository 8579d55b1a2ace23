package repositories

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolgate/internal/db"
	"toolgate/pkg/models"
)

func newTestRepos(t *testing.T) *Repositories {
	t.Helper()

	database, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	return New(database)
}

func TestToolUpsertPreservesStats(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	tool := &models.Tool{
		Name:        "read_file",
		Description: "Read a file from disk",
		Provider:    "filesystem",
		Embedding:   []float64{0.1, 0.2, 0.3},
	}
	require.NoError(t, repos.Tools.Upsert(ctx, tool))

	require.NoError(t, repos.Tools.RecordCall(ctx, "read_file", true, 120))
	require.NoError(t, repos.Tools.RecordCall(ctx, "read_file", false, 80))

	// Re-register with a new description; stats must survive.
	tool.Description = "Read the contents of a file"
	require.NoError(t, repos.Tools.Upsert(ctx, tool))

	got, err := repos.Tools.Get(ctx, "read_file")
	require.NoError(t, err)
	assert.Equal(t, "Read the contents of a file", got.Description)
	assert.EqualValues(t, 2, got.CallCount)
	assert.InDelta(t, 100.0, got.AvgLatency, 0.001)
	assert.InDelta(t, 0.5, got.SuccessRate, 0.001)
}

func TestToolUpsertKeepsEmbeddingWhenOmitted(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	tool := &models.Tool{
		Name:        "list_dir",
		Description: "List a directory",
		Provider:    "filesystem",
		Embedding:   []float64{1, 0},
	}
	require.NoError(t, repos.Tools.Upsert(ctx, tool))

	// Unchanged description upserts omit the embedding entirely.
	require.NoError(t, repos.Tools.Upsert(ctx, &models.Tool{
		Name:        "list_dir",
		Description: "List a directory",
		Provider:    "filesystem",
	}))

	got, err := repos.Tools.Get(ctx, "list_dir")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0}, got.Embedding)
}

func TestToolRecordCallRunningAverage(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	require.NoError(t, repos.Tools.Upsert(ctx, &models.Tool{Name: "t", Provider: "p"}))

	latencies := []int64{100, 200, 300}
	for _, l := range latencies {
		require.NoError(t, repos.Tools.RecordCall(ctx, "t", true, l))
	}

	got, err := repos.Tools.Get(ctx, "t")
	require.NoError(t, err)
	assert.InDelta(t, 200.0, got.AvgLatency, 0.001)
	assert.InDelta(t, 1.0, got.SuccessRate, 0.001)
}

func TestDeleteByProvider(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	require.NoError(t, repos.Tools.Upsert(ctx, &models.Tool{Name: "a", Provider: "p1"}))
	require.NoError(t, repos.Tools.Upsert(ctx, &models.Tool{Name: "b", Provider: "p1"}))
	require.NoError(t, repos.Tools.Upsert(ctx, &models.Tool{Name: "c", Provider: "p2"}))

	require.NoError(t, repos.Tools.DeleteByProvider(ctx, "p1"))

	tools, err := repos.Tools.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "c", tools[0].Name)

	// Re-running the delete is a no-op.
	require.NoError(t, repos.Tools.DeleteByProvider(ctx, "p1"))
}

func TestIdempotencyTryInsert(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	acquired, err := repos.Idempotency.TryInsert(ctx, "key-1", "read_file", json.RawMessage(`{"path":"/tmp/x"}`), "user-1")
	require.NoError(t, err)
	assert.True(t, acquired)

	// Second insert with the same key loses the slot.
	acquired, err = repos.Idempotency.TryInsert(ctx, "key-1", "read_file", nil, "user-2")
	require.NoError(t, err)
	assert.False(t, acquired)

	req, err := repos.Idempotency.Get(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, models.RequestInFlight, req.Status)
	assert.Equal(t, "user-1", req.IdentityID)
}

func TestIdempotencyTerminalTransitions(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	_, err := repos.Idempotency.TryInsert(ctx, "key-ok", "t", nil, "u")
	require.NoError(t, err)
	require.NoError(t, repos.Idempotency.MarkCompleted(ctx, "key-ok", json.RawMessage(`{"out":1}`)))

	req, err := repos.Idempotency.Get(ctx, "key-ok")
	require.NoError(t, err)
	assert.Equal(t, models.RequestCompleted, req.Status)
	assert.JSONEq(t, `{"out":1}`, string(req.Result))
	require.NotNil(t, req.CompletedAt)

	_, err = repos.Idempotency.TryInsert(ctx, "key-bad", "t", nil, "u")
	require.NoError(t, err)
	require.NoError(t, repos.Idempotency.MarkFailed(ctx, "key-bad", "boom"))

	// Failed rows are claimable; completed rows are not.
	claimed, err := repos.Idempotency.ClaimNonTerminal(ctx, "key-bad")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = repos.Idempotency.ClaimNonTerminal(ctx, "key-ok")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestIdempotencyTakeOverGuardsTerminalRows(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	_, err := repos.Idempotency.TryInsert(ctx, "key-1", "t", nil, "u")
	require.NoError(t, err)

	// In-flight rows can be taken over after a wait timeout.
	taken, err := repos.Idempotency.TakeOver(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, taken)

	require.NoError(t, repos.Idempotency.MarkCompleted(ctx, "key-1", json.RawMessage(`{"out":1}`)))

	// A takeover that races a completion must not reopen the row.
	taken, err = repos.Idempotency.TakeOver(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, taken)

	req, err := repos.Idempotency.Get(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestCompleted, req.Status)
	assert.JSONEq(t, `{"out":1}`, string(req.Result))
}

func TestIdempotencyResetStuck(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	_, err := repos.Idempotency.TryInsert(ctx, "stuck", "t", nil, "u")
	require.NoError(t, err)

	// Nothing is older than 5 minutes yet.
	n, err := repos.Idempotency.ResetStuck(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	n, err = repos.Idempotency.ResetStuck(ctx, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	req, err := repos.Idempotency.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, req.Status)
}

func TestRetryBudgetLifecycle(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	budget, err := repos.RetryBudgets.GetOrCreate(ctx, "prov", 3, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, budget.Remaining)

	require.NoError(t, repos.RetryBudgets.Decrement(ctx, "prov"))
	require.NoError(t, repos.RetryBudgets.Decrement(ctx, "prov"))

	budget, err = repos.RetryBudgets.Get(ctx, "prov")
	require.NoError(t, err)
	assert.Equal(t, 1, budget.Remaining)

	// Remaining never goes negative.
	require.NoError(t, repos.RetryBudgets.Decrement(ctx, "prov"))
	require.NoError(t, repos.RetryBudgets.Decrement(ctx, "prov"))
	budget, err = repos.RetryBudgets.Get(ctx, "prov")
	require.NoError(t, err)
	assert.Equal(t, 0, budget.Remaining)

	require.NoError(t, repos.RetryBudgets.Reset(ctx, "prov", time.Hour))
	budget, err = repos.RetryBudgets.Get(ctx, "prov")
	require.NoError(t, err)
	assert.Equal(t, 3, budget.Remaining)
	assert.Nil(t, budget.CooldownUntil)
}

func TestRetryBudgetCooldown(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	_, err := repos.RetryBudgets.GetOrCreate(ctx, "prov", 3, time.Hour)
	require.NoError(t, err)

	until := time.Now().Add(time.Minute)
	require.NoError(t, repos.RetryBudgets.SetCooldown(ctx, "prov", until))

	budget, err := repos.RetryBudgets.Get(ctx, "prov")
	require.NoError(t, err)
	require.NotNil(t, budget.CooldownUntil)
	assert.WithinDuration(t, until, *budget.CooldownUntil, time.Second)
}

func TestToolCallRecentErrorCodes(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	codes := []string{"timeout", "timeout", "refused", "protocol", "timeout"}
	for i, code := range codes {
		require.NoError(t, repos.ToolCalls.Append(ctx, &models.ToolCallRecord{
			ToolName:  "t",
			Success:   false,
			ErrorCode: code,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, repos.ToolCalls.Append(ctx, &models.ToolCallRecord{
		ToolName: "t",
		Success:  true,
	}))

	got, err := repos.ToolCalls.RecentErrorCodes(ctx, "t", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"timeout", "protocol", "refused"}, got)
}
