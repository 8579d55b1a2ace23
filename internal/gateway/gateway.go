// Package gateway composes the registry, hub, resilience layer and
// idempotency coordinator into the single externally visible operation,
// CallTool.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"toolgate/internal/hub"
	"toolgate/internal/idempotency"
	"toolgate/internal/logging"
	"toolgate/internal/registry"
	"toolgate/internal/resilience"
	"toolgate/pkg/models"
	"toolgate/pkg/types"
)

// DefaultCallTimeout bounds a single provider dispatch, independent of
// retry backoff.
const DefaultCallTimeout = 30 * time.Second

// CallRequest is one logical tool invocation.
type CallRequest struct {
	ToolName       string
	Arguments      map[string]any
	IdempotencyKey string
	IdentityID     string
	Timeout        time.Duration
}

// CallResponse is the terminal outcome of a call.
type CallResponse struct {
	ToolName       string          `json:"tool_name"`
	Provider       string          `json:"provider"`
	Output         json.RawMessage `json:"output,omitempty"`
	Cached         bool            `json:"cached"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	DurationMs     int64           `json:"duration_ms"`
}

type Gateway struct {
	registry    *registry.Registry
	hub         *hub.Hub
	circuits    *resilience.CircuitRegistry
	retries     *resilience.RetryManager
	coordinator *idempotency.Coordinator
}

func New(
	reg *registry.Registry,
	h *hub.Hub,
	circuits *resilience.CircuitRegistry,
	retries *resilience.RetryManager,
	coordinator *idempotency.Coordinator,
) *Gateway {
	return &Gateway{
		registry:    reg,
		hub:         h,
		circuits:    circuits,
		retries:     retries,
		coordinator: coordinator,
	}
}

// CallTool resolves the tool, consults the circuit breaker, acquires the
// idempotency slot when a key was supplied, and dispatches through the hub
// under the retry budget. An omitted idempotency key means idempotency was
// not requested; the call executes unconditionally.
func (g *Gateway) CallTool(ctx context.Context, req CallRequest) (*CallResponse, error) {
	tool, err := g.registry.Get(ctx, req.ToolName)
	if err != nil {
		return nil, err
	}

	if err := validateArguments(tool.InputSchema, req.Arguments); err != nil {
		return nil, err
	}

	if g.circuits.IsOpen(tool.Provider) {
		return nil, fmt.Errorf("%w: %s", types.ErrProviderUnavailable, tool.Provider)
	}

	if req.IdempotencyKey == "" {
		return g.execute(ctx, req, tool.Provider)
	}

	argsJSON, err := json.Marshal(req.Arguments)
	if err != nil {
		return nil, &types.ValidationError{Reason: fmt.Sprintf("arguments not serializable: %v", err)}
	}

	outcome, err := g.coordinator.AcquireOrWait(ctx, req.IdempotencyKey, req.ToolName, argsJSON, req.IdentityID)
	if err != nil {
		return nil, err
	}

	if !outcome.ShouldExecute {
		resp := &CallResponse{
			ToolName:       req.ToolName,
			Provider:       tool.Provider,
			Cached:         true,
			IdempotencyKey: req.IdempotencyKey,
			Output:         outcome.Result,
		}
		if outcome.Err != "" {
			return resp, &types.ToolExecutionError{Tool: req.ToolName, Message: outcome.Err}
		}
		return resp, nil
	}

	resp, err := g.execute(ctx, req, tool.Provider)
	if err != nil {
		if markErr := g.coordinator.MarkFailed(ctx, req.IdempotencyKey, err); markErr != nil {
			logging.Error("failed to mark request %s failed: %v", req.IdempotencyKey, markErr)
		}
		return nil, err
	}

	if markErr := g.coordinator.MarkCompleted(ctx, req.IdempotencyKey, resp.Output); markErr != nil {
		logging.Error("failed to mark request %s completed: %v", req.IdempotencyKey, markErr)
	}
	resp.IdempotencyKey = req.IdempotencyKey
	return resp, nil
}

// execute runs the dispatch under the retry budget and records the outcome
// with the circuit breaker and the registry.
func (g *Gateway) execute(ctx context.Context, req CallRequest, provider string) (*CallResponse, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	start := time.Now()
	var result *types.DispatchResult

	err := g.retries.WithRetry(ctx, provider, func(ctx context.Context) error {
		dispatchCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var dispatchErr error
		result, dispatchErr = g.hub.Dispatch(dispatchCtx, req.ToolName, req.Arguments)
		return dispatchErr
	})

	latency := time.Since(start).Milliseconds()

	if err != nil {
		// A rejected budget never reached the provider; it is not a
		// provider failure.
		if !errors.Is(err, types.ErrBudgetExhausted) {
			g.circuits.RecordFailure(provider)
		}
		if recErr := g.registry.RecordCall(ctx, req.ToolName, provider, false, latency, err); recErr != nil {
			logging.Error("failed to record call stats for %s: %v", req.ToolName, recErr)
		}
		return nil, err
	}

	g.circuits.RecordSuccess(provider)
	if recErr := g.registry.RecordCall(ctx, req.ToolName, provider, true, latency, nil); recErr != nil {
		logging.Error("failed to record call stats for %s: %v", req.ToolName, recErr)
	}

	return &CallResponse{
		ToolName:   req.ToolName,
		Provider:   provider,
		Output:     result.Payload,
		DurationMs: latency,
	}, nil
}

// CircuitState exposes the breaker state for the status endpoint.
func (g *Gateway) CircuitState(provider string) string {
	return g.circuits.State(provider)
}

// CallRecord fetches the durable record for an idempotency key, or nil when
// no call was made under that key.
func (g *Gateway) CallRecord(ctx context.Context, key string) (*models.IdempotentRequest, error) {
	return g.coordinator.Get(ctx, key)
}

// validateArguments checks the call arguments against the tool's parameter
// schema when one was published. A malformed stored schema is ignored rather
// than blocking the call.
func validateArguments(schema json.RawMessage, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	if args == nil {
		args = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewGoLoader(args),
	)
	if err != nil {
		logging.Debug("skipping argument validation, unusable schema: %v", err)
		return nil
	}

	if !result.Valid() {
		return &types.ValidationError{Reason: fmt.Sprintf("invalid arguments: %s", result.Errors()[0])}
	}
	return nil
}
