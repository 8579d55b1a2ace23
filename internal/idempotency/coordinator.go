// Package idempotency provides exactly-once recording semantics for
// concurrent or retried calls sharing a caller-supplied key.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"toolgate/internal/db/repositories"
	"toolgate/internal/logging"
	"toolgate/pkg/models"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultWaitTimeout  = 30 * time.Second

	cleanupAge     = 24 * time.Hour
	stuckThreshold = 5 * time.Minute
)

// Outcome tells the caller whether to execute or serve a recorded result.
type Outcome struct {
	// ShouldExecute means this caller holds the slot and must run the call.
	ShouldExecute bool
	// Cached is set when a terminal state was served without executing.
	Cached bool
	Result json.RawMessage
	Err    string
}

type Coordinator struct {
	repo *repositories.IdempotencyRepo

	pollInterval time.Duration
	waitTimeout  time.Duration
}

// CoordinatorOption customizes coordinator construction.
type CoordinatorOption func(*Coordinator)

// WithWaitTuning overrides the poll interval and wait timeout used while
// awaiting an in-flight execution.
func WithWaitTuning(poll, timeout time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.pollInterval = poll
		c.waitTimeout = timeout
	}
}

func New(repo *repositories.IdempotencyRepo, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		repo:         repo,
		pollInterval: defaultPollInterval,
		waitTimeout:  defaultWaitTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AcquireOrWait claims the execution slot for key, or resolves against the
// existing row: completed results are served from cache, failed rows are
// re-claimed for retry, and in-flight rows are awaited. A caller whose wait
// times out takes the slot over, trading strict single-flight for liveness
// when the original executor has died.
func (c *Coordinator) AcquireOrWait(ctx context.Context, key, toolName string, args json.RawMessage, callerID string) (*Outcome, error) {
	for {
		acquired, err := c.repo.TryInsert(ctx, key, toolName, args, callerID)
		if err != nil {
			return nil, err
		}
		if acquired {
			return &Outcome{ShouldExecute: true}, nil
		}

		req, err := c.repo.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if req == nil {
			// Row vanished between insert and read (concurrent cleanup);
			// retry the insert.
			continue
		}

		switch req.Status {
		case models.RequestCompleted:
			return &Outcome{Cached: true, Result: req.Result}, nil

		case models.RequestFailed, models.RequestPending:
			claimed, err := c.repo.ClaimNonTerminal(ctx, key)
			if err != nil {
				return nil, err
			}
			if claimed {
				return &Outcome{ShouldExecute: true}, nil
			}
			// Lost the claim race; re-inspect.
			continue

		case models.RequestInFlight:
			outcome, err := c.waitForTerminal(ctx, key)
			if err != nil {
				return nil, err
			}
			if outcome != nil {
				return outcome, nil
			}
			// Wait timed out: take over the slot.
			taken, err := c.repo.TakeOver(ctx, key)
			if err != nil {
				return nil, err
			}
			if !taken {
				// The executor finished just as the wait expired;
				// re-inspect so the cached result is served.
				continue
			}
			logging.Info("idempotency key %s: wait timed out, taking over execution", key)
			return &Outcome{ShouldExecute: true}, nil

		default:
			return nil, fmt.Errorf("idempotency key %s in unknown state %q", key, req.Status)
		}
	}
}

// waitForTerminal polls until the row leaves in_flight or the wait budget is
// spent. Returns nil on timeout.
func (c *Coordinator) waitForTerminal(ctx context.Context, key string) (*Outcome, error) {
	deadline := time.Now().Add(c.waitTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		req, err := c.repo.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if req == nil {
			return nil, nil
		}

		switch req.Status {
		case models.RequestCompleted:
			return &Outcome{Cached: true, Result: req.Result}, nil
		case models.RequestFailed:
			return &Outcome{Cached: true, Err: req.Error}, nil
		}
	}

	return nil, nil
}

// MarkCompleted records the terminal success payload for key.
func (c *Coordinator) MarkCompleted(ctx context.Context, key string, result json.RawMessage) error {
	return c.repo.MarkCompleted(ctx, key, result)
}

// MarkFailed records the terminal error for key. The row may be re-claimed
// by a later caller.
func (c *Coordinator) MarkFailed(ctx context.Context, key string, callErr error) error {
	return c.repo.MarkFailed(ctx, key, callErr.Error())
}

// Get fetches a request row by key for the result-lookup endpoint.
func (c *Coordinator) Get(ctx context.Context, key string) (*models.IdempotentRequest, error) {
	return c.repo.Get(ctx, key)
}

// RunMaintenance purges aged terminal rows and frees requests stuck
// in_flight by a crashed worker. Called on a fixed cadence.
func (c *Coordinator) RunMaintenance(ctx context.Context) {
	if purged, err := c.repo.DeleteTerminalOlderThan(ctx, cleanupAge); err != nil {
		logging.Error("idempotency cleanup failed: %v", err)
	} else if purged > 0 {
		logging.Info("idempotency cleanup purged %d old requests", purged)
	}

	if reset, err := c.repo.ResetStuck(ctx, stuckThreshold); err != nil {
		logging.Error("stuck request reset failed: %v", err)
	} else if reset > 0 {
		logging.Info("reset %d stuck in-flight requests", reset)
	}
}
