// Package resilience keeps failing providers from being hammered: a
// process-local circuit breaker per provider, layered over a durable
// per-provider retry budget.
package resilience

import (
	"sync"
	"time"

	"toolgate/internal/logging"
)

const (
	// closed -> open after this many consecutive failures.
	failureThreshold = 5
	// open -> half_open once this much time has passed, checked lazily.
	openDuration = 30 * time.Second
	// half_open -> closed after this many consecutive successes.
	halfOpenSuccesses = 2
)

type circuitState string

const (
	stateClosed   circuitState = "closed"
	stateOpen     circuitState = "open"
	stateHalfOpen circuitState = "half_open"
)

type circuit struct {
	state         circuitState
	failures      int
	successes     int
	lastFailureAt time.Time
	openedAt      time.Time
}

// CircuitRegistry holds one breaker per provider. State is process-local by
// design; only the retry budget is shared across gateway instances.
type CircuitRegistry struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	now      func() time.Time
}

func NewCircuitRegistry() *CircuitRegistry {
	return &CircuitRegistry{
		circuits: make(map[string]*circuit),
		now:      time.Now,
	}
}

func (r *CircuitRegistry) get(provider string) *circuit {
	c, ok := r.circuits[provider]
	if !ok {
		c = &circuit{state: stateClosed}
		r.circuits[provider] = c
	}
	return c
}

// IsOpen reports whether calls to the provider should be rejected. An open
// circuit whose cooldown window has elapsed transitions to half_open here,
// as a side effect, and is no longer considered open.
func (r *CircuitRegistry) IsOpen(provider string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(provider)
	if c.state != stateOpen {
		return false
	}

	if r.now().Sub(c.openedAt) >= openDuration {
		c.state = stateHalfOpen
		c.successes = 0
		logging.Info("circuit for provider %s half-open, probing", provider)
		return false
	}
	return true
}

// RecordSuccess advances the automaton on a successful call.
func (r *CircuitRegistry) RecordSuccess(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(provider)
	switch c.state {
	case stateClosed:
		c.failures = 0
	case stateHalfOpen:
		c.successes++
		if c.successes >= halfOpenSuccesses {
			c.state = stateClosed
			c.failures = 0
			c.successes = 0
			logging.Info("circuit for provider %s closed", provider)
		}
	}
}

// RecordFailure advances the automaton on a failed call.
func (r *CircuitRegistry) RecordFailure(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(provider)
	c.lastFailureAt = r.now()

	switch c.state {
	case stateClosed:
		c.failures++
		if c.failures >= failureThreshold {
			c.state = stateOpen
			c.openedAt = r.now()
			logging.Error("circuit for provider %s opened after %d consecutive failures", provider, c.failures)
		}
	case stateHalfOpen:
		// One failure while probing reopens immediately.
		c.state = stateOpen
		c.openedAt = r.now()
		c.successes = 0
		logging.Error("circuit for provider %s reopened during probe", provider)
	}
}

// State returns the current state name for status reporting.
func (r *CircuitRegistry) State(provider string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.get(provider).state)
}
