// Package types holds the error taxonomy and shared call types crossing
// package boundaries inside the gateway.
package types

import (
	"errors"
	"fmt"
)

// Sentinel errors checked with errors.Is across the gateway.
var (
	ErrToolNotFound        = errors.New("tool not found")
	ErrProviderUnavailable = errors.New("provider circuit open")
	ErrProviderUnhealthy   = errors.New("provider unhealthy")
	ErrBudgetExhausted     = errors.New("retry budget exhausted")
	ErrWaitTimeout         = errors.New("timed out waiting for in-flight request")
)

// ConnectionError means the provider transport could not be established.
type ConnectionError struct {
	Provider string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to provider %s failed: %v", e.Provider, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError means the provider answered the handshake with something
// the gateway cannot interpret.
type ProtocolError struct {
	Provider string
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error from provider %s: %v", e.Provider, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ToolExecutionError carries the provider's own failure message for a call
// that reached the provider.
type ToolExecutionError struct {
	Tool    string
	Message string
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
}

// TimeoutError marks a dispatch that exceeded the caller-visible timeout.
// It counts as a failure for circuit-breaker and retry purposes.
type TimeoutError struct {
	Tool string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool %s timed out", e.Tool)
}

// ValidationError marks a malformed request rejected before any state change.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// ErrorCode maps an error to the short code stored in the call log.
func ErrorCode(err error) string {
	var timeoutErr *TimeoutError
	var execErr *ToolExecutionError
	var connErr *ConnectionError
	var protoErr *ProtocolError

	switch {
	case err == nil:
		return ""
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &execErr):
		return "execution_error"
	case errors.As(err, &connErr):
		return "connection_error"
	case errors.As(err, &protoErr):
		return "protocol_error"
	case errors.Is(err, ErrToolNotFound):
		return "tool_not_found"
	case errors.Is(err, ErrProviderUnavailable):
		return "circuit_open"
	case errors.Is(err, ErrProviderUnhealthy):
		return "provider_unhealthy"
	case errors.Is(err, ErrBudgetExhausted):
		return "budget_exhausted"
	default:
		return "internal_error"
	}
}
