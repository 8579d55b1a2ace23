package models

import (
	"encoding/json"
	"time"
)

// RequestStatus is the lifecycle of an idempotent request row.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestInFlight  RequestStatus = "in_flight"
	RequestCompleted RequestStatus = "completed"
	RequestFailed    RequestStatus = "failed"
)

// IdempotentRequest is the durable record keyed by a caller-supplied
// idempotency key. At most one caller executes while status is in_flight.
type IdempotentRequest struct {
	Key         string          `json:"key" db:"key"`
	ToolName    string          `json:"tool_name" db:"tool_name"`
	Arguments   json.RawMessage `json:"arguments,omitempty" db:"arguments"`
	IdentityID  string          `json:"identity_id" db:"identity_id"`
	Status      RequestStatus   `json:"status" db:"status"`
	Result      json.RawMessage `json:"result,omitempty" db:"result"`
	Error       string          `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// RetryBudget is the durable per-provider attempt allowance.
type RetryBudget struct {
	Provider      string     `json:"provider" db:"provider"`
	MaxAttempts   int        `json:"max_attempts" db:"max_attempts"`
	Remaining     int        `json:"remaining" db:"remaining"`
	ResetAt       time.Time  `json:"reset_at" db:"reset_at"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty" db:"cooldown_until"`
}
