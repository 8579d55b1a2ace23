package models

import (
	"encoding/json"
	"time"
)

// Tool is a registered capability owned by exactly one provider.
// Name is the primary key; re-registration keeps accumulated stats.
type Tool struct {
	Name        string          `json:"name" db:"name"`
	Description string          `json:"description" db:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty" db:"input_schema"`
	Provider    string          `json:"provider" db:"provider"`
	RiskHint    string          `json:"risk_hint,omitempty" db:"risk_hint"`
	Tags        []string        `json:"tags,omitempty" db:"tags"`
	CallCount   int64           `json:"call_count" db:"call_count"`
	AvgLatency  float64         `json:"avg_latency_ms" db:"avg_latency_ms"`
	SuccessRate float64         `json:"success_rate" db:"success_rate"`
	Embedding   []float64       `json:"-" db:"embedding"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// ToolMatch pairs a tool with its similarity score for semantic search results.
type ToolMatch struct {
	Tool       *Tool   `json:"tool"`
	Similarity float64 `json:"similarity"`
}

// ToolStats is the aggregate view returned by the registry stats query.
type ToolStats struct {
	Name         string   `json:"name"`
	CallCount    int64    `json:"call_count"`
	AvgLatency   float64  `json:"avg_latency_ms"`
	SuccessRate  float64  `json:"success_rate"`
	RecentErrors []string `json:"recent_errors"`
}

// ToolCallRecord is one row of the call log.
type ToolCallRecord struct {
	ID           string    `json:"id" db:"id"`
	ToolName     string    `json:"tool_name" db:"tool_name"`
	Provider     string    `json:"provider" db:"provider"`
	Success      bool      `json:"success" db:"success"`
	LatencyMs    int64     `json:"latency_ms" db:"latency_ms"`
	ErrorCode    string    `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage string    `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
