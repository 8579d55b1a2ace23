package models

import "time"

// TransportKind selects how the hub speaks to a provider.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportSSE            TransportKind = "sse"
	TransportStreamableHTTP TransportKind = "http"
)

// ProviderConfig is one entry of the provider list document.
type ProviderConfig struct {
	Name        string            `json:"name"`
	Transport   TransportKind     `json:"transport"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	URL         string            `json:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Enabled     bool              `json:"enabled"`
	MaxAttempts int               `json:"max_attempts,omitempty"`
}

// ProviderStatus is the hub's externally visible view of one connection.
type ProviderStatus struct {
	Name            string        `json:"name"`
	Transport       TransportKind `json:"transport"`
	Healthy         bool          `json:"healthy"`
	LastHealthCheck time.Time     `json:"last_health_check"`
	ToolCount       int           `json:"tool_count"`
	ConnectedAt     time.Time     `json:"connected_at"`
}
