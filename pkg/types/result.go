package types

import "encoding/json"

// DispatchResult is the tagged outcome every transport implementation must
// produce. Success is decided by the provider's explicit error flag, never by
// inspecting payload content.
type DispatchResult struct {
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}
