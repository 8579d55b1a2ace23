// Package hub maintains one active session per enabled provider and keeps
// the registry's view of which tools exist, and who owns them, accurate.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"toolgate/internal/logging"
	"toolgate/internal/registry"
	"toolgate/pkg/models"
	"toolgate/pkg/types"
)

const (
	connectTimeout     = 15 * time.Second
	healthCheckTimeout = 10 * time.Second
)

type connection struct {
	cfg             models.ProviderConfig
	session         Session
	healthy         bool
	lastHealthCheck time.Time
	connectedAt     time.Time
	toolNames       []string
}

// Hub owns provider connections. The registry is updated on every connect
// and disconnect so tool ownership never goes stale.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*connection
	configs  map[string]models.ProviderConfig
	registry *registry.Registry

	newSession func(models.ProviderConfig) (Session, error)
}

// Option customizes hub construction.
type Option func(*Hub)

// WithSessionFactory replaces how provider sessions are built. Tests use it
// to substitute in-memory sessions for real transports.
func WithSessionFactory(fn func(models.ProviderConfig) (Session, error)) Option {
	return func(h *Hub) { h.newSession = fn }
}

func New(reg *registry.Registry, providers []models.ProviderConfig, opts ...Option) *Hub {
	configs := make(map[string]models.ProviderConfig)
	for _, cfg := range providers {
		if cfg.Enabled {
			configs[cfg.Name] = cfg
		}
	}

	h := &Hub{
		conns:      make(map[string]*connection),
		configs:    configs,
		registry:   reg,
		newSession: NewSession,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect opens the configured transport for one provider, handshakes, and
// publishes its discovered tools into the registry.
func (h *Hub) Connect(ctx context.Context, provider string) error {
	cfg, ok := h.configs[provider]
	if !ok {
		return fmt.Errorf("provider %s is not configured", provider)
	}

	session, err := h.newSession(cfg)
	if err != nil {
		return err
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := session.Connect(connectCtx); err != nil {
		return err
	}

	tools, err := session.ListTools(connectCtx)
	if err != nil {
		session.Close()
		return &types.ProtocolError{Provider: provider, Err: err}
	}

	now := time.Now()
	conn := &connection{
		cfg:             cfg,
		session:         session,
		healthy:         true,
		lastHealthCheck: now,
		connectedAt:     now,
	}

	for _, tool := range tools {
		registered, err := h.registerTool(ctx, provider, tool)
		if err != nil {
			logging.Error("failed to register tool %s from provider %s: %v", tool.Name, provider, err)
			continue
		}
		conn.toolNames = append(conn.toolNames, registered)
	}

	h.mu.Lock()
	h.conns[provider] = conn
	h.mu.Unlock()

	logging.Info("connected to provider %s (%s transport, %d tools)", provider, cfg.Transport, len(conn.toolNames))
	return nil
}

func (h *Hub) registerTool(ctx context.Context, provider string, tool mcp.Tool) (string, error) {
	var schema json.RawMessage
	if tool.InputSchema.Type != "" {
		if raw, err := json.Marshal(tool.InputSchema); err == nil {
			schema = raw
		}
	}

	record := &models.Tool{
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: schema,
		Provider:    provider,
	}
	if err := h.registry.Register(ctx, record); err != nil {
		return "", err
	}
	return tool.Name, nil
}

// ConnectAll connects every enabled provider, continuing past individual
// failures and returning the last one.
func (h *Hub) ConnectAll(ctx context.Context) error {
	var lastErr error
	for name := range h.configs {
		if err := h.Connect(ctx, name); err != nil {
			logging.Error("failed to connect to provider %s: %v", name, err)
			lastErr = err
		}
	}
	return lastErr
}

// Dispatch resolves the tool's owner through the registry and forwards the
// call over the provider's existing session.
func (h *Hub) Dispatch(ctx context.Context, toolName string, args map[string]any) (*types.DispatchResult, error) {
	tool, err := h.registry.Get(ctx, toolName)
	if err != nil {
		return nil, err
	}

	h.mu.RLock()
	conn, ok := h.conns[tool.Provider]
	healthy := ok && conn.healthy
	h.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: provider %s not connected", types.ErrProviderUnhealthy, tool.Provider)
	}
	if !healthy {
		return nil, fmt.Errorf("%w: %s", types.ErrProviderUnhealthy, tool.Provider)
	}

	result, err := conn.session.CallTool(ctx, toolName, args)
	if err != nil {
		// A transport-level failure may mean the backing process died.
		// Probe off the request path so the caller is not held up.
		go h.probeHealth(tool.Provider)
		return nil, err
	}

	if !result.OK {
		return result, &types.ToolExecutionError{Tool: toolName, Message: result.Error}
	}
	return result, nil
}

// probeHealth runs a health check in the background after a dispatch error.
func (h *Hub) probeHealth(provider string) {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	if err := h.HealthCheck(ctx, provider); err != nil {
		logging.Error("provider %s marked unhealthy: %v", provider, err)
	}
}

// HealthCheck issues a non-mutating list-tools probe and updates the
// provider's health flag.
func (h *Hub) HealthCheck(ctx context.Context, provider string) error {
	h.mu.RLock()
	conn, ok := h.conns[provider]
	h.mu.RUnlock()

	if !ok {
		return fmt.Errorf("provider %s not connected", provider)
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	_, err := conn.session.ListTools(probeCtx)

	h.mu.Lock()
	conn.healthy = err == nil
	conn.lastHealthCheck = time.Now()
	h.mu.Unlock()

	if err != nil {
		return fmt.Errorf("health check for %s failed: %w", provider, err)
	}
	return nil
}

// HealthCheckAll probes every connected provider and returns name -> healthy.
func (h *Hub) HealthCheckAll(ctx context.Context) map[string]bool {
	h.mu.RLock()
	names := make([]string, 0, len(h.conns))
	for name := range h.conns {
		names = append(names, name)
	}
	h.mu.RUnlock()

	results := make(map[string]bool, len(names))
	for _, name := range names {
		results[name] = h.HealthCheck(ctx, name) == nil
	}
	return results
}

// Disconnect tears a provider down in order: close the session, remove its
// tools from the registry, then clear the hub entry. Every step is
// idempotent so a partially failed disconnect can be retried by Reconnect.
func (h *Hub) Disconnect(ctx context.Context, provider string) error {
	h.mu.Lock()
	conn, ok := h.conns[provider]
	h.mu.Unlock()

	if ok && conn.session != nil {
		if err := conn.session.Close(); err != nil {
			logging.Error("error closing session for provider %s: %v", provider, err)
		}
	}

	if err := h.registry.DeleteByProvider(ctx, provider); err != nil {
		return fmt.Errorf("failed to remove tools for provider %s: %w", provider, err)
	}

	h.mu.Lock()
	delete(h.conns, provider)
	h.mu.Unlock()

	logging.Info("disconnected provider %s", provider)
	return nil
}

// Reconnect replaces a provider's connection with a fresh one.
func (h *Hub) Reconnect(ctx context.Context, provider string) error {
	if err := h.Disconnect(ctx, provider); err != nil {
		return err
	}
	return h.Connect(ctx, provider)
}

// RefreshAll reconnects every enabled provider.
func (h *Hub) RefreshAll(ctx context.Context) error {
	var lastErr error
	for name := range h.configs {
		if err := h.Reconnect(ctx, name); err != nil {
			logging.Error("failed to refresh provider %s: %v", name, err)
			lastErr = err
		}
	}
	return lastErr
}

// Shutdown disconnects every provider before process exit.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.RLock()
	names := make([]string, 0, len(h.conns))
	for name := range h.conns {
		names = append(names, name)
	}
	h.mu.RUnlock()

	for _, name := range names {
		if err := h.Disconnect(ctx, name); err != nil {
			logging.Error("error disconnecting provider %s during shutdown: %v", name, err)
		}
	}
}

// ProviderHealthy reports the current health flag for a provider.
func (h *Hub) ProviderHealthy(provider string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conn, ok := h.conns[provider]
	return ok && conn.healthy
}

// Status snapshots every connection for the API surface.
func (h *Hub) Status() []models.ProviderStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	statuses := make([]models.ProviderStatus, 0, len(h.conns))
	for name, conn := range h.conns {
		statuses = append(statuses, models.ProviderStatus{
			Name:            name,
			Transport:       conn.cfg.Transport,
			Healthy:         conn.healthy,
			LastHealthCheck: conn.lastHealthCheck,
			ToolCount:       len(conn.toolNames),
			ConnectedAt:     conn.connectedAt,
		})
	}
	return statuses
}
