// Package v1 holds the HTTP handlers for the gateway's public surface.
// Handlers are split across files by concern:
//
// - base.go: handler struct, route registration, middleware, response envelope
// - tools.go: tool listing, search, invocation and call-result lookup
// - servers.go: provider health and refresh
// - embeddings.go: embedding passthrough
package v1

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"toolgate/internal/db"
	"toolgate/internal/embeddings"
	"toolgate/internal/gateway"
	"toolgate/internal/hub"
	"toolgate/internal/registry"
	"toolgate/internal/resilience"
	"toolgate/pkg/types"
)

const (
	headerCorrelationID = "x-correlation-id"
	headerIdentityID    = "x-identity-id"
)

type APIHandlers struct {
	db       db.Database
	gateway  *gateway.Gateway
	registry *registry.Registry
	hub      *hub.Hub
	embedder embeddings.Embedder
}

func NewAPIHandlers(
	database db.Database,
	gw *gateway.Gateway,
	reg *registry.Registry,
	h *hub.Hub,
	embedder embeddings.Embedder,
) *APIHandlers {
	return &APIHandlers{
		db:       database,
		gateway:  gw,
		registry: reg,
		hub:      h,
		embedder: embedder,
	}
}

// RegisterRoutes mounts every route except /health, which the server wires
// outside the auth group.
func (h *APIHandlers) RegisterRoutes(router *gin.RouterGroup) {
	tools := router.Group("/tools")
	tools.GET("", h.listTools)
	tools.GET("/stats", h.gatewayStats)
	tools.POST("/search", h.searchTools)
	tools.POST("/search/semantic", h.searchToolsSemantic)
	tools.POST("/call", h.callTool)
	tools.POST("/refresh", h.refreshProviders)
	tools.GET("/calls/:idempotencyKey", h.getCallResult)
	tools.GET("/:name", h.getTool)
	tools.GET("/:name/status", h.getToolStatus)

	router.GET("/servers/health", h.serversHealth)

	embGroup := router.Group("/embeddings")
	embGroup.POST("/generate", h.generateEmbedding)
	embGroup.POST("/generate/batch", h.generateEmbeddingBatch)
}

// CorrelationMiddleware assigns a correlation id when the caller did not
// supply one and echoes it back, along with any caller identity.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(headerCorrelationID)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		c.Set("correlation_id", correlationID)
		c.Header(headerCorrelationID, correlationID)

		if identity := c.GetHeader(headerIdentityID); identity != "" {
			c.Set("identity_id", identity)
			c.Header(headerIdentityID, identity)
		}

		c.Next()
	}
}

// AuthMiddleware enforces static bearer-token auth. An empty token disables
// authentication entirely.
func AuthMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		supplied, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || supplied != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "missing or invalid bearer token",
			})
			return
		}

		c.Next()
	}
}

func respondData(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func respondError(c *gin.Context, err error) {
	body := gin.H{
		"success": false,
		"error":   err.Error(),
		"code":    errorCode(err),
	}
	if errors.Is(err, types.ErrBudgetExhausted) {
		body["retry_after_ms"] = resilience.CooldownMs
	}
	c.JSON(statusFor(err), body)
}

func respondBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   message,
		"code":    "validation_error",
	})
}

func errorCode(err error) string {
	var valErr *types.ValidationError
	if errors.As(err, &valErr) {
		return "validation_error"
	}
	return types.ErrorCode(err)
}

// statusFor maps the error taxonomy to HTTP statuses. Provider-side outages
// surface as 503 so callers can back off, while execution failures inside a
// reachable provider are the provider's answer and map to 502.
func statusFor(err error) int {
	var valErr *types.ValidationError
	var timeoutErr *types.TimeoutError
	var execErr *types.ToolExecutionError

	switch {
	case errors.As(err, &valErr):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrToolNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrProviderUnavailable),
		errors.Is(err, types.ErrProviderUnhealthy),
		errors.Is(err, types.ErrBudgetExhausted):
		return http.StatusServiceUnavailable
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout
	case errors.As(err, &execErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func identityFrom(c *gin.Context, bodyIdentity string) string {
	if bodyIdentity != "" {
		return bodyIdentity
	}
	return c.GetString("identity_id")
}
