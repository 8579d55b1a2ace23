package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"toolgate/internal/version"
)

// Health reports liveness, durable-store reachability and the last known
// health of each provider connection.
func (h *APIHandlers) Health(c *gin.Context) {
	dbHealthy := h.db.Conn().PingContext(c.Request.Context()) == nil

	providers := h.hub.Status()
	providerHealth := make(map[string]bool, len(providers))
	for _, p := range providers {
		providerHealth[p.Name] = p.Healthy
	}

	status := http.StatusOK
	overall := "healthy"
	if !dbHealthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	c.JSON(status, gin.H{
		"status":    overall,
		"version":   version.Version,
		"database":  dbHealthy,
		"providers": providerHealth,
	})
}

// serversHealth runs a live probe against every connected provider.
func (h *APIHandlers) serversHealth(c *gin.Context) {
	respondData(c, http.StatusOK, gin.H{
		"providers": h.hub.HealthCheckAll(c.Request.Context()),
	})
}

// refreshProviders tears down and re-establishes every provider connection,
// re-discovering tools in the process.
func (h *APIHandlers) refreshProviders(c *gin.Context) {
	if err := h.hub.RefreshAll(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}

	respondData(c, http.StatusOK, gin.H{
		"providers": h.hub.Status(),
	})
}
