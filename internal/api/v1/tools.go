package v1

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"toolgate/internal/gateway"
	"toolgate/internal/registry"
	"toolgate/internal/resilience"
	"toolgate/pkg/types"
)

func (h *APIHandlers) listTools(c *gin.Context) {
	tools, err := h.registry.List(c.Request.Context(), c.Query("server_name"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, gin.H{"tools": tools, "count": len(tools)})
}

func (h *APIHandlers) getTool(c *gin.Context) {
	tool, err := h.registry.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, tool)
}

func (h *APIHandlers) getToolStatus(c *gin.Context) {
	name := c.Param("name")

	tool, err := h.registry.Get(c.Request.Context(), name)
	if err != nil {
		respondError(c, err)
		return
	}

	stats, err := h.registry.Stats(c.Request.Context(), name)
	if err != nil {
		respondError(c, err)
		return
	}

	respondData(c, http.StatusOK, gin.H{
		"stats":            stats,
		"provider":         tool.Provider,
		"provider_healthy": h.hub.ProviderHealthy(tool.Provider),
		"circuit_state":    h.gateway.CircuitState(tool.Provider),
	})
}

type searchRequest struct {
	Query         string  `json:"query" binding:"required"`
	ServerName    string  `json:"server_name"`
	Tag           string  `json:"tag"`
	Limit         int     `json:"limit"`
	MinSimilarity float64 `json:"min_similarity"`
}

func (h *APIHandlers) searchTools(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "query is required")
		return
	}

	tools, err := h.registry.SearchKeyword(c.Request.Context(), req.Query, req.ServerName, req.Tag)
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, gin.H{"tools": tools, "count": len(tools)})
}

func (h *APIHandlers) searchToolsSemantic(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "query is required")
		return
	}

	matches, err := h.registry.SearchSemantic(c.Request.Context(), req.Query, registry.SearchOptions{
		Limit:          req.Limit,
		MinSimilarity:  req.MinSimilarity,
		ProviderFilter: req.ServerName,
		TagFilter:      req.Tag,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, gin.H{"matches": matches, "count": len(matches)})
}

type callRequest struct {
	ToolName       string         `json:"tool_name" binding:"required"`
	Parameters     map[string]any `json:"parameters"`
	IdempotencyKey string         `json:"idempotency_key"`
	IdentityID     string         `json:"identity_id"`
	TimeoutMs      int64          `json:"timeout_ms"`
}

func (h *APIHandlers) callTool(c *gin.Context) {
	var req callRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "tool_name is required")
		return
	}

	resp, err := h.gateway.CallTool(c.Request.Context(), gateway.CallRequest{
		ToolName:       req.ToolName,
		Arguments:      req.Parameters,
		IdempotencyKey: req.IdempotencyKey,
		IdentityID:     identityFrom(c, req.IdentityID),
		Timeout:        time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		body := gin.H{
			"success":   false,
			"error":     err.Error(),
			"code":      errorCode(err),
			"tool_name": req.ToolName,
			"cached":    resp != nil && resp.Cached,
		}
		if errors.Is(err, types.ErrBudgetExhausted) {
			body["retry_after_ms"] = resilience.CooldownMs
		}
		c.JSON(statusFor(err), body)
		return
	}
	respondData(c, http.StatusOK, resp)
}

func (h *APIHandlers) getCallResult(c *gin.Context) {
	key := c.Param("idempotencyKey")

	record, err := h.gateway.CallRecord(c.Request.Context(), key)
	if err != nil {
		respondError(c, err)
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "no call recorded for idempotency key " + key,
			"code":    "not_found",
		})
		return
	}

	respondData(c, http.StatusOK, record)
}

func (h *APIHandlers) gatewayStats(c *gin.Context) {
	count, err := h.registry.Count(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	providers := h.hub.Status()
	healthy := 0
	for _, p := range providers {
		if p.Healthy {
			healthy++
		}
	}

	respondData(c, http.StatusOK, gin.H{
		"tool_count":        count,
		"provider_count":    len(providers),
		"providers_healthy": healthy,
		"providers":         providers,
	})
}
