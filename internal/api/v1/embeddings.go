package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type embedRequest struct {
	Text string `json:"text" binding:"required"`
}

type embedBatchRequest struct {
	Texts []string `json:"texts" binding:"required"`
}

func (h *APIHandlers) generateEmbedding(c *gin.Context) {
	var req embedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "text is required")
		return
	}

	vector, err := h.embedder.Embed(c.Request.Context(), req.Text)
	if err != nil {
		respondError(c, err)
		return
	}

	respondData(c, http.StatusOK, gin.H{
		"embedding":  vector,
		"dimensions": len(vector),
	})
}

func (h *APIHandlers) generateEmbeddingBatch(c *gin.Context) {
	var req embedBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Texts) == 0 {
		respondBadRequest(c, "texts is required")
		return
	}

	vectors, err := h.embedder.EmbedBatch(c.Request.Context(), req.Texts)
	if err != nil {
		respondError(c, err)
		return
	}

	respondData(c, http.StatusOK, gin.H{
		"embeddings": vectors,
		"count":      len(vectors),
	})
}
