// Package registry is the single source of truth for tool metadata and the
// vector index behind semantic discovery.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"toolgate/internal/db/repositories"
	"toolgate/internal/embeddings"
	"toolgate/internal/logging"
	"toolgate/pkg/models"
	"toolgate/pkg/types"
)

const recentErrorLimit = 5

// SearchOptions narrows a semantic search.
type SearchOptions struct {
	Limit          int
	MinSimilarity  float64
	ProviderFilter string
	TagFilter      string
}

type Registry struct {
	tools    *repositories.ToolRepo
	calls    *repositories.ToolCallRepo
	embedder embeddings.Embedder
}

func New(repos *repositories.Repositories, embedder embeddings.Embedder) *Registry {
	return &Registry{
		tools:    repos.Tools,
		calls:    repos.ToolCalls,
		embedder: embedder,
	}
}

// embeddingText is what gets vectorized for a tool.
func embeddingText(tool *models.Tool) string {
	return tool.Name + ": " + tool.Description
}

// Register upserts a tool, generating a fresh embedding only when the tool is
// new or its description changed. Accumulated call statistics survive.
func (r *Registry) Register(ctx context.Context, tool *models.Tool) error {
	existing, err := r.tools.Get(ctx, tool.Name)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to look up tool %s: %w", tool.Name, err)
	}

	needsEmbedding := existing == nil || existing.Description != tool.Description || existing.Embedding == nil
	if needsEmbedding {
		vector, err := r.embedder.Embed(ctx, embeddingText(tool))
		if err != nil {
			// A tool without a vector is still callable; it just won't
			// surface in semantic search until re-registered.
			logging.Error("failed to embed tool %s: %v", tool.Name, err)
			tool.Embedding = nil
		} else {
			tool.Embedding = vector
		}
	} else {
		tool.Embedding = nil
	}

	return r.tools.Upsert(ctx, tool)
}

// Get returns a tool by exact name.
func (r *Registry) Get(ctx context.Context, name string) (*models.Tool, error) {
	tool, err := r.tools.Get(ctx, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrToolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tool %s: %w", name, err)
	}
	return tool, nil
}

// List returns all tools, optionally filtered by provider.
func (r *Registry) List(ctx context.Context, providerFilter string) ([]*models.Tool, error) {
	return r.tools.List(ctx, providerFilter)
}

// Delete removes a tool from the catalog.
func (r *Registry) Delete(ctx context.Context, name string) error {
	return r.tools.Delete(ctx, name)
}

// DeleteByProvider removes every tool a provider owns. Called on disconnect.
func (r *Registry) DeleteByProvider(ctx context.Context, provider string) error {
	return r.tools.DeleteByProvider(ctx, provider)
}

// Count returns the catalog size.
func (r *Registry) Count(ctx context.Context) (int64, error) {
	return r.tools.Count(ctx)
}

// SearchKeyword matches tools by substring over name and description.
func (r *Registry) SearchKeyword(ctx context.Context, query, providerFilter, tagFilter string) ([]*models.Tool, error) {
	tools, err := r.tools.List(ctx, providerFilter)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(query)
	matched := make([]*models.Tool, 0, len(tools))
	for _, tool := range tools {
		if tagFilter != "" && !hasTag(tool, tagFilter) {
			continue
		}
		if needle == "" ||
			strings.Contains(strings.ToLower(tool.Name), needle) ||
			strings.Contains(strings.ToLower(tool.Description), needle) {
			matched = append(matched, tool)
		}
	}
	return matched, nil
}

// SearchSemantic embeds the query text and ranks the catalog by cosine
// similarity, descending, dropping matches below the threshold.
func (r *Registry) SearchSemantic(ctx context.Context, query string, opts SearchOptions) ([]models.ToolMatch, error) {
	queryVector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	tools, err := r.tools.List(ctx, opts.ProviderFilter)
	if err != nil {
		return nil, err
	}

	matches := make([]models.ToolMatch, 0, len(tools))
	for _, tool := range tools {
		if tool.Embedding == nil {
			continue
		}
		if opts.TagFilter != "" && !hasTag(tool, opts.TagFilter) {
			continue
		}

		similarity := CosineSimilarity(queryVector, tool.Embedding)
		if similarity < opts.MinSimilarity {
			continue
		}
		matches = append(matches, models.ToolMatch{Tool: tool, Similarity: similarity})
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})

	if opts.Limit > 0 && len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}
	return matches, nil
}

// RecordCall updates a tool's running statistics and appends to the call log.
func (r *Registry) RecordCall(ctx context.Context, name, provider string, success bool, latencyMs int64, callErr error) error {
	if err := r.tools.RecordCall(ctx, name, success, latencyMs); err != nil {
		return err
	}

	rec := &models.ToolCallRecord{
		ToolName:  name,
		Provider:  provider,
		Success:   success,
		LatencyMs: latencyMs,
	}
	if callErr != nil {
		rec.ErrorCode = types.ErrorCode(callErr)
		rec.ErrorMessage = callErr.Error()
	}
	return r.calls.Append(ctx, rec)
}

// Stats returns the aggregate view for one tool, including its last distinct
// failure reasons.
func (r *Registry) Stats(ctx context.Context, name string) (*models.ToolStats, error) {
	tool, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	recentErrors, err := r.calls.RecentErrorCodes(ctx, name, recentErrorLimit)
	if err != nil {
		return nil, err
	}

	return &models.ToolStats{
		Name:         tool.Name,
		CallCount:    tool.CallCount,
		AvgLatency:   tool.AvgLatency,
		SuccessRate:  tool.SuccessRate,
		RecentErrors: recentErrors,
	}, nil
}

func hasTag(tool *models.Tool, tag string) bool {
	for _, t := range tool.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// CosineSimilarity is dot(a,b) / (|a|*|b|); a zero denominator yields 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}
