// Package embeddings turns free text into vectors for semantic tool search.
package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"toolgate/internal/logging"
)

const (
	cacheTTL     = time.Hour
	cacheMaxSize = 10000
	batchLimit   = 100
	defaultModel = openai.EmbeddingModelTextEmbedding3Small
)

// Embedder is the vector source consumed by the registry.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
}

var _ Embedder = (*Client)(nil)

type cacheEntry struct {
	vector    []float64
	expiresAt time.Time
}

// Client calls the OpenAI embeddings API with an in-memory TTL cache in
// front, keyed by a fast non-cryptographic hash of the input text.
type Client struct {
	api   openai.Client
	model openai.EmbeddingModel

	mu    sync.Mutex
	cache map[uint64]cacheEntry
	now   func() time.Time
}

// NewClient builds a client against the OpenAI API. baseURL is optional and
// supports OpenAI-compatible embedding servers.
func NewClient(apiKey, baseURL, model string) *Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	m := openai.EmbeddingModel(model)
	if model == "" {
		m = defaultModel
	}

	return &Client{
		api:   openai.NewClient(opts...),
		model: m,
		cache: make(map[uint64]cacheEntry),
		now:   time.Now,
	}
}

func cacheKey(text string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(text))
	return h.Sum64()
}

// Embed returns the vector for text, serving from cache when fresh.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	key := cacheKey(text)

	c.mu.Lock()
	if entry, ok := c.cache[key]; ok && c.now().Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.vector, nil
	}
	c.mu.Unlock()

	vectors, err := c.fetch(ctx, []string{text})
	if err != nil {
		return nil, err
	}

	c.store(key, vectors[0])
	return vectors[0], nil
}

// EmbedBatch embeds texts in request groups bounded by the backend's per-call
// item limit and returns vectors in input order. Empty input makes no call.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	results := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += batchLimit {
		end := start + batchLimit
		if end > len(texts) {
			end = len(texts)
		}

		vectors, err := c.fetch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		for i, v := range vectors {
			c.store(cacheKey(texts[start+i]), v)
		}
		results = append(results, vectors...)
	}

	return results, nil
}

func (c *Client) fetch(ctx context.Context, texts []string) ([][]float64, error) {
	resp, err := c.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: c.model,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding backend returned %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	vectors := make([][]float64, len(texts))
	for _, item := range resp.Data {
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

func (c *Client) store(key uint64, vector []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.cache) >= cacheMaxSize {
		c.pruneExpiredLocked()
	}

	c.cache[key] = cacheEntry{vector: vector, expiresAt: c.now().Add(cacheTTL)}
}

func (c *Client) pruneExpiredLocked() {
	now := c.now()
	dropped := 0
	for key, entry := range c.cache {
		if !now.Before(entry.expiresAt) {
			delete(c.cache, key)
			dropped++
		}
	}
	if dropped > 0 {
		logging.Debug("embedding cache pruned %d expired entries", dropped)
	}
}

// CacheSize reports the number of cached vectors.
func (c *Client) CacheSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}
