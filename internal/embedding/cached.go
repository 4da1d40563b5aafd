package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the default number of embeddings kept in memory.
// At 768 dimensions * 4 bytes * 4096 entries that is roughly 12MB.
const DefaultCacheSize = 4096

// CachedEmbedder wraps an Embedder with LRU caching so repeated texts are
// not re-embedded. Queries in particular repeat often.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

// NewCachedEmbedder creates a cached embedder wrapping the given embedder.
func NewCachedEmbedder(inner Embedder, cacheSize int) *CachedEmbedder {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, _ := lru.New[string, []float32](cacheSize)
	return &CachedEmbedder{
		inner: inner,
		cache: cache,
	}
}

// cacheKey hashes the composed input together with the model so a model
// change never serves stale vectors.
func (c *CachedEmbedder) cacheKey(text string) string {
	combined := text + "\x00" + c.inner.Model()
	hash := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(hash[:])
}

// Embed returns cached embeddings where available and delegates the rest
// to the inner embedder in a single batch.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	missedIndices := make([]int, 0, len(texts))
	missedTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		if vec, ok := c.cache.Get(c.cacheKey(text)); ok {
			results[i] = vec
			continue
		}
		missedIndices = append(missedIndices, i)
		missedTexts = append(missedTexts, text)
	}

	if len(missedTexts) == 0 {
		return results, nil
	}

	fresh, err := c.inner.Embed(ctx, missedTexts)
	if err != nil {
		return nil, err
	}

	for j, idx := range missedIndices {
		results[idx] = fresh[j]
		// Blank texts come back nil; caching nil would mask a later
		// non-blank hit on the same key, so only real vectors are stored.
		if fresh[j] != nil {
			c.cache.Add(c.cacheKey(texts[idx]), fresh[j])
		}
	}

	return results, nil
}

// EmbedContextual composes inputs first so the cache key covers the
// neighbor context, then runs them through the same cache.
func (c *CachedEmbedder) EmbedContextual(ctx context.Context, items []ContextualText) ([][]float32, error) {
	return c.Embed(ctx, composeAll(items, DefaultContextChars))
}

// Model returns the model identifier (passthrough to inner).
func (c *CachedEmbedder) Model() string {
	return c.inner.Model()
}

// Dimension returns the embedding dimension (passthrough to inner).
func (c *CachedEmbedder) Dimension() int {
	return c.inner.Dimension()
}

// Len reports how many embeddings are currently cached.
func (c *CachedEmbedder) Len() int {
	return c.cache.Len()
}
