package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/noetic-labs/knowledge-core/internal/cache"
	"github.com/noetic-labs/knowledge-core/internal/observability"
)

// ResponseCache keeps recent search responses in Redis so repeated
// queries skip the pipeline entirely. Cache failures never fail a
// search; they only cost the shortcut.
type ResponseCache struct {
	client cache.Client
	logger *observability.Logger
	ttl    time.Duration
}

// NewResponseCache creates a response cache. A nil client disables it.
func NewResponseCache(client cache.Client, ttl time.Duration, logger *observability.Logger) *ResponseCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &ResponseCache{
		client: client,
		logger: logger.WithComponent("response-cache"),
		ttl:    ttl,
	}
}

// cachedResponse wraps a response with its cache metadata.
type cachedResponse struct {
	Response *SearchResponse `json:"response"`
	CachedAt time.Time       `json:"cached_at"`
}

// Key derives a deterministic cache key from everything that shapes a
// response: the query, the pipeline mode, the limit, and the filters.
func (c *ResponseCache) Key(projectID int64, mode, query string, limit int, filters map[string]any) string {
	parts := []string{mode, query, strconv.Itoa(limit)}

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, filters[k]))
	}

	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	digest := hex.EncodeToString(h.Sum(nil)[:16])
	return cache.SearchCacheKey(projectID, digest)
}

// Get returns a cached response, or false on miss or any cache error.
func (c *ResponseCache) Get(ctx context.Context, key string) (*SearchResponse, bool) {
	if c.client == nil {
		return nil, false
	}

	data, err := c.client.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Debug().Err(err).Str("key", key).Msg("Cache get failed")
		}
		return nil, false
	}

	var cached cachedResponse
	if err := json.Unmarshal(data, &cached); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Discarding unreadable cache entry")
		return nil, false
	}
	if cached.Response == nil {
		return nil, false
	}
	return cached.Response, true
}

// Set stores a response. Errors are logged and swallowed.
func (c *ResponseCache) Set(ctx context.Context, key string, resp *SearchResponse) {
	if c.client == nil || resp == nil {
		return
	}

	data, err := json.Marshal(cachedResponse{Response: resp, CachedAt: time.Now().UTC()})
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to marshal response for cache")
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("Cache set failed")
	}
}

// InvalidateProject drops every cached response for a project. Ingestion
// calls this after new chunks land so stale answers do not linger.
func (c *ResponseCache) InvalidateProject(ctx context.Context, projectID int64) {
	if c.client == nil {
		return
	}
	prefix := cache.ProjectCacheKey(projectID, "search")
	if err := c.client.DeleteByPrefix(ctx, prefix); err != nil {
		c.logger.Warn().Err(err).Int64("project_id", projectID).Msg("Cache invalidation failed")
	}
}
