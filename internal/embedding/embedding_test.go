package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposeContextual(t *testing.T) {
	t.Run("no neighbors returns trimmed text", func(t *testing.T) {
		got := ComposeContextual(ContextualText{Text: "  hello  "}, 100)
		assert.Equal(t, "hello", got)
	})

	t.Run("both neighbors within budget", func(t *testing.T) {
		got := ComposeContextual(ContextualText{Text: "b", Before: "a", After: "c"}, 100)
		assert.Equal(t, "a\n\nb\n\nc", got)
	})

	t.Run("neighbors truncated proportionally", func(t *testing.T) {
		item := ContextualText{
			Text:   strings.Repeat("t", 50),
			Before: strings.Repeat("b", 100),
			After:  strings.Repeat("a", 100),
		}
		got := ComposeContextual(item, 104) // 50 text + 2*2 separators + 50 context
		assert.LessOrEqual(t, len(got), 104)
		assert.Contains(t, got, strings.Repeat("t", 50))
		// Equal-length neighbors split the remainder evenly.
		parts := strings.Split(got, "\n\n")
		require.Len(t, parts, 3)
		assert.Equal(t, 25, len(parts[0]))
		assert.Equal(t, 25, len(parts[2]))
	})

	t.Run("text over budget keeps text and drops neighbors", func(t *testing.T) {
		item := ContextualText{
			Text:   strings.Repeat("t", 200),
			Before: "before",
			After:  "after",
		}
		got := ComposeContextual(item, 100)
		assert.Equal(t, strings.Repeat("t", 200), got)
	})

	t.Run("asymmetric neighbors share by length", func(t *testing.T) {
		item := ContextualText{
			Text:   "xx",
			Before: strings.Repeat("b", 10),
			After:  strings.Repeat("a", 90),
		}
		got := ComposeContextual(item, 56) // 2 text + 4 separators + 50 context
		parts := strings.Split(got, "\n\n")
		require.Len(t, parts, 3)
		assert.Equal(t, 5, len(parts[0]))
		assert.Equal(t, 45, len(parts[2]))
	})
}

func TestClientEmbed(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("HTTP-Referer"))
		assert.NotEmpty(t, r.Header.Get("X-Title"))

		var req EmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := EmbeddingResponse{Object: "list", Model: req.Model}
		for i := range req.Input {
			resp.Data = append(resp.Data, EmbeddingData{
				Object:    "embedding",
				Index:     i,
				Embedding: []float32{float32(i), 1, 0},
			})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client, err := NewClient(Config{APIKey: "test-key", BaseURL: server.URL, Model: "test-model"})
	require.NoError(t, err)

	embeddings, err := client.Embed(context.Background(), []string{"first", "", "third"})
	require.NoError(t, err)
	require.Len(t, embeddings, 3)

	// Blank text yields a nil vector without hitting the API for it.
	assert.Equal(t, []float32{0, 1, 0}, embeddings[0])
	assert.Nil(t, embeddings[1])
	assert.Equal(t, []float32{1, 1, 0}, embeddings[2])
	assert.Equal(t, int32(1), requests.Load())

	// Dimension is learned from the response.
	assert.Equal(t, 3, client.Dimension())
}

func TestClientEmbedAllBlank(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for blank-only input")
	}))
	defer server.Close()

	client, err := NewClient(Config{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	embeddings, err := client.Embed(context.Background(), []string{"", "   "})
	require.NoError(t, err)
	require.Len(t, embeddings, 2)
	assert.Nil(t, embeddings[0])
	assert.Nil(t, embeddings[1])
}

func TestClientRetriesTransientErrors(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(EmbeddingResponse{
			Data: []EmbeddingData{{Index: 0, Embedding: []float32{1}}},
		})
	}))
	defer server.Close()

	client, err := NewClient(Config{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	embeddings, err := client.Embed(context.Background(), []string{"text"})
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, embeddings[0])
	assert.Equal(t, int32(2), requests.Load())
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(EmbeddingResponse{
			Error: &EmbeddingError{Message: "bad key", Type: "auth"},
		})
	}))
	defer server.Close()

	client, err := NewClient(Config{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), []string{"text"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
	assert.Equal(t, int32(1), requests.Load())
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}

func TestMockClientDeterministic(t *testing.T) {
	mock := NewMockClient(16)

	first, err := mock.Embed(context.Background(), []string{"hello world"})
	require.NoError(t, err)
	second, err := mock.Embed(context.Background(), []string{"hello world"})
	require.NoError(t, err)
	assert.Equal(t, first[0], second[0])
	require.Len(t, first[0], 16)

	// Unit norm within float tolerance.
	var sum float64
	for _, x := range first[0] {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, sum, 1e-4)

	other, err := mock.Embed(context.Background(), []string{"different text"})
	require.NoError(t, err)
	assert.NotEqual(t, first[0], other[0])

	blank, err := mock.Embed(context.Background(), []string{" "})
	require.NoError(t, err)
	assert.Nil(t, blank[0])
}

func TestCachedEmbedder(t *testing.T) {
	mock := NewMockClient(8)
	counting := &countingEmbedder{inner: mock}
	cached := NewCachedEmbedder(counting, 10)

	ctx := context.Background()

	first, err := cached.Embed(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, 2, counting.embedded)

	// Second call is fully served from cache.
	second, err := cached.Embed(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, 2, counting.embedded)
	assert.Equal(t, first, second)

	// Mixed hit/miss only embeds the miss.
	_, err = cached.Embed(ctx, []string{"alpha", "gamma"})
	require.NoError(t, err)
	assert.Equal(t, 3, counting.embedded)

	assert.Equal(t, 8, cached.Dimension())
	assert.Equal(t, "mock-embedding-model", cached.Model())
	assert.Equal(t, 3, cached.Len())
}

func TestCachedEmbedderDoesNotCacheBlank(t *testing.T) {
	counting := &countingEmbedder{inner: NewMockClient(4)}
	cached := NewCachedEmbedder(counting, 10)

	out, err := cached.Embed(context.Background(), []string{""})
	require.NoError(t, err)
	assert.Nil(t, out[0])
	assert.Equal(t, 0, cached.Len())
}

func TestEmbedContextualComposes(t *testing.T) {
	mock := NewMockClient(8)
	ctx := context.Background()

	viaContextual, err := mock.EmbedContextual(ctx, []ContextualText{
		{Text: "middle", Before: "start", After: "end"},
	})
	require.NoError(t, err)

	viaComposed, err := mock.Embed(ctx, []string{"start\n\nmiddle\n\nend"})
	require.NoError(t, err)

	assert.Equal(t, viaComposed[0], viaContextual[0])
}

// countingEmbedder counts how many non-blank texts reach the inner embedder.
type countingEmbedder struct {
	inner    Embedder
	embedded int
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	for _, t := range texts {
		if strings.TrimSpace(t) != "" {
			c.embedded++
		}
	}
	return c.inner.Embed(ctx, texts)
}

func (c *countingEmbedder) EmbedContextual(ctx context.Context, items []ContextualText) ([][]float32, error) {
	return c.Embed(ctx, composeAll(items, DefaultContextChars))
}

func (c *countingEmbedder) Model() string  { return c.inner.Model() }
func (c *countingEmbedder) Dimension() int { return c.inner.Dimension() }
