package scrape

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagedEngineScrape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/scrape", r.URL.Path)
		require.Equal(t, "Bearer fc-test", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://example.com/post/1", req["url"])
		assert.Equal(t, true, req["onlyMainContent"])

		_, _ = w.Write([]byte(`{
			"success": true,
			"data": {
				"markdown": "# Title\n\nBody text of the post.",
				"html": "<html><body><article><p>Body</p></article></body></html>",
				"links": ["https://example.com/next"],
				"metadata": {"title": "Title", "sourceURL": "https://example.com/post/1", "statusCode": 200}
			}
		}`))
	}))
	defer srv.Close()

	eng := NewManagedEngine(srv.URL, "fc-test", 5*time.Second, nil)
	res := eng.Scrape(context.Background(), "https://example.com/post/1", Options{ExtractLinks: true})

	require.Empty(t, res.Error)
	assert.Equal(t, EngineManaged, res.Engine)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "Title", res.Title)
	assert.Contains(t, res.Text, "Body text of the post")
	assert.Equal(t, MethodMainContent, res.ExtractionMethod)
	assert.Equal(t, []string{"https://example.com/next"}, res.Links)
}

func TestManagedEngineDisabledWithoutKey(t *testing.T) {
	eng := NewManagedEngine("https://api.example.com", "", time.Second, nil)

	usage := eng.Usage(context.Background())
	assert.True(t, usage.Disabled)
	assert.NotEmpty(t, usage.Reason)

	res := eng.Scrape(context.Background(), "https://example.com", Options{})
	assert.True(t, res.Failed())
	assert.Contains(t, res.Error, "disabled")

	_, err := eng.Crawl(context.Background(), "https://example.com", 5, 1)
	assert.ErrorIs(t, err, ErrEngineDisabled)
}

func TestManagedEngineServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success": false, "error": "rate limited"}`))
	}))
	defer srv.Close()

	eng := NewManagedEngine(srv.URL, "fc-test", 5*time.Second, nil)
	res := eng.Scrape(context.Background(), "https://example.com", Options{})

	assert.True(t, res.Failed())
	assert.Contains(t, res.Error, "rate limited")
	assert.Equal(t, int64(1), eng.Usage(context.Background()).Failures)
}

func TestManagedEngineHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	eng := NewManagedEngine(srv.URL, "bad-key", 5*time.Second, nil)
	res := eng.Scrape(context.Background(), "https://example.com", Options{})

	assert.True(t, res.Failed())
	assert.Contains(t, res.Error, "401")
}

func TestManagedEngineCrawlPolling(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/crawl":
			var req map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, float64(2), req["limit"])
			assert.Equal(t, float64(1), req["maxDepth"])
			_, _ = w.Write([]byte(`{"success": true, "id": "job-7"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/crawl/job-7":
			if polls.Add(1) == 1 {
				_, _ = w.Write([]byte(`{"status": "scraping", "total": 2, "completed": 1}`))
				return
			}
			_, _ = w.Write([]byte(`{
				"status": "completed", "total": 2, "completed": 2,
				"data": [
					{"markdown": "page one content", "metadata": {"title": "One", "sourceURL": "https://example.com/1", "statusCode": 200}},
					{"markdown": "page two content", "metadata": {"title": "Two", "sourceURL": "https://example.com/2", "statusCode": 200}}
				]
			}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	eng := NewManagedEngine(srv.URL, "fc-test", 5*time.Second, nil)
	eng.pollInterval = 10 * time.Millisecond

	results, err := eng.Crawl(context.Background(), "https://example.com", 2, 1)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "One", results[0].Title)
	assert.Equal(t, "https://example.com/2", results[1].URL)
	assert.GreaterOrEqual(t, polls.Load(), int32(2))
}

func TestManagedEngineCrawlFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/crawl":
			_, _ = w.Write([]byte(`{"success": true, "id": "job-8"}`))
		default:
			_, _ = w.Write([]byte(`{"status": "failed", "error": "blocked by robots.txt"}`))
		}
	}))
	defer srv.Close()

	eng := NewManagedEngine(srv.URL, "fc-test", 5*time.Second, nil)
	eng.pollInterval = 10 * time.Millisecond

	_, err := eng.Crawl(context.Background(), "https://example.com", 5, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked by robots.txt")
}

func TestManagedEngineCrawlHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/crawl":
			_, _ = w.Write([]byte(`{"success": true, "id": "job-9"}`))
		default:
			_, _ = w.Write([]byte(`{"status": "scraping"}`))
		}
	}))
	defer srv.Close()

	eng := NewManagedEngine(srv.URL, "fc-test", 5*time.Second, nil)
	eng.pollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := eng.Crawl(ctx, "https://example.com", 5, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
