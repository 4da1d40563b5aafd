package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		APIKey:  "test-key",
		Model:   "test/model",
		BaseURL: server.URL,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return client
}

func completionBody(content string) Response {
	return Response{Choices: []Choice{{Message: Delta{Content: content, Role: RoleAssistant}}}}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}

func TestCompleteWithSystem(t *testing.T) {
	var got Request
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		require.NoError(t, json.NewEncoder(w).Encode(completionBody("  all good  ")))
	})

	out, err := client.CompleteWithSystem(context.Background(), "be terse", "say hi")
	require.NoError(t, err)
	assert.Equal(t, "all good", out)

	assert.Equal(t, "test/model", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, RoleSystem, got.Messages[0].Role)
	assert.Equal(t, "be terse", got.Messages[0].Content[0].Text)
	assert.Equal(t, RoleUser, got.Messages[1].Role)
	assert.Equal(t, "say hi", got.Messages[1].Content[0].Text)
}

func TestCompleteOmitsSystemMessage(t *testing.T) {
	var got Request
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		require.NoError(t, json.NewEncoder(w).Encode(completionBody("ok")))
	})

	_, err := client.Complete(context.Background(), "just this")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, RoleUser, got.Messages[0].Role)
}

func TestCompleteRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		require.NoError(t, json.NewEncoder(w).Encode(completionBody("recovered")))
	})

	out, err := client.Complete(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	})

	_, err := client.Complete(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
	assert.Equal(t, int32(1), calls.Load())
}

func TestCompleteSurfacesAPIErrorBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":{"message":"model offline"}}`)
	})

	_, err := client.Complete(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model offline")
}

func TestStream(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	resultCh := make(chan string, 16)
	err := client.Stream(context.Background(), []Turn{{Role: RoleUser, Text: "hi"}}, resultCh)
	require.NoError(t, err)
	close(resultCh)

	var out string
	for token := range resultCh {
		out += token
	}
	assert.Equal(t, "Hello", out)
}

func TestStreamWithTemperatureOverridesDefault(t *testing.T) {
	var got Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(Config{APIKey: "test-key", BaseURL: server.URL, Temperature: 0.2})
	require.NoError(t, err)

	resultCh := make(chan string, 1)
	turns := []Turn{{Role: RoleUser, Text: "hi"}}

	require.NoError(t, client.StreamWithTemperature(context.Background(), turns, 0.9, resultCh))
	assert.Equal(t, 0.9, got.Temperature)

	// Zero falls back to the client default.
	require.NoError(t, client.StreamWithTemperature(context.Background(), turns, 0, resultCh))
	assert.Equal(t, 0.2, got.Temperature)
}

func TestStreamSurfacesErrorEvents(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"overloaded\"}}\n\n")
	})

	resultCh := make(chan string, 16)
	err := client.Stream(context.Background(), []Turn{{Role: RoleUser, Text: "hi"}}, resultCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")
}

func TestTranscribeImage(t *testing.T) {
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}
	var got Request
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		require.NoError(t, json.NewEncoder(w).Encode(completionBody("PAGE TEXT")))
	})

	out, err := client.TranscribeImage(context.Background(), jpeg, "transcribe this page")
	require.NoError(t, err)
	assert.Equal(t, "PAGE TEXT", out)

	// Vision requests go to the vision model with a text part and an
	// inline data URL part.
	assert.Equal(t, defaultVisionModel, got.Model)
	require.Len(t, got.Messages, 1)
	parts := got.Messages[0].Content
	require.Len(t, parts, 2)
	assert.Equal(t, "text", parts[0].Type)
	assert.Equal(t, "transcribe this page", parts[0].Text)
	assert.Equal(t, "image_url", parts[1].Type)
	require.NotNil(t, parts[1].ImageURL)
	assert.Equal(t, "data:image/jpeg;base64,"+base64.StdEncoding.EncodeToString(jpeg), parts[1].ImageURL.URL)
}

func TestScriptedClientPlaysBackInOrder(t *testing.T) {
	scripted := NewScriptedClient("first", "second")

	out, err := scripted.Complete(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "first", out)

	out, err = scripted.CompleteWithSystem(context.Background(), "sys", "b")
	require.NoError(t, err)
	assert.Equal(t, "second", out)

	_, err = scripted.Complete(context.Background(), "c")
	require.Error(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, scripted.Prompts)
	assert.Equal(t, 3, scripted.Calls())
}

func TestScriptedClientStreamsWordwise(t *testing.T) {
	scripted := NewScriptedClient("one two three")
	resultCh := make(chan string, 8)

	err := scripted.Stream(context.Background(), []Turn{{Role: RoleUser, Text: "go"}}, resultCh)
	require.NoError(t, err)
	close(resultCh)

	var tokens []string
	for token := range resultCh {
		tokens = append(tokens, token)
	}
	assert.Equal(t, []string{"one ", "two ", "three"}, tokens)
}

func TestScriptedClientRecordsTemperature(t *testing.T) {
	scripted := NewScriptedClient("ok")
	resultCh := make(chan string, 8)

	err := scripted.StreamWithTemperature(context.Background(), []Turn{{Role: RoleUser, Text: "go"}}, 0.7, resultCh)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.7}, scripted.Temperatures)
}
