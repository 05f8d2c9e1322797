// ABOUTME: Tests for the OpenAI-compatible streaming client.
// ABOUTME: Uses an httptest server emitting SSE frames to validate chunk decoding.

package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisplabs/wisp-gateway/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.BackendConfig{BaseURL: srv.URL, APIKey: "test-key", Model: "test-model"}, slog.Default())
}

func collect(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var chunks []Chunk
	for ck := range ch {
		chunks = append(chunks, ck)
	}
	return chunks
}

func TestClient_Stream_DeltasAndUsage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		assert.True(t, req.StreamOptions.IncludeUsage)
		assert.Equal(t, "test-model", req.Model)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":12,\"completion_tokens\":3}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	ch, err := client.Stream(context.Background(), Request{
		Model: "test-model",
		Turns: []Turn{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 3)
	assert.Equal(t, "Hel", chunks[0].Delta)
	assert.Equal(t, "lo", chunks[1].Delta)
	assert.Equal(t, 12, chunks[2].InputTokens)
	assert.Equal(t, 3, chunks[2].OutputTokens)
	for _, ck := range chunks {
		assert.NoError(t, ck.Err)
	}
}

func TestClient_Stream_SkipsNoise(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive comment\n\n")
		fmt.Fprint(w, "data: not-json\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	ch, err := client.Stream(context.Background(), Request{Model: "m", Turns: nil})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 1)
	assert.Equal(t, "ok", chunks[0].Delta)
}

func TestClient_Stream_ErrorStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model overloaded"}`, http.StatusServiceUnavailable)
	})

	_, err := client.Stream(context.Background(), Request{Model: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
