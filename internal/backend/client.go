// ABOUTME: OpenAI-compatible streaming chat-completions client.
// ABOUTME: Consumes server-sent events and forwards deltas and usage counts as chunks.

package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wisplabs/wisp-gateway/internal/config"
)

const defaultTimeout = 120 * time.Second

// Client speaks the OpenAI-compatible chat completions API with streaming
// enabled. It implements Streamer.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a backend client from configuration.
func NewClient(cfg config.BackendConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// chatRequest is the wire shape of a streaming completions call.
type chatRequest struct {
	Model         string        `json:"model"`
	Messages      []Turn        `json:"messages"`
	Stream        bool          `json:"stream"`
	StreamOptions streamOptions `json:"stream_options"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// streamChunk is one decoded SSE data payload.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Stream opens a streaming completion call and returns a channel of chunks.
// The channel is closed when the server finishes or the call fails; failures
// surface as a final chunk with Err set.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	body, err := json.Marshal(chatRequest{
		Model:         req.Model,
		Messages:      req.Turns,
		Stream:        true,
		StreamOptions: streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.logger.Debug("opening backend stream", "model", req.Model, "turns", len(req.Turns))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("backend request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("backend status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	out := make(chan Chunk, 16)
	go c.consume(ctx, resp.Body, out)
	return out, nil
}

// consume reads SSE lines from the response body and forwards them as chunks.
// It stops as soon as ctx is cancelled, even if the receiver has gone away.
func (c *Client) consume(ctx context.Context, body io.ReadCloser, out chan<- Chunk) {
	defer close(out)
	defer func() { _ = body.Close() }()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Debug("skipping malformed stream payload", "error", err)
			continue
		}

		var ck Chunk
		if len(chunk.Choices) > 0 {
			ck.Delta = chunk.Choices[0].Delta.Content
		}
		if chunk.Usage != nil {
			ck.InputTokens = chunk.Usage.PromptTokens
			ck.OutputTokens = chunk.Usage.CompletionTokens
		}
		if ck.Delta == "" && chunk.Usage == nil {
			continue
		}
		select {
		case out <- ck:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case out <- Chunk{Err: fmt.Errorf("reading stream: %w", err)}:
		case <-ctx.Done():
		}
	}
}
