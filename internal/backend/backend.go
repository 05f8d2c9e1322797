// ABOUTME: Streaming inference backend interface and shared chunk types.
// ABOUTME: The backend is an opaque chat-completion service consumed lazily.

package backend

import "context"

// Role values used in backend conversation turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one entry of the conversational context sent to the backend.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one streaming generation call.
type Request struct {
	Model string
	Turns []Turn
}

// Chunk is one incremental result from the backend stream. Delta carries
// new text when present. InputTokens/OutputTokens are cumulative counts
// from the backend's periodic usage metadata; zero means "not reported in
// this chunk". A chunk with Err set is terminal and reports a transport or
// API failure; a clean close of the channel means natural exhaustion.
type Chunk struct {
	Delta        string
	InputTokens  int
	OutputTokens int
	Err          error
}

// Streamer opens a lazy incremental generation stream. The returned channel
// is closed when the stream ends, whether by exhaustion or failure. The
// caller may stop consuming at any time; cancelling ctx releases the
// underlying call.
type Streamer interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}
