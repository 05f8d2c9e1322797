// ABOUTME: Single-flight conversational generation engine with cooperative cancellation.
// ABOUTME: Owns a bounded turn history distinct from the session's display log.

package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/wisplabs/wisp-gateway/internal/backend"
)

// ErrorKind classifies a failed Stream call.
type ErrorKind string

const (
	// ErrorBusy means another generation is already in flight on this engine.
	ErrorBusy ErrorKind = "busy"

	// ErrorStream means the backend failed before the stream completed.
	ErrorStream ErrorKind = "stream_error"
)

// Usage carries the final token counts reported by the backend.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Callbacks receive the outcome of a Stream call. OnChunk is invoked once
// per incremental text delta. Exactly one of OnDone or OnError fires on a
// terminal outcome; neither fires when the run was aborted.
type Callbacks struct {
	OnChunk func(delta string)
	OnDone  func(usage Usage)
	OnError func(kind ErrorKind, msg string)
}

// cancelToken is the explicit cancellation handle for one in-flight run.
// The requested flag checked at each chunk boundary is authoritative for
// stopping consumption; the context cancel merely advises the backend call.
type cancelToken struct {
	requested atomic.Bool
	cancel    context.CancelFunc
}

func (t *cancelToken) request() {
	t.requested.Store(true)
	t.cancel()
}

// historyTurn tags a backend turn with an identity so an aborted or failed
// run can roll back exactly the turn it appended, even if Reset ran in
// between.
type historyTurn struct {
	id string
	backend.Turn
}

// Engine drives generations against the inference backend for one session.
// At most one Stream call is in flight at a time; a second call while busy
// is rejected without mutating state.
type Engine struct {
	streamer  backend.Streamer
	model     string
	turnLimit int
	logger    *slog.Logger

	mu       sync.Mutex
	history  []historyTurn
	busy     bool
	reserved bool
	token    *cancelToken
}

// NewEngine creates an Engine that keeps at most turnLimit history turns.
func NewEngine(streamer backend.Streamer, model string, turnLimit int, logger *slog.Logger) *Engine {
	return &Engine{
		streamer:  streamer,
		model:     model,
		turnLimit: turnLimit,
		logger:    logger,
	}
}

// Model returns the backend model identifier this engine generates with.
func (e *Engine) Model() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model
}

// SetModel switches the model for subsequent generations. An in-flight run
// keeps the model it started with.
func (e *Engine) SetModel(model string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.model = model
}

// Busy reports whether a generation is currently in flight.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}

// TryAcquire reserves the single-flight slot ahead of a Stream call, so a
// caller can reject a conflicting request synchronously instead of waiting
// for the background task to start. It reports whether the slot was free.
// The reservation is consumed by the next Stream call; a Stream call made
// without one acquires the slot itself.
func (e *Engine) TryAcquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy {
		return false
	}
	e.busy = true
	e.reserved = true
	return true
}

// Turns returns a copy of the current history.
func (e *Engine) Turns() []backend.Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	turns := make([]backend.Turn, len(e.history))
	for i, h := range e.history {
		turns[i] = h.Turn
	}
	return turns
}

// Stream runs one generation with content as the new user turn, invoking
// callbacks as the backend produces output. It blocks until the run reaches
// a terminal state and is intended to be called from a background task.
//
// An aborted run rolls back its user turn and invokes no terminal callback.
// The busy flag and cancellation token are cleared on every exit path.
func (e *Engine) Stream(ctx context.Context, content string, cb Callbacks) {
	e.mu.Lock()
	if e.busy && !e.reserved {
		e.mu.Unlock()
		cb.OnError(ErrorBusy, "a generation is already in progress")
		return
	}

	streamCtx, cancel := context.WithCancel(ctx)
	token := &cancelToken{cancel: cancel}
	e.busy = true
	e.reserved = false
	e.token = token
	model := e.model

	userTurnID := uuid.NewString()
	e.history = append(e.history, historyTurn{
		id:   userTurnID,
		Turn: backend.Turn{Role: backend.RoleUser, Content: content},
	})
	turns := make([]backend.Turn, len(e.history))
	for i, h := range e.history {
		turns[i] = h.Turn
	}
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.busy = false
		e.token = nil
		e.mu.Unlock()
	}()

	ch, err := e.streamer.Stream(streamCtx, backend.Request{Model: model, Turns: turns})
	if err != nil {
		e.removeTurn(userTurnID)
		if token.requested.Load() {
			return
		}
		cb.OnError(ErrorStream, err.Error())
		return
	}

	var buf strings.Builder
	var usage Usage
	for chunk := range ch {
		// Cooperative cancellation point: once abort is requested we stop
		// consuming, roll back, and finish without a terminal callback.
		if token.requested.Load() {
			e.removeTurn(userTurnID)
			return
		}
		if chunk.Err != nil {
			e.removeTurn(userTurnID)
			cb.OnError(ErrorStream, chunk.Err.Error())
			return
		}
		if chunk.InputTokens > 0 {
			usage.InputTokens = chunk.InputTokens
		}
		if chunk.OutputTokens > 0 {
			usage.OutputTokens = chunk.OutputTokens
		}
		if chunk.Delta != "" {
			buf.WriteString(chunk.Delta)
			cb.OnChunk(chunk.Delta)
		}
	}

	if token.requested.Load() {
		e.removeTurn(userTurnID)
		return
	}

	e.mu.Lock()
	e.history = append(e.history, historyTurn{
		id:   uuid.NewString(),
		Turn: backend.Turn{Role: backend.RoleAssistant, Content: buf.String()},
	})
	if over := len(e.history) - e.turnLimit; over > 0 {
		e.history = append(e.history[:0], e.history[over:]...)
	}
	e.mu.Unlock()

	cb.OnDone(usage)
}

// Abort signals the active cancellation token, if any. It does not invoke
// callbacks; it only influences the outcome of the in-flight Stream call.
func (e *Engine) Abort() {
	e.mu.Lock()
	token := e.token
	e.mu.Unlock()

	if token != nil {
		e.logger.Debug("abort requested")
		token.request()
	}
}

// Reset clears the turn history. An in-flight run already captured the
// history it needs and is unaffected.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = nil
}

// removeTurn deletes the history turn with the given id, if still present.
func (e *Engine) removeTurn(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].id == id {
			e.history = append(e.history[:i], e.history[i+1:]...)
			return
		}
	}
}
