// ABOUTME: Wire envelope types for the request/response/event protocol.
// ABOUTME: All frames are UTF-8 JSON over a persistent full-duplex connection.

package rpc

import (
	"context"
	"encoding/json"
)

// Frame type discriminators.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Event names emitted during and after a generation run.
const (
	EventDelta   = "delta"
	EventFinal   = "final"
	EventError   = "error"
	EventAborted = "aborted"
)

// Error codes carried in failed responses and error events.
const (
	CodeNotConnected    = "not_connected"
	CodeInvalidParams   = "invalid_params"
	CodeUnknownMethod   = "unknown_method"
	CodeBusy            = "busy"
	CodeStreamError     = "stream_error"
	CodeInternal        = "internal"
	CodeRateLimited     = "rate_limited"
	CodeMessageTooLarge = "message_too_large"
)

// Request is an inbound client frame.
type Request struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers exactly one Request, correlated by ID. Exactly one of
// Payload and Error is set, according to OK.
type Response struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Payload any    `json:"payload,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Event is an unsolicited outbound frame. Seq is strictly increasing per
// connection starting at 1, across all event kinds, so clients can detect
// drops.
type Event struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Seq     uint64 `json:"seq"`
	Payload any    `json:"payload,omitempty"`
}

// Error describes a failed response or an error event payload.
type Error struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Sender is the outbound half of a connection. Implementations must be
// safe for concurrent use: responses and background run events interleave.
type Sender interface {
	Send(ctx context.Context, frame any) error
}
