// ABOUTME: Protocol dispatcher: routes request frames to method handlers.
// ABOUTME: Enforces connect-before-use and emits sequenced events per connection.

package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wisplabs/wisp-gateway/internal/agent"
	"github.com/wisplabs/wisp-gateway/internal/backend"
	"github.com/wisplabs/wisp-gateway/internal/config"
	"github.com/wisplabs/wisp-gateway/internal/session"
)

// Identity describes the gateway's single configured agent.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Model string `json:"model"`
}

type handler func(ctx context.Context, c *Conn, req *Request) (any, *Error)

// Dispatcher routes decoded request frames to method handlers. One
// dispatcher serves all connections; per-connection state lives on Conn.
type Dispatcher struct {
	registry  *session.Registry
	identity  Identity
	cfg       *config.Config
	version   string
	hostname  string
	startedAt time.Time
	logger    *slog.Logger
	now       func() time.Time
	connCount func() int

	methods map[string]handler
}

// Option adjusts dispatcher construction.
type Option func(*Dispatcher)

// WithClock overrides the dispatcher's time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithConnectionCount supplies the live connection counter reported by the
// status method.
func WithConnectionCount(count func() int) Option {
	return func(d *Dispatcher) { d.connCount = count }
}

// NewDispatcher builds a dispatcher with its method table resolved once.
func NewDispatcher(registry *session.Registry, identity Identity, cfg *config.Config, version string, logger *slog.Logger, opts ...Option) *Dispatcher {
	hostname, _ := os.Hostname()
	d := &Dispatcher{
		registry:  registry,
		identity:  identity,
		cfg:       cfg,
		version:   version,
		hostname:  hostname,
		logger:    logger,
		now:       time.Now,
		connCount: func() int { return 0 },
	}
	for _, opt := range opts {
		opt(d)
	}
	d.startedAt = d.now()

	d.methods = map[string]handler{
		"connect":            d.handleConnect,
		"chat.send":          d.handleChatSend,
		"chat.history":       d.handleChatHistory,
		"chat.abort":         d.handleChatAbort,
		"agents.list":        d.handleAgentsList,
		"agent.identity.get": d.handleAgentIdentity,
		"sessions.list":      d.handleSessionsList,
		"sessions.patch":     d.handleSessionsPatch,
		"sessions.delete":    d.handleSessionsDelete,
		"health":             d.handleHealth,
		"status":             d.handleStatus,
		"config.get":         d.handleConfigGet,
		"config.schema":      d.handleConfigSchema,
		"models.list":        d.handleModelsList,
		"node.list":          d.handleNodeList,
	}
	return d
}

// Conn is the dispatcher's per-connection state: the handshake flag, the
// event sequence counter, and the outbound sender.
type Conn struct {
	d      *Dispatcher
	sender Sender
	logger *slog.Logger

	connected atomic.Bool
	seq       atomic.Uint64
}

// NewConn wires a connection into the dispatcher. remote labels log lines.
func (d *Dispatcher) NewConn(sender Sender, remote string) *Conn {
	return &Conn{
		d:      d,
		sender: sender,
		logger: d.logger.With("remote", remote),
	}
}

// HandleFrame decodes one inbound frame and dispatches it. ctx should span
// the connection's lifetime: chat.send forks a background run from it. All
// handler failures come back as failed responses; nothing here terminates
// the connection.
func (c *Conn) HandleFrame(ctx context.Context, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		c.respondError(ctx, "", newError(CodeInvalidParams, "malformed frame"))
		return
	}
	if req.Method == "" {
		c.respondError(ctx, req.ID, newError(CodeInvalidParams, "missing method"))
		return
	}
	if !c.connected.Load() && req.Method != "connect" {
		c.respondError(ctx, req.ID, newError(CodeNotConnected, "not connected"))
		return
	}

	h, ok := c.d.methods[req.Method]
	if !ok {
		// Not a protocol error: the envelope was valid and the id is
		// echoed back, the method just has no handler. The unknown_method
		// code separates this from malformed-frame failures.
		c.respondError(ctx, req.ID,
			newError(CodeUnknownMethod, fmt.Sprintf("method not implemented: %s", req.Method)))
		return
	}

	payload, herr := c.invoke(ctx, h, &req)
	if herr != nil {
		c.respondError(ctx, req.ID, herr)
		return
	}
	c.send(ctx, Response{Type: TypeResponse, ID: req.ID, OK: true, Payload: payload})
}

// invoke runs a handler, converting a panic into a failed response.
func (c *Conn) invoke(ctx context.Context, h handler, req *Request) (payload any, herr *Error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panic", "method", req.Method, "panic", r)
			payload = nil
			herr = newError(CodeInternal, "internal error")
		}
	}()
	return h(ctx, c, req)
}

// SendEvent emits a sequenced event frame. Seq is allocated here so all
// events on a connection share one strictly increasing counter.
func (c *Conn) SendEvent(ctx context.Context, name string, payload any) {
	c.send(ctx, Event{
		Type:    TypeEvent,
		Event:   name,
		Seq:     c.seq.Add(1),
		Payload: payload,
	})
}

func (c *Conn) respondError(ctx context.Context, id string, herr *Error) {
	c.send(ctx, Response{Type: TypeResponse, ID: id, OK: false, Error: herr})
}

func (c *Conn) send(ctx context.Context, frame any) {
	if err := c.sender.Send(ctx, frame); err != nil {
		c.logger.Debug("send failed", "error", err)
	}
}

func decodeParams(raw json.RawMessage, v any) *Error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return newError(CodeInvalidParams, "invalid params: "+err.Error())
	}
	return nil
}

// sessionKey falls back to the configured default when the client names no
// session.
func (d *Dispatcher) sessionKey(key string) string {
	if key == "" {
		return d.cfg.Gateway.DefaultSessionKey
	}
	return key
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type connectPayload struct {
	Protocol int        `json:"protocol"`
	Server   serverInfo `json:"server"`
	Agent    Identity   `json:"agent"`
	Session  string     `json:"session"`
}

func (d *Dispatcher) handleConnect(_ context.Context, c *Conn, _ *Request) (any, *Error) {
	c.connected.Store(true)
	sess := d.registry.GetOrCreate(d.cfg.Gateway.DefaultSessionKey)
	return connectPayload{
		Protocol: 1,
		Server:   serverInfo{Name: "wisp-gateway", Version: d.version},
		Agent:    d.identity,
		Session:  sess.Key(),
	}, nil
}

type sendParams struct {
	Session string `json:"session"`
	Message struct {
		Content []session.Part `json:"content"`
	} `json:"message"`
}

// runEventPayload is shared by delta and final events. Text is the run's
// accumulated output so far, not an increment.
type runEventPayload struct {
	Session string       `json:"session"`
	RunID   string       `json:"runId"`
	Text    string       `json:"text"`
	Usage   *agent.Usage `json:"usage,omitempty"`
}

// ErrorEventPayload is the body of an error event, covering both admission
// rejections and failed generation runs.
type ErrorEventPayload struct {
	Session string `json:"session,omitempty"`
	RunID   string `json:"runId,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Text    string `json:"text,omitempty"`
}

type abortedEventPayload struct {
	Session string `json:"session"`
	RunID   string `json:"runId"`
}

func (d *Dispatcher) handleChatSend(ctx context.Context, c *Conn, req *Request) (any, *Error) {
	var params sendParams
	if herr := decodeParams(req.Params, &params); herr != nil {
		return nil, herr
	}

	var text strings.Builder
	for _, part := range params.Message.Content {
		if part.Type == "text" {
			text.WriteString(part.Text)
		}
	}
	content := text.String()
	if strings.TrimSpace(content) == "" {
		return nil, newError(CodeInvalidParams, "message content is empty")
	}

	key := d.sessionKey(params.Session)
	sess := d.registry.GetOrCreate(key)

	// Reserve the single-flight slot before touching the session, so a
	// conflicting send is rejected here with zero mutation. The background
	// Stream call consumes the reservation.
	if !sess.Engine().TryAcquire() {
		return nil, newError(CodeBusy, "a generation is already in progress")
	}

	runID := uuid.NewString()
	sess.SetCurrentRun(runID)
	sess.Append(session.Message{
		ID:        uuid.NewString(),
		Role:      backend.RoleUser,
		Content:   params.Message.Content,
		Timestamp: d.now(),
	})

	// The response returns before generation finishes; results arrive as
	// events correlated by runId.
	go c.runGeneration(ctx, sess, runID, content)

	return struct{}{}, nil
}

// runGeneration drives one background run and translates engine callbacks
// into events. Delta and final events are suppressed once the run is
// superseded; error events are emitted regardless so a client is never
// left waiting on a session whose abort raced with a backend failure.
func (c *Conn) runGeneration(ctx context.Context, sess *session.Session, runID, content string) {
	key := sess.Key()
	var accum strings.Builder

	sess.Engine().Stream(ctx, content, agent.Callbacks{
		OnChunk: func(delta string) {
			accum.WriteString(delta)
			if !sess.IsCurrentRun(runID) {
				return
			}
			c.SendEvent(ctx, EventDelta, runEventPayload{
				Session: key, RunID: runID, Text: accum.String(),
			})
		},
		OnDone: func(usage agent.Usage) {
			if !sess.ClearRunIf(runID) {
				return
			}
			sess.Append(session.Message{
				ID:        uuid.NewString(),
				Role:      backend.RoleAssistant,
				Content:   []session.Part{session.TextPart(accum.String())},
				Timestamp: c.d.now(),
			})
			c.SendEvent(ctx, EventFinal, runEventPayload{
				Session: key, RunID: runID, Text: accum.String(), Usage: &usage,
			})
		},
		OnError: func(kind agent.ErrorKind, msg string) {
			// A busy rejection belongs to this run alone and must never
			// clear a marker another run now owns. Generation errors clear
			// unconditionally so the session is never left pointing at a
			// run that already failed.
			if kind == agent.ErrorBusy {
				sess.ClearRunIf(runID)
			} else {
				sess.ClearRun()
			}
			c.SendEvent(ctx, EventError, ErrorEventPayload{
				Session: key, RunID: runID,
				Code: string(kind), Message: msg, Text: accum.String(),
			})
		},
	})
}

type historyParams struct {
	Session string `json:"session"`
	Limit   int    `json:"limit"`
}

type historyPayload struct {
	Messages []session.Message `json:"messages"`
}

func (d *Dispatcher) handleChatHistory(_ context.Context, _ *Conn, req *Request) (any, *Error) {
	var params historyParams
	if herr := decodeParams(req.Params, &params); herr != nil {
		return nil, herr
	}

	sess := d.registry.Get(d.sessionKey(params.Session))
	if sess == nil {
		return historyPayload{Messages: []session.Message{}}, nil
	}
	return historyPayload{Messages: sess.Messages(params.Limit)}, nil
}

type abortParams struct {
	Session string `json:"session"`
}

func (d *Dispatcher) handleChatAbort(ctx context.Context, c *Conn, req *Request) (any, *Error) {
	var params abortParams
	if herr := decodeParams(req.Params, &params); herr != nil {
		return nil, herr
	}

	key := d.sessionKey(params.Session)
	sess := d.registry.Get(key)
	if sess == nil {
		return map[string]bool{"aborted": false}, nil
	}

	// Clearing the run marker first makes the abort authoritative for
	// event suppression before the engine's cooperative cancel lands.
	runID := sess.ClearRun()
	if runID == "" {
		return map[string]bool{"aborted": false}, nil
	}
	sess.Engine().Abort()
	c.SendEvent(ctx, EventAborted, abortedEventPayload{Session: key, RunID: runID})
	return map[string]bool{"aborted": true}, nil
}

type agentEntry struct {
	Identity
	Busy     bool `json:"busy"`
	Sessions int  `json:"sessions"`
}

func (d *Dispatcher) handleAgentsList(context.Context, *Conn, *Request) (any, *Error) {
	busy := false
	summaries := d.registry.List(session.Filter{})
	for _, s := range summaries {
		if s.Busy {
			busy = true
			break
		}
	}
	return map[string][]agentEntry{"agents": {
		{Identity: d.identity, Busy: busy, Sessions: len(summaries)},
	}}, nil
}

func (d *Dispatcher) handleAgentIdentity(context.Context, *Conn, *Request) (any, *Error) {
	return d.identity, nil
}

type listParams struct {
	ActiveMinutes int `json:"activeMinutes"`
	Limit         int `json:"limit"`
}

func (d *Dispatcher) handleSessionsList(_ context.Context, _ *Conn, req *Request) (any, *Error) {
	var params listParams
	if herr := decodeParams(req.Params, &params); herr != nil {
		return nil, herr
	}

	sessions := d.registry.List(session.Filter{
		ActiveWithin: time.Duration(params.ActiveMinutes) * time.Minute,
		Limit:        params.Limit,
	})
	return map[string][]session.Summary{"sessions": sessions}, nil
}

type patchParams struct {
	Session string  `json:"session"`
	Label   *string `json:"label"`
	Model   *string `json:"model"`
}

func (d *Dispatcher) handleSessionsPatch(_ context.Context, _ *Conn, req *Request) (any, *Error) {
	var params patchParams
	if herr := decodeParams(req.Params, &params); herr != nil {
		return nil, herr
	}
	if params.Session == "" {
		return nil, newError(CodeInvalidParams, "session is required")
	}

	sess := d.registry.Get(params.Session)
	if sess == nil {
		return nil, newError(CodeInvalidParams, "unknown session: "+params.Session)
	}
	if params.Label != nil {
		sess.SetLabel(*params.Label)
	}
	if params.Model != nil {
		sess.Engine().SetModel(*params.Model)
	}
	return map[string]string{
		"session": sess.Key(),
		"label":   sess.Label(),
		"model":   sess.Engine().Model(),
	}, nil
}

type deleteParams struct {
	Session string `json:"session"`
}

func (d *Dispatcher) handleSessionsDelete(_ context.Context, _ *Conn, req *Request) (any, *Error) {
	var params deleteParams
	if herr := decodeParams(req.Params, &params); herr != nil {
		return nil, herr
	}
	if params.Session == "" {
		return nil, newError(CodeInvalidParams, "session is required")
	}
	return map[string]bool{"deleted": d.registry.Delete(params.Session)}, nil
}

func (d *Dispatcher) handleHealth(context.Context, *Conn, *Request) (any, *Error) {
	return map[string]any{
		"ok":             true,
		"uptime_seconds": int(d.now().Sub(d.startedAt).Seconds()),
	}, nil
}

func (d *Dispatcher) handleStatus(context.Context, *Conn, *Request) (any, *Error) {
	activeRuns := 0
	for _, s := range d.registry.List(session.Filter{}) {
		if s.Busy {
			activeRuns++
		}
	}
	return map[string]any{
		"ok":             true,
		"version":        d.version,
		"uptime_seconds": int(d.now().Sub(d.startedAt).Seconds()),
		"sessions":       d.registry.Len(),
		"connections":    d.connCount(),
		"active_runs":    activeRuns,
	}, nil
}

func (d *Dispatcher) handleConfigGet(context.Context, *Conn, *Request) (any, *Error) {
	return d.cfg.Redacted(), nil
}

func (d *Dispatcher) handleConfigSchema(context.Context, *Conn, *Request) (any, *Error) {
	return config.Schema(), nil
}

func (d *Dispatcher) handleModelsList(context.Context, *Conn, *Request) (any, *Error) {
	return map[string]any{
		"models": []map[string]string{{"id": d.cfg.Backend.Model}},
	}, nil
}

func (d *Dispatcher) handleNodeList(context.Context, *Conn, *Request) (any, *Error) {
	return map[string]any{
		"nodes": []map[string]any{{
			"id":       "local",
			"hostname": d.hostname,
			"version":  d.version,
			"local":    true,
		}},
	}, nil
}
