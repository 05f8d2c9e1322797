// ABOUTME: Connection supervisor: accepts websockets, authenticates, heartbeats.
// ABOUTME: Wires admitted frames into the dispatcher and drains on shutdown.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/wisplabs/wisp-gateway/internal/config"
	"github.com/wisplabs/wisp-gateway/internal/ratelimit"
	"github.com/wisplabs/wisp-gateway/internal/rpc"
)

// Gateway accepts client connections and supervises their lifetime:
// authentication at upgrade, heartbeat liveness, per-connection admission
// control, and graceful drain on shutdown.
type Gateway struct {
	cfg        *config.Config
	dispatcher *rpc.Dispatcher
	logger     *slog.Logger
	httpServer *http.Server

	mu    sync.Mutex
	addr  string
	conns map[*wsConn]struct{}
}

// wsConn wraps one websocket and serializes outbound writes; responses and
// background run events share it.
type wsConn struct {
	conn   *websocket.Conn
	remote string
	mu     sync.Mutex
}

// Send implements rpc.Sender.
func (c *wsConn) Send(ctx context.Context, frame any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, frame)
}

// New builds a Gateway serving /ws and /health on the configured address.
func New(cfg *config.Config, dispatcher *rpc.Dispatcher, logger *slog.Logger) *Gateway {
	g := &Gateway{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
		conns:      make(map[*wsConn]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	mux.HandleFunc("/health", g.handleHealth)
	g.httpServer = &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: mux,
	}
	return g
}

// Run serves until ctx is cancelled, then drains: heartbeats stop, open
// connections are closed with a going-away status, and the listener shuts
// down gracefully within the configured drain timeout before being forced.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.cfg.Server.HTTPAddr, err)
	}
	g.mu.Lock()
	g.addr = ln.Addr().String()
	g.mu.Unlock()
	g.logger.Info("listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	hbCtx, hbCancel := context.WithCancel(context.Background())
	defer hbCancel()
	go g.heartbeat(hbCtx)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	g.logger.Info("draining connections", "timeout", g.cfg.Gateway.DrainTimeout)
	hbCancel()
	g.closeAll(websocket.StatusGoingAway, "server draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), g.cfg.Gateway.DrainTimeout)
	defer cancel()
	if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
		g.logger.Warn("graceful shutdown incomplete, forcing close", "error", err)
		return g.httpServer.Close()
	}
	return nil
}

// Addr returns the bound listen address, empty until Run has bound it.
// Useful when the configured address picks an ephemeral port.
func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

// ConnCount returns the number of live connections.
func (g *Gateway) ConnCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	if !g.authorize(r) {
		g.logger.Warn("unauthorized connection rejected", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Debug("accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	// Oversized frames are rejected by admission control with the
	// connection left open; the transport limit is only a backstop.
	ws.SetReadLimit(2 * int64(g.cfg.Limits.MaxMessageBytes))

	c := &wsConn{conn: ws, remote: r.RemoteAddr}
	g.add(c)
	g.logger.Info("client connected", "remote", r.RemoteAddr)
	defer func() {
		g.remove(c)
		g.logger.Info("client disconnected", "remote", r.RemoteAddr)
		_ = ws.Close(websocket.StatusNormalClosure, "bye")
	}()

	gate := ratelimit.New(
		g.cfg.Limits.RateWindow,
		g.cfg.Limits.RateMaxMessages,
		g.cfg.Limits.MaxMessageBytes,
	)
	rc := g.dispatcher.NewConn(c, r.RemoteAddr)

	ctx := r.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		if admitErr := gate.Admit(len(data)); admitErr != nil {
			g.logger.Debug("frame rejected", "remote", r.RemoteAddr, "error", admitErr)
			rc.SendEvent(ctx, rpc.EventError, admissionPayload(admitErr))
			continue
		}
		rc.HandleFrame(ctx, data)
	}
}

func admissionPayload(err error) rpc.ErrorEventPayload {
	code := rpc.CodeRateLimited
	if errors.Is(err, ratelimit.ErrMessageTooLarge) {
		code = rpc.CodeMessageTooLarge
	}
	return rpc.ErrorEventPayload{Code: code, Message: err.Error()}
}

// authorize checks the shared-secret token against the query string or the
// Authorization header. No configured token disables the check.
func (g *Gateway) authorize(r *http.Request) bool {
	token := g.cfg.Gateway.Token
	if token == "" {
		return true
	}
	if r.URL.Query().Get("token") == token {
		return true
	}
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return bearer == token
	}
	return false
}

// heartbeat pings every connection each interval. A connection that does
// not answer before the next tick is forcibly terminated.
func (g *Gateway) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Gateway.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range g.snapshot() {
				go g.ping(ctx, c)
			}
		}
	}
}

func (g *Gateway) ping(ctx context.Context, c *wsConn) {
	pingCtx, cancel := context.WithTimeout(ctx, g.cfg.Gateway.HeartbeatInterval)
	defer cancel()
	if err := c.conn.Ping(pingCtx); err != nil {
		g.logger.Warn("heartbeat failed, terminating connection",
			"remote", c.remote, "error", err)
		_ = c.conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
		g.remove(c)
	}
}

func (g *Gateway) add(c *wsConn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[c] = struct{}{}
}

func (g *Gateway) remove(c *wsConn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, c)
}

func (g *Gateway) snapshot() []*wsConn {
	g.mu.Lock()
	defer g.mu.Unlock()
	conns := make([]*wsConn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	return conns
}

func (g *Gateway) closeAll(status websocket.StatusCode, reason string) {
	for _, c := range g.snapshot() {
		_ = c.conn.Close(status, reason)
	}
}
