// ABOUTME: Interactive terminal client for wisp-gateway
// ABOUTME: Streams chat output and exposes abort/history/session commands

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/fatih/color"
)

type request struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Event   string          `json:"event"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type client struct {
	conn    *websocket.Conn
	session string

	mu       sync.Mutex
	nextID   int
	pending  map[string]string // request id -> method
	rendered int               // bytes of the active run already printed
}

func main() {
	addr := flag.String("addr", "localhost:8080", "gateway host:port")
	token := flag.String("token", os.Getenv("WISP_GATEWAY_TOKEN"), "gateway auth token")
	sessionKey := flag.String("session", "", "session key (empty for the gateway default)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addr, *token, *sessionKey); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, addr, token, sessionKey string) error {
	url := "ws://" + addr + "/ws"
	if token != "" {
		url += "?token=" + token
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	c := &client{conn: conn, session: sessionKey, pending: map[string]string{}}

	if err := c.send(ctx, "connect", nil); err != nil {
		return err
	}

	readerDone := make(chan error, 1)
	go func() { readerDone <- c.readLoop(ctx) }()

	gray := color.New(color.FgHiBlack)
	gray.Println("connected — type a message, /abort, /history, /sessions, or /quit")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readerDone:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := c.handleLine(ctx, line); err != nil {
				return err
			}
		}
	}
}

func (c *client) handleLine(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	switch {
	case line == "/quit":
		return c.conn.Close(websocket.StatusNormalClosure, "bye")
	case line == "/abort":
		return c.send(ctx, "chat.abort", map[string]any{"session": c.session})
	case line == "/history":
		return c.send(ctx, "chat.history", map[string]any{"session": c.session})
	case line == "/sessions":
		return c.send(ctx, "sessions.list", nil)
	case strings.HasPrefix(line, "/"):
		color.Yellow("unknown command: %s", line)
		return nil
	}

	c.mu.Lock()
	c.rendered = 0
	c.mu.Unlock()

	return c.send(ctx, "chat.send", map[string]any{
		"session": c.session,
		"message": map[string]any{
			"content": []map[string]string{{"type": "text", "text": line}},
		},
	})
}

func (c *client) send(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	c.nextID++
	id := fmt.Sprintf("r%d", c.nextID)
	c.pending[id] = method
	c.mu.Unlock()

	return wsjson.Write(ctx, c.conn, request{
		Type: "req", ID: id, Method: method, Params: params,
	})
}

func (c *client) readLoop(ctx context.Context) error {
	for {
		var f frame
		if err := wsjson.Read(ctx, c.conn, &f); err != nil {
			return fmt.Errorf("connection closed: %w", err)
		}
		switch f.Type {
		case "res":
			c.renderResponse(f)
		case "event":
			c.renderEvent(f)
		}
	}
}

func (c *client) renderResponse(f frame) {
	c.mu.Lock()
	method := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()

	if !f.OK {
		msg := "request failed"
		if f.Error != nil {
			msg = f.Error.Message
		}
		color.Red("✗ %s: %s", method, msg)
		return
	}

	switch method {
	case "chat.history":
		c.renderHistory(f.Payload)
	case "sessions.list":
		c.renderSessions(f.Payload)
	}
}

func (c *client) renderHistory(payload json.RawMessage) {
	var body struct {
		Messages []struct {
			Role    string `json:"role"`
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		color.Red("✗ bad history payload: %v", err)
		return
	}

	cyan := color.New(color.FgCyan)
	for _, m := range body.Messages {
		var text strings.Builder
		for _, p := range m.Content {
			text.WriteString(p.Text)
		}
		cyan.Printf("%10s  ", m.Role)
		fmt.Println(text.String())
	}
}

func (c *client) renderSessions(payload json.RawMessage) {
	var body struct {
		Sessions []struct {
			Key          string    `json:"key"`
			Label        string    `json:"label"`
			Model        string    `json:"model"`
			LastActiveAt time.Time `json:"lastActiveAt"`
			MessageCount int       `json:"messageCount"`
			Busy         bool      `json:"busy"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		color.Red("✗ bad sessions payload: %v", err)
		return
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	for _, s := range body.Sessions {
		cyan.Printf("%s", s.Key)
		if s.Label != "" {
			fmt.Printf(" (%s)", s.Label)
		}
		if s.Busy {
			color.New(color.FgYellow).Print(" [busy]")
		}
		gray.Printf("  %s, %d messages, active %s\n",
			s.Model, s.MessageCount, s.LastActiveAt.Format("15:04:05"))
	}
}

func (c *client) renderEvent(f frame) {
	switch f.Event {
	case "delta":
		var body struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(f.Payload, &body) != nil {
			return
		}
		// Deltas carry the whole accumulated text; print only the tail.
		c.mu.Lock()
		tail := ""
		if len(body.Text) > c.rendered {
			tail = body.Text[c.rendered:]
			c.rendered = len(body.Text)
		}
		c.mu.Unlock()
		fmt.Print(tail)

	case "final":
		var body struct {
			Usage *struct {
				InputTokens  int `json:"inputTokens"`
				OutputTokens int `json:"outputTokens"`
			} `json:"usage"`
		}
		fmt.Println()
		if json.Unmarshal(f.Payload, &body) == nil && body.Usage != nil {
			color.New(color.FgHiBlack).Printf("  (%d in / %d out)\n",
				body.Usage.InputTokens, body.Usage.OutputTokens)
		}

	case "error":
		var body struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		fmt.Println()
		if json.Unmarshal(f.Payload, &body) == nil {
			color.Red("✗ %s: %s", body.Code, body.Message)
		}

	case "aborted":
		fmt.Println()
		color.Yellow("⏹ aborted")
	}
}
