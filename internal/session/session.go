// ABOUTME: Session state: capped display log, run tracking, patchable metadata.
// ABOUTME: Each session guards its own fields; the registry guards the map.

package session

import (
	"sync"
	"time"

	"github.com/wisplabs/wisp-gateway/internal/agent"
)

// Part is one typed segment of a message body. Text is the only part type
// the gateway produces today.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextPart builds a plain text part.
func TextPart(text string) Part {
	return Part{Type: "text", Text: text}
}

// Message is one entry in a session's display log. Immutable once appended;
// the log only ever changes by appending or by oldest-first eviction.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   []Part    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Text joins the message's text parts into one string.
func (m Message) Text() string {
	var out string
	for _, p := range m.Content {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// Session owns one engine and a capped log of exchanged messages. The
// display log is what clients see over chat.history; it is distinct from
// the engine's conversational history and keeps user turns even when a
// generation fails.
type Session struct {
	key       string
	createdAt time.Time
	engine    *agent.Engine
	logCap    int

	mu           sync.Mutex
	lastActiveAt time.Time
	label        string
	messages     []Message
	currentRunID string
}

// Key returns the session's identifying key.
func (s *Session) Key() string {
	return s.key
}

// CreatedAt returns the session's creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Engine returns the session's generation engine.
func (s *Session) Engine() *agent.Engine {
	return s.engine
}

// touch records activity at the given time. Production paths update
// activity through Append; this is a test seam for listing filters.
func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActiveAt = now
}

// LastActiveAt returns the time of the last recorded activity.
func (s *Session) LastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveAt
}

// Label returns the session's display label, empty until patched.
func (s *Session) Label() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.label
}

// SetLabel updates the session's display label.
func (s *Session) SetLabel(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.label = label
}

// Append adds a message to the display log, evicting the oldest entries
// once the cap is exceeded, and records activity at the message timestamp.
func (s *Session) Append(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	if over := len(s.messages) - s.logCap; over > 0 {
		s.messages = append(s.messages[:0], s.messages[over:]...)
	}
	s.lastActiveAt = msg.Timestamp
}

// Messages returns a copy of the display log, trimmed to the last limit
// entries when limit is positive.
func (s *Session) Messages(limit int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// MessageCount returns the display log length.
func (s *Session) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// SetCurrentRun marks runID as the session's in-flight generation.
func (s *Session) SetCurrentRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentRunID = runID
}

// CurrentRun returns the in-flight run id, empty when idle.
func (s *Session) CurrentRun() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRunID
}

// IsCurrentRun reports whether runID is still the in-flight run. Events
// from a superseded run are dropped on this check.
func (s *Session) IsCurrentRun(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRunID == runID
}

// ClearRunIf clears the in-flight marker only when it still matches runID.
// It reports whether the marker was cleared.
func (s *Session) ClearRunIf(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentRunID != runID {
		return false
	}
	s.currentRunID = ""
	return true
}

// ClearRun unconditionally clears the in-flight marker and returns the run
// id that was set, if any. Error terminations use this path so a session is
// never left pointing at a run that already failed.
func (s *Session) ClearRun() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.currentRunID
	s.currentRunID = ""
	return prev
}
