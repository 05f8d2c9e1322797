// ABOUTME: Registry mapping session keys to sessions, created lazily.
// ABOUTME: The registry exclusively owns all sessions and their engines.

package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wisplabs/wisp-gateway/internal/agent"
)

// EngineFactory builds the generation engine for a new session.
type EngineFactory func(key string) *agent.Engine

// Summary is the listing view of a session. History bodies are never
// included; clients fetch those through chat.history.
type Summary struct {
	Key          string    `json:"key"`
	Label        string    `json:"label,omitempty"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	MessageCount int       `json:"messageCount"`
	Busy         bool      `json:"busy"`
}

// Filter narrows and caps a List call. Zero values mean no filtering.
type Filter struct {
	ActiveWithin time.Duration
	Limit        int
}

// Registry maps session keys to sessions. Sessions are created lazily on
// first reference and live until deleted or cleared.
type Registry struct {
	newEngine EngineFactory
	logCap    int
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option adjusts registry construction.
type Option func(*Registry)

// WithClock overrides the registry's time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry. New sessions get an engine from
// factory and a display log capped at logCap messages.
func NewRegistry(factory EngineFactory, logCap int, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		newEngine: factory,
		logCap:    logCap,
		logger:    logger,
		now:       time.Now,
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the session for key, creating it on first reference.
func (r *Registry) GetOrCreate(key string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[key]; ok {
		return s
	}

	now := r.now()
	s := &Session{
		key:          key,
		createdAt:    now,
		lastActiveAt: now,
		engine:       r.newEngine(key),
		logCap:       r.logCap,
	}
	r.sessions[key] = s
	r.logger.Debug("session created", "session", key)
	return s
}

// Get returns the session for key, or nil if it does not exist.
func (r *Registry) Get(key string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[key]
}

// List returns session summaries sorted by descending last activity,
// narrowed by the filter.
func (r *Registry) List(f Filter) []Summary {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	now := r.now()
	summaries := make([]Summary, 0, len(all))
	for _, s := range all {
		last := s.LastActiveAt()
		if f.ActiveWithin > 0 && now.Sub(last) > f.ActiveWithin {
			continue
		}
		summaries = append(summaries, Summary{
			Key:          s.Key(),
			Label:        s.Label(),
			Model:        s.Engine().Model(),
			CreatedAt:    s.CreatedAt(),
			LastActiveAt: last,
			MessageCount: s.MessageCount(),
			Busy:         s.Engine().Busy(),
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastActiveAt.After(summaries[j].LastActiveAt)
	})
	if f.Limit > 0 && len(summaries) > f.Limit {
		summaries = summaries[:f.Limit]
	}
	return summaries
}

// Delete removes the session for key and reports whether it existed.
func (r *Registry) Delete(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
		r.logger.Debug("session deleted", "session", key)
	}
	return ok
}

// Clear removes all sessions.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]*Session)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
