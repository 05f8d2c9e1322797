// ABOUTME: Tests for the session registry and session display log.
// ABOUTME: Covers lazy creation, listing filters, log capping, and run tracking.

package session

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisplabs/wisp-gateway/internal/agent"
	"github.com/wisplabs/wisp-gateway/internal/backend"
)

type nullStreamer struct{}

func (nullStreamer) Stream(context.Context, backend.Request) (<-chan backend.Chunk, error) {
	ch := make(chan backend.Chunk)
	close(ch)
	return ch, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRegistry(clock *fakeClock) *Registry {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	factory := func(string) *agent.Engine {
		return agent.NewEngine(nullStreamer{}, "test-model", 50, logger)
	}
	return NewRegistry(factory, 5, logger, WithClock(clock.Now))
}

func TestRegistryGetOrCreate(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := newTestRegistry(clock)

	s := reg.GetOrCreate("main")
	require.NotNil(t, s)
	assert.Equal(t, "main", s.Key())
	assert.Equal(t, clock.now, s.CreatedAt())
	assert.NotNil(t, s.Engine())

	// Same key returns the same session, untouched.
	again := reg.GetOrCreate("main")
	assert.Same(t, s, again)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryGetNeverCreates(t *testing.T) {
	reg := newTestRegistry(&fakeClock{now: time.Now()})

	assert.Nil(t, reg.Get("absent"))
	assert.Zero(t, reg.Len())
}

func TestRegistryDelete(t *testing.T) {
	reg := newTestRegistry(&fakeClock{now: time.Now()})
	reg.GetOrCreate("main")

	assert.True(t, reg.Delete("main"))
	assert.False(t, reg.Delete("main"))
	assert.Zero(t, reg.Len())
}

func TestRegistryClear(t *testing.T) {
	reg := newTestRegistry(&fakeClock{now: time.Now()})
	reg.GetOrCreate("a")
	reg.GetOrCreate("b")

	reg.Clear()
	assert.Zero(t, reg.Len())
}

func TestRegistryListSortsAndFilters(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := newTestRegistry(clock)

	stale := reg.GetOrCreate("stale")
	stale.touch(clock.now.Add(-10 * time.Minute))
	fresh := reg.GetOrCreate("fresh")
	fresh.touch(clock.now.Add(-1 * time.Minute))
	freshest := reg.GetOrCreate("freshest")
	freshest.touch(clock.now)

	all := reg.List(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, "freshest", all[0].Key)
	assert.Equal(t, "fresh", all[1].Key)
	assert.Equal(t, "stale", all[2].Key)

	active := reg.List(Filter{ActiveWithin: 5 * time.Minute})
	require.Len(t, active, 2)
	assert.Equal(t, "freshest", active[0].Key)
	assert.Equal(t, "fresh", active[1].Key)

	capped := reg.List(Filter{Limit: 1})
	require.Len(t, capped, 1)
	assert.Equal(t, "freshest", capped[0].Key)
}

func TestRegistryListSummaryFields(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := newTestRegistry(clock)

	s := reg.GetOrCreate("main")
	s.SetLabel("scratch")
	s.Append(Message{ID: "m1", Role: backend.RoleUser,
		Content: []Part{TextPart("hi")}, Timestamp: clock.now})

	list := reg.List(Filter{})
	require.Len(t, list, 1)
	sum := list[0]
	assert.Equal(t, "main", sum.Key)
	assert.Equal(t, "scratch", sum.Label)
	assert.Equal(t, "test-model", sum.Model)
	assert.Equal(t, 1, sum.MessageCount)
	assert.False(t, sum.Busy)
}

func TestSessionLogCapEvictsOldest(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := newTestRegistry(clock) // cap of 5
	s := reg.GetOrCreate("main")

	for i := 0; i < 7; i++ {
		s.Append(Message{
			ID:        string(rune('a' + i)),
			Role:      backend.RoleUser,
			Content:   []Part{TextPart("msg")},
			Timestamp: clock.now,
		})
	}

	msgs := s.Messages(0)
	require.Len(t, msgs, 5)
	assert.Equal(t, "c", msgs[0].ID)
	assert.Equal(t, "g", msgs[4].ID)
}

func TestSessionMessagesLimit(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	reg := newTestRegistry(clock)
	s := reg.GetOrCreate("main")

	for _, id := range []string{"1", "2", "3"} {
		s.Append(Message{ID: id, Timestamp: clock.now})
	}

	last := s.Messages(2)
	require.Len(t, last, 2)
	assert.Equal(t, "2", last[0].ID)
	assert.Equal(t, "3", last[1].ID)

	assert.Len(t, s.Messages(10), 3)
}

func TestSessionAppendTouchesActivity(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := newTestRegistry(clock)
	s := reg.GetOrCreate("main")

	later := clock.now.Add(3 * time.Minute)
	s.Append(Message{ID: "m1", Timestamp: later})
	assert.Equal(t, later, s.LastActiveAt())
}

func TestSessionRunTracking(t *testing.T) {
	reg := newTestRegistry(&fakeClock{now: time.Now()})
	s := reg.GetOrCreate("main")

	assert.Empty(t, s.CurrentRun())

	s.SetCurrentRun("run-1")
	assert.True(t, s.IsCurrentRun("run-1"))
	assert.False(t, s.IsCurrentRun("run-2"))

	// Compare-and-clear refuses a stale id.
	assert.False(t, s.ClearRunIf("run-2"))
	assert.Equal(t, "run-1", s.CurrentRun())
	assert.True(t, s.ClearRunIf("run-1"))
	assert.Empty(t, s.CurrentRun())

	s.SetCurrentRun("run-3")
	assert.Equal(t, "run-3", s.ClearRun())
	assert.Empty(t, s.ClearRun())
}

func TestMessageText(t *testing.T) {
	msg := Message{Content: []Part{TextPart("hello "), TextPart("world")}}
	assert.Equal(t, "hello world", msg.Text())
}
