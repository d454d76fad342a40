package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/abdul-hamid-achik/testhub/packages/bus"
	"github.com/abdul-hamid-achik/testhub/packages/console"
	"github.com/abdul-hamid-achik/testhub/packages/core/session"
	"github.com/abdul-hamid-achik/testhub/packages/metrics"
	"github.com/abdul-hamid-achik/testhub/packages/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	id     string
	pathID string

	mu          sync.Mutex
	handlers    map[string]protocol.Handler
	fallback    protocol.FallbackHandler
	lifecycle   protocol.LifecycleHandler
	sent        []string
	closed      bool
	reconnected int
}

func newFakeChannel(id, pathID string) *fakeChannel {
	return &fakeChannel{id: id, pathID: pathID, handlers: make(map[string]protocol.Handler)}
}

func (f *fakeChannel) ID() string     { return f.id }
func (f *fakeChannel) PathID() string { return f.pathID }

func (f *fakeChannel) On(event string, h protocol.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = h
}

func (f *fakeChannel) OnUnhandled(h protocol.FallbackHandler) { f.fallback = h }

func (f *fakeChannel) OnLifecycle(h protocol.LifecycleHandler) { f.lifecycle = h }

func (f *fakeChannel) Send(event string, _ ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, event)
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) MarkReconnected() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnected++
}

// emit delivers an inbound event as if it arrived on the wire.
func (f *fakeChannel) emit(event string, args ...any) {
	f.mu.Lock()
	h, ok := f.handlers[event]
	f.mu.Unlock()
	if ok {
		h(args)
		return
	}
	if f.fallback != nil {
		f.fallback(event, args)
	}
}

func (f *fakeChannel) drop(err error) {
	f.lifecycle(protocol.Disconnected, err)
}

type captured struct {
	mu     sync.Mutex
	events []bus.Message
}

func capture(b *bus.Bus) *captured {
	c := &captured{}
	b.Subscribe(bus.Wildcard, func(m bus.Message) {
		c.mu.Lock()
		c.events = append(c.events, m)
		c.mu.Unlock()
	})
	return c
}

func (c *captured) topic(name string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, m := range c.events {
		if m.Topic == name {
			out = append(out, m.Payload)
		}
	}
	return out
}

const chromeUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.71 Safari/537.36"

func TestRegistry_LoginPublishesJoined(t *testing.T) {
	b := bus.New()
	events := capture(b)
	r := New(b)

	ch := newFakeChannel("c1", "")
	s := r.OnConnect(ch)
	assert.Equal(t, session.Connecting, s.State())
	assert.Empty(t, events.topic(TopicRunnerJoined))

	ch.emit(EventLogin, chromeUA, float64(12))

	assert.Equal(t, session.LoggedIn, s.State())
	assert.Equal(t, "Chrome 120.0", s.Label())
	assert.Equal(t, "12", s.ExplicitID())
	joined := events.topic(TopicRunnerJoined)
	require.Len(t, joined, 1)
	assert.Same(t, s, joined[0].(RunnerEvent).Session)
	assert.Equal(t, []*session.Session{s}, r.SessionsFor("Chrome 120.0"))
}

func TestRegistry_PathIDUsedWhenLoginHasNone(t *testing.T) {
	r := New(bus.New())
	ch := newFakeChannel("c1", "42")
	s := r.OnConnect(ch)
	ch.emit(EventLogin, chromeUA)
	assert.Equal(t, "42", s.ExplicitID())
}

func TestRegistry_ResultsRequireLogin(t *testing.T) {
	b := bus.New()
	events := capture(b)
	r := New(b)
	ch := newFakeChannel("c1", "")
	s := r.OnConnect(ch)

	ch.emit(EventTestResult, map[string]any{"name": "early", "passed": true})
	assert.Empty(t, events.topic(TopicTestResult))

	ch.emit(EventLogin, chromeUA)
	ch.emit(EventTestResult, map[string]any{"name": "t1", "passed": true})
	ch.emit(EventTestResult, map[string]any{"name": "t2", "passed": false})
	ch.emit(EventAllDone)

	got := events.topic(TopicTestResult)
	require.Len(t, got, 2)
	first, second := got[0].(ResultEvent), got[1].(ResultEvent)
	assert.Less(t, first.Seq, second.Seq)
	assert.Equal(t, "t1", first.Payload.(map[string]any)["name"])
	assert.Equal(t, session.Idle, s.State())

	done := events.topic(TopicAllDone)
	require.Len(t, done, 1)
	assert.Greater(t, done[0].(AllDoneEvent).Seq, second.Seq)
}

func TestRegistry_StartRestartsIntoSameSession(t *testing.T) {
	b := bus.New()
	events := capture(b)
	r := New(b)

	ch := newFakeChannel("c1", "")
	s := r.OnConnect(ch)
	ch.emit(EventLogin, chromeUA)
	require.NoError(t, s.Start(session.StartTests))

	// Results already in flight from the previous page are stale.
	ch.emit(EventTestResult, map[string]any{"name": "stale", "passed": true})
	ch.drop(nil)
	assert.Equal(t, session.Restarting, s.State())

	next := newFakeChannel("c2", "")
	provisional := r.OnConnect(next)
	next.emit(EventLogin, chromeUA)

	assert.Equal(t, session.Running, s.State())
	_, live := r.Lookup(provisional.ID())
	assert.False(t, live)
	assert.Len(t, r.Sessions(), 1)
	assert.Len(t, events.topic(TopicRunnerJoined), 1)

	next.emit(EventTestResult, map[string]any{"name": "fresh", "passed": true})
	got := events.topic(TopicTestResult)
	require.Len(t, got, 1)
	assert.Same(t, s, got[0].(ResultEvent).Session)
}

func TestRegistry_ResumeByExplicitID(t *testing.T) {
	b := bus.New()
	events := capture(b)
	r := New(b, WithSessionOptions(session.WithGrace(time.Minute)))

	ch := newFakeChannel("c1", "")
	s := r.OnConnect(ch)
	ch.emit(EventLogin, chromeUA, "7")
	ch.emit(EventTestResult, map[string]any{"name": "t1", "passed": true})
	ch.drop(errors.New("connection reset"))
	assert.True(t, s.Parked())

	next := newFakeChannel("c2", "7")
	r.OnConnect(next)
	next.emit(EventLogin, chromeUA)

	assert.Equal(t, session.Running, s.State())
	assert.Equal(t, 1, next.reconnected)
	assert.Len(t, r.Sessions(), 1)
	assert.Empty(t, events.topic(TopicRunnerLeft))
}

func TestRegistry_DifferentExplicitIDIsNewRunner(t *testing.T) {
	r := New(bus.New(), WithSessionOptions(session.WithGrace(time.Minute)))

	ch := newFakeChannel("c1", "")
	r.OnConnect(ch)
	ch.emit(EventLogin, chromeUA, "1")
	ch.drop(errors.New("gone"))

	next := newFakeChannel("c2", "")
	r.OnConnect(next)
	next.emit(EventLogin, chromeUA, "2")

	assert.Len(t, r.Sessions(), 2)
}

func TestRegistry_GraceExpiryPublishesLeft(t *testing.T) {
	b := bus.New()
	left := make(chan RunnerEvent, 1)
	b.Subscribe(TopicRunnerLeft, func(m bus.Message) { left <- m.Payload.(RunnerEvent) })
	r := New(b, WithSessionOptions(session.WithGrace(10*time.Millisecond)))

	ch := newFakeChannel("c1", "")
	s := r.OnConnect(ch)
	ch.emit(EventLogin, chromeUA)
	ch.drop(errors.New("gone"))

	select {
	case ev := <-left:
		assert.Same(t, s, ev.Session)
		assert.ErrorIs(t, ev.Cause, session.ErrUnexpectedDisconnect)
	case <-time.After(2 * time.Second):
		t.Fatal("runner never left")
	}
	assert.Empty(t, r.Sessions())
}

func TestRegistry_FinishedRunnerLeavesWithoutCause(t *testing.T) {
	b := bus.New()
	left := make(chan RunnerEvent, 1)
	b.Subscribe(TopicRunnerLeft, func(m bus.Message) { left <- m.Payload.(RunnerEvent) })
	r := New(b, WithSessionOptions(session.WithGrace(10*time.Millisecond)))

	ch := newFakeChannel("c1", "")
	r.OnConnect(ch)
	ch.emit(EventLogin, chromeUA)
	ch.emit(EventAllDone)
	ch.drop(errors.New("gone"))

	select {
	case ev := <-left:
		assert.NoError(t, ev.Cause)
	case <-time.After(2 * time.Second):
		t.Fatal("runner never left")
	}
}

func TestRegistry_DisconnectBeforeLoginDestroys(t *testing.T) {
	b := bus.New()
	events := capture(b)
	r := New(b)

	ch := newFakeChannel("c1", "")
	r.OnConnect(ch)
	ch.drop(errors.New("gone"))

	assert.Empty(t, r.Sessions())
	assert.Empty(t, events.topic(TopicRunnerLeft))
}

func TestRegistry_ConsoleAndCustomEvents(t *testing.T) {
	b := bus.New()
	events := capture(b)
	m := metrics.New()
	r := New(b, WithMetrics(m), WithSessionOptions(session.WithConsoleLimit(1, 1)))

	ch := newFakeChannel("c1", "")
	r.OnConnect(ch)
	ch.emit("log", "ignored before login")
	ch.emit(EventLogin, chromeUA)
	ch.emit("warn", "careful", float64(3))
	ch.emit("log", "dropped by the limiter")
	ch.emit("coverage", map[string]any{"lines": float64(10)})

	consoles := events.topic(TopicConsole)
	require.Len(t, consoles, 1)
	assert.Equal(t, console.Warn, consoles[0].(ConsoleEvent).Method)
	assert.Equal(t, "careful 3", consoles[0].(ConsoleEvent).Message)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsoleDroppedTotal))

	custom := events.topic(CustomTopic("coverage"))
	require.Len(t, custom, 1)
	assert.Equal(t, []any{map[string]any{"lines": float64(10)}}, custom[0].(CustomEvent).Args)
}

func TestRegistry_TopLevelError(t *testing.T) {
	b := bus.New()
	events := capture(b)
	r := New(b)

	ch := newFakeChannel("c1", "")
	r.OnConnect(ch)
	ch.emit(EventLogin, chromeUA)
	ch.emit(EventTopLevelError, "boom", "http://localhost/app.js", float64(17))

	got := events.topic(TopicTopLevelError)
	require.Len(t, got, 1)
	ev := got[0].(TopLevelErrorEvent)
	assert.Equal(t, "boom", ev.Message)
	assert.Equal(t, "http://localhost/app.js", ev.URL)
	assert.Equal(t, 17, ev.Line)
}

func TestRegistry_MetricsAndStateEvents(t *testing.T) {
	b := bus.New()
	events := capture(b)
	m := metrics.New()
	r := New(b, WithMetrics(m))

	ch := newFakeChannel("c1", "")
	r.OnConnect(ch)
	ch.emit(EventLogin, chromeUA)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionTransitions.WithLabelValues(string(session.LoggedIn))))

	states := events.topic(TopicRunnerState)
	require.Len(t, states, 1)
	assert.Equal(t, session.Connecting, states[0].(StateEvent).From)
	assert.Equal(t, session.LoggedIn, states[0].(StateEvent).To)

	r.Close()
	assert.Empty(t, r.Sessions())
	assert.True(t, ch.closed)
}
