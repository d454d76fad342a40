// Package registry owns the set of runner sessions: it is the only place
// sessions are created and destroyed, and it routes each inbound event from a
// channel to the session behind it.
package registry

import (
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/abdul-hamid-achik/testhub/packages/bus"
	"github.com/abdul-hamid-achik/testhub/packages/console"
	"github.com/abdul-hamid-achik/testhub/packages/core/label"
	"github.com/abdul-hamid-achik/testhub/packages/core/session"
	"github.com/abdul-hamid-achik/testhub/packages/metrics"
	"github.com/abdul-hamid-achik/testhub/packages/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Channel is what the registry needs from a protocol channel.
type Channel interface {
	session.Channel
	PathID() string
	On(event string, h protocol.Handler)
	OnUnhandled(h protocol.FallbackHandler)
	OnLifecycle(h protocol.LifecycleHandler)
}

type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*session.Session
	byChannel map[string]*session.Session

	bus         *bus.Bus
	labels      label.Table
	exec        func(func())
	sessionOpts []session.Option
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

type Option func(*Registry)

func WithLabels(t label.Table) Option {
	return func(r *Registry) {
		r.labels = t
	}
}

// WithExecutor routes session timer callbacks through exec.
func WithExecutor(exec func(func())) Option {
	return func(r *Registry) {
		r.exec = exec
	}
}

// WithSessionOptions applies opts to every session the registry creates.
func WithSessionOptions(opts ...session.Option) Option {
	return func(r *Registry) {
		r.sessionOpts = append(r.sessionOpts, opts...)
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

func New(b *bus.Bus, opts ...Option) *Registry {
	r := &Registry{
		sessions:  make(map[string]*session.Session),
		byChannel: make(map[string]*session.Session),
		bus:       b,
		labels:    label.Default,
		exec:      func(fn func()) { fn() },
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnConnect creates a session for a freshly opened channel and binds the
// channel's inbound events to it.
func (r *Registry) OnConnect(ch Channel) *session.Session {
	opts := append([]session.Option{
		session.WithExecutor(r.exec),
		session.WithLogger(r.logger),
	}, r.sessionOpts...)
	opts = append(opts, session.WithHooks(session.Hooks{
		OnTransition: r.onTransition,
		OnExpire:     r.onExpire,
	}))
	s := session.New(uuid.NewString(), ch, opts...)

	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.byChannel[ch.ID()] = s
	active := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SessionsTotal.Inc()
		r.metrics.ActiveSessions.Set(float64(active))
	}

	ch.On(EventLogin, func(args []any) { r.handleLogin(ch, args) })
	ch.On(EventTestResult, func(args []any) { r.handleResult(ch, args) })
	ch.On(EventAllDone, func([]any) { r.handleAllDone(ch) })
	ch.On(EventTopLevelError, func(args []any) { r.handleTopLevelError(ch, args) })
	for _, m := range console.Methods {
		ch.On(string(m), func(args []any) { r.handleConsole(ch, m, args) })
	}
	ch.OnUnhandled(func(event string, args []any) { r.handleCustom(ch, event, args) })
	ch.OnLifecycle(func(ev protocol.Lifecycle, err error) {
		if ev == protocol.Disconnected {
			r.OnDisconnect(ch, err)
		}
	})

	r.logger.Debug().Str("session", s.ID()).Str("channel", ch.ID()).Msg("runner connected")
	return s
}

// OnDisconnect handles the end of a channel. A session that never logged in
// is destroyed at once; any other session decides between restarting and
// parking for its reconnect window.
func (r *Registry) OnDisconnect(ch Channel, cause error) {
	r.mu.Lock()
	s := r.byChannel[ch.ID()]
	delete(r.byChannel, ch.ID())
	r.mu.Unlock()
	if s == nil {
		return
	}

	r.logger.Debug().Err(cause).Str("session", s.ID()).Msg("channel closed")
	if s.State() == session.Connecting {
		r.remove(s)
		return
	}
	s.ChannelClosed(ch)
}

// Sessions returns every live session, oldest first.
func (r *Registry) Sessions() []*session.Session {
	r.mu.Lock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt().Equal(out[j].CreatedAt()) {
			return out[i].ID() < out[j].ID()
		}
		return out[i].CreatedAt().Before(out[j].CreatedAt())
	})
	return out
}

// SessionsFor returns the sessions whose label is lbl.
func (r *Registry) SessionsFor(lbl string) []*session.Session {
	var out []*session.Session
	for _, s := range r.Sessions() {
		if s.Label() == lbl {
			out = append(out, s)
		}
	}
	return out
}

// Lookup finds a session by id.
func (r *Registry) Lookup(id string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// LoggedIn returns the sessions that completed the handshake and are connected.
func (r *Registry) LoggedIn() []*session.Session {
	var out []*session.Session
	for _, s := range r.Sessions() {
		switch s.State() {
		case session.LoggedIn, session.Running, session.Idle:
			out = append(out, s)
		}
	}
	return out
}

// Close destroys every session and closes their channels.
func (r *Registry) Close() {
	for _, s := range r.Sessions() {
		if ch := s.Channel(); ch != nil {
			ch.Close()
		}
		s.Destroy()
	}
	r.mu.Lock()
	r.sessions = make(map[string]*session.Session)
	r.byChannel = make(map[string]*session.Session)
	r.mu.Unlock()
}

func (r *Registry) sessionFor(ch Channel) *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byChannel[ch.ID()]
}

func (r *Registry) publish(topic string, payload any) {
	if err := r.bus.Publish(topic, payload); err != nil && !errors.Is(err, bus.ErrClosed) {
		r.logger.Warn().Err(err).Str("topic", topic).Msg("publish failed")
	}
}

func (r *Registry) remove(s *session.Session) {
	s.Destroy()
	r.mu.Lock()
	delete(r.sessions, s.ID())
	for id, bound := range r.byChannel {
		if bound == s {
			delete(r.byChannel, id)
		}
	}
	active := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveSessions.Set(float64(active))
	}
}

func (r *Registry) onTransition(s *session.Session, from, to session.State) {
	if r.metrics != nil {
		r.metrics.SessionTransitions.WithLabelValues(string(to)).Inc()
	}
	r.publish(TopicRunnerState, StateEvent{Session: s, From: from, To: to})
}

func (r *Registry) onExpire(s *session.Session, cause error) {
	r.mu.Lock()
	_, live := r.sessions[s.ID()]
	r.mu.Unlock()
	if !live {
		return
	}

	done := s.WasDone()
	r.remove(s)
	ev := RunnerEvent{Session: s}
	if !done {
		ev.Cause = cause
	}
	r.logger.Info().Err(ev.Cause).Str("session", s.ID()).Str("runner", s.Label()).Msg("runner left")
	r.publish(TopicRunnerLeft, ev)
}

func (r *Registry) handleLogin(ch Channel, args []any) {
	cur := r.sessionFor(ch)
	if cur == nil {
		return
	}
	capability := stringArg(args, 0)
	explicitID := idArg(args, 1)
	if explicitID == "" {
		explicitID = ch.PathID()
	}
	lbl := r.labels.Label(capability)

	if cur.State() != session.Connecting {
		r.logger.Debug().Str("session", cur.ID()).Msg("ignoring repeated login")
		return
	}

	if prev := r.findResumable(cur, explicitID, lbl); prev != nil {
		r.rebind(ch, cur, prev)
		var err error
		if prev.State() == session.Disconnected {
			err = prev.Resume(ch)
		} else {
			prev.Attach(ch)
			err = prev.Login(capability, lbl, explicitID)
		}
		if err != nil {
			r.logger.Warn().Err(err).Str("session", prev.ID()).Msg("resume failed")
		}
		return
	}

	if err := cur.Login(capability, lbl, explicitID); err != nil {
		r.logger.Warn().Err(err).Str("session", cur.ID()).Msg("login failed")
		return
	}
	r.logger.Info().Str("session", cur.ID()).Str("runner", lbl).Str("id", explicitID).Msg("runner joined")
	r.publish(TopicRunnerJoined, RunnerEvent{Session: cur})
}

// findResumable picks the session a fresh login continues: a parked or
// restarting session with the same explicit id, or, for runners without one,
// a restarting session with the same label.
func (r *Registry) findResumable(cur *session.Session, explicitID, lbl string) *session.Session {
	for _, s := range r.Sessions() {
		if s == cur {
			continue
		}
		state := s.State()
		if explicitID != "" {
			if s.ExplicitID() == explicitID && (state == session.Disconnected || state == session.Restarting) {
				return s
			}
			continue
		}
		if s.ExplicitID() == "" && s.Label() == lbl && state == session.Restarting {
			return s
		}
	}
	return nil
}

// rebind points ch at prev and discards the provisional session cur.
func (r *Registry) rebind(ch Channel, cur, prev *session.Session) {
	cur.Destroy()
	r.mu.Lock()
	delete(r.sessions, cur.ID())
	r.byChannel[ch.ID()] = prev
	active := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveSessions.Set(float64(active))
	}
	r.logger.Info().Str("session", prev.ID()).Str("channel", ch.ID()).Msg("runner resumed")
}

func (r *Registry) accepting(ch Channel, event string) *session.Session {
	s := r.sessionFor(ch)
	if s == nil {
		return nil
	}
	if !s.Accepting() {
		r.logger.Debug().Str("session", s.ID()).Str("event", event).Str("state", string(s.State())).Msg("dropping event")
		return nil
	}
	return s
}

func (r *Registry) handleResult(ch Channel, args []any) {
	s := r.accepting(ch, EventTestResult)
	if s == nil {
		return
	}
	var payload any
	if len(args) > 0 {
		payload = args[0]
	}
	s.Activity(true)
	r.publish(TopicTestResult, ResultEvent{Session: s, Seq: s.NextSeq(), Payload: payload})
}

func (r *Registry) handleAllDone(ch Channel) {
	s := r.accepting(ch, EventAllDone)
	if s == nil {
		return
	}
	if err := s.AllDone(); err != nil {
		r.logger.Warn().Err(err).Str("session", s.ID()).Msg("all-done rejected")
		return
	}
	r.publish(TopicAllDone, AllDoneEvent{Session: s, Seq: s.NextSeq()})
}

func (r *Registry) handleConsole(ch Channel, m console.Method, args []any) {
	s := r.sessionFor(ch)
	if s == nil || s.State() == session.Connecting {
		return
	}
	s.Activity(false)
	if !s.AllowConsole() {
		if r.metrics != nil {
			r.metrics.ConsoleDroppedTotal.Inc()
		}
		return
	}
	r.publish(TopicConsole, ConsoleEvent{Session: s, Method: m, Message: console.Join(args...)})
}

func (r *Registry) handleTopLevelError(ch Channel, args []any) {
	s := r.sessionFor(ch)
	if s == nil || s.State() == session.Connecting {
		return
	}
	s.Activity(false)
	r.publish(TopicTopLevelError, TopLevelErrorEvent{
		Session: s,
		Message: stringArg(args, 0),
		URL:     stringArg(args, 1),
		Line:    intArg(args, 2),
	})
}

func (r *Registry) handleCustom(ch Channel, event string, args []any) {
	s := r.sessionFor(ch)
	if s == nil {
		return
	}
	r.publish(CustomTopic(event), CustomEvent{Session: s, Event: event, Args: args})
}

func stringArg(args []any, i int) string {
	if i >= len(args) {
		return ""
	}
	switch v := args[i].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return console.Join(v)
	}
}

func idArg(args []any, i int) string {
	if i >= len(args) {
		return ""
	}
	switch v := args[i].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func intArg(args []any, i int) int {
	if i >= len(args) {
		return 0
	}
	if f, ok := args[i].(float64); ok {
		return int(f)
	}
	if s, ok := args[i].(string); ok {
		n, _ := strconv.Atoi(s)
		return n
	}
	return 0
}
