// Package session tracks one runner's connection lifecycle.
//
// A session moves connecting → logged-in → running → idle, loops through
// restarting whenever a start signal tears its channel down on purpose, and
// parks in disconnected for a grace window when the channel drops unexpectedly.
// A session that stays in either state too long expires.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type State string

const (
	Connecting   State = "connecting"
	LoggedIn     State = "logged-in"
	Running      State = "running"
	Idle         State = "idle"
	Restarting   State = "restarting"
	Disconnected State = "disconnected"
)

// Signals that make a runner restart its test pass.
const (
	StartTests = "start-tests"
	Reconnect  = "reconnect"
)

var (
	ErrUnexpectedDisconnect = errors.New("runner disconnected unexpectedly")
	ErrRunnerTimeout        = errors.New("runner timed out")
	ErrInvalidTransition    = errors.New("invalid session state transition")
	ErrNoChannel            = errors.New("session has no channel")
)

var transitions = map[State][]State{
	Connecting:   {LoggedIn, Disconnected},
	LoggedIn:     {Running, Idle, Disconnected},
	Running:      {Running, Idle, Restarting, Disconnected},
	Idle:         {Running, Restarting, Disconnected},
	Restarting:   {Running, Disconnected},
	Disconnected: {LoggedIn, Running, Idle},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Channel is the part of a protocol channel a session drives.
type Channel interface {
	ID() string
	Send(event string, args ...any) error
	Close() error
	MarkReconnected()
}

// Hooks are invoked after the session lock is released.
type Hooks struct {
	// OnTransition sees every state change.
	OnTransition func(s *Session, from, to State)
	// OnExpire fires when the reconnect grace window or the restart timeout
	// runs out. cause is ErrUnexpectedDisconnect or ErrRunnerTimeout.
	OnExpire func(s *Session, cause error)
}

// Session is safe for concurrent use. Timer callbacks are routed through the
// executor so they serialize with the owner's other work.
type Session struct {
	mu sync.Mutex

	id         string
	explicitID string
	capability string
	label      string
	createdAt  time.Time

	state       State
	resumeState State
	channel     Channel
	expecting   bool
	cause       error
	destroyed   bool

	seq    int64
	total  int
	passed int

	grace       time.Duration
	idle        time.Duration
	restart     time.Duration
	exec        func(func())
	hooks       Hooks
	logger      zerolog.Logger
	limiter     *rate.Limiter
	expiryTimer *time.Timer
	idleTimer   *time.Timer
	timerGen    uint64
	idleGen     uint64
}

type Option func(*Session)

// WithGrace sets how long an unexpectedly disconnected session may be resumed.
func WithGrace(d time.Duration) Option {
	return func(s *Session) {
		s.grace = d
	}
}

// WithIdleTimeout closes a logged-in or running session that stays silent for d.
// Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.idle = d
	}
}

// WithRestartTimeout bounds how long a restarting session may take to log in
// again before it expires with ErrRunnerTimeout. Zero waits forever.
func WithRestartTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.restart = d
	}
}

func WithExecutor(exec func(func())) Option {
	return func(s *Session) {
		s.exec = exec
	}
}

func WithHooks(h Hooks) Option {
	return func(s *Session) {
		s.hooks = h
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// WithConsoleLimit bounds the console messages accepted per second.
func WithConsoleLimit(perSecond float64, burst int) Option {
	return func(s *Session) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

func New(id string, ch Channel, opts ...Option) *Session {
	s := &Session{
		id:        id,
		channel:   ch,
		state:     Connecting,
		createdAt: time.Now(),
		grace:     5 * time.Second,
		restart:   30 * time.Second,
		exec:      func(fn func()) { fn() },
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("session", id).Logger()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) ExplicitID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.explicitID
}

func (s *Session) Label() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.label
}

func (s *Session) Capability() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capability
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Channel() Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// Cause is why the session is disconnected, or nil.
func (s *Session) Cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// NextSeq returns the next value of the session's local event counter.
func (s *Session) NextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// Accepting reports whether application events from the runner are current:
// the session is logged in or running and no restart is pending.
func (s *Session) Accepting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.expecting && (s.state == LoggedIn || s.state == Running)
}

// AllowConsole applies the console rate limit.
func (s *Session) AllowConsole() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limiter == nil || s.limiter.Allow()
}

// RecordOutcome updates the session's running pass/total counters.
func (s *Session) RecordOutcome(passed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if passed {
		s.passed++
	}
}

// Counts returns total, passed and failed results seen from this runner.
func (s *Session) Counts() (total, passed, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total, s.passed, s.total - s.passed
}

type pending struct {
	from, to State
	expire   error
}

func (s *Session) fire(p []pending) {
	for _, ev := range p {
		if ev.expire != nil {
			if s.hooks.OnExpire != nil {
				s.hooks.OnExpire(s, ev.expire)
			}
			continue
		}
		if s.hooks.OnTransition != nil {
			s.hooks.OnTransition(s, ev.from, ev.to)
		}
	}
}

// transition must be called with the lock held.
func (s *Session) transition(to State, out *[]pending) error {
	from := s.state
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	s.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("session transition")
	*out = append(*out, pending{from: from, to: to})
	return nil
}

// Login completes the handshake. A restarting session goes straight back to running.
func (s *Session) Login(capability, label, explicitID string) error {
	var events []pending
	defer func() { s.fire(events) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.capability = capability
	s.label = label
	if explicitID != "" {
		s.explicitID = explicitID
	}

	to := LoggedIn
	if s.state == Restarting {
		to = Running
	}
	if err := s.transition(to, &events); err != nil {
		return err
	}
	if to == Running {
		s.stopExpiryLocked()
	}
	s.armIdleLocked()
	return nil
}

// Attach moves a restarting session onto the channel of its fresh connection.
func (s *Session) Attach(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = ch
	s.expecting = false
}

// Activity marks the runner as alive. A logged-in session starts running on
// its first result.
func (s *Session) Activity(result bool) {
	var events []pending
	defer func() { s.fire(events) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if result && s.state == LoggedIn {
		_ = s.transition(Running, &events)
	}
	s.armIdleLocked()
}

// Start delivers a start signal and tears the channel down deliberately.
// The session becomes running; the resulting disconnect moves it to restarting.
func (s *Session) Start(signal string) error {
	var events []pending
	defer func() { s.fire(events) }()

	s.mu.Lock()
	ch := s.channel
	if ch == nil || s.state == Disconnected || s.state == Connecting {
		s.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNoChannel, s.state)
	}
	if err := s.transition(Running, &events); err != nil {
		s.mu.Unlock()
		return err
	}
	s.expecting = true
	s.stopIdleLocked()
	s.mu.Unlock()

	if err := ch.Send(signal); err != nil {
		s.logger.Warn().Err(err).Str("signal", signal).Msg("start signal not queued")
	}
	return ch.Close()
}

// AllDone records that the runner finished its pass.
func (s *Session) AllDone() error {
	var events []pending
	defer func() { s.fire(events) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition(Idle, &events); err != nil {
		return err
	}
	s.stopIdleLocked()
	return nil
}

// ChannelClosed handles the end of ch. Closes of channels the session no
// longer owns are ignored.
func (s *Session) ChannelClosed(ch Channel) {
	var events []pending
	defer func() { s.fire(events) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.channel == nil || ch == nil || s.channel.ID() != ch.ID() {
		return
	}
	s.channel = nil
	s.stopIdleLocked()

	if s.expecting {
		s.expecting = false
		_ = s.transition(Restarting, &events)
		if s.restart > 0 {
			s.armExpiryLocked(s.restart, Restarting, ErrRunnerTimeout, "runner did not come back after restart")
		}
		return
	}

	if s.cause == nil {
		s.cause = ErrUnexpectedDisconnect
	}
	s.resumeState = s.state
	_ = s.transition(Disconnected, &events)
	s.armExpiryLocked(s.grace, Disconnected, s.cause, "reconnect window elapsed")
}

// Resume reattaches a parked session to a new channel inside its grace window.
func (s *Session) Resume(ch Channel) error {
	var events []pending
	defer func() { s.fire(events) }()

	s.mu.Lock()
	if s.state != Disconnected || s.destroyed {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, state)
	}
	s.stopExpiryLocked()
	s.channel = ch
	s.cause = nil
	to := s.resumeState
	if to == Connecting || to == "" {
		to = LoggedIn
	}
	err := s.transition(to, &events)
	s.armIdleLocked()
	s.mu.Unlock()

	if err != nil {
		return err
	}
	ch.MarkReconnected()
	return nil
}

// Destroy stops the session's timers. The session must not be used afterwards.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	s.stopIdleLocked()
	s.stopExpiryLocked()
}

// Parked reports whether the session is waiting out its grace window.
func (s *Session) Parked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Disconnected && !s.destroyed
}

// WasDone reports whether the runner had finished before it disconnected.
func (s *Session) WasDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Idle || (s.state == Disconnected && s.resumeState == Idle)
}

// armExpiryLocked expires the session with cause unless it leaves state within d.
func (s *Session) armExpiryLocked(d time.Duration, state State, cause error, msg string) {
	s.stopExpiryLocked()
	gen := s.timerGen
	s.expiryTimer = time.AfterFunc(d, func() {
		s.exec(func() {
			s.mu.Lock()
			if gen != s.timerGen || s.destroyed || s.state != state {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			s.logger.Info().Err(cause).Dur("after", d).Msg(msg)
			s.fire([]pending{{expire: cause}})
		})
	})
}

func (s *Session) stopExpiryLocked() {
	s.timerGen++
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
		s.expiryTimer = nil
	}
}

func (s *Session) armIdleLocked() {
	s.stopIdleLocked()
	if s.idle <= 0 || s.destroyed || (s.state != LoggedIn && s.state != Running) {
		return
	}
	gen := s.idleGen
	s.idleTimer = time.AfterFunc(s.idle, func() {
		s.exec(func() { s.timedOut(gen) })
	})
}

func (s *Session) stopIdleLocked() {
	s.idleGen++
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (s *Session) timedOut(gen uint64) {
	s.mu.Lock()
	if gen != s.idleGen || s.destroyed || s.channel == nil || s.expecting {
		s.mu.Unlock()
		return
	}
	s.cause = ErrRunnerTimeout
	ch := s.channel
	s.mu.Unlock()

	s.logger.Warn().Dur("idle", s.idle).Msg("runner idle timeout")
	ch.Close()
}

// Info is a point-in-time view of a session.
type Info struct {
	ID         string    `json:"id"`
	ExplicitID string    `json:"explicitId,omitempty"`
	Label      string    `json:"label"`
	State      State     `json:"state"`
	Total      int       `json:"total"`
	Passed     int       `json:"passed"`
	Failed     int       `json:"failed"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:         s.id,
		ExplicitID: s.explicitID,
		Label:      s.label,
		State:      s.state,
		Total:      s.total,
		Passed:     s.passed,
		Failed:     s.total - s.passed,
		CreatedAt:  s.createdAt,
	}
}
