// Package hub binds runner connections to sessions and runs. All session,
// registry and run state is mutated on one event loop goroutine; transports,
// timers and HTTP handlers only post work to it.
package hub

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/abdul-hamid-achik/testhub/packages/bus"
	"github.com/abdul-hamid-achik/testhub/packages/console"
	"github.com/abdul-hamid-achik/testhub/packages/core/label"
	"github.com/abdul-hamid-achik/testhub/packages/core/registry"
	"github.com/abdul-hamid-achik/testhub/packages/core/session"
	"github.com/abdul-hamid-achik/testhub/packages/metrics"
	"github.com/abdul-hamid-achik/testhub/packages/output"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrStopped    = errors.New("hub stopped")
	ErrNoRunners  = errors.New("no runners connected")
	ErrRunAborted = errors.New("run aborted")
)

// ReporterFactory builds the reporters for one run.
type ReporterFactory func() ([]output.Reporter, error)

// FinishHook is called once a run's reporters have drained.
type FinishHook func(run *Run)

type Hub struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics
	bus     *bus.Bus
	reg     *registry.Registry
	console console.Logger
	feed    *feed

	labels              label.Table
	grace               time.Duration
	idleTimeout         time.Duration
	restartTimeout      time.Duration
	consoleRate         float64
	consoleBurst        int
	pingInterval        time.Duration
	failOnTopLevelError bool
	autoRun             bool
	reporters           ReporterFactory
	hooks               []FinishHook

	upgrader websocket.Upgrader
	loop     *bus.Queue[func()]
	ctx      context.Context
	cancel   context.CancelFunc
	stopped  chan struct{}

	// run is owned by the loop; current mirrors it for other goroutines.
	run     *Run
	current atomic.Pointer[Run]
}

type Option func(*Hub)

func WithLogger(l zerolog.Logger) Option {
	return func(h *Hub) {
		h.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

func WithLabels(t label.Table) Option {
	return func(h *Hub) {
		h.labels = t
	}
}

// WithGrace sets how long a disconnected runner may take to reconnect.
func WithGrace(d time.Duration) Option {
	return func(h *Hub) {
		h.grace = d
	}
}

// WithIdleTimeout drops runners that stay silent for d. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.idleTimeout = d
	}
}

// WithRestartTimeout finalizes runners that do not log in again within d of a
// start signal. Zero waits forever.
func WithRestartTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.restartTimeout = d
	}
}

// WithConsoleLimit caps console events per runner. A zero rate disables the cap.
func WithConsoleLimit(perSecond float64, burst int) Option {
	return func(h *Hub) {
		h.consoleRate = perSecond
		h.consoleBurst = burst
	}
}

func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) {
		h.pingInterval = d
	}
}

// WithConsole receives runner console output.
func WithConsole(l console.Logger) Option {
	return func(h *Hub) {
		h.console = l
	}
}

// WithFailOnTopLevelError records uncaught runner errors as failed results.
func WithFailOnTopLevelError(enabled bool) Option {
	return func(h *Hub) {
		h.failOnTopLevelError = enabled
	}
}

// WithAutoRun begins a run whenever a runner joins or reports while no run is active.
func WithAutoRun(enabled bool) Option {
	return func(h *Hub) {
		h.autoRun = enabled
	}
}

func WithReporters(f ReporterFactory) Option {
	return func(h *Hub) {
		h.reporters = f
	}
}

func WithFinishHook(fn FinishHook) Option {
	return func(h *Hub) {
		h.hooks = append(h.hooks, fn)
	}
}

func New(opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		logger:              zerolog.Nop(),
		labels:              label.Default,
		grace:               5 * time.Second,
		restartTimeout:      30 * time.Second,
		pingInterval:        20 * time.Second,
		failOnTopLevelError: true,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		loop:    bus.NewQueue[func()](),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = metrics.New()
	}
	if h.console == nil {
		h.console = console.NewZerologLogger(h.logger.With().Str("component", "runner").Logger())
	}

	sessionOpts := []session.Option{
		session.WithGrace(h.grace),
		session.WithIdleTimeout(h.idleTimeout),
		session.WithRestartTimeout(h.restartTimeout),
	}
	if h.consoleRate > 0 {
		sessionOpts = append(sessionOpts, session.WithConsoleLimit(h.consoleRate, h.consoleBurst))
	}

	h.feed = newFeed(h.logger)
	h.bus = bus.New()
	h.reg = registry.New(h.bus,
		registry.WithLabels(h.labels),
		registry.WithExecutor(h.post),
		registry.WithSessionOptions(sessionOpts...),
		registry.WithLogger(h.logger),
		registry.WithMetrics(h.metrics),
	)
	h.subscribe()
	h.subscribeFeed()
	return h
}

func (h *Hub) Bus() *bus.Bus { return h.bus }

func (h *Hub) Registry() *registry.Registry { return h.reg }

func (h *Hub) Metrics() *metrics.Metrics { return h.metrics }

// Current returns the active or most recent run, or nil.
func (h *Hub) Current() *Run { return h.current.Load() }

// Serve runs the event loop until ctx is cancelled or Close is called.
func (h *Hub) Serve(ctx context.Context) error {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case <-h.ctx.Done():
			h.shutdown()
			return nil
		case <-h.loop.Ready():
			items, open := h.loop.Drain()
			for _, fn := range items {
				fn()
			}
			if !open {
				h.shutdown()
				return nil
			}
		}
	}
}

// Close stops the loop and disconnects every runner.
func (h *Hub) Close() {
	h.cancel()
}

// Stopped is closed once Serve has returned.
func (h *Hub) Stopped() <-chan struct{} { return h.stopped }

func (h *Hub) shutdown() {
	h.cancel()
	h.bus.Close()
	h.reg.Close()
	if h.run != nil && !h.run.finished() {
		h.run.abort()
	}
	h.feed.close()
	h.loop.Close()
}

// post queues fn on the event loop. It never blocks.
func (h *Hub) post(fn func()) {
	if !h.loop.Push(fn) {
		h.logger.Debug().Msg("loop closed, dropping work")
	}
}

// call runs fn on the loop and waits for it.
func (h *Hub) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	h.post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.stopped:
		return ErrStopped
	}
}

// RunOptions controls a run started with Begin.
type RunOptions struct {
	// Start sends start-tests to every connected runner so each reloads and
	// runs from a clean state.
	Start bool
	// ExpectedRunners holds finish back until that many runners are done.
	ExpectedRunners int
}

// Begin starts a new run, abandoning any unfinished one.
func (h *Hub) Begin(ctx context.Context, opts RunOptions) (*Run, error) {
	var (
		run *Run
		err error
	)
	if cerr := h.call(ctx, func() { run, err = h.begin(opts) }); cerr != nil {
		return nil, cerr
	}
	return run, err
}

// StartTests reruns every connected runner.
func (h *Hub) StartTests(ctx context.Context) (*Run, error) {
	return h.Begin(ctx, RunOptions{Start: true})
}

// WaitForRunners blocks until at least n runners have logged in.
func (h *Hub) WaitForRunners(ctx context.Context, n int) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(h.reg.LoggedIn()) >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.stopped:
			return ErrStopped
		case <-ticker.C:
		}
	}
}

// Runners describes every known session.
func (h *Hub) Runners() []session.Info {
	sessions := h.reg.Sessions()
	out := make([]session.Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

func (h *Hub) begin(opts RunOptions) (*Run, error) {
	if opts.Start && len(h.reg.LoggedIn()) == 0 {
		return nil, ErrNoRunners
	}
	if prev := h.run; prev != nil && !prev.finished() {
		h.logger.Info().Str("run", prev.ID()).Msg("abandoning unfinished run")
		prev.abort()
	}

	var reporters []output.Reporter
	if h.reporters != nil {
		var err error
		if reporters, err = h.reporters(); err != nil {
			return nil, err
		}
	}

	run := newRun(h, reporters, opts)
	h.run = run
	h.current.Store(run)
	h.logger.Info().Str("run", run.ID()).Bool("start", opts.Start).Msg("run started")
	h.feed.publish(EventRunStarted, RunEvent{ID: run.ID()})

	for _, s := range h.reg.Sessions() {
		switch s.State() {
		case session.Connecting:
			continue
		case session.Restarting:
			run.agg.Join(s.ID(), s.Label())
			run.agg.Restarting(s.ID())
			continue
		case session.Disconnected:
			run.agg.Join(s.ID(), s.Label())
			run.agg.Park(s.ID())
			continue
		}
		run.agg.Join(s.ID(), s.Label())
		if opts.Start {
			if err := s.Start(session.StartTests); err != nil {
				h.logger.Warn().Err(err).Str("session", s.ID()).Msg("start failed")
			}
		}
	}
	return run, nil
}

// active returns the run results should go to, beginning one in auto-run mode.
func (h *Hub) active() *Run {
	if h.run != nil && !h.run.finished() {
		return h.run
	}
	if !h.autoRun {
		return nil
	}
	run, err := h.begin(RunOptions{})
	if err != nil {
		h.logger.Error().Err(err).Msg("could not begin run")
		return nil
	}
	return run
}
