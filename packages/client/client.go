// Package client is the runner side of the hub protocol. A Client logs in,
// reports results and console output, and hands control back to its owner
// when the hub asks it to restart.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/abdul-hamid-achik/testhub/packages/console"
	"github.com/abdul-hamid-achik/testhub/packages/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	eventLogin         = "browser-login"
	eventTestResult    = "test-result"
	eventAllDone       = "all-done"
	eventTopLevelError = "top-level-error"
	eventStartTests    = "start-tests"
	eventReconnect     = "reconnect"
)

var ErrRestarting = errors.New("client restarting")

// RestartFunc is called after the hub asked the runner to start over and the
// connection has been closed. event is start-tests or reconnect.
type RestartFunc func(event string)

type Client struct {
	ch         *protocol.Channel
	id         string
	capability string
	logger     zerolog.Logger
	dialer     *websocket.Dialer
	onRestart  RestartFunc
	next       console.Logger
	veto       console.Veto

	mu         sync.Mutex
	handlers   map[string]func(args []any)
	stats      Stats
	restarting bool
}

type Option func(*Client)

// WithID sets the runner id the hub uses to resume this runner after a reconnect.
func WithID(id string) Option {
	return func(c *Client) {
		c.id = id
	}
}

// WithCapability sets the capability string the hub derives the runner label from.
func WithCapability(s string) Option {
	return func(c *Client) {
		c.capability = s
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

func WithRestartHandler(fn RestartFunc) Option {
	return func(c *Client) {
		c.onRestart = fn
	}
}

// WithConsole sets the logger Console calls through to.
func WithConsole(l console.Logger) Option {
	return func(c *Client) {
		c.next = l
	}
}

// WithConsoleVeto filters console output. Returning false suppresses both
// forwarding and the wrapped logger.
func WithConsoleVeto(v console.Veto) Option {
	return func(c *Client) {
		c.veto = v
	}
}

// DefaultCapability identifies Go runners.
func DefaultCapability() string {
	return fmt.Sprintf("testhub-go/%s (%s; %s)", strings.TrimPrefix(runtime.Version(), "go"), runtime.GOOS, runtime.GOARCH)
}

// Dial connects to the hub at base (an http or ws URL) and logs in.
func Dial(ctx context.Context, base string, opts ...Option) (*Client, error) {
	c := &Client{
		capability: DefaultCapability(),
		logger:     zerolog.Nop(),
		dialer:     websocket.DefaultDialer,
		next:       console.Discard{},
		handlers:   make(map[string]func(args []any)),
	}
	for _, opt := range opts {
		opt(c)
	}

	target, err := socketURL(base, c.id)
	if err != nil {
		return nil, err
	}
	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	c.ch = protocol.NewChannel(conn, protocol.WithLogger(c.logger))
	c.ch.On(eventStartTests, func([]any) { c.restart(eventStartTests) })
	c.ch.On(eventReconnect, func([]any) { c.restart(eventReconnect) })
	c.ch.OnUnhandled(c.dispatch)
	c.ch.OnLifecycle(func(ev protocol.Lifecycle, err error) {
		c.logger.Debug().Err(err).Str("lifecycle", string(ev)).Msg("channel")
	})
	go func() {
		if err := c.ch.Serve(context.Background()); err != nil {
			c.logger.Debug().Err(err).Msg("connection ended")
		}
	}()

	login := []any{c.capability}
	if c.id != "" {
		login = append(login, c.id)
	}
	if err := c.ch.Send(eventLogin, login...); err != nil {
		c.ch.Close()
		return nil, err
	}
	return c, nil
}

func socketURL(base, id string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported hub url scheme %q", u.Scheme)
	}
	path := strings.TrimSuffix(u.Path, "/")
	if id != "" {
		path += "/" + url.PathEscape(id)
	}
	u.Path = path + "/socket"
	return u.String(), nil
}

// On registers a handler for an application event sent by the hub.
func (c *Client) On(event string, h func(args []any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

func (c *Client) dispatch(event string, args []any) {
	c.mu.Lock()
	h, ok := c.handlers[event]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug().Str("event", event).Msg("unhandled hub event")
		return
	}
	h(args)
}

// Emit sends an application event to the hub.
func (c *Client) Emit(event string, args ...any) error {
	c.mu.Lock()
	restarting := c.restarting
	c.mu.Unlock()
	if restarting {
		return ErrRestarting
	}
	return c.ch.Send(event, args...)
}

// Result is one test outcome as reported to the hub.
type Result struct {
	Name     string
	Passed   bool
	Message  string
	Expected any
	Actual   any
	Stack    string
	Logs     []string
	Duration time.Duration
}

func (r Result) payload() map[string]any {
	failed := 0
	if !r.Passed {
		failed = 1
	}
	logs := r.Logs
	if logs == nil {
		logs = []string{}
	}
	p := map[string]any{
		"name":        r.Name,
		"passed":      r.Passed,
		"failed":      failed,
		"total":       1,
		"logs":        logs,
		"runDuration": r.Duration.Milliseconds(),
	}
	if !r.Passed {
		e := map[string]any{"message": r.Message}
		if r.Expected != nil || r.Actual != nil {
			e["expected"] = r.Expected
			e["actual"] = r.Actual
		}
		if r.Stack != "" {
			e["stack"] = r.Stack
		}
		p["error"] = e
	}
	return p
}

// Report sends one test result and updates Stats.
func (c *Client) Report(r Result) error {
	if err := c.Emit(eventTestResult, r.payload()); err != nil {
		return err
	}
	c.mu.Lock()
	c.stats.Total++
	if r.Passed {
		c.stats.Passed++
	}
	c.mu.Unlock()
	return nil
}

// AllDone tells the hub this runner finished its pass.
func (c *Client) AllDone() error {
	return c.Emit(eventAllDone)
}

// TopLevelError reports an error raised outside any test.
func (c *Client) TopLevelError(msg, url string, line int) error {
	return c.Emit(eventTopLevelError, msg, url, line)
}

// Console returns a logger that forwards every call to the hub and then to
// the logger set with WithConsole.
func (c *Client) Console() console.Logger {
	forward := func(m console.Method, msg string) {
		if err := c.Emit(string(m), msg); err != nil {
			c.logger.Debug().Err(err).Str("method", string(m)).Msg("console not forwarded")
		}
	}
	var opts []console.TeeOption
	if c.veto != nil {
		opts = append(opts, console.WithVeto(c.veto))
	}
	return console.NewTee(c.next, forward, opts...)
}

// Stats are the running pass counts of this runner.
type Stats struct {
	Total  int
	Passed int
}

func (s Stats) String() string {
	return fmt.Sprintf("%d/%d", s.Passed, s.Total)
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Client) restart(event string) {
	c.mu.Lock()
	if c.restarting {
		c.mu.Unlock()
		return
	}
	c.restarting = true
	c.mu.Unlock()

	c.logger.Info().Str("event", event).Msg("hub requested restart")
	c.ch.Close()
	if c.onRestart != nil {
		go func() {
			<-c.ch.Done()
			c.onRestart(event)
		}()
	}
}

// Close disconnects from the hub after flushing queued events.
func (c *Client) Close() error {
	return c.ch.Close()
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.ch.Done()
}
