package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 20 * time.Second
)

var (
	ErrClosed         = errors.New("channel closed")
	ErrSendQueueFull  = errors.New("send queue full")
	ErrAlreadyServing = errors.New("channel already serving")
)

// Lifecycle is a channel-level notification, distinct from application events.
type Lifecycle string

const (
	Connected    Lifecycle = "connected"
	Disconnected Lifecycle = "disconnected"
	Reconnected  Lifecycle = "reconnected"
)

// Handler receives the decoded arguments of one inbound event.
type Handler func(args []any)

// FallbackHandler receives events that have no dedicated handler.
type FallbackHandler func(event string, args []any)

// LifecycleHandler is told about connect, disconnect and reconnect. For
// Disconnected, err is nil when the local side closed the channel.
type LifecycleHandler func(ev Lifecycle, err error)

// Conn is the transport under a Channel. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// keepaliveConn is implemented by transports that support ping/pong.
type keepaliveConn interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// Channel is a bidirectional, event-typed message stream with one peer.
// Outbound frames are written by a single writer goroutine in Send order.
// Inbound handlers run through the executor, which defaults to calling them inline.
type Channel struct {
	id     string
	pathID string
	conn   Conn
	logger zerolog.Logger

	exec          func(func())
	onDecodeError func(error)
	queueSize     int
	writeTimeout  time.Duration
	pingInterval  time.Duration

	mu        sync.RWMutex
	handlers  map[string]Handler
	fallback  FallbackHandler
	lifecycle []LifecycleHandler

	send      chan []byte
	closing   chan struct{}
	closeOnce sync.Once
	serving   sync.Once
	done      chan struct{}
}

type Option func(*Channel)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Channel) {
		c.logger = l
	}
}

// WithExecutor routes every handler invocation through exec.
func WithExecutor(exec func(func())) Option {
	return func(c *Channel) {
		c.exec = exec
	}
}

// WithPathID records the runner id taken from the connection path.
func WithPathID(id string) Option {
	return func(c *Channel) {
		c.pathID = id
	}
}

func WithQueueSize(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *Channel) {
		c.writeTimeout = d
	}
}

// WithPingInterval sets the keepalive period. Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(c *Channel) {
		c.pingInterval = d
	}
}

// WithDecodeErrorHandler is called for every inbound frame that fails to decode.
func WithDecodeErrorHandler(fn func(error)) Option {
	return func(c *Channel) {
		c.onDecodeError = fn
	}
}

func NewChannel(conn Conn, opts ...Option) *Channel {
	c := &Channel{
		id:           uuid.NewString(),
		conn:         conn,
		logger:       zerolog.Nop(),
		exec:         func(fn func()) { fn() },
		queueSize:    defaultQueueSize,
		writeTimeout: defaultWriteTimeout,
		pingInterval: defaultPingInterval,
		handlers:     make(map[string]Handler),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.send = make(chan []byte, c.queueSize)
	c.logger = c.logger.With().Str("channel", c.id).Logger()
	return c
}

func (c *Channel) ID() string { return c.id }

// PathID is the runner id carried by the connection path, if any.
func (c *Channel) PathID() string { return c.pathID }

// On registers the handler for event, replacing any previous one.
func (c *Channel) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

// OnUnhandled registers the handler for events with no dedicated handler.
func (c *Channel) OnUnhandled(h FallbackHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = h
}

func (c *Channel) OnLifecycle(h LifecycleHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lifecycle = append(c.lifecycle, h)
}

// Send queues an outbound event. It never blocks.
func (c *Channel) Send(event string, args ...any) error {
	data, err := FormatFrame(event, args...)
	if err != nil {
		return err
	}
	select {
	case <-c.closing:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("%w: dropping %s", ErrSendQueueFull, event)
	}
}

// Close tears the channel down after flushing queued frames. Safe to call repeatedly.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
	})
	return nil
}

// Done is closed once Serve has returned.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// MarkReconnected emits the Reconnected lifecycle notification.
func (c *Channel) MarkReconnected() {
	c.notify(Reconnected, nil)
}

// Serve pumps the connection until it fails, ctx is cancelled or Close is called.
// It emits Connected on entry and Disconnected on exit.
func (c *Channel) Serve(ctx context.Context) error {
	started := false
	c.serving.Do(func() { started = true })
	if !started {
		return ErrAlreadyServing
	}
	defer close(c.done)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(ctx)
	}()

	c.notify(Connected, nil)
	err := c.readLoop()

	local := c.closedLocally() || ctx.Err() != nil
	c.Close()
	<-writerDone

	if local {
		err = nil
	}
	c.notify(Disconnected, err)
	return err
}

func (c *Channel) closedLocally() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func (c *Channel) readLoop() error {
	if kc, ok := c.conn.(keepaliveConn); ok && c.pingInterval > 0 {
		wait := c.pingInterval * 3
		_ = kc.SetReadDeadline(time.Now().Add(wait))
		kc.SetPongHandler(func(string) error {
			return kc.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := ParseFrame(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping undecodable frame")
			if c.onDecodeError != nil {
				c.onDecodeError(err)
			}
			continue
		}
		c.dispatch(frame)
	}
}

// dispatch resolves the handler when the executor runs it, so handlers
// registered through the same executor beforehand are always visible.
func (c *Channel) dispatch(f Frame) {
	c.exec(func() {
		c.mu.RLock()
		h, ok := c.handlers[f.Event]
		fallback := c.fallback
		c.mu.RUnlock()

		switch {
		case ok:
			h(f.Args)
		case fallback != nil:
			fallback(f.Event, f.Args)
		default:
			c.logger.Debug().Str("event", f.Event).Msg("no handler for event")
		}
	})
}

func (c *Channel) notify(ev Lifecycle, err error) {
	c.exec(func() {
		c.mu.RLock()
		handlers := append([]LifecycleHandler(nil), c.lifecycle...)
		c.mu.RUnlock()
		for _, h := range handlers {
			h(ev, err)
		}
	})
}

func (c *Channel) writeLoop(ctx context.Context) {
	var tick <-chan time.Time
	kc, canPing := c.conn.(keepaliveConn)
	if canPing && c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	defer c.conn.Close()

	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				return
			}
		case <-tick:
			if err := kc.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		case <-ctx.Done():
			return
		case <-c.closing:
			c.flush()
			if canPing {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = kc.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
			}
			return
		}
	}
}

func (c *Channel) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Channel) write(data []byte) error {
	if dw, ok := c.conn.(deadlineWriter); ok && c.writeTimeout > 0 {
		_ = dw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
