package protocol

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/abdul-hamid-achik/testhub/packages/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeConn is an in-memory Conn: tests push inbound frames and read what was written.
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (p *pipeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-p.in:
		return 1, data, nil
	case <-p.closed:
		return 0, nil, io.EOF
	}
}

func (p *pipeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	default:
	}
	p.out <- data
	return nil
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) hangUp() { p.Close() }

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting")
	}
	var zero T
	return zero
}

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantEvent string
		wantArgs  []any
		wantErr   bool
	}{
		{name: "plain array", in: `["all-done"]`, wantEvent: "all-done", wantArgs: []any{}},
		{name: "with args", in: `["browser-login","Chrome",3]`, wantEvent: "browser-login", wantArgs: []any{"Chrome", 3.0}},
		{name: "socket.io prefix", in: `42["log","hi"]`, wantEvent: "log", wantArgs: []any{"hi"}},
		{name: "socket.io ack id", in: `4217["log","hi"]`, wantEvent: "log", wantArgs: []any{"hi"}},
		{name: "invalid json", in: `["log",`, wantErr: true},
		{name: "not an array", in: `{"event":"log"}`, wantErr: true},
		{name: "missing name", in: `[1,2]`, wantErr: true},
		{name: "empty", in: ``, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFrame([]byte(tt.in))
			if tt.wantErr {
				var decodeErr *codec.ProtocolDecodeError
				require.ErrorAs(t, err, &decodeErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantEvent, f.Event)
			assert.Equal(t, tt.wantArgs, f.Args)
		})
	}
}

func TestFormatFrame_CircularArgument(t *testing.T) {
	m := map[string]any{"a": 1}
	m["me"] = m

	data, err := FormatFrame("test-result", m)
	require.NoError(t, err)
	assert.JSONEq(t, `["test-result",{"a":1,"me":"[Circular ~1]"}]`, string(data))

	_, err = FormatFrame("")
	assert.ErrorIs(t, err, ErrMissingEvent)
}

func TestChannel_DispatchesInOrder(t *testing.T) {
	conn := newPipeConn()
	ch := NewChannel(conn, WithPingInterval(0))

	got := make(chan string, 4)
	ch.On("log", func(args []any) { got <- args[0].(string) })

	go ch.Serve(context.Background())
	conn.in <- []byte(`["log","one"]`)
	conn.in <- []byte(`not json`)
	conn.in <- []byte(`["log","two"]`)

	assert.Equal(t, "one", waitFor(t, got))
	assert.Equal(t, "two", waitFor(t, got))
	ch.Close()
	waitFor(t, ch.Done())
}

func TestChannel_DecodeErrorDoesNotCloseChannel(t *testing.T) {
	conn := newPipeConn()
	decodeErrs := make(chan error, 1)
	ch := NewChannel(conn, WithPingInterval(0), WithDecodeErrorHandler(func(err error) { decodeErrs <- err }))

	got := make(chan struct{}, 1)
	ch.On("all-done", func([]any) { got <- struct{}{} })
	go ch.Serve(context.Background())

	conn.in <- []byte(`["broken`)
	err := waitFor(t, decodeErrs)
	var decodeErr *codec.ProtocolDecodeError
	assert.ErrorAs(t, err, &decodeErr)

	conn.in <- []byte(`["all-done"]`)
	waitFor(t, got)
	ch.Close()
}

func TestChannel_UnhandledEventsReachFallback(t *testing.T) {
	conn := newPipeConn()
	ch := NewChannel(conn, WithPingInterval(0))

	type custom struct {
		event string
		args  []any
	}
	got := make(chan custom, 1)
	ch.OnUnhandled(func(event string, args []any) { got <- custom{event, args} })
	go ch.Serve(context.Background())

	conn.in <- []byte(`["coverage",{"lines":10}]`)
	c := waitFor(t, got)
	assert.Equal(t, "coverage", c.event)
	assert.Equal(t, []any{map[string]any{"lines": 10.0}}, c.args)
	ch.Close()
}

func TestChannel_SendPreservesOrderAndFlushesOnClose(t *testing.T) {
	conn := newPipeConn()
	ch := NewChannel(conn, WithPingInterval(0))
	go ch.Serve(context.Background())

	require.NoError(t, ch.Send("first"))
	require.NoError(t, ch.Send("second", "x"))
	require.NoError(t, ch.Close())

	assert.Equal(t, `["first"]`, string(waitFor(t, conn.out)))
	assert.Equal(t, `["second","x"]`, string(waitFor(t, conn.out)))

	waitFor(t, ch.Done())
	assert.ErrorIs(t, ch.Send("late"), ErrClosed)
}

func TestChannel_LifecycleNotifications(t *testing.T) {
	t.Run("remote hang-up reports the cause", func(t *testing.T) {
		conn := newPipeConn()
		ch := NewChannel(conn, WithPingInterval(0))

		type note struct {
			ev  Lifecycle
			err error
		}
		notes := make(chan note, 4)
		ch.OnLifecycle(func(ev Lifecycle, err error) { notes <- note{ev, err} })

		go ch.Serve(context.Background())
		assert.Equal(t, Connected, waitFor(t, notes).ev)

		conn.hangUp()
		n := waitFor(t, notes)
		assert.Equal(t, Disconnected, n.ev)
		assert.True(t, errors.Is(n.err, io.EOF))
	})

	t.Run("local close reports no cause", func(t *testing.T) {
		conn := newPipeConn()
		ch := NewChannel(conn, WithPingInterval(0))

		notes := make(chan error, 4)
		ch.OnLifecycle(func(ev Lifecycle, err error) {
			if ev == Disconnected {
				notes <- err
			}
		})
		go ch.Serve(context.Background())
		ch.Close()
		assert.NoError(t, waitFor(t, notes))
	})

	t.Run("reconnected is emitted on request", func(t *testing.T) {
		ch := NewChannel(newPipeConn(), WithPingInterval(0))
		var got Lifecycle
		ch.OnLifecycle(func(ev Lifecycle, _ error) { got = ev })
		ch.MarkReconnected()
		assert.Equal(t, Reconnected, got)
	})
}

func TestChannel_ServeTwice(t *testing.T) {
	conn := newPipeConn()
	ch := NewChannel(conn, WithPingInterval(0))
	go ch.Serve(context.Background())
	time.Sleep(10 * time.Millisecond)

	assert.ErrorIs(t, ch.Serve(context.Background()), ErrAlreadyServing)
	ch.Close()
}

func TestChannel_ExecutorSerializesHandlers(t *testing.T) {
	conn := newPipeConn()
	var mu sync.Mutex
	var order []string
	exec := func(fn func()) {
		mu.Lock()
		defer mu.Unlock()
		fn()
	}
	ch := NewChannel(conn, WithPingInterval(0), WithExecutor(exec))
	done := make(chan struct{})
	ch.On("a", func([]any) { order = append(order, "a") })
	ch.On("b", func([]any) { order = append(order, "b"); close(done) })

	go ch.Serve(context.Background())
	conn.in <- []byte(`["a"]`)
	conn.in <- []byte(`["b"]`)
	waitFor(t, done)

	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, order)
	mu.Unlock()
	ch.Close()
}
