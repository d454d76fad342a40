package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/abdul-hamid-achik/testhub/packages/bus"
	"github.com/abdul-hamid-achik/testhub/packages/console"
	"github.com/abdul-hamid-achik/testhub/packages/core/registry"
	"github.com/abdul-hamid-achik/testhub/packages/hub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lines struct {
	mu  sync.Mutex
	got []string
}

func (l *lines) add(s string) {
	l.mu.Lock()
	l.got = append(l.got, s)
	l.mu.Unlock()
}

func (l *lines) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.got...)
}

func (l *lines) Log(args ...any)   { l.add("log " + console.Join(args...)) }
func (l *lines) Warn(args ...any)  { l.add("warn " + console.Join(args...)) }
func (l *lines) Error(args ...any) { l.add("error " + console.Join(args...)) }
func (l *lines) Info(args ...any)  { l.add("info " + console.Join(args...)) }

func startHub(t *testing.T, opts ...hub.Option) (*hub.Hub, string) {
	t.Helper()
	h := hub.New(append([]hub.Option{hub.WithPingInterval(0)}, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Serve(ctx)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(func() {
		cancel()
		<-h.Stopped()
		srv.Close()
	})
	return h, srv.URL
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSocketURL(t *testing.T) {
	tests := []struct {
		base, id, want string
		wantErr        bool
	}{
		{base: "http://localhost:7357", want: "ws://localhost:7357/socket"},
		{base: "https://hub.example.com/", id: "3", want: "wss://hub.example.com/3/socket"},
		{base: "ws://localhost:7357/prefix", id: "12", want: "ws://localhost:7357/prefix/12/socket"},
		{base: "ftp://nope", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := socketURL(tt.base, tt.id)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResultPayload(t *testing.T) {
	pass := Result{Name: "adds", Passed: true, Duration: 15 * time.Millisecond}.payload()
	assert.Equal(t, 0, pass["failed"])
	assert.Equal(t, int64(15), pass["runDuration"])
	assert.Equal(t, []string{}, pass["logs"])
	assert.NotContains(t, pass, "error")

	fail := Result{Name: "subtracts", Message: "off by one", Expected: 1, Actual: 2, Stack: "at x"}.payload()
	assert.Equal(t, 1, fail["failed"])
	assert.Equal(t, map[string]any{"message": "off by one", "expected": 1, "actual": 2, "stack": "at x"}, fail["error"])
}

func TestClient_ReportsARun(t *testing.T) {
	h, base := startHub(t)
	ctx := testCtx(t)

	c, err := Dial(ctx, base, WithCapability("Go runner"), WithID("4"))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, h.WaitForRunners(ctx, 1))

	sessions := h.Registry().Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "Go runner", sessions[0].Label())
	assert.Equal(t, "4", sessions[0].ExplicitID())

	run, err := h.Begin(ctx, hub.RunOptions{})
	require.NoError(t, err)

	require.NoError(t, c.Report(Result{Name: "one", Passed: true}))
	require.NoError(t, c.Report(Result{Name: "two", Message: "nope"}))
	require.NoError(t, c.AllDone())
	assert.Equal(t, "1/2", c.Stats().String())

	sum, err := run.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.Failed)

	failed := run.Aggregator().Stream().Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "nope", failed[0].Error.Message)
}

func TestClient_RestartOnStartTests(t *testing.T) {
	h, base := startHub(t)
	ctx := testCtx(t)

	restarted := make(chan string, 1)
	c, err := Dial(ctx, base, WithRestartHandler(func(event string) { restarted <- event }))
	require.NoError(t, err)
	require.NoError(t, h.WaitForRunners(ctx, 1))

	_, err = h.StartTests(ctx)
	require.NoError(t, err)

	select {
	case ev := <-restarted:
		assert.Equal(t, "start-tests", ev)
	case <-time.After(2 * time.Second):
		t.Fatal("restart handler not called")
	}
	<-c.Done()
	assert.ErrorIs(t, c.AllDone(), ErrRestarting)
}

func TestClient_ConsoleForwarding(t *testing.T) {
	forwarded := &lines{}
	h, base := startHub(t, hub.WithConsole(forwarded))
	ctx := testCtx(t)

	local := &lines{}
	c, err := Dial(ctx, base,
		WithCapability("Go runner"),
		WithConsole(local),
		WithConsoleVeto(func(_ console.Method, msg string) bool { return !strings.HasPrefix(msg, "quiet") }),
	)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, h.WaitForRunners(ctx, 1))

	out := c.Console()
	out.Log("quiet please")
	out.Warn("disk", 90, "%")

	assert.Equal(t, []string{"warn disk 90 %"}, local.all())
	require.Eventually(t, func() bool { return len(forwarded.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "warn [Go runner] disk 90 %", forwarded.all()[0])
}

func TestClient_CustomEvents(t *testing.T) {
	h, base := startHub(t)
	ctx := testCtx(t)

	got := make(chan []any, 1)
	h.Bus().Subscribe(registry.CustomTopic("coverage"), func(m bus.Message) {
		got <- m.Payload.(registry.CustomEvent).Args
	})

	c, err := Dial(ctx, base)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, h.WaitForRunners(ctx, 1))

	require.NoError(t, c.Emit("coverage", map[string]any{"lines": 80}))
	select {
	case args := <-got:
		assert.Equal(t, []any{map[string]any{"lines": float64(80)}}, args)
	case <-time.After(2 * time.Second):
		t.Fatal("custom event not published")
	}
}
