package console

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type recorder struct {
	calls []string
}

func (r *recorder) Log(args ...any)   { r.calls = append(r.calls, "log:"+Join(args...)) }
func (r *recorder) Warn(args ...any)  { r.calls = append(r.calls, "warn:"+Join(args...)) }
func (r *recorder) Error(args ...any) { r.calls = append(r.calls, "error:"+Join(args...)) }
func (r *recorder) Info(args ...any)  { r.calls = append(r.calls, "info:"+Join(args...)) }

func TestJoin(t *testing.T) {
	cyclic := map[string]any{"a": 1}
	cyclic["self"] = cyclic

	assert.Equal(t, "hello 42 true", Join("hello", 42, true))
	assert.Equal(t, `obj {"a":1,"self":"[Circular ~]"}`, Join("obj", cyclic))
	assert.Equal(t, "", Join())
}

func TestTee_ForwardsAndCallsThrough(t *testing.T) {
	next := &recorder{}
	var forwarded []string
	tee := NewTee(next, func(m Method, msg string) {
		forwarded = append(forwarded, string(m)+"="+msg)
	})

	tee.Log("a", 1)
	tee.Warn("b")
	tee.Error("c")
	tee.Info("d")

	assert.Equal(t, []string{"log=a 1", "warn=b", "error=c", "info=d"}, forwarded)
	assert.Equal(t, []string{"log:a 1", "warn:b", "error:c", "info:d"}, next.calls)
}

func TestTee_VetoSuppressesBoth(t *testing.T) {
	next := &recorder{}
	forwarded := 0
	tee := NewTee(next, func(Method, string) { forwarded++ }, WithVeto(func(_ Method, msg string) bool {
		return !strings.HasPrefix(msg, "noise")
	}))

	tee.Log("noise: ignore me")
	tee.Log("signal")

	assert.Equal(t, 1, forwarded)
	assert.Equal(t, []string{"log:signal"}, next.calls)
}

func TestParseMethodAndCall(t *testing.T) {
	m, ok := ParseMethod("warn")
	assert.True(t, ok)
	assert.Equal(t, Warn, m)

	_, ok = ParseMethod("debug")
	assert.False(t, ok)

	r := &recorder{}
	Call(r, Info, "x")
	assert.Equal(t, []string{"info:x"}, r.calls)
}

func TestZerologLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerologLogger(zerolog.New(&buf))
	l.Warn("careful", 1)

	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), `"console":"warn"`)
	assert.Contains(t, buf.String(), `"message":"careful 1"`)
}
