// Package console carries runner console output: log, warn, error and info.
package console

import (
	"strings"

	"github.com/abdul-hamid-achik/testhub/packages/codec"
	"github.com/rs/zerolog"
)

// Method names a console level. They double as the wire event names.
type Method string

const (
	Log   Method = "log"
	Warn  Method = "warn"
	Error Method = "error"
	Info  Method = "info"
)

// Methods lists every console method.
var Methods = []Method{Log, Warn, Error, Info}

// ParseMethod reports whether name is a console method.
func ParseMethod(name string) (Method, bool) {
	for _, m := range Methods {
		if string(m) == name {
			return m, true
		}
	}
	return "", false
}

// Logger is the four-method console capability.
type Logger interface {
	Log(args ...any)
	Warn(args ...any)
	Error(args ...any)
	Info(args ...any)
}

// Call invokes the method of l named by m.
func Call(l Logger, m Method, args ...any) {
	switch m {
	case Log:
		l.Log(args...)
	case Warn:
		l.Warn(args...)
	case Error:
		l.Error(args...)
	case Info:
		l.Info(args...)
	}
}

// Join renders console arguments as one line: strings as-is, everything else
// through the circular-safe encoder, separated by spaces.
func Join(args ...any) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if s, ok := a.(string); ok {
			parts = append(parts, s)
			continue
		}
		text, err := codec.Encode(a)
		if err != nil {
			text = "[unencodable]"
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, " ")
}

// ZerologLogger writes console output as structured log entries.
type ZerologLogger struct {
	logger zerolog.Logger
}

func NewZerologLogger(l zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{logger: l}
}

func (z *ZerologLogger) Log(args ...any) {
	z.logger.Info().Str("console", string(Log)).Msg(Join(args...))
}

func (z *ZerologLogger) Warn(args ...any) {
	z.logger.Warn().Str("console", string(Warn)).Msg(Join(args...))
}

func (z *ZerologLogger) Error(args ...any) {
	z.logger.Error().Str("console", string(Error)).Msg(Join(args...))
}

func (z *ZerologLogger) Info(args ...any) {
	z.logger.Info().Str("console", string(Info)).Msg(Join(args...))
}

// Discard drops everything.
type Discard struct{}

func (Discard) Log(...any)   {}
func (Discard) Warn(...any)  {}
func (Discard) Error(...any) {}
func (Discard) Info(...any)  {}
