package output

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/abdul-hamid-achik/testhub/packages/core/results"
)

var ErrUnknownReporter = errors.New("unknown reporter")

// Reporter receives a run's results one at a time and the summary at the end.
// Methods are called from a single goroutine.
type Reporter interface {
	Name() string
	Report(runner string, r *results.TestResult) error
	Finish(s results.Summary) error
}

// ReporterError wraps a failure raised by one reporter.
type ReporterError struct {
	Reporter string
	Op       string
	Err      error
}

func (e *ReporterError) Error() string {
	return fmt.Sprintf("reporter %s: %s: %v", e.Reporter, e.Op, e.Err)
}

func (e *ReporterError) Unwrap() error {
	return e.Err
}

// Options configures reporters built by New.
type Options struct {
	Writer io.Writer
	// Color enables ANSI colors where the format supports it.
	Color bool
	// Intermediate, when set, receives live TAP lines from reporters that
	// otherwise only write at finish.
	Intermediate io.Writer
}

type factory func(Options) Reporter

var factories = map[string]factory{
	"tap": func(o Options) Reporter {
		return NewTAPReporter(TAPWithWriter(o.Writer))
	},
	"dot": func(o Options) Reporter {
		return NewDotReporter(DotWithWriter(o.Writer), DotWithColor(o.Color))
	},
	"xunit": func(o Options) Reporter {
		return NewXUnitReporter(XUnitWithWriter(o.Writer), XUnitWithIntermediate(o.Intermediate))
	},
	"console": func(o Options) Reporter {
		return NewConsoleReporter(ConsoleWithWriter(o.Writer), ConsoleWithColor(o.Color))
	},
	"json": func(o Options) Reporter {
		return NewJSONReporter(JSONWithWriter(o.Writer))
	},
}

// Names lists the reporter names accepted by New.
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds a reporter by name.
func New(name string, opts Options) (Reporter, error) {
	f, ok := factories[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownReporter, name, strings.Join(Names(), ", "))
	}
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}
	return f(opts), nil
}
