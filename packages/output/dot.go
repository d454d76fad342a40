package output

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/abdul-hamid-achik/testhub/packages/codec"
	"github.com/abdul-hamid-achik/testhub/packages/core/results"
	"github.com/fatih/color"
)

const dotsPerLine = 60

// DotReporter prints one character per result and the failure details at the end.
type DotReporter struct {
	writer   io.Writer
	colored  bool
	count    int
	failures []dotFailure
}

type dotFailure struct {
	runner string
	result *results.TestResult
}

type DotOption func(*DotReporter)

func NewDotReporter(opts ...DotOption) *DotReporter {
	r := &DotReporter{
		writer: os.Stdout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func DotWithWriter(w io.Writer) DotOption {
	return func(r *DotReporter) {
		r.writer = w
	}
}

func DotWithColor(enabled bool) DotOption {
	return func(r *DotReporter) {
		r.colored = enabled
	}
}

func (r *DotReporter) Name() string { return "dot" }

func (r *DotReporter) paint(attr color.Attribute, s string) string {
	if !r.colored {
		return s
	}
	c := color.New(attr)
	c.EnableColor()
	return c.Sprint(s)
}

func (r *DotReporter) Report(runner string, result *results.TestResult) error {
	var prefix string
	if r.count%dotsPerLine == 0 {
		prefix = "\n  "
	}
	r.count++

	mark := r.paint(color.FgGreen, ".")
	if !result.Passed {
		mark = r.paint(color.FgRed, "F")
		r.failures = append(r.failures, dotFailure{runner: runner, result: result})
	}
	_, err := io.WriteString(r.writer, prefix+mark)
	return err
}

func (r *DotReporter) Finish(s results.Summary) error {
	var b strings.Builder
	fmt.Fprintf(&b, "\n\n  %d tests complete (%d ms)\n", r.count, s.Elapsed.Milliseconds())

	for i, failure := range r.failures {
		f := failure.result
		b.WriteString("\n")
		b.WriteString(r.paint(color.FgRed, fmt.Sprintf("  %d) [%s] %s", i+1, failure.runner, f.Name)))
		b.WriteString("\n")
		if f.Error == nil {
			continue
		}
		if f.Error.Message != "" {
			writeIndented(&b, "     ", f.Error.Message)
		}
		if f.Error.HasComparison() {
			fmt.Fprintf(&b, "\n     expected: %s\n       actual: %s\n", inspect(f.Error.Expected), inspect(f.Error.Actual))
		}
		if f.Error.Stack != "" {
			b.WriteString("\n")
			writeIndented(&b, "     ", f.Error.Stack)
		}
	}

	_, err := io.WriteString(r.writer, b.String())
	return err
}

// inspect renders a value the way a JavaScript console would: strings are
// single-quoted, numbers without trailing zeros, composites as JSON.
func inspect(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return "'" + strings.ReplaceAll(val, "'", `\'`) + "'"
	case float64:
		if math.IsInf(val, 0) || math.IsNaN(val) {
			return fmt.Sprint(val)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		text, err := codec.Encode(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return text
	}
}
