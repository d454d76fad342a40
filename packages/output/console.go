package output

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/abdul-hamid-achik/testhub/packages/core/results"
	"github.com/fatih/color"
)

// ConsoleReporter prints each result on its own line as it arrives, with a
// header whenever the reporting runner changes.
type ConsoleReporter struct {
	writer  io.Writer
	colored bool
	verbose bool
	last    string
}

type ConsoleOption func(*ConsoleReporter)

func NewConsoleReporter(opts ...ConsoleOption) *ConsoleReporter {
	r := &ConsoleReporter{
		writer: os.Stdout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func ConsoleWithWriter(w io.Writer) ConsoleOption {
	return func(r *ConsoleReporter) {
		r.writer = w
	}
}

func ConsoleWithColor(enabled bool) ConsoleOption {
	return func(r *ConsoleReporter) {
		r.colored = enabled
	}
}

// ConsoleWithVerbose also prints the logs each result carried.
func ConsoleWithVerbose(v bool) ConsoleOption {
	return func(r *ConsoleReporter) {
		r.verbose = v
	}
}

func (r *ConsoleReporter) Name() string { return "console" }

func (r *ConsoleReporter) paint(s string, attrs ...color.Attribute) string {
	if !r.colored {
		return s
	}
	c := color.New(attrs...)
	c.EnableColor()
	return c.Sprint(s)
}

func (r *ConsoleReporter) Report(runner string, res *results.TestResult) error {
	var b strings.Builder
	if runner != r.last {
		fmt.Fprintf(&b, "\n%s\n", r.paint(runner, color.Bold))
		r.last = runner
	}

	if res.Passed {
		fmt.Fprintf(&b, "  %s %s", r.paint("✓", color.FgGreen), res.Name)
	} else {
		fmt.Fprintf(&b, "  %s %s", r.paint("✗", color.FgRed), res.Name)
	}
	if res.Duration > 0 {
		fmt.Fprintf(&b, " %s", r.paint(fmt.Sprintf("(%dms)", res.Duration.Milliseconds()), color.FgCyan))
	}
	b.WriteString("\n")

	if e := res.Error; !res.Passed && e != nil {
		if e.Message != "" {
			fmt.Fprintf(&b, "    %s %s\n", r.paint("→", color.FgRed), e.Message)
		}
		if e.HasComparison() {
			fmt.Fprintf(&b, "      Expected: %s\n", truncate(inspect(e.Expected), 100))
			fmt.Fprintf(&b, "      Actual:   %s\n", truncate(inspect(e.Actual), 100))
		}
	}
	if r.verbose {
		for _, line := range res.Logs {
			fmt.Fprintf(&b, "    %s\n", line)
		}
	}

	_, err := io.WriteString(r.writer, b.String())
	return err
}

func (r *ConsoleReporter) Finish(s results.Summary) error {
	var parts []string
	if s.Passed > 0 {
		parts = append(parts, r.paint(fmt.Sprintf("%d passed", s.Passed), color.FgGreen))
	}
	if s.Failed > 0 {
		parts = append(parts, r.paint(fmt.Sprintf("%d failed", s.Failed), color.FgRed))
	}
	parts = append(parts, fmt.Sprintf("%d total", s.Total))

	_, err := fmt.Fprintf(r.writer, "\nTests: %s\nTime:  %dms\n", strings.Join(parts, ", "), s.Elapsed.Milliseconds())
	return err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
