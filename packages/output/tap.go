package output

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/abdul-hamid-achik/testhub/packages/core/results"
)

const (
	tapBlockIndent = "    "
	tapKeyIndent   = "        "
	tapValueIndent = "            "
)

// TAPReporter writes Test Anything Protocol output as results arrive
type TAPReporter struct {
	writer io.Writer
	count  int
	passed int
	failed int
}

type TAPOption func(*TAPReporter)

func NewTAPReporter(opts ...TAPOption) *TAPReporter {
	r := &TAPReporter{
		writer: os.Stdout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func TAPWithWriter(w io.Writer) TAPOption {
	return func(r *TAPReporter) {
		r.writer = w
	}
}

func (r *TAPReporter) Name() string { return "tap" }

func (r *TAPReporter) Report(runner string, result *results.TestResult) error {
	r.count++
	var b strings.Builder
	if result.Passed {
		r.passed++
		fmt.Fprintf(&b, "ok %d %s - %s\n", r.count, runner, result.Name)
	} else {
		r.failed++
		fmt.Fprintf(&b, "not ok %d %s - %s\n", r.count, runner, result.Name)
		writeTAPBlock(&b, result)
	}
	_, err := io.WriteString(r.writer, b.String())
	return err
}

func writeTAPBlock(b *strings.Builder, result *results.TestResult) {
	b.WriteString(tapBlockIndent + "---\n")
	if e := result.Error; e != nil {
		if e.Message != "" {
			b.WriteString(tapKeyIndent + "message: >\n")
			writeIndented(b, tapValueIndent, e.Message)
		}
		if e.HasComparison() {
			fmt.Fprintf(b, "%sexpected: %s\n", tapKeyIndent, inspect(e.Expected))
			fmt.Fprintf(b, "%sactual: %s\n", tapKeyIndent, inspect(e.Actual))
		}
		if e.Stack != "" {
			b.WriteString(tapKeyIndent + "stack: |\n")
			writeIndented(b, tapValueIndent, e.Stack)
		}
	}
	if len(result.Logs) > 0 {
		b.WriteString(tapKeyIndent + "Log: |\n")
		for _, entry := range result.Logs {
			writeIndented(b, tapValueIndent, entry)
		}
	}
	b.WriteString(tapBlockIndent + "...\n")
}

func (r *TAPReporter) Finish(_ results.Summary) error {
	_, err := fmt.Fprintf(r.writer, "\n1..%d\n# tests %d\n# pass  %d\n# fail  %d\n",
		r.count, r.count, r.passed, r.failed)
	return err
}

// writeIndented writes every line of text prefixed with indent.
func writeIndented(b *strings.Builder, indent, text string) {
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		b.WriteString(indent)
		b.WriteString(line)
		b.WriteString("\n")
	}
}
