package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/testhub/packages/core/results"
)

const defaultSuiteName = "testhub"

type xunitCase struct {
	classname string
	name      string
	time      time.Duration
	failure   *xunitFailure
}

type xunitFailure struct {
	message string
	text    string
}

// XUnitReporter writes a JUnit-compatible XML document at finish.
type XUnitReporter struct {
	writer    io.Writer
	suiteName string
	cases     []xunitCase
	failures  int
	live      *TAPReporter
}

type XUnitOption func(*XUnitReporter)

func NewXUnitReporter(opts ...XUnitOption) *XUnitReporter {
	r := &XUnitReporter{
		writer:    os.Stdout,
		suiteName: defaultSuiteName,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func XUnitWithWriter(w io.Writer) XUnitOption {
	return func(r *XUnitReporter) {
		r.writer = w
	}
}

func XUnitWithSuiteName(name string) XUnitOption {
	return func(r *XUnitReporter) {
		r.suiteName = name
	}
}

// XUnitWithIntermediate echoes each result as a TAP line to w while the run
// is in progress. A nil writer disables it.
func XUnitWithIntermediate(w io.Writer) XUnitOption {
	return func(r *XUnitReporter) {
		if w == nil {
			r.live = nil
			return
		}
		r.live = NewTAPReporter(TAPWithWriter(w))
	}
}

func (r *XUnitReporter) Name() string { return "xunit" }

func (r *XUnitReporter) Report(runner string, result *results.TestResult) error {
	c := xunitCase{
		classname: runner,
		name:      result.Name,
		time:      result.Duration,
	}
	if !result.Passed {
		r.failures++
		f := &xunitFailure{}
		if e := result.Error; e != nil {
			f.message = e.Message
			f.text = e.Message
			if e.Stack != "" {
				f.text = e.Stack
			}
		}
		c.failure = f
	}
	r.cases = append(r.cases, c)

	if r.live != nil {
		return r.live.Report(runner, result)
	}
	return nil
}

func (r *XUnitReporter) Finish(s results.Summary) error {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	fmt.Fprintf(&b, `<testsuite name="%s" tests="%d" failures="%d" timestamp="%s" time="%s">`+"\n",
		escapeAttr(r.suiteName), len(r.cases), r.failures,
		s.StartedAt.UTC().Format(time.RFC3339), seconds(s.Elapsed))

	for _, c := range r.cases {
		fmt.Fprintf(&b, `  <testcase classname="%s" name="%s" time="%s"`,
			escapeAttr(c.classname), escapeAttr(c.name), seconds(c.time))
		if c.failure == nil {
			b.WriteString("/>\n")
			continue
		}
		fmt.Fprintf(&b, ">\n    <failure message=\"%s\">%s</failure>\n  </testcase>\n",
			escapeAttr(c.failure.message), escapeText(c.failure.text))
	}
	b.WriteString("</testsuite>\n")

	_, err := io.WriteString(r.writer, b.String())
	return err
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%g", d.Seconds())
}

// escapeAttr escapes a value for a double-quoted attribute.
func escapeAttr(s string) string {
	return escapeXML(s, true)
}

// escapeText escapes character data.
func escapeText(s string) string {
	return strings.ReplaceAll(escapeXML(s, false), "]]>", "]]&gt;")
}

func escapeXML(s string, attr bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '&':
			b.WriteString("&amp;")
		case r == '<':
			b.WriteString("&lt;")
		case r == '"' && attr:
			b.WriteString("&quot;")
		case (r == '\n' || r == '\r' || r == '\t') && attr:
			fmt.Fprintf(&b, "&#%d;", r)
		case !isXMLChar(r):
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// isXMLChar reports whether r may appear in an XML 1.0 document.
func isXMLChar(r rune) bool {
	switch {
	case r == 0x9 || r == 0xA || r == 0xD:
		return true
	case r >= 0x20 && r <= 0xD7FF, r >= 0xE000 && r <= 0xFFFD, r >= 0x10000 && r <= 0x10FFFF:
		return true
	}
	return false
}
