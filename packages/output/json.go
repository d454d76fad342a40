package output

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/abdul-hamid-achik/testhub/packages/core/results"
	"github.com/abdul-hamid-achik/testhub/packages/metrics"
)

// JSONOutput represents the complete JSON output structure
type JSONOutput struct {
	RunID     string                  `json:"runId"`
	Summary   JSONSummary             `json:"summary"`
	Runners   []results.RunnerSummary `json:"runners"`
	Tests     []JSONTest              `json:"tests"`
	Durations metrics.DurationSummary `json:"durations"`
	Duration  float64                 `json:"duration"`
	Time      string                  `json:"time"`
}

// JSONSummary represents the run totals
type JSONSummary struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// JSONTest represents a single test result
type JSONTest struct {
	Seq       int64      `json:"seq"`
	Runner    string     `json:"runner"`
	Name      string     `json:"name"`
	Passed    bool       `json:"passed"`
	Duration  float64    `json:"duration"`
	Error     *JSONError `json:"error,omitempty"`
	Logs      []string   `json:"logs,omitempty"`
	Synthetic bool       `json:"synthetic,omitempty"`
}

// JSONError represents the failure details of a test
type JSONError struct {
	Message  string `json:"message"`
	Expected any    `json:"expected,omitempty"`
	Actual   any    `json:"actual,omitempty"`
	Stack    string `json:"stack,omitempty"`
}

// JSONReporter writes one JSON document with every result at finish
type JSONReporter struct {
	writer io.Writer
	tests  []JSONTest
}

type JSONOption func(*JSONReporter)

func NewJSONReporter(opts ...JSONOption) *JSONReporter {
	r := &JSONReporter{
		writer: os.Stdout,
		tests:  make([]JSONTest, 0),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func JSONWithWriter(w io.Writer) JSONOption {
	return func(r *JSONReporter) {
		r.writer = w
	}
}

func (r *JSONReporter) Name() string { return "json" }

func (r *JSONReporter) Report(runner string, result *results.TestResult) error {
	test := JSONTest{
		Seq:       result.Seq,
		Runner:    runner,
		Name:      result.Name,
		Passed:    result.Passed,
		Duration:  float64(result.Duration.Milliseconds()),
		Logs:      result.Logs,
		Synthetic: result.Synthetic,
	}
	if e := result.Error; e != nil {
		test.Error = &JSONError{
			Message:  e.Message,
			Expected: e.Expected,
			Actual:   e.Actual,
			Stack:    e.Stack,
		}
	}
	r.tests = append(r.tests, test)
	return nil
}

// Finish writes the accumulated JSON output
func (r *JSONReporter) Finish(s results.Summary) error {
	out := JSONOutput{
		RunID: s.RunID,
		Summary: JSONSummary{
			Total:  s.Total,
			Passed: s.Passed,
			Failed: s.Failed,
		},
		Runners:   s.Runners,
		Tests:     r.tests,
		Durations: s.Durations,
		Duration:  float64(s.Elapsed.Milliseconds()),
		Time:      s.StartedAt.Format(time.RFC3339),
	}

	encoder := json.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}
