// Package results holds the hub's record of a run: individual test results,
// the append-only stream they land in, and the aggregator that decides when
// the run is finished.
package results

import (
	"fmt"
	"time"
)

// TestError describes why a test failed.
type TestError struct {
	Message  string `json:"message"`
	Expected any    `json:"expected,omitempty"`
	Actual   any    `json:"actual,omitempty"`
	Stack    string `json:"stack,omitempty"`
}

// HasComparison reports whether the runner sent expected or actual values.
func (e *TestError) HasComparison() bool {
	return e != nil && (e.Expected != nil || e.Actual != nil)
}

// TestResult is one reported test outcome. It is not modified after it has
// been appended to a Stream.
type TestResult struct {
	Seq        int64         `json:"seq"`
	SessionID  string        `json:"sessionId"`
	Runner     string        `json:"runner"`
	Name       string        `json:"name"`
	Passed     bool          `json:"passed"`
	Error      *TestError    `json:"error,omitempty"`
	Logs       []string      `json:"logs"`
	Duration   time.Duration `json:"duration,omitempty"`
	Synthetic  bool          `json:"synthetic,omitempty"`
	ReceivedAt time.Time     `json:"receivedAt"`
}

// Outcome is "passed" or "failed".
func (r *TestResult) Outcome() string {
	if r.Passed {
		return "passed"
	}
	return "failed"
}

// IncompleteName is the name of the synthetic result recorded for a runner
// that went away before it finished.
func IncompleteName(label string, timedOut bool) string {
	if timedOut {
		return fmt.Sprintf("Browser %q timed out", label)
	}
	return fmt.Sprintf("Browser %q disconnected unexpectedly", label)
}

// NewIncomplete builds the synthetic failure for a runner that never finished.
func NewIncomplete(sessionID, label string, timedOut bool) *TestResult {
	name := IncompleteName(label, timedOut)
	return &TestResult{
		SessionID: sessionID,
		Runner:    label,
		Name:      name,
		Error:     &TestError{Message: name},
		Logs:      []string{},
		Synthetic: true,
	}
}

// NewGlobalError builds the synthetic failure for an error raised outside any test.
func NewGlobalError(sessionID, label, msg, url string, line int) *TestResult {
	name := fmt.Sprintf("Global error: %s at %s, line %d", msg, url, line)
	return &TestResult{
		SessionID: sessionID,
		Runner:    label,
		Name:      name,
		Error:     &TestError{Message: msg},
		Logs:      []string{},
		Synthetic: true,
	}
}
