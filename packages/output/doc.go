// Package output provides the reporters a run's results are written through.
//
// Supported formats:
//   - TAP: Test Anything Protocol, written as results arrive
//   - Dot: one character per result, failure details at the end
//   - Console: one line per result grouped by runner
//   - XUnit: JUnit-compatible XML for CI integration
//   - JSON: a single machine-readable document
//
// Reporters implement Reporter and are driven by a Pipeline, which gives each
// reporter its own goroutine and queue.
package output
