// Package notify posts run outcomes to chat webhooks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abdul-hamid-achik/testhub/packages/core/results"
)

// maxFailures caps how many failures a message lists.
const maxFailures = 10

// NotifyOn specifies when to send notifications
type NotifyOn string

const (
	// NotifyAlways sends notifications for every run
	NotifyAlways NotifyOn = "always"
	// NotifyFailure sends notifications only when tests fail
	NotifyFailure NotifyOn = "failure"
	// NotifySuccess sends notifications only when tests pass
	NotifySuccess NotifyOn = "success"
	// NotifyRecovery sends notifications on failures and on the first passing run after one
	NotifyRecovery NotifyOn = "recovery"
)

// ParseNotifyOn validates a policy name. Empty means failure.
func ParseNotifyOn(s string) (NotifyOn, error) {
	switch NotifyOn(s) {
	case "":
		return NotifyFailure, nil
	case NotifyAlways, NotifyFailure, NotifySuccess, NotifyRecovery:
		return NotifyOn(s), nil
	}
	return "", fmt.Errorf("invalid notifyOn %q (want always, failure, success or recovery)", s)
}

// Failure is one failed test as listed in a notification.
type Failure struct {
	Runner  string
	Name    string
	Message string
}

// Report is what notifiers render.
type Report struct {
	RunID     string
	Total     int
	Passed    int
	Failed    int
	Elapsed   time.Duration
	Runners   []results.RunnerSummary
	Failures  []Failure
	Truncated int
	Recovered bool
}

// NewReport builds a report from a run summary and its failed results.
func NewReport(sum results.Summary, failed []*results.TestResult) *Report {
	r := &Report{
		RunID:   sum.RunID,
		Total:   sum.Total,
		Passed:  sum.Passed,
		Failed:  sum.Failed,
		Elapsed: sum.Elapsed,
		Runners: sum.Runners,
	}
	for i, res := range failed {
		if i == maxFailures {
			r.Truncated = len(failed) - maxFailures
			break
		}
		f := Failure{Runner: res.Runner, Name: res.Name}
		if res.Error != nil {
			f.Message = res.Error.Message
		}
		r.Failures = append(r.Failures, f)
	}
	return r
}

func (r *Report) headline() string {
	switch {
	case r.Failed > 0:
		return fmt.Sprintf("%d of %d tests failed", r.Failed, r.Total)
	case r.Recovered:
		return "Tests recovered"
	default:
		return fmt.Sprintf("All %d tests passed", r.Total)
	}
}

// Notifier is the interface for notification services
type Notifier interface {
	Notify(ctx context.Context, r *Report) error
	Name() string
}

// Manager decides whether a run is worth a message and fans it out.
type Manager struct {
	notifiers []Notifier
	notifyOn  NotifyOn
	lastOK    bool
}

// NewManager creates a new notification manager
func NewManager(notifyOn NotifyOn, notifiers ...Notifier) *Manager {
	return &Manager{
		notifiers: notifiers,
		notifyOn:  notifyOn,
		lastOK:    true,
	}
}

// AddNotifier adds a notifier to the manager
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Len is the number of configured notifiers.
func (m *Manager) Len() int { return len(m.notifiers) }

// SetPrevious seeds the outcome of the run before the next one, e.g. from history.
func (m *Manager) SetPrevious(ok bool) {
	m.lastOK = ok
}

func (m *Manager) shouldNotify(r *Report) bool {
	ok := r.Failed == 0
	switch m.notifyOn {
	case NotifyAlways:
		return true
	case NotifyFailure:
		return !ok
	case NotifySuccess:
		return ok
	case NotifyRecovery:
		if ok && !m.lastOK {
			r.Recovered = true
			return true
		}
		return !ok
	}
	return false
}

// Notify sends r to every notifier when the policy allows it. Every
// notifier is tried; their errors are joined.
func (m *Manager) Notify(ctx context.Context, r *Report) error {
	send := m.shouldNotify(r)
	m.lastOK = r.Failed == 0
	if !send {
		return nil
	}

	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}
