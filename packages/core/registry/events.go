package registry

import (
	"github.com/abdul-hamid-achik/testhub/packages/console"
	"github.com/abdul-hamid-achik/testhub/packages/core/session"
)

// Inbound wire events handled by the registry. Console methods (log, warn,
// error, info) are handled as well.
const (
	EventLogin         = "browser-login"
	EventTestResult    = "test-result"
	EventAllDone       = "all-done"
	EventTopLevelError = "top-level-error"
)

// Bus topics the registry publishes on.
const (
	TopicRunnerJoined  = "runner-joined"
	TopicRunnerLeft    = "runner-left"
	TopicRunnerState   = "runner-state"
	TopicTestResult    = "test-result"
	TopicAllDone       = "all-done"
	TopicConsole       = "console"
	TopicTopLevelError = "top-level-error"

	customTopicPrefix = "custom:"
)

// CustomTopic is the bus topic application events named event are published on.
func CustomTopic(event string) string {
	return customTopicPrefix + event
}

// RunnerEvent is published on TopicRunnerJoined and TopicRunnerLeft. On leave,
// Cause is set when the runner went away before finishing.
type RunnerEvent struct {
	Session *session.Session
	Cause   error
}

type StateEvent struct {
	Session  *session.Session
	From, To session.State
}

type ResultEvent struct {
	Session *session.Session
	Seq     int64
	Payload any
}

type AllDoneEvent struct {
	Session *session.Session
	Seq     int64
}

type ConsoleEvent struct {
	Session *session.Session
	Method  console.Method
	Message string
}

type TopLevelErrorEvent struct {
	Session *session.Session
	Message string
	URL     string
	Line    int
}

// CustomEvent carries an application event verbatim.
type CustomEvent struct {
	Session *session.Session
	Event   string
	Args    []any
}
