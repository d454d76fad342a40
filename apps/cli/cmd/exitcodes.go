package cmd

// Exit codes for testhub CLI
const (
	// ExitSuccess indicates all tests passed
	ExitSuccess = 0

	// ExitTestFailure indicates one or more tests failed or a runner dropped out
	ExitTestFailure = 1

	// ExitNoRunners indicates the expected runners never connected
	ExitNoRunners = 2

	// ExitConfigError indicates a configuration error
	ExitConfigError = 3

	// ExitNetworkError indicates the hub could not listen or a request failed
	ExitNetworkError = 4

	// ExitUsageError indicates invalid CLI usage
	ExitUsageError = 64
)
