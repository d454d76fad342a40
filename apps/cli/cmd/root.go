package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

var (
	configFlag   string
	logLevelFlag string
	noColorFlag  bool
)

var rootCmd = &cobra.Command{
	Use:   "testhub",
	Short: "Run one test suite in many runners at once.",
	Long: `testhub is a test orchestration hub. Browsers and other runners connect
over a websocket, run the suite, and stream their results back; testhub
aggregates them into a single TAP, dot, xUnit or JSON report.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitUsageError
}

func Execute(v, bt string) {
	version = v
	buildTime = bt
	err := rootCmd.Execute()
	var ee *exitError
	if err != nil && (!errors.As(err, &ee) || ee.err != nil) {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(exitCode(err))
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", getEnvString("TESTHUB_CONFIG", ""), "Path to config file (env: TESTHUB_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", getEnvString("TESTHUB_LOG_LEVEL", ""), "Log level: debug, info, warn, error (env: TESTHUB_LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVar(&noColorFlag, "no-color", getEnvBool("TESTHUB_NO_COLOR", false), "Disable colored output (env: TESTHUB_NO_COLOR)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ciCmd)
	rootCmd.AddCommand(runnersCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}
