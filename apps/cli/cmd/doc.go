// Package cmd implements the testhub CLI commands using Cobra.
//
// Available commands:
//   - serve: Run the hub for development, rerunning on file changes
//   - ci: Wait for runners, run the suite once and exit with its outcome
//   - runners: List the runners connected to a running hub
//   - history: Show recorded runs
//   - version: Show testhub version information
//
// Every flag falls back to a TESTHUB_* environment variable and overrides
// the config file.
package cmd
