package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/abdul-hamid-achik/testhub/packages/store"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Show recorded runs",
	Long: `List recent runs from the history database, or the results of one run.

Examples:
  testhub history --history .testhub/history.db
  testhub history 6f1c0a2e-... --failed`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

var (
	historyDBFlag     string
	historyLimitFlag  int
	historyFailedFlag bool
)

func init() {
	historyCmd.Flags().StringVar(&historyDBFlag, "history", getEnvString("TESTHUB_HISTORY", ""), "SQLite history file (env: TESTHUB_HISTORY)")
	historyCmd.Flags().IntVarP(&historyLimitFlag, "limit", "l", 20, "Number of runs to list")
	historyCmd.Flags().BoolVar(&historyFailedFlag, "failed", false, "Show only failed results of a run")
}

func runHistory(cmd *cobra.Command, args []string) error {
	path := historyDBFlag
	if path == "" {
		cfg, err := loadConfig(cmd, &hubFlags{})
		if err != nil {
			return err
		}
		path = cfg.HistoryDB
	}
	if path == "" {
		return exitWith(ExitConfigError, fmt.Errorf("no history database: set --history or historyDB in the config file"))
	}

	s, err := store.Open(path)
	if err != nil {
		return exitWith(ExitConfigError, err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(commandContext(cmd), 30*time.Second)
	defer cancel()

	if len(args) == 1 {
		rs, err := s.Results(ctx, args[0])
		if err != nil {
			return err
		}
		printResults(cmd.OutOrStdout(), rs, historyFailedFlag)
		return nil
	}

	runs, err := s.RecentRuns(ctx, historyLimitFlag)
	if err != nil {
		return err
	}
	printRuns(cmd.OutOrStdout(), runs)
	return nil
}

func printRuns(w io.Writer, runs []store.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tDURATION\tPASSED\tFAILED\tRUNNERS")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%d\n",
			r.ID, r.StartedAt.Format(time.DateTime), r.Elapsed.Round(time.Millisecond), r.Passed, r.Total, r.Failed, r.Runners)
	}
	_ = tw.Flush()
}

func printResults(w io.Writer, rs []store.Result, failedOnly bool) {
	pass := color.New(color.FgGreen)
	fail := color.New(color.FgRed)
	for _, r := range rs {
		if r.Passed {
			if failedOnly {
				continue
			}
			pass.Fprint(w, "ok     ")
		} else {
			fail.Fprint(w, "not ok ")
		}
		fmt.Fprintf(w, "[%s] %s", r.Runner, r.Name)
		if r.Message != "" {
			fmt.Fprintf(w, ": %s", r.Message)
		}
		fmt.Fprintln(w)
	}
}
