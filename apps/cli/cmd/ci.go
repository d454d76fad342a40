package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/abdul-hamid-achik/testhub/packages/core/config"
	"github.com/abdul-hamid-achik/testhub/packages/core/results"
	"github.com/abdul-hamid-achik/testhub/packages/hub"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var ciCmd = &cobra.Command{
	Use:   "ci",
	Short: "Run the suite once and exit with its outcome",
	Long: `Start the hub, wait for the expected runners to connect, restart them
so each runs the suite from a clean state, write the reports and exit.

Exit codes:
  0  every test passed
  1  a test failed or a runner dropped out
  2  the runners did not connect in time
  3  configuration error
  4  network error

Examples:
  testhub ci --runners 2
  testhub ci --runners 3 --reporter xunit --report-file report.xml
  testhub ci --runners 1 --history .testhub/history.db --notify-on recovery`,
	Args: cobra.NoArgs,
	RunE: runCI,
}

var (
	ciFlags         hubFlags
	runnersFlag     int
	waitTimeoutFlag string
)

func init() {
	ciFlags.bind(ciCmd)
	ciCmd.Flags().IntVarP(&runnersFlag, "runners", "n", getEnvInt("TESTHUB_RUNNERS", 0), "Number of runners to wait for (default 1) (env: TESTHUB_RUNNERS)")
	ciCmd.Flags().StringVar(&waitTimeoutFlag, "wait-timeout", getEnvDuration("TESTHUB_WAIT_TIMEOUT", ""), "How long to wait for runners to connect (env: TESTHUB_WAIT_TIMEOUT)")
}

func runCI(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, &ciFlags)
	if err != nil {
		return err
	}
	if runnersFlag > 0 {
		cfg.ExpectedRunners = runnersFlag
	}
	if waitTimeoutFlag != "" {
		cfg.RunnerWaitTimeout = waitTimeoutFlag
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, err := ci(ctx, cfg, log, cmd.OutOrStdout(), cmd.ErrOrStderr(), nil)
	var ee *exitError
	switch {
	case errors.As(err, &ee):
		return err
	case errors.Is(err, context.Canceled):
		return exitWith(ExitTestFailure, errors.New("interrupted"))
	case err != nil:
		return exitWith(ExitTestFailure, err)
	}
	if !sum.OK() {
		return exitWith(ExitTestFailure, nil)
	}
	return nil
}

// ci runs a single run and returns its summary once every reporter has
// written its output. Reports go to out, everything else to status.
func ci(ctx context.Context, cfg *config.Config, log zerolog.Logger, out, status io.Writer, ready func(*hub.Hub, net.Addr)) (results.Summary, error) {
	expected := cfg.ExpectedRunners
	if expected <= 0 {
		expected = 1
	}
	waitTimeout, err := cfg.GetRunnerWaitTimeout()
	if err != nil {
		return results.Summary{}, exitWith(ExitConfigError, err)
	}

	rec, err := newRunRecorder(cfg, log, status)
	if err != nil {
		return results.Summary{}, exitWith(ExitConfigError, err)
	}
	defer rec.Close()

	opts, err := hubOptions(cfg, log)
	if err != nil {
		return results.Summary{}, exitWith(ExitConfigError, err)
	}
	opts = append(opts,
		hub.WithReporters(newReporterFactory(cfg, out, status)),
		hub.WithFinishHook(rec.finish),
	)
	h := hub.New(opts...)

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return results.Summary{}, exitWith(ExitNetworkError, fmt.Errorf("cannot listen on %s: %w", cfg.Addr(), err))
	}

	banner := color.New(color.FgCyan)
	if cfg.GetNoColor() {
		banner.DisableColor()
	}

	var sum results.Summary
	g, gctx := errgroup.WithContext(ctx)
	runCtx, finished := context.WithCancel(gctx)
	g.Go(func() error { return h.Serve(runCtx) })
	g.Go(func() error { return serveHTTP(runCtx, ln, h.Handler(), log) })
	g.Go(func() error {
		defer finished()

		banner.Fprintf(status, "testhub listening on http://%s, waiting for %d runner(s)\n", ln.Addr(), expected)
		if ready != nil {
			ready(h, ln.Addr())
		}

		waitCtx, cancel := context.WithTimeout(runCtx, waitTimeout)
		err := h.WaitForRunners(waitCtx, expected)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return exitWith(ExitNoRunners, fmt.Errorf("%d of %d runner(s) connected within %s", len(h.Registry().LoggedIn()), expected, waitTimeout))
			}
			return err
		}

		run, err := h.Begin(runCtx, hub.RunOptions{Start: true, ExpectedRunners: expected})
		if err != nil {
			if errors.Is(err, hub.ErrNoRunners) {
				return exitWith(ExitNoRunners, err)
			}
			return err
		}
		sum, err = run.Wait(runCtx)
		return err
	})

	if err := g.Wait(); err != nil {
		return sum, err
	}
	return sum, nil
}
