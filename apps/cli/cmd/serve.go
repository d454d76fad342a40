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
	"github.com/abdul-hamid-achik/testhub/packages/hub"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub in development mode",
	Long: `Start the hub and keep it running. Every runner that connects joins the
current run; a run begins with the first result and a new one starts each
time the watched files change.

Examples:
  testhub serve
  testhub serve --port 8000 --reporter dot
  testhub serve --watch 'src/**/*.js' --watch 'test/**/*.js'`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveFlags hubFlags
	watchFlag  []string
)

func init() {
	serveFlags.bind(serveCmd)
	serveCmd.Flags().StringArrayVarP(&watchFlag, "watch", "w", getEnvList("TESTHUB_WATCH"), "Rerun every runner when files matching this glob change (env: TESTHUB_WATCH)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, &serveFlags)
	if err != nil {
		return err
	}
	if len(watchFlag) > 0 {
		cfg.WatchFiles = watchFlag
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, log, cmd.OutOrStdout(), cmd.ErrOrStderr(), nil)
}

// serve runs the hub, its HTTP server and the file watcher until ctx ends.
// ready, when set, is called once the listener is up.
func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger, out, status io.Writer, ready func(*hub.Hub, net.Addr)) error {
	rec, err := newRunRecorder(cfg, log, status)
	if err != nil {
		return exitWith(ExitConfigError, err)
	}
	defer rec.Close()

	opts, err := hubOptions(cfg, log)
	if err != nil {
		return exitWith(ExitConfigError, err)
	}
	opts = append(opts,
		hub.WithAutoRun(true),
		hub.WithReporters(newReporterFactory(cfg, out, status)),
		hub.WithFinishHook(rec.finish),
	)
	h := hub.New(opts...)

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return exitWith(ExitNetworkError, fmt.Errorf("cannot listen on %s: %w", cfg.Addr(), err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Serve(gctx) })
	g.Go(func() error { return serveHTTP(gctx, ln, h.Handler(), log) })
	if len(cfg.WatchFiles) > 0 {
		w, err := newWatcher(cfg.WatchFiles, log)
		if err != nil {
			h.Close()
			_ = ln.Close()
			return err
		}
		g.Go(func() error {
			return w.run(gctx, func(path string) {
				log.Info().Str("file", path).Msg("file changed, restarting runners")
				if _, err := h.StartTests(gctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Warn().Err(err).Msg("could not restart runners")
				}
			})
		})
	}

	cyan := color.New(color.FgCyan)
	if cfg.GetNoColor() {
		cyan.DisableColor()
	}
	cyan.Fprintf(status, "testhub listening on http://%s\n", ln.Addr())
	if ready != nil {
		ready(h, ln.Addr())
	}

	return g.Wait()
}
