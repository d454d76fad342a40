package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/abdul-hamid-achik/testhub/packages/core/config"
	"github.com/abdul-hamid-achik/testhub/packages/core/results"
	"github.com/abdul-hamid-achik/testhub/packages/hub"
	"github.com/abdul-hamid-achik/testhub/packages/logging"
	"github.com/abdul-hamid-achik/testhub/packages/notify"
	"github.com/abdul-hamid-achik/testhub/packages/output"
	"github.com/abdul-hamid-achik/testhub/packages/store"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// hubFlags are the flags shared by serve and ci.
type hubFlags struct {
	host              string
	port              int
	reporters         []string
	reportFile        string
	xunitIntermediate bool
	grace             string
	idleTimeout       string
	restartTimeout    string
	history           string
	labelRules        []string

	notifyOn     string
	slackWebhook string
	slackChannel string
	teamsWebhook string
}

func (f *hubFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.host, "host", getEnvString("TESTHUB_HOST", ""), "Interface to listen on (env: TESTHUB_HOST)")
	fs.IntVarP(&f.port, "port", "p", getEnvInt("TESTHUB_PORT", 0), "Port to listen on (default 7357) (env: TESTHUB_PORT)")
	fs.StringSliceVarP(&f.reporters, "reporter", "R", getEnvList("TESTHUB_REPORTER"), "Reporters: tap, dot, console, xunit, json (env: TESTHUB_REPORTER)")
	fs.StringVarP(&f.reportFile, "report-file", "o", getEnvString("TESTHUB_REPORT_FILE", ""), "Write reports to file instead of stdout (env: TESTHUB_REPORT_FILE)")
	fs.BoolVar(&f.xunitIntermediate, "xunit-intermediate-output", getEnvBool("TESTHUB_XUNIT_INTERMEDIATE_OUTPUT", false), "Print TAP lines while the xunit report builds (env: TESTHUB_XUNIT_INTERMEDIATE_OUTPUT)")
	fs.StringVar(&f.grace, "reconnect-grace", getEnvDuration("TESTHUB_RECONNECT_GRACE", ""), "How long a dropped runner may take to reconnect (env: TESTHUB_RECONNECT_GRACE)")
	fs.StringVar(&f.idleTimeout, "idle-timeout", getEnvDuration("TESTHUB_IDLE_TIMEOUT", ""), "Fail a runner that sends nothing for this long, 0 disables (env: TESTHUB_IDLE_TIMEOUT)")
	fs.StringVar(&f.restartTimeout, "restart-timeout", getEnvDuration("TESTHUB_RESTART_TIMEOUT", ""), "Fail a runner that does not log in again this long after a rerun, 0 waits forever (env: TESTHUB_RESTART_TIMEOUT)")
	fs.StringVar(&f.history, "history", getEnvString("TESTHUB_HISTORY", ""), "SQLite file recording finished runs (env: TESTHUB_HISTORY)")
	fs.StringArrayVar(&f.labelRules, "label-rule", nil, `Extra runner label rule "pattern=template", checked before the built-in ones`)

	fs.StringVar(&f.notifyOn, "notify-on", getEnvString("TESTHUB_NOTIFY_ON", ""), "When to notify: always, failure, success, recovery (env: TESTHUB_NOTIFY_ON)")
	fs.StringVar(&f.slackWebhook, "slack-webhook", getEnvString("SLACK_WEBHOOK", ""), "Slack webhook URL (env: SLACK_WEBHOOK)")
	fs.StringVar(&f.slackChannel, "slack-channel", getEnvString("SLACK_CHANNEL", ""), "Slack channel override (env: SLACK_CHANNEL)")
	fs.StringVar(&f.teamsWebhook, "teams-webhook", getEnvString("TEAMS_WEBHOOK", ""), "Microsoft Teams webhook URL (env: TEAMS_WEBHOOK)")
}

// overrides turns the given flags into a config that Merge lays over the file.
func (f *hubFlags) overrides(cmd *cobra.Command) (*config.Config, error) {
	c := &config.Config{
		Host:                    f.host,
		Port:                    f.port,
		Reporters:               f.reporters,
		ReportFile:              f.reportFile,
		XUnitIntermediateOutput: boolOverride(cmd, "xunit-intermediate-output", "TESTHUB_XUNIT_INTERMEDIATE_OUTPUT", f.xunitIntermediate),
		ReconnectGrace:          f.grace,
		IdleTimeout:             f.idleTimeout,
		RestartTimeout:          f.restartTimeout,
		HistoryDB:               f.history,
		LogLevel:                logLevelFlag,
		NoColor:                 boolOverride(cmd, "no-color", "TESTHUB_NO_COLOR", noColorFlag),
	}
	for _, raw := range f.labelRules {
		pattern, template, _ := strings.Cut(raw, "=")
		if pattern == "" {
			return nil, fmt.Errorf("invalid --label-rule %q", raw)
		}
		c.LabelRules = append(c.LabelRules, config.LabelRule{Pattern: pattern, Template: template})
	}
	if f.notifyOn != "" || f.slackWebhook != "" || f.slackChannel != "" || f.teamsWebhook != "" {
		c.Notify = &config.Notify{
			SlackWebhook: f.slackWebhook,
			SlackChannel: f.slackChannel,
			TeamsWebhook: f.teamsWebhook,
			NotifyOn:     f.notifyOn,
		}
	}
	return c, nil
}

// loadConfig reads the config file and applies command line overrides.
func loadConfig(cmd *cobra.Command, flags *hubFlags) (*config.Config, error) {
	cfg, err := config.LoadConfig(configFlag)
	if err != nil {
		return nil, exitWith(ExitConfigError, fmt.Errorf("failed to load config: %w", err))
	}
	over, err := flags.overrides(cmd)
	if err != nil {
		return nil, exitWith(ExitConfigError, err)
	}
	cfg = cfg.Merge(over)
	if err := cfg.Validate(); err != nil {
		return nil, exitWith(ExitConfigError, err)
	}
	for _, name := range cfg.Reporters {
		if _, err := output.New(name, output.Options{Writer: io.Discard}); err != nil {
			return nil, exitWith(ExitConfigError, err)
		}
	}
	if cfg.Notify != nil {
		if _, err := notify.ParseNotifyOn(cfg.Notify.NotifyOn); err != nil {
			return nil, exitWith(ExitConfigError, err)
		}
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	pretty := !cfg.GetNoColor() && !color.NoColor
	return logging.New(os.Stderr, cfg.LogLevel, pretty)
}

// hubOptions translates the config into hub options.
func hubOptions(cfg *config.Config, log zerolog.Logger) ([]hub.Option, error) {
	labels, err := cfg.Labels()
	if err != nil {
		return nil, err
	}
	grace, err := cfg.GetReconnectGrace()
	if err != nil {
		return nil, err
	}
	idle, err := cfg.GetIdleTimeout()
	if err != nil {
		return nil, err
	}
	restart, err := cfg.GetRestartTimeout()
	if err != nil {
		return nil, err
	}
	return []hub.Option{
		hub.WithLogger(log),
		hub.WithLabels(labels),
		hub.WithGrace(grace),
		hub.WithIdleTimeout(idle),
		hub.WithRestartTimeout(restart),
		hub.WithConsoleLimit(cfg.ConsoleRate, cfg.ConsoleBurst),
		hub.WithFailOnTopLevelError(cfg.GetFailOnTopLevelError()),
	}, nil
}

// lockedWriter serializes writes from reporters sharing one stream.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// fileReporter owns its report file. Finish closes it, and so does Close
// when the run is abandoned first.
type fileReporter struct {
	output.Reporter
	f    *os.File
	once sync.Once
	err  error
}

func (r *fileReporter) Finish(s results.Summary) error {
	err := r.Reporter.Finish(s)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	return err
}

func (r *fileReporter) Close() error {
	r.once.Do(func() { r.err = r.f.Close() })
	return r.err
}

// reportPath gives each reporter its own file when several share reportFile.
func reportPath(reportFile, reporter string, shared bool) string {
	if !shared {
		return reportFile
	}
	ext := filepath.Ext(reportFile)
	return strings.TrimSuffix(reportFile, ext) + "." + reporter + ext
}

// newReporterFactory builds the reporters for each run from the config.
// Reports go to out unless reportFile is set; config validation keeps that
// to a single reporter. Intermediate xunit output goes to status so it
// never interleaves with a report.
func newReporterFactory(cfg *config.Config, out, status io.Writer) hub.ReporterFactory {
	report := &lockedWriter{w: out}
	live := &lockedWriter{w: status}
	return func() ([]output.Reporter, error) {
		reps := make([]output.Reporter, 0, len(cfg.Reporters))
		opts := output.Options{Writer: report, Color: !cfg.GetNoColor()}
		if cfg.GetXUnitIntermediateOutput() {
			opts.Intermediate = live
		}
		for _, name := range cfg.Reporters {
			if cfg.ReportFile == "" {
				r, err := output.New(name, opts)
				if err != nil {
					return nil, err
				}
				reps = append(reps, r)
				continue
			}

			f, err := os.Create(reportPath(cfg.ReportFile, name, len(cfg.Reporters) > 1))
			if err != nil {
				closeAll(reps)
				return nil, fmt.Errorf("cannot create report file: %w", err)
			}
			fileOpts := opts
			fileOpts.Writer = f
			fileOpts.Color = false
			r, err := output.New(name, fileOpts)
			if err != nil {
				_ = f.Close()
				closeAll(reps)
				return nil, err
			}
			reps = append(reps, &fileReporter{Reporter: r, f: f})
		}
		return reps, nil
	}
}

func closeAll(reps []output.Reporter) {
	for _, r := range reps {
		if c, ok := r.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

// runRecorder is the finish hook: it prints the summary line, stores the
// run and sends notifications.
type runRecorder struct {
	mu      sync.Mutex
	log     zerolog.Logger
	out     io.Writer
	noColor bool
	store   *store.Store
	notify  *notify.Manager
}

func newRunRecorder(cfg *config.Config, log zerolog.Logger, out io.Writer) (*runRecorder, error) {
	r := &runRecorder{
		log:     log,
		out:     out,
		noColor: cfg.GetNoColor(),
	}

	if cfg.HistoryDB != "" {
		s, err := store.Open(cfg.HistoryDB)
		if err != nil {
			return nil, err
		}
		r.store = s
	}

	if n := cfg.Notify; n != nil {
		notifyOn, err := notify.ParseNotifyOn(n.NotifyOn)
		if err != nil {
			r.Close()
			return nil, err
		}
		m := notify.NewManager(notifyOn)
		if n.SlackWebhook != "" {
			var opts []notify.SlackOption
			if n.SlackChannel != "" {
				opts = append(opts, notify.WithSlackChannel(n.SlackChannel))
			}
			m.AddNotifier(notify.NewSlackNotifier(n.SlackWebhook, opts...))
		}
		if n.TeamsWebhook != "" {
			m.AddNotifier(notify.NewTeamsNotifier(n.TeamsWebhook))
		}
		if m.Len() > 0 {
			r.notify = m
		}
	}

	if r.store != nil && r.notify != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		last, err := r.store.LastRun(ctx)
		switch {
		case err == nil:
			r.notify.SetPrevious(last.OK())
		case !errors.Is(err, store.ErrNoRuns):
			log.Warn().Err(err).Msg("could not read last run from history")
		}
	}
	return r, nil
}

// finish is registered with hub.WithFinishHook.
func (r *runRecorder) finish(run *hub.Run) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sum := run.Summary()
	printSummary(r.out, sum, r.noColor)
	for _, err := range run.ReporterErrors() {
		r.log.Warn().Err(err).Str("run", sum.RunID).Msg("reporter failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if r.store != nil {
		if err := r.store.RecordRun(ctx, sum, run.Aggregator().Stream().Results()); err != nil {
			r.log.Error().Err(err).Str("run", sum.RunID).Msg("failed to record run")
		}
	}
	if r.notify != nil {
		report := notify.NewReport(sum, run.Aggregator().Stream().Failed())
		if err := r.notify.Notify(ctx, report); err != nil {
			r.log.Warn().Err(err).Str("run", sum.RunID).Msg("failed to send notification")
		}
	}
}

func (r *runRecorder) Close() {
	if r.store != nil {
		_ = r.store.Close()
	}
}

// printSummary writes the one-line outcome of a run.
func printSummary(w io.Writer, s results.Summary, noColor bool) {
	ok := color.New(color.FgGreen, color.Bold)
	bad := color.New(color.FgRed, color.Bold)
	if noColor {
		ok.DisableColor()
		bad.DisableColor()
	}

	elapsed := s.Elapsed.Round(time.Millisecond)
	if s.OK() {
		ok.Fprintf(w, "✔ %d/%d passed", s.Passed, s.Total)
	} else {
		bad.Fprintf(w, "✘ %d/%d failed", s.Failed, s.Total)
	}
	fmt.Fprintf(w, " in %s across %d runner(s)", elapsed, len(s.Runners))
	if s.Durations.Count > 0 {
		fmt.Fprintf(w, " (p95 %s)", s.Durations.P95)
	}
	fmt.Fprintln(w)
}

// serveHTTP serves handler on ln until ctx is done.
func serveHTTP(ctx context.Context, ln net.Listener, handler http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown; the hub
	// closes those itself.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
		return srv.Close()
	}
	return nil
}
