package hub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/abdul-hamid-achik/testhub/packages/core/results"
	"github.com/abdul-hamid-achik/testhub/packages/output"
)

// Run is one pass of the test suite across every participating runner.
type Run struct {
	hub      *Hub
	agg      *results.Aggregator
	pipeline *output.Pipeline
	ended    atomic.Bool
	done     chan struct{}

	mu      sync.Mutex
	summary results.Summary
	errs    []error
	aborted bool
}

func newRun(h *Hub, reporters []output.Reporter, opts RunOptions) *Run {
	r := &Run{hub: h, done: make(chan struct{})}
	r.pipeline = output.NewPipeline(reporters,
		output.PipelineWithLogger(h.logger),
		output.PipelineWithErrorHandler(func(e *output.ReporterError) {
			h.metrics.ReporterErrorsTotal.WithLabelValues(e.Reporter).Inc()
		}),
	)
	r.agg = results.NewAggregator(
		results.WithSink(r.pipeline),
		results.WithSink(runSink{run: r}),
		results.WithLogger(h.logger),
		results.WithExpectedRunners(opts.ExpectedRunners),
	)
	return r
}

func (r *Run) ID() string { return r.agg.RunID() }

func (r *Run) Aggregator() *results.Aggregator { return r.agg }

// Done is closed once the run has finished or was abandoned, and every
// reporter has written its output.
func (r *Run) Done() <-chan struct{} { return r.done }

// Summary is the final summary after Done, and a live one before.
func (r *Run) Summary() results.Summary {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.summary
	default:
		return r.agg.Summary()
	}
}

// Aborted reports whether the run was abandoned before it finished.
func (r *Run) Aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// ReporterErrors returns the reporter failures seen during the run.
func (r *Run) ReporterErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errs != nil {
		return append([]error(nil), r.errs...)
	}
	return r.pipeline.Errors()
}

// Wait blocks until the run is done.
func (r *Run) Wait(ctx context.Context) (results.Summary, error) {
	select {
	case <-r.done:
		if r.Aborted() {
			return r.Summary(), ErrRunAborted
		}
		return r.Summary(), nil
	case <-ctx.Done():
		return r.agg.Summary(), ctx.Err()
	}
}

func (r *Run) finished() bool { return r.ended.Load() }

func (r *Run) abort() {
	if r.ended.Swap(true) {
		return
	}
	go r.complete(r.agg.Summary(), true)
}

func (r *Run) complete(s results.Summary, aborted bool) {
	errs := r.pipeline.Close()

	r.mu.Lock()
	r.summary = s
	r.errs = errs
	r.aborted = aborted
	r.mu.Unlock()

	r.hub.feed.publish(EventRunFinished, RunEvent{ID: r.ID(), Aborted: aborted, Summary: &s})

	if !aborted {
		for _, hook := range r.hub.hooks {
			hook(r)
		}
	}
	close(r.done)
}

// runSink records run metrics and completes the run on finish. It is
// called with the aggregator locked, so the drain happens elsewhere.
type runSink struct {
	run *Run
}

func (s runSink) Result(res *results.TestResult) {
	m := s.run.hub.metrics
	m.ResultsTotal.WithLabelValues(res.Outcome()).Inc()
	if res.Duration > 0 {
		m.ResultDuration.Observe(res.Duration.Seconds())
	}
}

func (s runSink) Finish(sum results.Summary) {
	m := s.run.hub.metrics
	m.RunsTotal.Inc()
	m.RunDuration.Observe(sum.Elapsed.Seconds())

	if s.run.ended.Swap(true) {
		return
	}
	go s.run.complete(sum, false)
}
