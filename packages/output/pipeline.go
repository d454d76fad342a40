package output

import (
	"fmt"
	"io"
	"sync"

	"github.com/abdul-hamid-achik/testhub/packages/bus"
	"github.com/abdul-hamid-achik/testhub/packages/core/results"
	"github.com/rs/zerolog"
)

// Pipeline fans a run out to its reporters. Each reporter consumes its own
// unbounded queue on its own goroutine, so one slow or failing reporter never
// delays the caller or the other reporters.
type Pipeline struct {
	workers []*worker
	logger  zerolog.Logger
	onError func(*ReporterError)

	mu       sync.Mutex
	errs     []error
	closed   bool
	wg       sync.WaitGroup
	finished bool
}

type job struct {
	result  *results.TestResult
	summary *results.Summary
}

type worker struct {
	reporter Reporter
	queue    *bus.Queue[job]
	finished bool
}

type PipelineOption func(*Pipeline)

func PipelineWithLogger(l zerolog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// PipelineWithErrorHandler is called on the reporter's goroutine for every failure.
func PipelineWithErrorHandler(fn func(*ReporterError)) PipelineOption {
	return func(p *Pipeline) {
		p.onError = fn
	}
}

func NewPipeline(reporters []Reporter, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	for _, r := range reporters {
		w := &worker{reporter: r, queue: bus.NewQueue[job]()}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go p.run(w)
	}
	return p
}

// Result implements results.Sink.
func (p *Pipeline) Result(r *results.TestResult) {
	for _, w := range p.workers {
		w.queue.Push(job{result: r})
	}
}

// Finish implements results.Sink. Reporters receive nothing after it.
func (p *Pipeline) Finish(s results.Summary) {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.finished = true
	p.mu.Unlock()

	for _, w := range p.workers {
		w.queue.Push(job{summary: &s})
		w.queue.Close()
	}
}

// Close stops accepting work and waits until every reporter has drained its
// queue. Reporters that never saw finish and implement io.Closer are closed.
func (p *Pipeline) Close() []error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, w := range p.workers {
			w.queue.Close()
		}
	}
	p.mu.Unlock()

	p.wg.Wait()
	return p.Errors()
}

// Errors returns the reporter failures seen so far.
func (p *Pipeline) Errors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.errs...)
}

func (p *Pipeline) run(w *worker) {
	defer p.wg.Done()
	for {
		<-w.queue.Ready()
		items, open := w.queue.Drain()
		for _, j := range items {
			p.deliver(w, j)
		}
		if !open {
			if !w.finished {
				p.abandon(w.reporter)
			}
			return
		}
	}
}

func (p *Pipeline) deliver(w *worker, j job) {
	r := w.reporter
	op := "report"
	if j.summary != nil {
		op = "finish"
		w.finished = true
	}

	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
			}
		}()
		if j.summary != nil {
			return r.Finish(*j.summary)
		}
		return r.Report(j.result.Runner, j.result)
	}()
	p.fail(r, op, err)
}

// abandon releases a reporter whose run ended without finish.
func (p *Pipeline) abandon(r Reporter) {
	c, ok := r.(io.Closer)
	if !ok {
		return
	}
	p.fail(r, "close", c.Close())
}

func (p *Pipeline) fail(r Reporter, op string, err error) {
	if err == nil {
		return
	}

	rerr := &ReporterError{Reporter: r.Name(), Op: op, Err: err}
	p.logger.Error().Err(err).Str("reporter", r.Name()).Str("op", op).Msg("reporter failed")

	p.mu.Lock()
	p.errs = append(p.errs, rerr)
	p.mu.Unlock()

	if p.onError != nil {
		p.onError(rerr)
	}
}
