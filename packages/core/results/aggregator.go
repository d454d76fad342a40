package results

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/abdul-hamid-achik/testhub/packages/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrRunFinished = errors.New("run already finished")

// Sink receives results in sequence order and exactly one Finish per run.
// Implementations must not block.
type Sink interface {
	Result(r *TestResult)
	Finish(s Summary)
}

// RunnerSummary is one runner's share of a run.
type RunnerSummary struct {
	SessionID  string `json:"sessionId"`
	Label      string `json:"label"`
	Total      int    `json:"total"`
	Passed     int    `json:"passed"`
	Failed     int    `json:"failed"`
	Incomplete bool   `json:"incomplete,omitempty"`
}

// Summary is the totals delivered with finish.
type Summary struct {
	RunID     string                  `json:"runId"`
	StartedAt time.Time               `json:"startedAt"`
	Elapsed   time.Duration           `json:"elapsed"`
	Total     int                     `json:"total"`
	Passed    int                     `json:"passed"`
	Failed    int                     `json:"failed"`
	Runners   []RunnerSummary         `json:"runners"`
	Durations metrics.DurationSummary `json:"durations"`
}

// OK reports whether the run had no failures.
func (s Summary) OK() bool {
	return s.Failed == 0
}

type runnerSlice struct {
	RunnerSummary
	order      int
	done       bool
	restarting bool
	parked     bool
	left       bool
}

// Aggregator collects the results of one run and fires finish once every
// known, non-restarting runner has sent all-done or been finalized.
type Aggregator struct {
	mu sync.Mutex

	runID     string
	startedAt time.Time
	now       func() time.Time
	logger    zerolog.Logger
	sinks     []Sink
	expected  int

	stream    *Stream
	durations *metrics.DurationStats
	runners   map[string]*runnerSlice
	seq       int64
	finished  bool
	summary   Summary
	done      chan struct{}
}

type AggregatorOption func(*Aggregator)

func WithSink(s Sink) AggregatorOption {
	return func(a *Aggregator) {
		a.sinks = append(a.sinks, s)
	}
}

func WithLogger(l zerolog.Logger) AggregatorOption {
	return func(a *Aggregator) {
		a.logger = l
	}
}

func WithClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) {
		a.now = now
	}
}

func WithRunID(id string) AggregatorOption {
	return func(a *Aggregator) {
		a.runID = id
	}
}

// WithExpectedRunners holds finish back until at least n runners are done.
func WithExpectedRunners(n int) AggregatorOption {
	return func(a *Aggregator) {
		a.expected = n
	}
}

func NewAggregator(opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		runID:     uuid.NewString(),
		now:       time.Now,
		logger:    zerolog.Nop(),
		stream:    NewStream(),
		durations: metrics.NewDurationStats(),
		runners:   make(map[string]*runnerSlice),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.startedAt = a.now()
	a.logger = a.logger.With().Str("run", a.runID).Logger()
	return a
}

func (a *Aggregator) RunID() string { return a.runID }

func (a *Aggregator) Stream() *Stream { return a.stream }

// Done is closed when finish has fired.
func (a *Aggregator) Done() <-chan struct{} { return a.done }

// Summary returns the final summary once Done is closed, and a live one before.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return a.summary
	}
	return a.buildSummary()
}

// Join opens a runner's slice of the run. Joining again refreshes the label.
func (a *Aggregator) Join(sessionID, label string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.slice(sessionID, label)
}

func (a *Aggregator) slice(sessionID, label string) *runnerSlice {
	s, ok := a.runners[sessionID]
	if !ok {
		s = &runnerSlice{order: len(a.runners)}
		s.SessionID = sessionID
		a.runners[sessionID] = s
	}
	if label != "" {
		s.Label = label
	}
	s.left = false
	return s
}

// Restarting excludes a runner from the finish condition until it runs again.
func (a *Aggregator) Restarting(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.runners[sessionID]; ok {
		s.restarting = true
		a.maybeFinish()
	}
}

// Running marks a runner as running a fresh pass: a previous all-done no longer counts.
func (a *Aggregator) Running(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.runners[sessionID]; ok {
		s.restarting = false
		s.done = false
	}
}

// Park holds finish back while a runner is inside its reconnect window.
func (a *Aggregator) Park(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.runners[sessionID]; ok {
		s.parked = true
	}
}

func (a *Aggregator) Unpark(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.runners[sessionID]; ok {
		s.parked = false
		a.maybeFinish()
	}
}

// Record normalizes a raw payload and appends it.
func (a *Aggregator) Record(sessionID, label string, payload any) (*TestResult, error) {
	r, err := FromPayload(sessionID, label, payload)
	if err != nil {
		return nil, err
	}
	if err := a.Add(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Add appends r, assigning its sequence number. r must not be modified afterwards.
func (a *Aggregator) Add(r *TestResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return ErrRunFinished
	}

	a.seq++
	r.Seq = a.seq
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = a.now()
	}
	if r.Logs == nil {
		r.Logs = []string{}
	}
	a.stream.append(r)
	if r.Duration > 0 {
		a.durations.Record(r.Duration)
	}

	s := a.slice(r.SessionID, r.Runner)
	s.Total++
	if r.Passed {
		s.Passed++
	} else {
		s.Failed++
	}

	for _, sink := range a.sinks {
		sink.Result(r)
	}
	return nil
}

// AllDone records that a runner finished its pass.
func (a *Aggregator) AllDone(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.runners[sessionID]
	if !ok {
		s = a.slice(sessionID, "")
	}
	s.done = true
	s.restarting = false
	s.parked = false
	a.maybeFinish()
}

// Finalize closes a runner that will never finish, recording one synthetic
// failure unless it had already sent all-done.
func (a *Aggregator) Finalize(sessionID, label string, timedOut bool) {
	a.mu.Lock()
	s, ok := a.runners[sessionID]
	alreadyDone := ok && s.done
	finished := a.finished
	a.mu.Unlock()

	if alreadyDone || finished {
		a.Leave(sessionID)
		return
	}
	if label == "" && ok {
		label = s.Label
	}
	if err := a.Add(NewIncomplete(sessionID, label, timedOut)); err != nil {
		a.logger.Debug().Err(err).Str("session", sessionID).Msg("finalize after finish")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	s = a.slice(sessionID, label)
	s.Incomplete = true
	s.done = true
	s.parked = false
	s.restarting = false
	a.maybeFinish()
}

// Leave removes a runner from the finish condition. Its results stay in the run.
func (a *Aggregator) Leave(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.runners[sessionID]; ok {
		s.left = true
		s.parked = false
		a.maybeFinish()
	}
}

func (a *Aggregator) maybeFinish() {
	if a.finished {
		return
	}
	required, done := 0, 0
	for _, s := range a.runners {
		if s.done {
			done++
		}
		if s.restarting || (s.left && !s.done) {
			continue
		}
		required++
		if !s.done || s.parked {
			return
		}
	}
	if required == 0 || done < a.expected {
		return
	}

	a.finished = true
	a.summary = a.buildSummary()
	a.logger.Info().
		Int("total", a.summary.Total).
		Int("passed", a.summary.Passed).
		Int("failed", a.summary.Failed).
		Dur("elapsed", a.summary.Elapsed).
		Msg("run finished")
	for _, sink := range a.sinks {
		sink.Finish(a.summary)
	}
	close(a.done)
}

func (a *Aggregator) buildSummary() Summary {
	sum := Summary{
		RunID:     a.runID,
		StartedAt: a.startedAt,
		Elapsed:   a.now().Sub(a.startedAt),
		Durations: a.durations.Snapshot(),
	}
	slices := make([]*runnerSlice, 0, len(a.runners))
	for _, s := range a.runners {
		slices = append(slices, s)
	}
	sort.Slice(slices, func(i, j int) bool { return slices[i].order < slices[j].order })
	for _, s := range slices {
		sum.Total += s.Total
		sum.Passed += s.Passed
		sum.Failed += s.Failed
		sum.Runners = append(sum.Runners, s.RunnerSummary)
	}
	return sum
}
