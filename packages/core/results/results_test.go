package results

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu       sync.Mutex
	results  []*TestResult
	finishes []Summary
}

func (s *recordingSink) Result(r *TestResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

func (s *recordingSink) Finish(sum Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishes = append(s.finishes, sum)
}

func fixedClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := now
		now = now.Add(step)
		return t
	}
}

func TestFromPayload(t *testing.T) {
	tests := []struct {
		name       string
		payload    any
		wantPassed bool
		wantErrMsg string
		wantLogs   []string
		wantDur    time.Duration
	}{
		{
			name:       "failed count zero passes",
			payload:    map[string]any{"name": "adds", "failed": 0.0, "passed": 1.0},
			wantPassed: true,
			wantLogs:   []string{},
		},
		{
			name: "failed count wins over passed flag",
			payload: map[string]any{
				"name": "adds", "failed": 1.0, "passed": true,
				"error": map[string]any{"message": "nope", "expected": 7.0, "actual": "Seven"},
			},
			wantPassed: false,
			wantErrMsg: "nope",
			wantLogs:   []string{},
		},
		{
			name:       "explicit passed flag",
			payload:    map[string]any{"name": "x", "passed": false, "error": "boom"},
			wantPassed: false,
			wantErrMsg: "boom",
			wantLogs:   []string{},
		},
		{
			name:       "missing error means passed",
			payload:    map[string]any{"name": "x", "logs": []any{"one", 2.0}, "runDuration": 12.0},
			wantPassed: true,
			wantLogs:   []string{"one", "2"},
			wantDur:    12 * time.Millisecond,
		},
		{
			name:       "error without flags means failed",
			payload:    map[string]any{"name": "x", "error": map[string]any{"message": nil}},
			wantPassed: false,
			wantErrMsg: "",
			wantLogs:   []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := FromPayload("s1", "Chrome 120.0", tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPassed, r.Passed)
			assert.Equal(t, tt.wantLogs, r.Logs)
			assert.Equal(t, tt.wantDur, r.Duration)
			if tt.wantPassed {
				assert.Nil(t, r.Error)
			} else {
				require.NotNil(t, r.Error)
				assert.Equal(t, tt.wantErrMsg, r.Error.Message)
			}
		})
	}
}

func TestFromPayload_Rejects(t *testing.T) {
	for _, payload := range []any{nil, "a string", []any{1.0}, map[string]any{"logs": "not a list"}} {
		_, err := FromPayload("s1", "r", payload)
		assert.ErrorIs(t, err, ErrInvalidPayload, "payload %v", payload)
	}
}

func TestTestError_HasComparison(t *testing.T) {
	var nilErr *TestError
	assert.False(t, nilErr.HasComparison())
	assert.False(t, (&TestError{Message: "m"}).HasComparison())
	assert.True(t, (&TestError{Expected: 7.0}).HasComparison())
}

func TestAggregator_SequenceAndSinkOrder(t *testing.T) {
	sink := &recordingSink{}
	agg := NewAggregator(WithSink(sink))
	agg.Join("a", "Chrome")

	for i := 0; i < 3; i++ {
		_, err := agg.Record("a", "Chrome", map[string]any{"name": "t", "failed": 0.0})
		require.NoError(t, err)
	}

	require.Len(t, sink.results, 3)
	for i, r := range sink.results {
		assert.Equal(t, int64(i+1), r.Seq)
	}
	assert.Equal(t, 3, agg.Stream().Len())
}

func TestAggregator_ConcurrentAppends(t *testing.T) {
	agg := NewAggregator()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = agg.Record("a", "Chrome", map[string]any{"name": "t"})
		}()
	}
	wg.Wait()

	results := agg.Stream().Results()
	require.Len(t, results, 50)
	for i, r := range results {
		assert.Equal(t, int64(i+1), r.Seq)
	}
}

func TestAggregator_FinishFiresOnceWhenAllDone(t *testing.T) {
	sink := &recordingSink{}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	agg := NewAggregator(WithSink(sink), WithClock(fixedClock(start, time.Second)))

	agg.Join("a", "Chrome")
	agg.Join("b", "Firefox")
	agg.Record("a", "Chrome", map[string]any{"name": "one"})
	agg.Record("b", "Firefox", map[string]any{"name": "two", "failed": 1.0})

	agg.AllDone("a")
	assert.Empty(t, sink.finishes)

	agg.AllDone("b")
	agg.AllDone("b")
	require.Len(t, sink.finishes, 1)

	sum := sink.finishes[0]
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.Passed)
	assert.Equal(t, 1, sum.Failed)
	assert.False(t, sum.OK())
	assert.Greater(t, sum.Elapsed, time.Duration(0))
	require.Len(t, sum.Runners, 2)
	assert.Equal(t, "Chrome", sum.Runners[0].Label)

	select {
	case <-agg.Done():
	default:
		t.Fatal("done not closed")
	}

	_, err := agg.Record("a", "Chrome", map[string]any{"name": "late"})
	assert.ErrorIs(t, err, ErrRunFinished)
}

func TestAggregator_RestartingRunnersAreExcluded(t *testing.T) {
	sink := &recordingSink{}
	agg := NewAggregator(WithSink(sink))
	agg.Join("a", "Chrome")
	agg.Join("b", "Firefox")

	agg.Restarting("b")
	agg.AllDone("a")
	assert.Len(t, sink.finishes, 1)
}

func TestAggregator_AllRestartingNeverFinishes(t *testing.T) {
	sink := &recordingSink{}
	agg := NewAggregator(WithSink(sink))
	agg.Join("a", "Chrome")
	agg.Restarting("a")
	assert.Empty(t, sink.finishes)

	agg.Running("a")
	agg.AllDone("a")
	assert.Len(t, sink.finishes, 1)
}

func TestAggregator_ParkedRunnerHoldsFinish(t *testing.T) {
	sink := &recordingSink{}
	agg := NewAggregator(WithSink(sink))
	agg.Join("a", "Chrome")
	agg.Join("b", "Firefox")

	agg.Park("b")
	agg.AllDone("a")
	assert.Empty(t, sink.finishes)

	agg.Finalize("b", "", false)
	require.Len(t, sink.finishes, 1)

	sum := sink.finishes[0]
	assert.Equal(t, 1, sum.Failed)
	assert.True(t, sum.Runners[1].Incomplete)

	last := sink.results[len(sink.results)-1]
	assert.Equal(t, `Browser "Firefox" disconnected unexpectedly`, last.Name)
	assert.True(t, last.Synthetic)
	assert.False(t, last.Passed)
}

func TestAggregator_FinalizeAfterAllDoneAddsNothing(t *testing.T) {
	sink := &recordingSink{}
	agg := NewAggregator(WithSink(sink))
	agg.Join("a", "Chrome")
	agg.Join("b", "Firefox")
	agg.AllDone("a")
	agg.Finalize("a", "Chrome", true)

	assert.Empty(t, sink.results)
	assert.Empty(t, sink.finishes)

	agg.Finalize("b", "Firefox", true)
	require.Len(t, sink.results, 1)
	assert.Equal(t, `Browser "Firefox" timed out`, sink.results[0].Name)
	assert.Len(t, sink.finishes, 1)
}

func TestAggregator_ExpectedRunners(t *testing.T) {
	sink := &recordingSink{}
	agg := NewAggregator(WithSink(sink), WithExpectedRunners(2))
	agg.Join("a", "Chrome")
	agg.AllDone("a")
	assert.Empty(t, sink.finishes)

	agg.Join("b", "Firefox")
	agg.AllDone("b")
	assert.Len(t, sink.finishes, 1)
}

func TestAggregator_LeaveWithoutResults(t *testing.T) {
	sink := &recordingSink{}
	agg := NewAggregator(WithSink(sink))
	agg.Join("a", "Chrome")
	agg.Join("b", "Firefox")
	agg.AllDone("a")
	agg.Leave("b")
	assert.Len(t, sink.finishes, 1)
}

func TestAggregator_DurationsInSummary(t *testing.T) {
	agg := NewAggregator()
	agg.Join("a", "Chrome")
	agg.Record("a", "Chrome", map[string]any{"name": "t", "runDuration": 5.0})
	agg.AllDone("a")

	sum := agg.Summary()
	assert.Equal(t, int64(1), sum.Durations.Count)
}
