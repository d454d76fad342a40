package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/abdul-hamid-achik/testhub/packages/core/results"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite://" + filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func summary(id string, started time.Time, passed, failed int) results.Summary {
	return results.Summary{
		RunID:     id,
		StartedAt: started,
		Elapsed:   1500 * time.Millisecond,
		Total:     passed + failed,
		Passed:    passed,
		Failed:    failed,
		Runners:   []results.RunnerSummary{{SessionID: "s1", Label: "Chrome 120.0"}},
	}
}

func TestParseConnectionString(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"sqlite://./h.db", "./h.db?_foreign_keys=on"},
		{"sqlite:h.db", "h.db?_foreign_keys=on"},
		{" /tmp/h.db ", "/tmp/h.db?_foreign_keys=on"},
		{"file:h.db?cache=shared", "file:h.db?cache=shared"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseConnectionString(tt.in))
		})
	}
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}

func TestStore_RecordAndQuery(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	_, err := s.LastRun(ctx)
	assert.ErrorIs(t, err, ErrNoRuns)

	start := time.UnixMilli(1_700_000_000_000)
	rs := []*results.TestResult{
		{Seq: 1, Runner: "Chrome 120.0", Name: "adds", Passed: true, Duration: 12 * time.Millisecond},
		{Seq: 2, Runner: "Chrome 120.0", Name: "subtracts", Error: &results.TestError{Message: "off by one"}},
	}
	require.NoError(t, s.RecordRun(ctx, summary("run-1", start, 1, 1), rs))
	require.NoError(t, s.RecordRun(ctx, summary("run-2", start.Add(time.Minute), 2, 0), nil))

	last, err := s.LastRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-2", last.ID)
	assert.True(t, last.OK())
	assert.Equal(t, 1500*time.Millisecond, last.Elapsed)
	assert.Equal(t, 1, last.Runners)

	runs, err := s.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-1", runs[1].ID)
	assert.False(t, runs[1].OK())
	assert.True(t, runs[1].StartedAt.Equal(start))

	got, err := s.Results(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "adds", got[0].Name)
	assert.True(t, got[0].Passed)
	assert.Equal(t, 12*time.Millisecond, got[0].Duration)
	assert.Equal(t, "off by one", got[1].Message)
}

func TestStore_DuplicateRunRollsBack(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	sum := summary("run-1", time.Now(), 1, 0)

	require.NoError(t, s.RecordRun(ctx, sum, []*results.TestResult{{Seq: 1, Runner: "r", Name: "a", Passed: true}}))
	assert.Error(t, s.RecordRun(ctx, sum, []*results.TestResult{{Seq: 2, Runner: "r", Name: "b", Passed: true}}))

	got, err := s.Results(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
