package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Registered(t *testing.T) {
	m := New()
	m.ResultsTotal.WithLabelValues("passed").Inc()
	m.ResultsTotal.WithLabelValues("failed").Add(2)
	m.ActiveSessions.Set(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResultsTotal.WithLabelValues("passed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ResultsTotal.WithLabelValues("failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveSessions))

	families, err := m.Registry().Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestDurationStats(t *testing.T) {
	s := NewDurationStats()
	assert.Equal(t, DurationSummary{}, s.Snapshot())

	for i := 1; i <= 100; i++ {
		s.Record(time.Duration(i) * time.Millisecond)
	}
	snap := s.Snapshot()

	assert.Equal(t, int64(100), snap.Count)
	assert.InDelta(t, float64(50*time.Millisecond), float64(snap.P50), float64(time.Millisecond))
	assert.InDelta(t, float64(99*time.Millisecond), float64(snap.P99), float64(time.Millisecond))
	assert.InDelta(t, float64(100*time.Millisecond), float64(snap.Max), float64(time.Millisecond))

	s.Reset()
	assert.Equal(t, int64(0), s.Snapshot().Count)
}

func TestDurationStats_ClampsOutOfRange(t *testing.T) {
	s := NewDurationStats()
	s.Record(0)
	s.Record(2 * time.Hour)
	assert.Equal(t, int64(2), s.Snapshot().Count)
}
