package metrics

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// DurationSummary is a percentile snapshot of recorded durations.
type DurationSummary struct {
	Count int64         `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// DurationStats records durations in microseconds, from 1µs up to one hour.
type DurationStats struct {
	mu        sync.Mutex
	histogram *hdrhistogram.Histogram
}

func NewDurationStats() *DurationStats {
	return &DurationStats{
		histogram: hdrhistogram.New(1, int64(time.Hour/time.Microsecond), 3),
	}
}

// Record adds d. Values outside the trackable range are clamped.
func (s *DurationStats) Record(d time.Duration) {
	us := d.Microseconds()
	if us < 1 {
		us = 1
	}
	if limit := s.histogram.HighestTrackableValue(); us > limit {
		us = limit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.histogram.RecordValue(us)
}

func (s *DurationStats) Snapshot() DurationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.histogram
	if h.TotalCount() == 0 {
		return DurationSummary{}
	}
	return DurationSummary{
		Count: h.TotalCount(),
		Min:   time.Duration(h.Min()) * time.Microsecond,
		Max:   time.Duration(h.Max()) * time.Microsecond,
		Mean:  time.Duration(h.Mean()) * time.Microsecond,
		P50:   time.Duration(h.ValueAtQuantile(50)) * time.Microsecond,
		P95:   time.Duration(h.ValueAtQuantile(95)) * time.Microsecond,
		P99:   time.Duration(h.ValueAtQuantile(99)) * time.Microsecond,
	}
}

func (s *DurationStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histogram.Reset()
}
