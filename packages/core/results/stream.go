package results

import "sync"

// Stream is the append-only, ordered record of a run's results.
type Stream struct {
	mu      sync.RWMutex
	results []*TestResult
}

func NewStream() *Stream {
	return &Stream{}
}

func (s *Stream) append(r *TestResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

func (s *Stream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

// Results returns a snapshot in append order.
func (s *Stream) Results() []*TestResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*TestResult(nil), s.results...)
}

// Failed returns the failed results in append order.
func (s *Stream) Failed() []*TestResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TestResult
	for _, r := range s.results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
