package worker

import "sync"

// EndSignal is a generation-gated exhaustion flag. A worker samples the
// generation before probing for work and raises the flag only with that
// sample; if the orchestrator has advanced the generation in between (new
// jobs appeared, or a new tuning phase began), the stale raise is discarded.
// This keeps one resource class's empty probe from stopping siblings that
// still have work.
type EndSignal struct {
	mu     sync.Mutex
	gen    uint64
	raised bool
}

// Gen returns the current generation, sampled before a claim attempt.
func (s *EndSignal) Gen() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Raise marks exhaustion if gen is still the current generation.
func (s *EndSignal) Raise(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == s.gen {
		s.raised = true
	}
}

// Raised reports whether the current generation has been marked exhausted.
func (s *EndSignal) Raised() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raised
}

// Advance starts a new generation and clears the flag. Pending raises from
// the old generation become no-ops.
func (s *EndSignal) Advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.raised = false
}
