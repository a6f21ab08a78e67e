// Package mock provides a test double for the vad.Scorer interface.
//
// Scorer replays a scripted list of probabilities, one per Score call, and
// records every frame it was given.
//
// Example:
//
//	s := &mock.Scorer{Probabilities: []float64{0.9, 0.9, 0.0}}
//	p, _ := s.Score(frame, 16000) // 0.9
package mock

import (
	"sync"

	"github.com/MrWong99/wakeloop/pkg/provider/vad"
)

// Scorer is a mock implementation of vad.Scorer.
type Scorer struct {
	mu sync.Mutex

	// Probabilities is consumed in order, one value per Score call. Once
	// exhausted, Default is returned.
	Probabilities []float64

	// Default is returned when Probabilities is exhausted.
	Default float64

	// Err, if non-nil, is returned by every Score call.
	Err error

	// Calls is the number of times Score was called.
	Calls int
}

// Score returns the next scripted probability.
func (s *Scorer) Score(_ []byte, _ int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	if s.Err != nil {
		return 0, s.Err
	}
	if len(s.Probabilities) == 0 {
		return s.Default, nil
	}
	p := s.Probabilities[0]
	s.Probabilities = s.Probabilities[1:]
	return p, nil
}

// CallCount returns the number of Score calls. Thread-safe.
func (s *Scorer) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Calls
}

var _ vad.Scorer = (*Scorer)(nil)
