// Package mock provides a test double for the kws.Spotter interface.
package mock

import (
	"sync"

	"github.com/MrWong99/wakeloop/pkg/provider/kws"
)

// Spotter is a mock implementation of kws.Spotter. Results is consumed in
// order, one entry per Detect call; an empty entry means no match. Once
// exhausted, Detect reports no match.
type Spotter struct {
	mu sync.Mutex

	Results []string

	// Frames records a copy of every frame passed to Detect.
	Frames [][]byte

	resets int
}

// Reset counts the call. Scripted Results are left untouched.
func (s *Spotter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

// Resets returns the number of Reset calls. Thread-safe.
func (s *Spotter) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Detect records the frame and returns the next scripted result.
func (s *Spotter) Detect(frame []byte) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.Frames = append(s.Frames, cp)
	if len(s.Results) == 0 {
		return "", false
	}
	r := s.Results[0]
	s.Results = s.Results[1:]
	return r, r != ""
}

// CallCount returns the number of Detect calls. Thread-safe.
func (s *Spotter) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames)
}

var (
	_ kws.Spotter  = (*Spotter)(nil)
	_ kws.Resetter = (*Spotter)(nil)
)
