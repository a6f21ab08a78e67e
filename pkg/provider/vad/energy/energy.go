// Package energy provides a model-free VAD scorer based on frame RMS energy.
//
// The normalised RMS level (full scale = 1.0) is mapped linearly onto [0, 1]
// between a noise floor and a ceiling: frames at or below the floor score 0,
// frames at or above the ceiling score 1.
package energy

import (
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/wakeloop/pkg/provider/vad"
)

// Defaults chosen for a near-field smart speaker microphone.
const (
	DefaultFloor   = 0.005
	DefaultCeiling = 0.05
)

var _ vad.Scorer = (*Scorer)(nil)

// ErrEmptyFrame is returned when Score receives fewer than one sample.
var ErrEmptyFrame = errors.New("energy: empty frame")

// Scorer implements vad.Scorer using RMS energy.
type Scorer struct {
	floor   float64
	ceiling float64
}

// Option is a functional option for Scorer.
type Option func(*Scorer)

// WithFloor sets the RMS level that maps to probability 0.
func WithFloor(f float64) Option {
	return func(s *Scorer) { s.floor = f }
}

// WithCeiling sets the RMS level that maps to probability 1.
func WithCeiling(c float64) Option {
	return func(s *Scorer) { s.ceiling = c }
}

// New returns an energy scorer. It returns an error when the floor is negative
// or not below the ceiling.
func New(opts ...Option) (*Scorer, error) {
	s := &Scorer{floor: DefaultFloor, ceiling: DefaultCeiling}
	for _, o := range opts {
		o(s)
	}
	if s.floor < 0 || s.ceiling <= s.floor || s.ceiling > 1 {
		return nil, fmt.Errorf("energy: invalid range floor=%g ceiling=%g", s.floor, s.ceiling)
	}
	return s, nil
}

// Score implements vad.Scorer. sampleRate does not affect an energy measure.
func (s *Scorer) Score(frame []byte, _ int) (float64, error) {
	level, err := RMS(frame)
	if err != nil {
		return 0, err
	}
	p := (level - s.floor) / (s.ceiling - s.floor)
	return min(max(p, 0), 1), nil
}

// RMS returns the root-mean-square level of s16le PCM normalised to [0, 1].
func RMS(frame []byte) (float64, error) {
	n := len(frame) / 2
	if n == 0 {
		return 0, ErrEmptyFrame
	}
	var sum float64
	for i := range n {
		v := float64(int16(frame[i*2])|int16(frame[i*2+1])<<8) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(n)), nil
}
