// Package vad defines the Scorer interface for voice activity detection backends.
//
// A Scorer maps a single PCM frame to a speech probability. The detection loop
// owns the threshold and all activation state; scorers are expected to be
// stateless or to keep only smoothing state that does not depend on the
// threshold. Frames are signed 16-bit little-endian mono PCM.
//
// Scorers are called from a single goroutine (the detection loop) and must not
// block: Score is on the per-frame hot path.
package vad

// DefaultThreshold is the speech probability cutoff used when none is configured.
const DefaultThreshold = 0.10

// Scorer computes the probability that a frame contains speech.
type Scorer interface {
	// Score returns a speech probability in [0, 1] for frame, which was sampled
	// at sampleRate Hz. An error means the frame could not be scored; callers
	// treat it as silence.
	Score(frame []byte, sampleRate int) (float64, error)
}
