package detect

import "time"

// DefaultSilenceLimit is the number of consecutive silent frames an
// activation survives (≈0.5 s at 32 ms per frame).
const DefaultSilenceLimit = 15

// State is the per-frame bookkeeping of the detection loop. It is owned by
// the goroutine running [Detector.Run] and never shared.
type State struct {
	// Active is true while a speech activation window is open.
	Active bool

	// SpeechRun counts speech frames in the current activation.
	SpeechRun int

	// SilenceRun counts consecutive silent frames in the current activation.
	SilenceRun int

	// SilenceLimit is the longest silence run that keeps the window open.
	SilenceLimit int

	// ActivationStartedAt is when the current window opened.
	ActivationStartedAt time.Time
}

// open starts an activation window at now.
func (s *State) open(now time.Time) {
	s.Active = true
	s.SpeechRun = 0
	s.SilenceRun = 0
	s.ActivationStartedAt = now
}

// close ends the activation window and returns how long it lasted.
func (s *State) close(now time.Time) time.Duration {
	d := now.Sub(s.ActivationStartedAt)
	s.Active = false
	s.SpeechRun = 0
	s.SilenceRun = 0
	s.ActivationStartedAt = time.Time{}
	return d
}
