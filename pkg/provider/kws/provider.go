// Package kws defines the Spotter interface for keyword spotting backends and
// a phrase [Matcher] that canonicalises raw spotter output.
//
// A Spotter consumes the same 512-sample, 16 kHz mono frames as the VAD scorer
// and reports a matched wake phrase when it recognises one. Spotters sit on
// the per-frame hot path of the detection loop and must never block: remote
// implementations queue frames and report matches asynchronously on a later
// call.
package kws

import "log/slog"

// Spotter detects wake phrases in an audio stream.
type Spotter interface {
	// Detect feeds one frame to the spotter and returns a matched phrase, if
	// any is available. Implementations may keep internal streaming state, so
	// frames must be passed in order.
	Detect(frame []byte) (phrase string, ok bool)
}

// Resetter is implemented by spotters that carry state from one frame to the
// next. The detection loop calls Reset whenever an activation window closes;
// afterwards Detect must not report anything spotted in audio fed before the
// call.
type Resetter interface {
	Reset()
}

// Reset resets s if it implements [Resetter].
func Reset(s Spotter) {
	if r, ok := s.(Resetter); ok {
		r.Reset()
	}
}

// filtered wraps a Spotter and canonicalises its output with a Matcher.
type filtered struct {
	inner Spotter
	m     *Matcher
}

// Filter returns a Spotter that passes every raw match from inner through m
// and drops those that do not resolve to a configured phrase.
func Filter(inner Spotter, m *Matcher) Spotter {
	return &filtered{inner: inner, m: m}
}

func (f *filtered) Reset() { Reset(f.inner) }

func (f *filtered) Detect(frame []byte) (string, bool) {
	raw, ok := f.inner.Detect(frame)
	if !ok {
		return "", false
	}
	phrase, ok := f.m.Match(raw)
	if !ok {
		slog.Debug("kws: rejected spotter output", "raw", raw)
		return "", false
	}
	return phrase, true
}
