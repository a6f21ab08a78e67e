// Package types defines the shared event types passed between the detection
// loop, the device bridge, and the conversation loop.
//
// They live here rather than in any one of those packages so that producers
// and consumers can depend on them without importing each other.
package types

import "strings"

// WakeSource identifies what produced a [WakeEvent].
type WakeSource string

const (
	// WakeSourceKWS marks a wake phrase matched by the local keyword spotter.
	WakeSourceKWS WakeSource = "kws"

	// WakeSourceRecognizer marks a wake signalled by the device's own recognizer.
	WakeSourceRecognizer WakeSource = "recognizer"
)

// WakeEvent is emitted once per detected wake. It is immutable after creation.
type WakeEvent struct {
	// Text is the matched wake phrase (or recognized text for recognizer wakes).
	Text string

	// Source tells the consumer which path produced the wake.
	Source WakeSource
}

// RecognizerEvent is a single speech recognizer update reported by the device.
type RecognizerEvent struct {
	// Text is the recognized text so far. Empty for wake signals and timeouts.
	Text string

	// IsFinal is true once the recognizer has closed the utterance.
	IsFinal bool

	// IsVADBegin mirrors the recognizer's voice-activity flag. Nil means the
	// device did not include the field, which is distinct from false.
	IsVADBegin *bool
}

// IsWake reports whether the event is the recognizer's wake signal: empty
// text with IsVADBegin explicitly set to false.
func (e RecognizerEvent) IsWake() bool {
	return e.Text == "" && e.IsVADBegin != nil && !*e.IsVADBegin
}

// IsTimeout reports whether the event is a listening timeout: a final result
// without text.
func (e RecognizerEvent) IsTimeout() bool {
	return e.IsFinal && e.Text == ""
}

// PlaybackStatus is the device's media playback state, normalised to lower case.
type PlaybackStatus string

const (
	PlaybackIdle    PlaybackStatus = "idle"
	PlaybackPlaying PlaybackStatus = "playing"
	PlaybackPaused  PlaybackStatus = "paused"
)

// ParsePlaybackStatus lower-cases and trims s. Unknown values are kept verbatim.
func ParsePlaybackStatus(s string) PlaybackStatus {
	return PlaybackStatus(strings.ToLower(strings.TrimSpace(s)))
}

// Bool returns a pointer to b. Handy for building [RecognizerEvent] values.
func Bool(b bool) *bool { return &b }
