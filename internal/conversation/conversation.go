// Package conversation implements the continuous-conversation state machine
// that sits between the device recognizer and the downstream processor.
//
// A [Machine] decides when a dialogue is open, when to silently re-wake the
// device so it keeps listening, and when to give up and say goodbye. It is
// not safe for concurrent use: a [Loop] owns it and feeds it messages from
// the detection loop, the device bridge, and configuration reloads through a
// bounded channel.
package conversation

import (
	"context"

	"github.com/MrWong99/wakeloop/internal/journal"
)

// Speaker controls the device's audio output and its recognizer.
type Speaker interface {
	// PlayText speaks text with the device TTS.
	PlayText(ctx context.Context, text string) error

	// PlayURL plays the audio at url.
	PlayURL(ctx context.Context, url string) error

	// WakeUp opens the device recognizer. A silent wake skips the device's
	// own acknowledgement sound.
	WakeUp(ctx context.Context, awake, silent bool) error
}

// Processor handles finalized user utterances.
type Processor interface {
	// Process starts handling text. It must not block the caller.
	Process(ctx context.Context, text string)

	// Interrupt aborts in-flight processing.
	Interrupt()
}

// Pauser suspends keyword detection while the wake prompt plays.
type Pauser interface {
	Pause()
	Resume()
}

// Recorder receives journal entries. Record must not block.
type Recorder interface {
	Record(e journal.Entry)
}

// State is a snapshot of the conversation.
type State struct {
	Conversing   bool
	Retries      int
	MaxRetries   int
	ExitKeywords []string
}
