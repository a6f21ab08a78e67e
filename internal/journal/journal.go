// Package journal records what the conversation loop did: wakes, utterances,
// retries, re-wakes, and exits. The journal is write-mostly; it backs the
// GET /journal endpoint and post-hoc debugging of dialogue behaviour.
//
// Two stores exist: [MemStore], a bounded in-memory ring used by default,
// and postgres.Store for a durable log. Producers never touch a store
// directly; they hand entries to a [Writer], which appends them on its own
// goroutine.
package journal

import (
	"context"
	"time"
)

// Kind classifies a journal entry.
type Kind string

const (
	// KindWake is a wake from the keyword spotter or the device recognizer.
	KindWake Kind = "wake"

	// KindUtterance is a finalized utterance forwarded for processing.
	KindUtterance Kind = "utterance"

	// KindRetry is a listening timeout answered with a silent re-wake.
	KindRetry Kind = "retry"

	// KindRewake is a re-wake after the device finished speaking.
	KindRewake Kind = "rewake"

	// KindExit is a conversation exit (keyword or retries exhausted).
	KindExit Kind = "exit"

	// KindStop is an external stop (device media playback, shutdown).
	KindStop Kind = "stop"
)

// Entry is one journal record.
type Entry struct {
	// ID is assigned by the store. Zero until stored.
	ID int64 `json:"id,omitempty"`

	Kind Kind `json:"kind"`

	// Text is the wake phrase, the utterance, or the exit reason.
	Text string `json:"text,omitempty"`

	// Source is the wake source for KindWake entries.
	Source string `json:"source,omitempty"`

	// Retries is the retry counter after the transition.
	Retries int `json:"retries"`

	At time.Time `json:"at"`
}

// Store persists journal entries. Implementations must be safe for
// concurrent use.
type Store interface {
	// Append stores e.
	Append(ctx context.Context, e Entry) error

	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)

	// Close releases the store's resources.
	Close() error
}
