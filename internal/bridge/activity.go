package bridge

import (
	"sync/atomic"

	"github.com/MrWong99/wakeloop/pkg/types"
)

// Activity tracks whether the device is currently listening (its recognizer
// is open) or speaking (media is playing). The detection loop uses it as its
// busy signal so it does not spot keywords in audio the device itself is
// handling.
type Activity struct {
	listening atomic.Bool
	speaking  atomic.Bool
}

// Busy reports whether the device is listening or speaking.
func (a *Activity) Busy() bool {
	return a.listening.Load() || a.speaking.Load()
}

// Listening reports whether the device recognizer is open.
func (a *Activity) Listening() bool { return a.listening.Load() }

// Speaking reports whether the device is playing media.
func (a *Activity) Speaking() bool { return a.speaking.Load() }

func (a *Activity) observeRecognizer(ev types.RecognizerEvent) {
	a.listening.Store(!ev.IsFinal)
}

func (a *Activity) observePlayback(s types.PlaybackStatus) {
	a.speaking.Store(s == types.PlaybackPlaying)
}

func (a *Activity) reset() {
	a.listening.Store(false)
	a.speaking.Store(false)
}
