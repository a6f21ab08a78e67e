// Package detect implements the VAD-gated keyword detection loop.
//
// The [Detector] reads fixed-size frames from a [FrameSource], scores each
// one with a [vad.Scorer] and only consults the [kws.Spotter] while a speech
// activation window is open. A window opens on the first speech frame and
// closes after more than SilenceLimit consecutive silent frames or when the
// spotter matches. Each window yields at most one wake event.
//
// Frames are discarded without scoring while the detector is paused or the
// [BusySignal] reports that the device is listening or speaking. A window
// that is open when gating starts is closed. Whenever a window closes, a
// spotter implementing [kws.Resetter] is reset so that nothing it spotted in
// one window can wake the assistant in the next.
package detect

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/wakeloop/internal/observe"
	"github.com/MrWong99/wakeloop/pkg/audio"
	"github.com/MrWong99/wakeloop/pkg/provider/kws"
	"github.com/MrWong99/wakeloop/pkg/provider/vad"
	"github.com/MrWong99/wakeloop/pkg/types"
)

// DefaultBackoff is the wait after a short read or a gated frame.
const DefaultBackoff = 10 * time.Millisecond

// FrameSource yields buffered PCM. Read returns exactly n bytes, or fewer
// when not enough audio is buffered yet.
type FrameSource interface {
	Read(n int) []byte
}

// WakeSink receives wake events. Publish must not block.
type WakeSink interface {
	Publish(ev types.WakeEvent)
}

// BusySignal reports whether the device is currently listening or speaking.
type BusySignal interface {
	Busy() bool
}

// Detector runs the detection loop. Pause, Resume and SetThreshold are safe
// to call from any goroutine; ProcessFrame and State belong to the loop.
type Detector struct {
	src     FrameSource
	scorer  vad.Scorer
	spotter kws.Spotter
	sink    WakeSink
	busy    BusySignal

	threshold atomic.Uint64
	paused    atomic.Bool
	backoff   time.Duration
	metrics   *observe.Metrics
	now       func() time.Time

	state State
}

// Option is a functional option for Detector.
type Option func(*Detector)

// WithBusySignal gates detection on the device activity.
func WithBusySignal(b BusySignal) Option {
	return func(d *Detector) { d.busy = b }
}

// WithThreshold sets the speech probability threshold.
func WithThreshold(t float64) Option {
	return func(d *Detector) { d.SetThreshold(t) }
}

// WithSilenceLimit sets how many consecutive silent frames keep an
// activation open.
func WithSilenceLimit(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.state.SilenceLimit = n
		}
	}
}

// WithBackoff overrides [DefaultBackoff].
func WithBackoff(b time.Duration) Option {
	return func(d *Detector) {
		if b > 0 {
			d.backoff = b
		}
	}
}

// WithMetrics records detection metrics on m instead of the defaults.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// New creates a Detector.
func New(src FrameSource, scorer vad.Scorer, spotter kws.Spotter, sink WakeSink, opts ...Option) *Detector {
	d := &Detector{
		src:     src,
		scorer:  scorer,
		spotter: spotter,
		sink:    sink,
		backoff: DefaultBackoff,
		now:     time.Now,
		state:   State{SilenceLimit: DefaultSilenceLimit},
	}
	d.SetThreshold(vad.DefaultThreshold)
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// Run polls the frame source until ctx is cancelled and returns ctx.Err().
// No per-frame condition stops the loop.
func (d *Detector) Run(ctx context.Context) error {
	slog.Info("detection loop started",
		"threshold", d.Threshold(),
		"silence_limit", d.state.SilenceLimit,
	)
	defer slog.Info("detection loop stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame := d.src.Read(audio.FrameBytes)
		if len(frame) < audio.FrameBytes {
			if !d.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		if reason := d.gate(); reason != "" {
			if d.state.Active {
				d.closeActivation(ctx, reason)
			}
			d.metrics.FramesSkipped.Add(ctx, 1, metric.WithAttributes(observe.Attr("reason", reason)))
			if !d.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		d.ProcessFrame(ctx, frame)
	}
}

// gate returns why the current frame must be discarded, or "".
func (d *Detector) gate() string {
	if d.paused.Load() {
		return "paused"
	}
	if d.busy != nil && d.busy.Busy() {
		return "busy"
	}
	return ""
}

func (d *Detector) sleep(ctx context.Context) bool {
	t := time.NewTimer(d.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ProcessFrame advances the state machine by one frame. It must only be
// called from the loop goroutine (or a test driving the detector directly).
func (d *Detector) ProcessFrame(ctx context.Context, frame []byte) {
	p, err := d.scorer.Score(frame, audio.SampleRate)
	if err != nil {
		slog.Debug("vad score failed, treating frame as silence", "err", err)
		p = 0
	}
	speech := p >= d.Threshold()

	class := "silence"
	if speech {
		class = "speech"
	}
	d.metrics.Frames.Add(ctx, 1, metric.WithAttributes(observe.Attr("class", class)))

	st := &d.state
	switch {
	case speech:
		if !st.Active {
			st.open(d.now())
			d.metrics.Activations.Add(ctx, 1)
			slog.Debug("activation opened", "probability", p)
		}
		st.SpeechRun++
		st.SilenceRun = 0
		d.spot(ctx, frame)

	case st.Active:
		st.SilenceRun++
		if st.SilenceRun <= st.SilenceLimit {
			d.spot(ctx, frame)
			return
		}
		d.closeActivation(ctx, "silence")
	}
}

func (d *Detector) spot(ctx context.Context, frame []byte) {
	d.metrics.SpotterCalls.Add(ctx, 1)
	phrase, ok := d.spotter.Detect(frame)
	if !ok {
		return
	}
	slog.Info("wake word detected", "phrase", phrase, "speech_frames", d.state.SpeechRun)
	d.sink.Publish(types.WakeEvent{Text: phrase, Source: types.WakeSourceKWS})
	d.closeActivation(ctx, "wake")
}

func (d *Detector) closeActivation(ctx context.Context, outcome string) {
	dur := d.state.close(d.now())
	kws.Reset(d.spotter)
	d.metrics.ActivationDuration.Record(ctx, dur.Seconds(),
		metric.WithAttributes(observe.Attr("outcome", outcome)))
	slog.Debug("activation closed", "outcome", outcome, "duration", dur)
}

// State returns a copy of the loop state. Like ProcessFrame it belongs to
// the loop goroutine.
func (d *Detector) State() State { return d.state }

// Pause stops frame processing until Resume. Idempotent.
func (d *Detector) Pause() { d.paused.Store(true) }

// Resume re-enables frame processing. Idempotent.
func (d *Detector) Resume() { d.paused.Store(false) }

// Paused reports whether the detector is paused.
func (d *Detector) Paused() bool { return d.paused.Load() }

// SetThreshold replaces the speech probability threshold.
func (d *Detector) SetThreshold(t float64) {
	d.threshold.Store(math.Float64bits(t))
}

// Threshold returns the current speech probability threshold.
func (d *Detector) Threshold() float64 {
	return math.Float64frombits(d.threshold.Load())
}
