package detect_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/wakeloop/internal/detect"
	"github.com/MrWong99/wakeloop/internal/observe"
	"github.com/MrWong99/wakeloop/pkg/audio"
	kwsmock "github.com/MrWong99/wakeloop/pkg/provider/kws/mock"
	vadmock "github.com/MrWong99/wakeloop/pkg/provider/vad/mock"
	"github.com/MrWong99/wakeloop/pkg/types"
)

// ── Test doubles ─────────────────────────────────────────────────────────────

// endlessSource returns a full frame on every read, or nothing when starved.
type endlessSource struct {
	starved atomic.Bool
	reads   atomic.Int64
}

func (s *endlessSource) Read(n int) []byte {
	s.reads.Add(1)
	if s.starved.Load() {
		return nil
	}
	return make([]byte, n)
}

type sink struct {
	mu     sync.Mutex
	events []types.WakeEvent
}

func (s *sink) Publish(ev types.WakeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *sink) Events() []types.WakeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.WakeEvent(nil), s.events...)
}

type busyFlag struct{ v atomic.Bool }

func (b *busyFlag) Busy() bool { return b.v.Load() }

func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// driver feeds scripted probabilities through ProcessFrame.
type driver struct {
	d       *detect.Detector
	scorer  *vadmock.Scorer
	spotter *kwsmock.Spotter
	sink    *sink
}

func newDriver(t *testing.T, opts ...detect.Option) *driver {
	t.Helper()
	m, _ := testMetrics(t)
	dr := &driver{
		scorer:  &vadmock.Scorer{},
		spotter: &kwsmock.Spotter{},
		sink:    &sink{},
	}
	opts = append([]detect.Option{detect.WithMetrics(m)}, opts...)
	dr.d = detect.New(&endlessSource{}, dr.scorer, dr.spotter, dr.sink, opts...)
	return dr
}

// feed processes one frame per probability.
func (dr *driver) feed(probs ...float64) {
	dr.scorer.Probabilities = append(dr.scorer.Probabilities, probs...)
	for range probs {
		dr.d.ProcessFrame(context.Background(), make([]byte, audio.FrameBytes))
	}
}

func repeat(p float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = p
	}
	return out
}

// ── State machine ────────────────────────────────────────────────────────────

func TestProcessFrame_IdleSilenceDoesNothing(t *testing.T) {
	t.Parallel()
	dr := newDriver(t)
	dr.feed(repeat(0.0, 20)...)

	if dr.d.State().Active {
		t.Error("silence must not open an activation")
	}
	if n := dr.spotter.CallCount(); n != 0 {
		t.Errorf("spotter calls = %d, want 0", n)
	}
}

func TestProcessFrame_SpeechOpensActivation(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	dr := newDriver(t, detect.WithClock(func() time.Time { return now }))
	dr.feed(0.9)

	st := dr.d.State()
	if !st.Active {
		t.Fatal("speech did not open an activation")
	}
	if st.SilenceRun != 0 || st.SpeechRun != 1 {
		t.Errorf("state = %+v, want speechRun 1 silenceRun 0", st)
	}
	if !st.ActivationStartedAt.Equal(now) {
		t.Errorf("ActivationStartedAt = %v, want %v", st.ActivationStartedAt, now)
	}
	if n := dr.spotter.CallCount(); n != 1 {
		t.Errorf("spotter calls = %d, want 1", n)
	}
}

func TestProcessFrame_SpeechResetsSilenceRun(t *testing.T) {
	t.Parallel()
	dr := newDriver(t)
	dr.feed(0.9, 0.0, 0.0, 0.0)
	if got := dr.d.State().SilenceRun; got != 3 {
		t.Fatalf("silenceRun = %d, want 3", got)
	}
	dr.feed(0.5)
	if got := dr.d.State().SilenceRun; got != 0 {
		t.Errorf("silenceRun after speech = %d, want 0", got)
	}
	if !dr.d.State().Active {
		t.Error("activation closed unexpectedly")
	}
}

func TestProcessFrame_SilenceLimitClosesActivation(t *testing.T) {
	t.Parallel()
	dr := newDriver(t, detect.WithSilenceLimit(15))

	dr.feed(0.9)
	dr.feed(repeat(0.0, 15)...)
	if !dr.d.State().Active {
		t.Fatal("activation closed before the silence limit")
	}
	if n := dr.spotter.CallCount(); n != 16 {
		t.Fatalf("spotter calls = %d, want 16 (1 speech + 15 silence)", n)
	}

	// 16th silent frame closes the window without spotting.
	dr.feed(0.0)
	if dr.d.State().Active {
		t.Fatal("activation still open after 16 silent frames")
	}
	if n := dr.spotter.CallCount(); n != 16 {
		t.Errorf("spotter invoked on the closing frame (calls = %d)", n)
	}

	// Frame 17 is silent and idle: still no spot.
	dr.feed(0.0)
	if n := dr.spotter.CallCount(); n != 16 {
		t.Errorf("spotter invoked while idle (calls = %d)", n)
	}

	// Speech reopens.
	dr.feed(0.9)
	if !dr.d.State().Active || dr.spotter.CallCount() != 17 {
		t.Errorf("speech after idle did not reopen and spot")
	}
}

func TestProcessFrame_OneWakePerActivation(t *testing.T) {
	t.Parallel()
	dr := newDriver(t)
	dr.spotter.Results = []string{"", "小爱同学", "小爱同学"}

	dr.feed(0.9, 0.9)
	events := dr.sink.Events()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0] != (types.WakeEvent{Text: "小爱同学", Source: types.WakeSourceKWS}) {
		t.Errorf("event = %+v", events[0])
	}
	if st := dr.d.State(); st.Active || st.SilenceRun != 0 {
		t.Errorf("state after wake = %+v, want idle with silenceRun 0", st)
	}

	// Silence after the wake stays idle and never reaches the spotter.
	dr.feed(0.0, 0.0)
	if n := dr.spotter.CallCount(); n != 2 {
		t.Errorf("spotter calls = %d, want 2", n)
	}

	// A fresh speech frame opens a new window, which may wake again.
	dr.feed(0.9)
	if got := len(dr.sink.Events()); got != 2 {
		t.Errorf("events after new activation = %d, want 2", got)
	}
}

func TestProcessFrame_WakeDuringSilenceTail(t *testing.T) {
	t.Parallel()
	dr := newDriver(t, detect.WithSilenceLimit(3))
	dr.spotter.Results = []string{"", "", "", "你好小智"}

	dr.feed(0.9, 0.0, 0.0, 0.0)
	if got := len(dr.sink.Events()); got != 1 {
		t.Fatalf("events = %d, want 1 (spotter still consulted within the silence tail)", got)
	}
	if dr.d.State().Active {
		t.Error("wake did not close the activation")
	}
}

func TestProcessFrame_ClosingResetsSpotter(t *testing.T) {
	t.Parallel()
	dr := newDriver(t, detect.WithSilenceLimit(2))

	dr.feed(0.0, 0.0)
	if n := dr.spotter.Resets(); n != 0 {
		t.Fatalf("resets while idle = %d, want 0", n)
	}

	// Window closed by silence.
	dr.feed(0.9, 0.0, 0.0, 0.0)
	if n := dr.spotter.Resets(); n != 1 {
		t.Fatalf("resets after silence close = %d, want 1", n)
	}

	// Window closed by a wake.
	dr.spotter.Results = []string{"你好小智"}
	dr.feed(0.9)
	if n := dr.spotter.Resets(); n != 2 {
		t.Errorf("resets after wake = %d, want 2", n)
	}
}

func TestProcessFrame_ScorerErrorIsSilence(t *testing.T) {
	t.Parallel()
	dr := newDriver(t)
	dr.scorer.Err = errors.New("model not loaded")

	for range 5 {
		dr.d.ProcessFrame(context.Background(), make([]byte, audio.FrameBytes))
	}
	if dr.d.State().Active {
		t.Error("scorer errors opened an activation")
	}
	if n := dr.spotter.CallCount(); n != 0 {
		t.Errorf("spotter calls = %d, want 0", n)
	}
}

func TestThreshold(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		threshold float64
		prob      float64
		want      bool
	}{
		{"default below", 0, 0.09, false},
		{"default at", 0, 0.10, true},
		{"custom above", 0.5, 0.6, true},
		{"custom below", 0.5, 0.4, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var opts []detect.Option
			if tc.threshold > 0 {
				opts = append(opts, detect.WithThreshold(tc.threshold))
			}
			dr := newDriver(t, opts...)
			dr.feed(tc.prob)
			if got := dr.d.State().Active; got != tc.want {
				t.Errorf("active = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSetThreshold(t *testing.T) {
	t.Parallel()
	dr := newDriver(t)
	if got := dr.d.Threshold(); got != 0.10 {
		t.Fatalf("default threshold = %v, want 0.10", got)
	}
	dr.d.SetThreshold(0.8)
	if got := dr.d.Threshold(); got != 0.8 {
		t.Errorf("threshold = %v, want 0.8", got)
	}
	dr.feed(0.5)
	if dr.d.State().Active {
		t.Error("0.5 counted as speech above a 0.8 threshold")
	}
}

func TestPauseResume_Idempotent(t *testing.T) {
	t.Parallel()
	dr := newDriver(t)
	dr.d.Pause()
	dr.d.Pause()
	if !dr.d.Paused() {
		t.Fatal("not paused")
	}
	dr.d.Resume()
	dr.d.Resume()
	if dr.d.Paused() {
		t.Fatal("still paused")
	}
}

// ── Run loop ─────────────────────────────────────────────────────────────────

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRun_Gating(t *testing.T) {
	t.Parallel()

	m, reader := testMetrics(t)
	src := &endlessSource{}
	scorer := &vadmock.Scorer{Default: 0.0}
	busy := &busyFlag{}
	busy.v.Store(true)

	d := detect.New(src, scorer, &kwsmock.Spotter{}, &sink{},
		detect.WithBusySignal(busy),
		detect.WithBackoff(time.Millisecond),
		detect.WithMetrics(m),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, "busy reads", func() bool { return src.reads.Load() > 5 })
	if n := scorer.CallCount(); n != 0 {
		t.Fatalf("frames scored while busy: %d", n)
	}

	d.Pause()
	busy.v.Store(false)
	before := src.reads.Load()
	waitFor(t, "paused reads", func() bool { return src.reads.Load() > before+5 })
	if n := scorer.CallCount(); n != 0 {
		t.Fatalf("frames scored while paused: %d", n)
	}

	d.Resume()
	waitFor(t, "scoring", func() bool { return scorer.CallCount() > 0 })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	skipped := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "wakeloop.detect.frames_skipped" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				v, _ := dp.Attributes.Value("reason")
				skipped[v.AsString()] = dp.Value
			}
		}
	}
	if skipped["busy"] == 0 || skipped["paused"] == 0 {
		t.Errorf("skipped frames = %v, want busy and paused counts", skipped)
	}
}

func TestRun_ShortReadsAreNotProcessed(t *testing.T) {
	t.Parallel()

	src := &endlessSource{}
	src.starved.Store(true)
	scorer := &vadmock.Scorer{}
	m, _ := testMetrics(t)
	d := detect.New(src, scorer, &kwsmock.Spotter{}, &sink{},
		detect.WithBackoff(time.Millisecond), detect.WithMetrics(m))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	waitFor(t, "polling", func() bool { return src.reads.Load() > 5 })
	if n := scorer.CallCount(); n != 0 {
		t.Errorf("scored %d incomplete frames", n)
	}
}

func TestRun_WakeReachesSink(t *testing.T) {
	t.Parallel()

	m, _ := testMetrics(t)
	snk := &sink{}
	d := detect.New(&endlessSource{},
		&vadmock.Scorer{Default: 0.9},
		&kwsmock.Spotter{Results: []string{"", "", "小爱同学"}},
		snk,
		detect.WithMetrics(m),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	waitFor(t, "wake", func() bool { return len(snk.Events()) == 1 })
}

func TestRun_GatingClosesOpenActivation(t *testing.T) {
	t.Parallel()

	scorer := &vadmock.Scorer{Default: 0.9}
	spotter := &kwsmock.Spotter{}
	busy := &busyFlag{}
	d := detect.New(&endlessSource{}, scorer, spotter, &sink{},
		detect.WithBusySignal(busy),
		detect.WithBackoff(time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	waitFor(t, "activation", func() bool { return spotter.CallCount() > 0 })
	if n := spotter.Resets(); n != 0 {
		t.Fatalf("resets during continuous speech = %d, want 0", n)
	}

	// The device starts listening mid-window.
	busy.v.Store(true)
	waitFor(t, "spotter reset", func() bool { return spotter.Resets() == 1 })
	calls := spotter.CallCount()

	busy.v.Store(false)
	waitFor(t, "new activation", func() bool { return spotter.CallCount() > calls })
	if n := spotter.Resets(); n != 1 {
		t.Errorf("resets = %d, want 1", n)
	}
}
