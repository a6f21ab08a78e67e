package conversation_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/wakeloop/internal/conversation"
	"github.com/MrWong99/wakeloop/internal/conversation/mock"
	"github.com/MrWong99/wakeloop/internal/journal"
	"github.com/MrWong99/wakeloop/pkg/types"
)

type fixture struct {
	m       *conversation.Machine
	trace   *mock.Trace
	speaker *mock.Speaker
	proc    *mock.Processor
	rec     *mock.Recorder
}

func newFixture(t *testing.T, p conversation.Policy) *fixture {
	t.Helper()
	tr := &mock.Trace{}
	f := &fixture{
		trace:   tr,
		speaker: &mock.Speaker{Trace: tr},
		proc:    &mock.Processor{Trace: tr},
		rec:     &mock.Recorder{},
	}
	f.m = conversation.NewMachine(f.speaker, f.proc, p,
		conversation.WithPauser(&mock.Pauser{Trace: tr}),
		conversation.WithRecorder(f.rec),
	)
	return f
}

var ctx = context.Background()

func wakeEvent() types.RecognizerEvent {
	return types.RecognizerEvent{IsVADBegin: types.Bool(false)}
}

func final(text string) types.RecognizerEvent {
	return types.RecognizerEvent{Text: text, IsFinal: true}
}

func (f *fixture) wake()           { f.m.HandleRecognizer(ctx, wakeEvent()) }
func (f *fixture) say(text string) { f.m.HandleRecognizer(ctx, final(text)) }
func (f *fixture) timeout()        { f.m.HandleRecognizer(ctx, final("")) }
func (f *fixture) play(s string)   { f.m.HandlePlayback(ctx, types.ParsePlaybackStatus(s)) }

// playedReply simulates the device speaking a reply and going idle.
func (f *fixture) playedReply() {
	f.play("playing")
	f.play("idle")
}

func (f *fixture) state() (bool, int) {
	s := f.m.State()
	return s.Conversing, s.Retries
}

func (f *fixture) assertState(t *testing.T, conversing bool, retries int) {
	t.Helper()
	c, r := f.state()
	if c != conversing || r != retries {
		t.Fatalf("state = {conversing %v, retries %d}, want {%v, %d}", c, r, conversing, retries)
	}
}

// ── Wake ─────────────────────────────────────────────────────────────────────

func TestRecognizerWake(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		ev       types.RecognizerEvent
		wantWake bool
	}{
		{"vad begin false", types.RecognizerEvent{IsVADBegin: types.Bool(false)}, true},
		{"vad begin absent", types.RecognizerEvent{}, false},
		{"vad begin true", types.RecognizerEvent{IsVADBegin: types.Bool(true)}, false},
		{"text present", types.RecognizerEvent{Text: "小爱", IsVADBegin: types.Bool(false)}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, conversation.DefaultPolicy())
			f.m.HandleRecognizer(ctx, tc.ev)
			conversing, _ := f.state()
			if conversing != tc.wantWake {
				t.Errorf("conversing = %v, want %v", conversing, tc.wantWake)
			}
			wantInterrupts := 0
			if tc.wantWake {
				wantInterrupts = 1
			}
			if got := f.proc.Interrupts(); got != wantInterrupts {
				t.Errorf("interrupts = %d, want %d", got, wantInterrupts)
			}
		})
	}
}

func TestWakeResetsRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, conversation.DefaultPolicy())
	f.wake()
	f.playedReply()
	f.assertState(t, true, 1)

	f.wake()
	f.assertState(t, true, 0)
}

func TestKWSWake_Sequence(t *testing.T) {
	t.Parallel()

	p := conversation.DefaultPolicy()
	p.WakePrompt = "我在"
	f := newFixture(t, p)

	f.m.HandleWake(ctx, types.WakeEvent{Text: "你好小智", Source: types.WakeSourceKWS})

	want := []string{"interrupt", "pause", "play_text:我在", "resume", "wake_up:true,true"}
	if got := f.trace.Calls(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	// The dialogue opens only once the device recognizer reports its wake.
	f.assertState(t, false, 0)

	entries := f.rec.Entries()
	if len(entries) != 1 || entries[0].Kind != journal.KindWake || entries[0].Source != "kws" || entries[0].Text != "你好小智" {
		t.Errorf("journal = %+v", entries)
	}
}

func TestKWSWake_NoPrompt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, conversation.DefaultPolicy())
	f.m.HandleWake(ctx, types.WakeEvent{Text: "你好小智", Source: types.WakeSourceKWS})

	want := []string{"interrupt", "wake_up:true,true"}
	if got := f.trace.Calls(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestKWSWake_FollowedByRecognizerWake(t *testing.T) {
	t.Parallel()
	f := newFixture(t, conversation.DefaultPolicy())

	f.m.HandleWake(ctx, types.WakeEvent{Text: "你好小智", Source: types.WakeSourceKWS})
	f.assertState(t, false, 0)

	// Without an open dialogue, device playback must not trigger re-wakes.
	f.playedReply()
	if f.speaker.Wakes() != 1 {
		t.Errorf("wakes = %d, want only the greeting wake", f.speaker.Wakes())
	}

	f.wake()
	f.assertState(t, true, 0)
	if got := f.proc.Interrupts(); got != 2 {
		t.Errorf("interrupts = %d, want 2", got)
	}
}

// ── Utterances ───────────────────────────────────────────────────────────────

func TestUtterance_ForwardedAndResetsRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, conversation.DefaultPolicy())
	f.wake()
	f.playedReply()
	f.assertState(t, true, 1)

	f.say("明天天气怎么样")
	if got := f.proc.Processed(); !slices.Equal(got, []string{"明天天气怎么样"}) {
		t.Errorf("processed = %v", got)
	}
	f.assertState(t, true, 0)
}

func TestUtterance_PartialIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t, conversation.DefaultPolicy())
	f.wake()
	f.m.HandleRecognizer(ctx, types.RecognizerEvent{Text: "明天"})
	if got := f.proc.Processed(); len(got) != 0 {
		t.Errorf("partial result forwarded: %v", got)
	}
}

func TestUtterance_ExitKeywordSubstring(t *testing.T) {
	t.Parallel()
	f := newFixture(t, conversation.DefaultPolicy())
	f.wake()
	f.trace.Reset()

	f.say("好了你退下吧")

	f.assertState(t, false, 0)
	want := []string{"interrupt", "play_text:" + conversation.DefaultExitPrompt}
	if got := f.trace.Calls(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v (in-flight reply cancelled before the goodbye)", got, want)
	}
	if got := f.proc.Processed(); len(got) != 0 {
		t.Errorf("exit utterance forwarded: %v", got)
	}
	if got := f.speaker.Texts(); !slices.Equal(got, []string{conversation.DefaultExitPrompt}) {
		t.Errorf("spoken = %v, want exit prompt", got)
	}
	kinds := f.rec.Kinds()
	if kinds[len(kinds)-1] != journal.KindExit {
		t.Errorf("last journal kind = %v, want exit", kinds[len(kinds)-1])
	}
}

func TestUtterance_ExitWithoutPrompt(t *testing.T) {
	t.Parallel()
	p := conversation.DefaultPolicy()
	p.ExitPrompt = ""
	f := newFixture(t, p)
	f.wake()
	f.say("退出")
	f.assertState(t, false, 0)
	if got := f.speaker.Texts(); len(got) != 0 {
		t.Errorf("spoken = %v, want nothing", got)
	}
}

// ── Timeouts and re-wakes ────────────────────────────────────────────────────

// TestTimeoutScenario walks the canonical flow with max retries 2: the first
// timeout after a wake is ignored, a finished reply re-wakes, one timeout is
// retried, and the next one exits with a single goodbye.
func TestTimeoutScenario(t *testing.T) {
	t.Parallel()
	f := newFixture(t, conversation.DefaultPolicy())

	f.wake()
	f.timeout()
	f.assertState(t, true, 0)
	if f.speaker.Wakes() != 0 {
		t.Fatal("first timeout after wake must not re-wake")
	}

	f.playedReply()
	f.assertState(t, true, 1)
	if f.speaker.Wakes() != 1 {
		t.Fatalf("wakes = %d, want 1 after playback idle", f.speaker.Wakes())
	}

	f.timeout()
	f.assertState(t, true, 2)
	if f.speaker.Wakes() != 2 {
		t.Fatalf("wakes = %d, want 2 after retry", f.speaker.Wakes())
	}

	interrupts := f.proc.Interrupts()
	f.timeout()
	f.assertState(t, false, 0)
	if got := f.speaker.Texts(); !slices.Equal(got, []string{conversation.DefaultExitPrompt}) {
		t.Errorf("spoken = %v, want one exit prompt", got)
	}
	if got := f.proc.Interrupts(); got != interrupts+1 {
		t.Errorf("interrupts after retry exit = %d, want %d", got, interrupts+1)
	}

	f.timeout()
	f.assertState(t, false, 0)
	if got := len(f.speaker.Texts()); got != 1 {
		t.Errorf("exit prompt spoken %d times", got)
	}

	want := []journal.Kind{journal.KindWake, journal.KindRewake, journal.KindRetry, journal.KindExit}
	if got := f.rec.Kinds(); !slices.Equal(got, want) {
		t.Errorf("journal = %v, want %v", got, want)
	}
}

func TestMaxRetriesZero(t *testing.T) {
	t.Parallel()
	p := conversation.DefaultPolicy()
	p.MaxRetries = 0
	f := newFixture(t, p)

	f.wake()
	f.playedReply()
	f.assertState(t, true, 0)
	// retries == 0 means the timeout is treated as the first one and ignored.
	f.timeout()
	f.assertState(t, true, 0)
}

func TestNonContinuousMode(t *testing.T) {
	t.Parallel()
	p := conversation.DefaultPolicy()
	p.Continuous = false
	f := newFixture(t, p)

	f.wake()
	f.playedReply()
	f.timeout()
	if f.speaker.Wakes() != 0 {
		t.Errorf("wakes = %d in non-continuous mode", f.speaker.Wakes())
	}
	f.assertState(t, true, 0)
}

func TestPlaybackIdle_NotConversing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, conversation.DefaultPolicy())
	f.playedReply()
	if f.speaker.Wakes() != 0 {
		t.Error("re-woke without a conversation")
	}
}

func TestPlaybackIdle_OnlyOnTransition(t *testing.T) {
	t.Parallel()
	f := newFixture(t, conversation.DefaultPolicy())
	f.wake()
	f.play("idle")
	f.play("IDLE")
	f.play(" idle ")
	if got := f.speaker.Wakes(); got != 1 {
		t.Errorf("wakes = %d, want 1 for repeated idle", got)
	}
	f.play("paused")
	f.play("idle")
	if got := f.speaker.Wakes(); got != 2 {
		t.Errorf("wakes = %d, want 2 after paused→idle", got)
	}
}

func TestPlaybackIdle_RetriesSaturate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, conversation.DefaultPolicy())
	f.wake()
	for range 10 {
		f.playedReply()
		if _, r := f.state(); r > conversation.DefaultMaxRetries {
			t.Fatalf("retries = %d exceeds max", r)
		}
	}
	f.assertState(t, true, conversation.DefaultMaxRetries)
}

func TestNotifyCue(t *testing.T) {
	t.Parallel()
	p := conversation.DefaultPolicy()
	p.NotifyURL = "http://nas.local/ding.mp3"
	f := newFixture(t, p)

	f.wake()
	f.trace.Reset()
	f.playedReply()
	want := []string{"wake_up:true,true", "play_url:http://nas.local/ding.mp3"}
	if got := f.trace.Calls(); !slices.Equal(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}

	// The cue's own playing→idle must not re-wake again.
	f.playedReply()
	if got := f.speaker.Wakes(); got != 1 {
		t.Errorf("wakes = %d after cue finished, want 1", got)
	}

	// The next real reply does.
	f.say("讲个笑话")
	f.playedReply()
	if got := f.speaker.Wakes(); got != 2 {
		t.Errorf("wakes = %d after reply, want 2", got)
	}
}

func TestNotifyCue_FailureDoesNotSwallowNextIdle(t *testing.T) {
	t.Parallel()
	p := conversation.DefaultPolicy()
	p.NotifyURL = "http://nas.local/ding.mp3"
	f := newFixture(t, p)
	f.speaker.Err = errors.New("device offline")

	f.wake()
	f.playedReply()
	f.playedReply()
	if got := f.speaker.Wakes(); got != 2 {
		t.Errorf("wakes = %d, want 2", got)
	}
}

// ── Stop and policy ──────────────────────────────────────────────────────────

func TestStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, conversation.DefaultPolicy())
	f.wake()
	f.playedReply()

	f.m.Stop(ctx, conversation.StopAudioPlayer)
	f.assertState(t, false, 0)
	f.m.Stop(ctx, conversation.StopExternal)
	f.assertState(t, false, 0)

	stops := 0
	for _, k := range f.rec.Kinds() {
		if k == journal.KindStop {
			stops++
		}
	}
	if stops != 1 {
		t.Errorf("stop entries = %d, want 1", stops)
	}

	f.m.Stop(ctx, conversation.StopExternal)
	f.assertState(t, false, 0)
}

func TestSetPolicy(t *testing.T) {
	t.Parallel()
	p := conversation.DefaultPolicy()
	p.MaxRetries = 5
	f := newFixture(t, p)
	f.wake()
	for range 4 {
		f.playedReply()
	}
	f.assertState(t, true, 4)

	np := conversation.DefaultPolicy()
	np.MaxRetries = 1
	np.ExitKeywords = []string{"拜拜"}
	f.m.SetPolicy(np)
	f.assertState(t, true, 1)

	st := f.m.State()
	if st.MaxRetries != 1 || !slices.Equal(st.ExitKeywords, []string{"拜拜"}) {
		t.Errorf("state = %+v", st)
	}

	f.say("退出")
	if got := f.proc.Processed(); !slices.Equal(got, []string{"退出"}) {
		t.Errorf("old exit keyword still active: processed = %v", got)
	}
	f.say("拜拜啦")
	f.assertState(t, false, 0)
}

func TestPolicyValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*conversation.Policy)
		wantErr bool
	}{
		{"default", func(*conversation.Policy) {}, false},
		{"negative retries", func(p *conversation.Policy) { p.MaxRetries = -1 }, true},
		{"blank keyword", func(p *conversation.Policy) { p.ExitKeywords = []string{"停止", " "} }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := conversation.DefaultPolicy()
			tc.mutate(&p)
			if err := p.Validate(); (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestSpeakerErrorsAreNotFatal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, conversation.DefaultPolicy())
	f.speaker.Err = errors.New("run_shell timeout")

	// A device that could not be woken leaves no dialogue open.
	f.m.HandleWake(ctx, types.WakeEvent{Source: types.WakeSourceKWS, Text: "你好小智"})
	f.assertState(t, false, 0)
	f.playedReply()
	f.assertState(t, false, 0)

	f.wake()
	f.assertState(t, true, 0)
	f.say("停止")
	f.assertState(t, false, 0)
}
