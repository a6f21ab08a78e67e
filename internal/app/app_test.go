package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/wakeloop/internal/app"
	"github.com/MrWong99/wakeloop/internal/config"
	"github.com/MrWong99/wakeloop/internal/conversation"
	convmock "github.com/MrWong99/wakeloop/internal/conversation/mock"
	"github.com/MrWong99/wakeloop/internal/journal"
	"github.com/MrWong99/wakeloop/internal/observe"
	"github.com/MrWong99/wakeloop/pkg/audio"
	kwsmock "github.com/MrWong99/wakeloop/pkg/provider/kws/mock"
	"github.com/MrWong99/wakeloop/pkg/provider/llm"
	llmmock "github.com/MrWong99/wakeloop/pkg/provider/llm/mock"
	vadmock "github.com/MrWong99/wakeloop/pkg/provider/vad/mock"
	"github.com/MrWong99/wakeloop/pkg/types"
)

// testConfig returns a validated config listening on an ephemeral port.
func testConfig(t *testing.T, mode config.Mode) *config.Config {
	t.Helper()
	yaml := `
server:
  listen_addr: "127.0.0.1:0"
mode: ` + string(mode) + `
kws:
  url: "ws://127.0.0.1:1/kws"
  keywords: ["你好小智"]
xiaoai:
  wake_prompt: "我在"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return met
}

// silence returns n detection frames of zeroed PCM.
func silence(n int) io.Reader {
	return bytes.NewReader(make([]byte, n*audio.FrameBytes))
}

// startApp runs a until the test ends and returns the Run error channel.
func startApp(t *testing.T, a *app.App) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errc:
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
		_ = a.Shutdown(context.Background())
	})
	return errc
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func hasEntry(store journal.Store, kind journal.Kind, text string) bool {
	entries, _ := store.Recent(context.Background(), 0)
	return slices.ContainsFunc(entries, func(e journal.Entry) bool {
		return e.Kind == kind && e.Text == text
	})
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	_, err := app.New(context.Background(), testConfig(t, config.ModeLocal), &app.Providers{VAD: &vadmock.Scorer{}})
	if err == nil {
		t.Fatal("expected error without a kws provider")
	}
}

func TestNew_RejectsUnknownInputFormat(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, config.ModeXiaoAI)
	cfg.Audio.InputFormat = "flac"
	_, err := app.New(context.Background(), cfg, &app.Providers{VAD: &vadmock.Scorer{}, KWS: &kwsmock.Spotter{}},
		app.WithMetrics(testMetrics(t)))
	if err == nil {
		t.Fatal("expected error for unknown input format")
	}
}

func TestApp_LocalModeKeywordWake(t *testing.T) {
	t.Parallel()

	store := journal.NewMemStore(50)
	sp := &convmock.Speaker{}
	a, err := app.New(context.Background(), testConfig(t, config.ModeLocal),
		&app.Providers{
			VAD: &vadmock.Scorer{Default: 0.9},
			KWS: &kwsmock.Spotter{Results: []string{"x iǎo zh ì @你好小智"}},
		},
		app.WithMetrics(testMetrics(t)),
		app.WithJournalStore(store),
		app.WithSpeaker(sp),
		app.WithInput(silence(8)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startApp(t, a)

	eventually(t, func() bool { return sp.Wakes() == 1 })
	if got := sp.Texts(); len(got) != 1 || got[0] != "我在" {
		t.Errorf("spoken = %q, want the wake prompt", got)
	}
	eventually(t, func() bool { return hasEntry(store, journal.KindWake, "你好小智") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := a.Loop().State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	// Local mode has no device recognizer to confirm the wake.
	if st.Conversing {
		t.Error("keyword wake alone opened a conversation")
	}
	if a.Detector().Paused() {
		t.Error("detector left paused after the wake prompt")
	}
}

func TestApp_ResponderAnswersUtterance(t *testing.T) {
	t.Parallel()

	sp := &convmock.Speaker{}
	primary := &llmmock.Provider{Err: errors.New("503 overloaded")}
	backup := &llmmock.Provider{Response: &llm.CompletionResponse{Content: "下午三点"}}
	a, err := app.New(context.Background(), testConfig(t, config.ModeLocal),
		&app.Providers{
			VAD: &vadmock.Scorer{},
			KWS: &kwsmock.Spotter{},
			LLM: []app.NamedLLM{{Name: "openai", Provider: primary}, {Name: "ollama", Provider: backup}},
		},
		app.WithMetrics(testMetrics(t)),
		app.WithJournalStore(journal.NewMemStore(10)),
		app.WithSpeaker(sp),
		app.WithInput(silence(0)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startApp(t, a)

	a.Loop().Recognized(types.RecognizerEvent{Text: "几点了", IsFinal: true})

	eventually(t, func() bool { return slices.Contains(sp.Texts(), "下午三点") })
	if primary.CallCount() != 1 || backup.CallCount() != 1 {
		t.Errorf("calls primary=%d backup=%d, want 1 each", primary.CallCount(), backup.CallCount())
	}
}

func TestApp_ExitCancelsPendingReply(t *testing.T) {
	t.Parallel()

	sp := &convmock.Speaker{}
	release := make(chan struct{})
	model := &llmmock.Provider{
		Response: &llm.CompletionResponse{Content: "从前有座山"},
		Block:    release,
	}
	a, err := app.New(context.Background(), testConfig(t, config.ModeLocal),
		&app.Providers{
			VAD: &vadmock.Scorer{},
			KWS: &kwsmock.Spotter{},
			LLM: []app.NamedLLM{{Name: "openai", Provider: model}},
		},
		app.WithMetrics(testMetrics(t)),
		app.WithJournalStore(journal.NewMemStore(10)),
		app.WithSpeaker(sp),
		app.WithInput(silence(0)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startApp(t, a)

	loop := a.Loop()
	loop.Recognized(types.RecognizerEvent{IsVADBegin: types.Bool(false)})
	loop.Recognized(types.RecognizerEvent{Text: "讲个故事", IsFinal: true})
	eventually(t, func() bool { return model.CallCount() == 1 })

	loop.Recognized(types.RecognizerEvent{Text: "请停止吧", IsFinal: true})
	eventually(t, func() bool { return slices.Contains(sp.Texts(), conversation.DefaultExitPrompt) })
	close(release)

	time.Sleep(100 * time.Millisecond)
	if got := sp.Texts(); !slices.Equal(got, []string{conversation.DefaultExitPrompt}) {
		t.Errorf("spoken = %q, want only the exit prompt", got)
	}
}

func TestApp_Reload(t *testing.T) {
	t.Parallel()

	lv := new(slog.LevelVar)
	cfg := testConfig(t, config.ModeLocal)
	a, err := app.New(context.Background(), cfg,
		&app.Providers{VAD: &vadmock.Scorer{}, KWS: &kwsmock.Spotter{}},
		app.WithMetrics(testMetrics(t)),
		app.WithJournalStore(journal.NewMemStore(10)),
		app.WithSpeaker(&convmock.Speaker{}),
		app.WithInput(silence(0)),
		app.WithLogLevel(lv),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startApp(t, a)

	next := testConfig(t, config.ModeLocal)
	next.Server.LogLevel = config.LogDebug
	next.VAD.Threshold = 0.3
	retries := 5
	next.XiaoAI.MaxListeningRetries = &retries
	next.Server.ListenAddr = ":9999"

	a.Reload(cfg, next)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("log level = %s, want DEBUG", lv.Level())
	}
	if got := a.Detector().Threshold(); got != 0.3 {
		t.Errorf("threshold = %v, want 0.3", got)
	}
	eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		st, err := a.Loop().State(ctx)
		return err == nil && st.MaxRetries == 5
	})
}

func TestHandler_Routes(t *testing.T) {
	t.Parallel()

	store := journal.NewMemStore(10)
	_ = store.Append(context.Background(), journal.Entry{Kind: journal.KindWake, Text: "你好小智", At: time.Now()})

	a, err := app.New(context.Background(), testConfig(t, config.ModeXiaoAI),
		&app.Providers{VAD: &vadmock.Scorer{}, KWS: &kwsmock.Spotter{}},
		app.WithMetrics(testMetrics(t)),
		app.WithJournalStore(store),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	tests := []struct {
		path   string
		status int
		body   string
	}{
		{"/healthz", http.StatusOK, `"ok"`},
		{"/readyz", http.StatusOK, `"degraded"`},
		{"/journal?limit=5", http.StatusOK, "你好小智"},
		{"/journal?limit=abc", http.StatusBadRequest, ""},
		{"/metrics", http.StatusOK, ""},
		{"/nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		resp, err := http.Get(srv.URL + tt.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tt.path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != tt.status {
			t.Errorf("GET %s: status %d, want %d", tt.path, resp.StatusCode, tt.status)
		}
		if tt.body != "" && !strings.Contains(string(body), tt.body) {
			t.Errorf("GET %s: body %q should contain %q", tt.path, body, tt.body)
		}
	}

	// A plain GET is not a websocket handshake.
	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode < 400 {
		t.Errorf("GET /ws without upgrade: status %d", resp.StatusCode)
	}
}

func TestApp_DeviceEvents(t *testing.T) {
	t.Parallel()

	store := journal.NewMemStore(20)
	a, err := app.New(context.Background(), testConfig(t, config.ModeXiaoAI),
		&app.Providers{VAD: &vadmock.Scorer{}, KWS: &kwsmock.Spotter{}},
		app.WithMetrics(testMetrics(t)),
		app.WithJournalStore(store),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startApp(t, a)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	sendInstruction(t, conn, "SpeechRecognizer", "RecognizeResult", map[string]any{
		"results":      []map[string]string{{"text": ""}},
		"is_final":     false,
		"is_vad_begin": false,
	})
	eventually(t, func() bool { return hasEntry(store, journal.KindWake, "") })

	sendInstruction(t, conn, "AudioPlayer", "Play", map[string]any{})
	eventually(t, func() bool { return hasEntry(store, journal.KindStop, "audio_player") })

	resp, err := http.Get(srv.URL + "/state")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st struct {
		Conversing bool `json:"conversing"`
		Device     bool `json:"device_connected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode /state: %v", err)
	}
	if st.Conversing || !st.Device {
		t.Errorf("state = %+v, want stopped conversation with a device connected", st)
	}
}

func sendInstruction(t *testing.T, conn *websocket.Conn, namespace, name string, payload any) {
	t.Helper()
	line, err := json.Marshal(map[string]any{
		"header":  map[string]string{"namespace": namespace, "name": name},
		"payload": payload,
	})
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(map[string]any{
		"kind":  "event",
		"event": "instruction",
		"data":  map[string]string{"NewLine": string(line)},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}
