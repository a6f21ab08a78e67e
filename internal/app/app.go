// Package app wires all wakeloop subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds every subsystem from the
// config, Run executes the detection loop, the conversation loop and the HTTP
// server until the context is cancelled, and Shutdown releases what New
// opened.
//
// For testing, inject doubles via functional options (WithJournalStore,
// WithSpeaker, WithInput, ...). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/wakeloop/internal/bridge"
	"github.com/MrWong99/wakeloop/internal/config"
	"github.com/MrWong99/wakeloop/internal/conversation"
	"github.com/MrWong99/wakeloop/internal/detect"
	"github.com/MrWong99/wakeloop/internal/health"
	"github.com/MrWong99/wakeloop/internal/journal"
	"github.com/MrWong99/wakeloop/internal/journal/postgres"
	"github.com/MrWong99/wakeloop/internal/observe"
	"github.com/MrWong99/wakeloop/internal/resilience"
	"github.com/MrWong99/wakeloop/internal/respond"
	"github.com/MrWong99/wakeloop/pkg/audio"
	"github.com/MrWong99/wakeloop/pkg/provider/kws"
	"github.com/MrWong99/wakeloop/pkg/provider/llm"
	"github.com/MrWong99/wakeloop/pkg/provider/vad"
	"github.com/MrWong99/wakeloop/pkg/types"
)

const (
	// loopQueue bounds the conversation loop's message channel.
	loopQueue = 64

	// httpShutdownTimeout bounds the HTTP server drain once Run is cancelled.
	httpShutdownTimeout = 5 * time.Second
)

// Providers holds the provider instances built by main.go via the config
// registry.
type Providers struct {
	VAD vad.Scorer

	// KWS is the raw spotter. New filters its output through a phrase
	// matcher built from the kws section. If it also has a Run(ctx) error
	// method, Run keeps it running; a Check(ctx) error method becomes an
	// optional readiness check.
	KWS kws.Spotter

	// LLM lists responder backends, primary first. Empty disables the
	// responder.
	LLM []NamedLLM
}

// NamedLLM is an LLM backend with the name it is reported under.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	logLevel  *slog.LevelVar

	stream    *audio.Stream
	store     journal.Store
	recorder  *journal.Writer
	detector  *detect.Detector
	loop      *conversation.Loop
	bridge    *bridge.Server // nil in local mode
	speaker   conversation.Speaker
	llm       *resilience.LLM // nil without a responder
	processor conversation.Processor
	handler   http.Handler
	input     io.Reader // local mode audio

	// background holds extra goroutines supervised by Run.
	background []func(context.Context) error

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics records metrics on m instead of the package defaults.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets config reloads change the level of the handler that
// uses lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithJournalStore injects a journal store instead of creating one from
// config.
func WithJournalStore(s journal.Store) Option {
	return func(a *App) { a.store = s }
}

// WithSpeaker replaces the mode's speaker.
func WithSpeaker(s conversation.Speaker) Option {
	return func(a *App) { a.speaker = s }
}

// WithInput sets the PCM source for local mode. The default is stdin.
func WithInput(r io.Reader) Option {
	return func(a *App) { a.input = r }
}

// WithBackground adds a goroutine supervised by Run, such as a config
// watcher. fn must return when its context is cancelled.
func WithBackground(fn func(context.Context) error) Option {
	return func(a *App) { a.background = append(a.background, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Nothing runs until
// [App.Run].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.VAD == nil || providers.KWS == nil {
		return nil, errors.New("app: vad and kws providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Journal ───────────────────────────────────────────────────────
	if err := a.initJournal(ctx); err != nil {
		return nil, fmt.Errorf("app: init journal: %w", err)
	}

	// ── 2. Frame source ──────────────────────────────────────────────────
	a.stream = audio.NewStream(cfg.Audio.BufferFrames)

	// ── 3. Device side ───────────────────────────────────────────────────
	// The detector and the bridge need the loop, which needs the detector
	// as its pauser; route is bound once the loop exists.
	route := &router{}
	if err := a.initDevice(route); err != nil {
		return nil, fmt.Errorf("app: init device: %w", err)
	}

	// ── 4. Responder ─────────────────────────────────────────────────────
	a.initResponder()

	// ── 5. Detection + conversation ──────────────────────────────────────
	a.initLoops(route)

	// ── 6. HTTP surface ──────────────────────────────────────────────────
	a.handler = a.buildHandler()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initJournal sets up the journal store and its asynchronous writer.
func (a *App) initJournal(ctx context.Context) error {
	if a.store == nil {
		if dsn := a.cfg.Journal.PostgresDSN; dsn != "" {
			store, err := postgres.NewStore(ctx, dsn)
			if err != nil {
				return err
			}
			a.store = store
			slog.Info("journal: using postgres store")
		} else {
			a.store = journal.NewMemStore(a.cfg.Journal.MemoryEntries)
		}
	}
	a.closers = append(a.closers, a.store.Close)

	a.recorder = journal.NewWriter(a.store, 0)
	a.recorder.OnDrop = func() {
		a.metrics.RecordDropped(context.Background(), "journal")
	}
	return nil
}

// initDevice builds the bridge server and device speaker in xiaoai mode, or
// the logging speaker in local mode.
func (a *App) initDevice(route *router) error {
	switch a.cfg.Mode {
	case config.ModeLocal:
		if a.speaker == nil {
			a.speaker = logSpeaker{}
		}
		if a.input == nil {
			a.input = os.Stdin
		}
		return nil

	default:
		srv, err := bridge.NewServer(route, a.stream,
			bridge.WithInputFormat(a.cfg.Audio.InputFormat),
			bridge.WithOriginPatterns(a.cfg.Server.AllowedOrigins...),
			bridge.WithMetrics(a.metrics),
		)
		if err != nil {
			return err
		}
		a.bridge = srv
		if a.speaker == nil {
			a.speaker = bridge.NewSpeaker(srv, 0)
		}
		return nil
	}
}

// initResponder wraps the configured LLM backends in a failover chain and
// builds the responder. Without backends utterances are only logged.
func (a *App) initResponder() {
	backends := a.providers.LLM
	if len(backends) == 0 {
		a.processor = respond.Nop{}
		return
	}

	a.llm = resilience.NewLLM(backends[0].Name, backends[0].Provider, resilience.BreakerConfig{}, a.metrics)
	for _, fb := range backends[1:] {
		a.llm.AddFallback(fb.Name, fb.Provider)
	}

	rc := a.cfg.Responder
	a.processor = respond.New(a.llm, a.speaker, respond.Config{
		SystemPrompt: rc.SystemPrompt,
		MaxTokens:    rc.MaxTokens,
		Temperature:  rc.Temperature,
		History:      rc.History,
		Timeout:      rc.Timeout,
	}, respond.WithMetrics(a.metrics))
}

// initLoops builds the detector, the conversation machine and its loop.
func (a *App) initLoops(route *router) {
	spotter := kws.Filter(a.providers.KWS, kws.NewMatcher(a.cfg.KWS.Keywords, a.cfg.KWS.MatchThreshold))

	detOpts := []detect.Option{
		detect.WithThreshold(a.cfg.VAD.Threshold),
		detect.WithSilenceLimit(a.cfg.VAD.SilenceLimit),
		detect.WithMetrics(a.metrics),
	}
	if a.bridge != nil {
		detOpts = append(detOpts, detect.WithBusySignal(a.bridge.Activity()))
	}
	a.detector = detect.New(a.stream, a.providers.VAD, spotter, route, detOpts...)

	m := conversation.NewMachine(a.speaker, a.processor, a.cfg.XiaoAI.Policy(),
		conversation.WithPauser(a.detector),
		conversation.WithRecorder(a.recorder),
		conversation.WithMetrics(a.metrics),
	)
	a.loop = conversation.NewLoop(m, loopQueue)
	route.loop = a.loop
}

// buildHandler assembles the HTTP routes. Everything except the device
// websocket goes through the observability middleware.
func (a *App) buildHandler() http.Handler {
	api := http.NewServeMux()
	api.Handle("GET /metrics", promhttp.Handler())
	api.Handle("GET /journal", journal.Handler(a.store))
	api.HandleFunc("GET /state", a.serveState)
	health.New(a.checkers()...).Register(api)

	root := http.NewServeMux()
	if a.bridge != nil {
		root.Handle("/ws", a.bridge)
	}
	root.Handle("/", observe.Middleware(a.metrics)(api))
	return root
}

// checkers returns the readiness checks for the configured subsystems.
func (a *App) checkers() []health.Checker {
	var cs []health.Checker
	if pinger, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		cs = append(cs, health.Checker{Name: "journal", Check: pinger.Ping})
	}
	if a.bridge != nil {
		cs = append(cs, health.Checker{Name: "device", Check: a.bridge.Check, Optional: true})
	}
	if c, ok := a.providers.KWS.(interface{ Check(context.Context) error }); ok {
		cs = append(cs, health.Checker{Name: "kws", Check: c.Check, Optional: true})
	}
	if a.llm != nil {
		cs = append(cs, health.Checker{Name: "llm", Check: a.llm.Check, Optional: true})
	}
	return cs
}

// Handler returns the HTTP handler served by Run.
func (a *App) Handler() http.Handler { return a.handler }

// Loop returns the conversation loop.
func (a *App) Loop() *conversation.Loop { return a.loop }

// Detector returns the detection loop.
func (a *App) Detector() *detect.Detector { return a.detector }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts every loop and the HTTP server and blocks until ctx is
// cancelled or one of them fails. On cancellation it returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.recorder.Run(gctx) })
	g.Go(func() error { return a.loop.Run(gctx) })
	g.Go(func() error { return a.detector.Run(gctx) })

	if r, ok := a.providers.KWS.(interface{ Run(context.Context) error }); ok {
		g.Go(func() error { return r.Run(gctx) })
	}
	for _, fn := range a.background {
		g.Go(func() error { return fn(gctx) })
	}

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	// A reader blocked in Read is not released by cancellation, so the pump
	// is not part of the group.
	if a.cfg.Mode == config.ModeLocal {
		go a.pumpInput(gctx)
	}

	slog.Info("app running",
		"mode", a.cfg.Mode,
		"addr", ln.Addr().String(),
		"responder", a.llm != nil,
	)

	err = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// pumpInput feeds local PCM into the frame source until EOF or cancellation.
func (a *App) pumpInput(ctx context.Context) {
	from := audio.Format{SampleRate: a.cfg.Audio.LocalSampleRate, Channels: a.cfg.Audio.LocalChannels}
	err := audio.Pump(ctx, a.input, a.stream, from)
	switch {
	case err == nil:
		slog.Info("local input ended")
	case ctx.Err() != nil:
	default:
		slog.Error("local input failed", "err", err)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable differences between old and new. It is
// the config watcher's callback.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.SlogLevel())
		slog.Info("config: log level changed", "level", d.NewLogLevel)
	}
	if d.ThresholdChanged {
		a.detector.SetThreshold(d.NewThreshold)
		slog.Info("config: vad threshold changed", "threshold", d.NewThreshold)
	}
	if d.PolicyChanged {
		a.loop.UpdatePolicy(new.XiaoAI.Policy())
		slog.Info("config: conversation policy updated")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config: some changes need a restart", "sections", d.RestartRequired)
	}
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

type stateResponse struct {
	Conversing   bool     `json:"conversing"`
	Retries      int      `json:"retries"`
	MaxRetries   int      `json:"max_retries"`
	ExitKeywords []string `json:"exit_keywords"`
	Paused       bool     `json:"detector_paused"`
	Threshold    float64  `json:"vad_threshold"`
	Device       bool     `json:"device_connected"`
}

// serveState reports the conversation snapshot. The loop must be running.
func (a *App) serveState(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	st, err := a.loop.State(ctx)
	if err != nil {
		http.Error(w, "conversation loop unavailable", http.StatusServiceUnavailable)
		return
	}
	resp := stateResponse{
		Conversing:   st.Conversing,
		Retries:      st.Retries,
		MaxRetries:   st.MaxRetries,
		ExitKeywords: st.ExitKeywords,
		Paused:       a.detector.Paused(),
		Threshold:    a.detector.Threshold(),
		Device:       a.bridge != nil && a.bridge.Connected(),
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(resp)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases what New opened, after Run has returned. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.processor.Interrupt()
		if r, ok := a.processor.(*respond.Responder); ok {
			r.Wait()
		}

		var errs []error
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		shutdownErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Routing ─────────────────────────────────────────────────────────────────

// router forwards detector wakes and device events to the conversation loop.
type router struct {
	loop *conversation.Loop
}

func (r *router) Publish(ev types.WakeEvent)                  { r.loop.Publish(ev) }
func (r *router) Recognized(ev types.RecognizerEvent)         { r.loop.Recognized(ev) }
func (r *router) PlaybackChanged(status types.PlaybackStatus) { r.loop.PlaybackChanged(status) }

// StopConversation is called when the device starts its own media playback.
func (r *router) StopConversation() {
	r.loop.StopConversationFor(conversation.StopAudioPlayer)
}

var (
	_ detect.WakeSink = (*router)(nil)
	_ bridge.Sink     = (*router)(nil)
)
