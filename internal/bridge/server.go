// Package bridge implements the device side of wakeloop: a websocket endpoint
// the speaker client connects to.
//
// The device streams microphone audio as binary messages and reports
// recognizer and playback events as JSON text messages. In the other
// direction the server issues run_shell requests, which is how the [Speaker]
// drives text-to-speech, media playback and the device's own wake-up.
//
// Only one device is served at a time; a new connection replaces the current
// one.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/wakeloop/internal/observe"
	"github.com/MrWong99/wakeloop/pkg/types"
)

// Input formats for microphone audio.
const (
	FormatPCM  = "pcm"
	FormatOpus = "opus"
)

const (
	defaultReadLimit    = 1 << 20
	defaultShellTimeout = 10 * time.Second

	// shellGrace is added to the script timeout when waiting for a response
	// so the device gets to report its own timeout first.
	shellGrace = 2 * time.Second
)

// ErrNotConnected is returned by [Server.RunShell] while no device is connected.
var ErrNotConnected = errors.New("bridge: no device connected")

// Sink receives device events. Implementations must not block.
type Sink interface {
	Recognized(types.RecognizerEvent)
	PlaybackChanged(types.PlaybackStatus)
	StopConversation()
}

// Server is an http.Handler serving the device websocket.
type Server struct {
	sink     Sink
	audio    io.Writer
	format   string
	accept   websocket.AcceptOptions
	limit    int64
	metrics  *observe.Metrics
	activity Activity

	nextID atomic.Uint64

	mu   sync.Mutex
	conn *deviceConn
}

// Option is a functional option for Server.
type Option func(*Server)

// WithInputFormat selects how binary messages are decoded: [FormatPCM]
// (default) or [FormatOpus].
func WithInputFormat(format string) Option {
	return func(s *Server) { s.format = format }
}

// WithOriginPatterns allows cross-origin websocket handshakes from hosts
// matching patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.accept.OriginPatterns = patterns }
}

// WithReadLimit sets the maximum message size accepted from the device.
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.limit = n
		}
	}
}

// WithMetrics records metrics on m instead of the defaults.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer returns a Server that writes decoded microphone audio to audio
// and forwards events to sink.
func NewServer(sink Sink, audio io.Writer, opts ...Option) (*Server, error) {
	s := &Server{
		sink:   sink,
		audio:  audio,
		format: FormatPCM,
		limit:  defaultReadLimit,
	}
	for _, o := range opts {
		o(s)
	}
	if s.format != FormatPCM && s.format != FormatOpus {
		return nil, fmt.Errorf("bridge: unknown input format %q", s.format)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s, nil
}

// Activity returns the device activity tracker, usable as the detection
// loop's busy signal.
func (s *Server) Activity() *Activity { return &s.activity }

// Connected reports whether a device is connected.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Check is a readiness probe returning [ErrNotConnected] while no device is
// connected.
func (s *Server) Check(_ context.Context) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	return nil
}

// deviceConn is one accepted device connection.
type deviceConn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	pending map[string]chan ShellResult
}

func (c *deviceConn) register(id string) chan ShellResult {
	ch := make(chan ShellResult, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *deviceConn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *deviceConn) resolve(id string, res ShellResult) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		ch <- res
	}
	return ok
}

// ServeHTTP accepts the device websocket and serves it until the device
// disconnects, is replaced, or the request context ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &s.accept)
	if err != nil {
		slog.Warn("bridge: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(s.limit)

	var dec *opusDecoder
	if s.format == FormatOpus {
		if dec, err = newOpusDecoder(); err != nil {
			slog.Error("bridge: opus decoder unavailable", "err", err)
			ws.Close(websocket.StatusInternalError, "decoder unavailable")
			return
		}
	}

	ctx, cancel := context.WithCancel(r.Context())
	dc := &deviceConn{
		ws:      ws,
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: make(map[string]chan ShellResult),
	}

	s.mu.Lock()
	prev := s.conn
	s.conn = dc
	s.mu.Unlock()
	if prev != nil {
		slog.Info("bridge: device replaced by new connection")
		prev.cancel()
		<-prev.done
	}

	s.activity.reset()
	s.metrics.BridgeConnections.Add(ctx, 1)
	slog.Info("bridge: device connected", "remote", r.RemoteAddr, "format", s.format)

	err = s.readLoop(ctx, dc, dec)

	s.mu.Lock()
	if s.conn == dc {
		s.conn = nil
		s.activity.reset()
	}
	s.mu.Unlock()
	cancel()
	close(dc.done)
	s.metrics.BridgeConnections.Add(context.Background(), -1)

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		ws.Close(websocket.StatusNormalClosure, "")
	case websocket.CloseStatus(err) != -1:
		// Closed by the device.
	default:
		slog.Warn("bridge: connection error", "err", err)
		ws.Close(websocket.StatusInternalError, "read error")
	}
	slog.Info("bridge: device disconnected", "remote", r.RemoteAddr)
}

func (s *Server) readLoop(ctx context.Context, dc *deviceConn, dec *opusDecoder) error {
	for {
		typ, data, err := dc.ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			s.handleAudio(data, dec)
		case websocket.MessageText:
			s.handleText(ctx, dc, data)
		}
	}
}

func (s *Server) handleAudio(data []byte, dec *opusDecoder) {
	if dec != nil {
		pcm, err := dec.decode(data)
		if err != nil {
			slog.Debug("bridge: dropping undecodable audio packet", "err", err)
			return
		}
		data = pcm
	}
	if _, err := s.audio.Write(data); err != nil {
		slog.Warn("bridge: audio sink write failed", "err", err)
	}
}

func (s *Server) handleText(ctx context.Context, dc *deviceConn, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("bridge: malformed message", "err", err)
		return
	}

	switch env.Kind {
	case kindEvent:
		s.handleEvent(ctx, env)
	case kindResponse:
		var res ShellResult
		if err := json.Unmarshal(env.Data, &res); err != nil {
			slog.Warn("bridge: malformed response", "id", env.ID, "err", err)
			return
		}
		if !dc.resolve(env.ID, res) {
			slog.Debug("bridge: response for unknown request", "id", env.ID)
		}
	default:
		slog.Debug("bridge: unknown message kind", "kind", env.Kind)
	}
}

func (s *Server) handleEvent(ctx context.Context, env envelope) {
	if env.Event == "" {
		slog.Warn("bridge: event without name")
		return
	}
	s.metrics.RecordBridgeEvent(ctx, env.Event)

	ev, err := ParseEvent(env.Event, env.Data)
	if err != nil {
		slog.Warn("bridge: ignoring event", "event", env.Event, "err", err)
		return
	}

	switch ev.Kind {
	case EventRecognizer:
		s.activity.observeRecognizer(ev.Recognizer)
		s.sink.Recognized(ev.Recognizer)
	case EventPlayback:
		s.activity.observePlayback(ev.Playback)
		s.sink.PlaybackChanged(ev.Playback)
	case EventAudioPlayer:
		slog.Info("bridge: device started media playback, stopping conversation")
		s.sink.StopConversation()
	default:
		slog.Debug("bridge: unhandled event", "event", env.Event, "data", string(env.Data))
	}
}

// RunShell runs script on the device and waits for its result. A
// non-positive timeout selects 10 s. The returned error is non-nil when no
// device is connected, the request could not be sent, or no answer arrived in
// time; a script that ran but failed is reported through ShellResult.ExitCode.
func (s *Server) RunShell(ctx context.Context, script string, timeout time.Duration) (ShellResult, error) {
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}

	s.mu.Lock()
	dc := s.conn
	s.mu.Unlock()
	if dc == nil {
		return ShellResult{}, ErrNotConnected
	}

	start := time.Now()
	defer func() {
		s.metrics.ShellDuration.Record(ctx, time.Since(start).Seconds())
	}()

	id := strconv.FormatUint(s.nextID.Add(1), 10)
	reply := dc.register(id)
	defer dc.forget(id)

	payload, err := json.Marshal(shellRequest{Script: script, TimeoutMS: timeout.Milliseconds()})
	if err != nil {
		return ShellResult{}, fmt.Errorf("bridge: encode run_shell: %w", err)
	}
	msg, err := json.Marshal(envelope{Kind: kindRequest, ID: id, Command: cmdRunShell, Payload: payload})
	if err != nil {
		return ShellResult{}, fmt.Errorf("bridge: encode run_shell: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout+shellGrace)
	defer cancel()

	if err := dc.ws.Write(ctx, websocket.MessageText, msg); err != nil {
		return ShellResult{}, fmt.Errorf("bridge: send run_shell: %w", err)
	}

	select {
	case res := <-reply:
		return res, nil
	case <-dc.done:
		return ShellResult{}, ErrNotConnected
	case <-ctx.Done():
		return ShellResult{}, fmt.Errorf("bridge: run_shell: %w", ctx.Err())
	}
}
