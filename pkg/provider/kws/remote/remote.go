// Package remote provides a keyword spotter that streams frames to an
// external spotting service (for example a sherpa-onnx sidecar) over a
// websocket.
//
// Wire protocol:
//
//   - On connect the client sends a text message
//     {"type":"config","sample_rate":16000,"keywords":[...]}.
//   - Every frame is sent as one binary message of s16le mono PCM.
//   - After [Spotter.Reset], the next frame is preceded by a text message
//     {"type":"reset"} so the service can drop its streaming state.
//   - The service answers with text messages {"keyword":"..."} whenever it
//     spots a phrase. Other messages are ignored.
//
// Detect never blocks: frames are queued for a writer goroutine (and dropped
// when the queue is full or no connection is up), and detections arriving
// from the reader goroutine are returned by a later Detect call. Every frame
// and every detection carries the activation generation it belongs to; a
// detection answering audio from before the last Reset is discarded.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/wakeloop/pkg/audio"
	"github.com/MrWong99/wakeloop/pkg/provider/kws"
)

// Default connection parameters.
const (
	defaultQueueFrames = 64
	defaultBackoff     = 1 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	readLimit          = 64 << 10
)

// ErrNotConnected is returned by [Spotter.Check] while no connection to the
// spotting service is established.
var ErrNotConnected = errors.New("remote kws: not connected")

var (
	_ kws.Spotter  = (*Spotter)(nil)
	_ kws.Resetter = (*Spotter)(nil)
)

// Spotter implements kws.Spotter against a remote spotting service.
type Spotter struct {
	url        string
	keywords   []string
	backoff    time.Duration
	maxBackoff time.Duration
	header     map[string]string

	frames    chan frame
	hits      chan hit
	connected atomic.Bool
	dropped   atomic.Uint64
	stale     atomic.Uint64

	// gen is bumped by Reset. sentGen is the generation of the last frame
	// written to the service; detections are tagged with it on arrival.
	gen     atomic.Uint64
	sentGen atomic.Uint64
}

type frame struct {
	gen uint64
	pcm []byte
}

type hit struct {
	gen     uint64
	keyword string
}

// Option is a functional option for Spotter.
type Option func(*Spotter)

// WithKeywords sends the wake phrases to the service in the config message.
func WithKeywords(k []string) Option {
	return func(s *Spotter) { s.keywords = append([]string(nil), k...) }
}

// WithBackoff sets the initial and maximum reconnect delay.
func WithBackoff(initial, maximum time.Duration) Option {
	return func(s *Spotter) {
		if initial > 0 {
			s.backoff = initial
		}
		if maximum >= initial && maximum > 0 {
			s.maxBackoff = maximum
		}
	}
}

// WithQueue sets how many frames may wait for the writer goroutine.
func WithQueue(frames int) Option {
	return func(s *Spotter) {
		if frames > 0 {
			s.frames = make(chan frame, frames)
		}
	}
}

// WithHeader adds an HTTP header to the websocket handshake (e.g. auth).
func WithHeader(key, value string) Option {
	return func(s *Spotter) {
		if s.header == nil {
			s.header = make(map[string]string)
		}
		s.header[key] = value
	}
}

// New returns a Spotter for the service at url (ws:// or wss://). Call
// [Spotter.Run] to start connecting.
func New(url string, opts ...Option) (*Spotter, error) {
	if url == "" {
		return nil, fmt.Errorf("remote kws: url must not be empty")
	}
	s := &Spotter{
		url:        url,
		backoff:    defaultBackoff,
		maxBackoff: defaultMaxBackoff,
		frames:     make(chan frame, defaultQueueFrames),
		hits:       make(chan hit, 8),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Detect queues pcm for the service and returns a pending detection of the
// current generation, if any.
func (s *Spotter) Detect(pcm []byte) (string, bool) {
	gen := s.gen.Load()
	if s.connected.Load() {
		cp := make([]byte, len(pcm))
		copy(cp, pcm)
		select {
		case s.frames <- frame{gen: gen, pcm: cp}:
		default:
			s.dropped.Add(1)
		}
	}
	for {
		select {
		case h := <-s.hits:
			if h.gen != gen {
				s.stale.Add(1)
				slog.Debug("remote kws: discarding detection from an earlier activation", "keyword", h.keyword)
				continue
			}
			return h.keyword, true
		default:
			return "", false
		}
	}
}

// Reset starts a new generation and discards pending detections. Frames
// still queued from the previous generation are sent but whatever the
// service answers to them is ignored.
func (s *Spotter) Reset() {
	s.gen.Add(1)
	for {
		select {
		case <-s.hits:
			s.stale.Add(1)
		default:
			return
		}
	}
}

// Stale returns the number of detections discarded because they belonged to
// an earlier generation.
func (s *Spotter) Stale() uint64 { return s.stale.Load() }

// Connected reports whether a connection to the service is up.
func (s *Spotter) Connected() bool { return s.connected.Load() }

// Dropped returns the number of frames discarded because the send queue was full.
func (s *Spotter) Dropped() uint64 { return s.dropped.Load() }

// Check is a readiness probe returning [ErrNotConnected] while disconnected.
func (s *Spotter) Check(_ context.Context) error {
	if !s.connected.Load() {
		return ErrNotConnected
	}
	return nil
}

// Run maintains the connection until ctx is cancelled, reconnecting with
// exponential backoff. It always returns ctx.Err().
func (s *Spotter) Run(ctx context.Context) error {
	backoff := s.backoff
	for attempt := 1; ; attempt++ {
		start := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A session that lasted a while resets the backoff.
		if time.Since(start) > s.maxBackoff {
			backoff = s.backoff
			attempt = 1
		}
		slog.Warn("remote kws: connection lost, retrying",
			"url", s.url,
			"attempt", attempt,
			"backoff", backoff,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, s.maxBackoff)
	}
}

// session runs one connection until it fails or ctx is cancelled.
func (s *Spotter) session(ctx context.Context) error {
	opts := &websocket.DialOptions{}
	if len(s.header) > 0 {
		opts.HTTPHeader = make(map[string][]string, len(s.header))
		for k, v := range s.header {
			opts.HTTPHeader.Set(k, v)
		}
	}

	conn, _, err := websocket.Dial(ctx, s.url, opts)
	if err != nil {
		return fmt.Errorf("remote kws: dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	hello, err := json.Marshal(configMessage{
		Type:       "config",
		SampleRate: audio.SampleRate,
		Keywords:   s.keywords,
	})
	if err != nil {
		return fmt.Errorf("remote kws: marshal config: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, hello); err != nil {
		return fmt.Errorf("remote kws: send config: %w", err)
	}

	// Frames queued before this connection are stale.
	for len(s.frames) > 0 {
		<-s.frames
	}
	s.sentGen.Store(s.gen.Load())
	s.connected.Store(true)
	defer s.connected.Store(false)
	slog.Info("remote kws: connected", "url", s.url)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx, conn) })
	g.Go(func() error { return s.writeLoop(gctx, conn) })
	err = g.Wait()
	if ctx.Err() != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
	return err
}

var resetMessage = []byte(`{"type":"reset"}`)

func (s *Spotter) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-s.frames:
			if f.gen != s.sentGen.Load() {
				if err := conn.Write(ctx, websocket.MessageText, resetMessage); err != nil {
					return fmt.Errorf("remote kws: send reset: %w", err)
				}
				s.sentGen.Store(f.gen)
			}
			if err := conn.Write(ctx, websocket.MessageBinary, f.pcm); err != nil {
				return fmt.Errorf("remote kws: write frame: %w", err)
			}
		}
	}
}

func (s *Spotter) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("remote kws: read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg detectionMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("remote kws: ignoring malformed message", "err", err)
			continue
		}
		if msg.Keyword == "" {
			continue
		}
		select {
		case s.hits <- hit{gen: s.sentGen.Load(), keyword: msg.Keyword}:
		default:
			slog.Warn("remote kws: detection dropped, consumer not keeping up", "keyword", msg.Keyword)
		}
	}
}

type configMessage struct {
	Type       string   `json:"type"`
	SampleRate int      `json:"sample_rate"`
	Keywords   []string `json:"keywords,omitempty"`
}

type detectionMessage struct {
	Keyword string `json:"keyword"`
}
