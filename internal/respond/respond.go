// Package respond answers finalized utterances with a language model and
// speaks the reply on the device.
//
// [Responder] implements conversation.Processor. Process returns immediately;
// the completion runs on its own goroutine so the conversation loop is never
// blocked by a slow model. A newer utterance supersedes an older one that is
// still being answered, and Interrupt (sent on every wake) cancels the
// in-flight reply and forgets the dialogue history.
package respond

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/wakeloop/internal/observe"
	"github.com/MrWong99/wakeloop/pkg/provider/llm"
)

// Defaults for [Config].
const (
	DefaultHistory = 6
	DefaultTimeout = 30 * time.Second
)

// Speaker speaks a reply.
type Speaker interface {
	PlayText(ctx context.Context, text string) error
}

// Config tunes a Responder.
type Config struct {
	SystemPrompt string
	MaxTokens    int
	Temperature  float64

	// History is the number of past exchanges (user + assistant pairs) sent
	// with each request. Zero selects DefaultHistory; negative disables
	// history.
	History int

	// Timeout bounds a single completion. Zero selects DefaultTimeout.
	Timeout time.Duration
}

// Responder is a conversation.Processor backed by an llm.Provider.
type Responder struct {
	llm     llm.Provider
	speaker Speaker
	cfg     Config
	metrics *observe.Metrics

	mu      sync.Mutex
	gen     uint64
	cancel  context.CancelFunc
	history []llm.Message
	wg      sync.WaitGroup
}

// Option is a functional option for Responder.
type Option func(*Responder)

// WithMetrics records metrics on m instead of the defaults.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Responder) { r.metrics = m }
}

// New returns a Responder.
func New(provider llm.Provider, speaker Speaker, cfg Config, opts ...Option) *Responder {
	if cfg.History == 0 {
		cfg.History = DefaultHistory
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	r := &Responder{llm: provider, speaker: speaker, cfg: cfg}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Process starts answering text, superseding any reply still in progress.
func (r *Responder) Process(ctx context.Context, text string) {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.gen++
	gen := r.gen
	msgs := make([]llm.Message, 0, len(r.history)+1)
	msgs = append(msgs, r.history...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: text})

	cctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	r.cancel = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer cancel()
		r.answer(cctx, gen, msgs)
	}()
}

// Interrupt cancels the reply in progress and clears the history.
func (r *Responder) Interrupt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.gen++
	r.history = nil
}

// Wait blocks until every started reply has finished.
func (r *Responder) Wait() { r.wg.Wait() }

// History returns a copy of the remembered dialogue.
func (r *Responder) History() []llm.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]llm.Message(nil), r.history...)
}

func (r *Responder) answer(ctx context.Context, gen uint64, msgs []llm.Message) {
	ctx, span := observe.StartSpan(ctx, "respond.answer")
	defer span.End()
	log := observe.Logger(ctx)

	start := time.Now()
	resp, err := r.llm.Complete(ctx, llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: r.cfg.SystemPrompt,
		Temperature:  r.cfg.Temperature,
		MaxTokens:    r.cfg.MaxTokens,
	})
	r.metrics.ResponderDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			log.Debug("respond: reply abandoned", "err", err)
			return
		}
		log.Warn("respond: completion failed", "err", err)
		return
	}

	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		log.Debug("respond: empty reply")
		return
	}

	if !r.commit(gen, msgs[len(msgs)-1], reply) {
		log.Debug("respond: reply superseded")
		return
	}
	log.Info("respond: speaking reply", "chars", len([]rune(reply)), "total_tokens", resp.Usage.TotalTokens)
	if err := r.speaker.PlayText(ctx, reply); err != nil {
		log.Warn("respond: speak failed", "err", err)
	}
}

// commit stores the exchange if gen is still current.
func (r *Responder) commit(gen uint64, user llm.Message, reply string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		return false
	}
	if r.cfg.History < 0 {
		return true
	}
	r.history = append(r.history, user, llm.Message{Role: llm.RoleAssistant, Content: reply})
	if over := len(r.history) - 2*r.cfg.History; over > 0 {
		r.history = append([]llm.Message(nil), r.history[over:]...)
	}
	return true
}

// Nop is a conversation.Processor that only logs utterances. It is used when
// no responder backend is configured.
type Nop struct{}

// Process implements conversation.Processor.
func (Nop) Process(_ context.Context, text string) {
	slog.Info("respond: no responder configured, utterance dropped", "text", text)
}

// Interrupt implements conversation.Processor.
func (Nop) Interrupt() {}
