// Package mock provides test doubles for the conversation collaborators.
//
// All doubles can share a [Trace] so tests can assert the relative order of
// calls across them, e.g. that detection is paused before the wake prompt is
// spoken.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/wakeloop/internal/conversation"
	"github.com/MrWong99/wakeloop/internal/journal"
)

// Trace is an ordered, concurrency-safe call log.
type Trace struct {
	mu    sync.Mutex
	calls []string
}

// Add appends a call.
func (t *Trace) Add(call string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, call)
}

// Calls returns a copy of the log.
func (t *Trace) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

// Reset clears the log.
func (t *Trace) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = nil
}

// Speaker is a mock conversation.Speaker. Calls are traced as
// "play_text:<text>", "play_url:<url>" and "wake_up:<awake>,<silent>".
type Speaker struct {
	Trace *Trace

	// Err, if non-nil, is returned by every method.
	Err error

	mu    sync.Mutex
	texts []string
	urls  []string
	wakes int
}

var _ conversation.Speaker = (*Speaker)(nil)

// PlayText implements conversation.Speaker.
func (s *Speaker) PlayText(_ context.Context, text string) error {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	s.Trace.Add("play_text:" + text)
	return s.Err
}

// PlayURL implements conversation.Speaker.
func (s *Speaker) PlayURL(_ context.Context, url string) error {
	s.mu.Lock()
	s.urls = append(s.urls, url)
	s.mu.Unlock()
	s.Trace.Add("play_url:" + url)
	return s.Err
}

// WakeUp implements conversation.Speaker.
func (s *Speaker) WakeUp(_ context.Context, awake, silent bool) error {
	s.mu.Lock()
	s.wakes++
	s.mu.Unlock()
	s.Trace.Add(fmt.Sprintf("wake_up:%v,%v", awake, silent))
	return s.Err
}

// Texts returns every text passed to PlayText.
func (s *Speaker) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// URLs returns every url passed to PlayURL.
func (s *Speaker) URLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.urls...)
}

// Wakes returns the number of WakeUp calls.
func (s *Speaker) Wakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wakes
}

// Processor is a mock conversation.Processor. Calls are traced as
// "process:<text>" and "interrupt".
type Processor struct {
	Trace *Trace

	mu         sync.Mutex
	processed  []string
	interrupts int
}

var _ conversation.Processor = (*Processor)(nil)

// Process implements conversation.Processor.
func (p *Processor) Process(_ context.Context, text string) {
	p.mu.Lock()
	p.processed = append(p.processed, text)
	p.mu.Unlock()
	p.Trace.Add("process:" + text)
}

// Interrupt implements conversation.Processor.
func (p *Processor) Interrupt() {
	p.mu.Lock()
	p.interrupts++
	p.mu.Unlock()
	p.Trace.Add("interrupt")
}

// Processed returns every text passed to Process.
func (p *Processor) Processed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.processed...)
}

// Interrupts returns the number of Interrupt calls.
func (p *Processor) Interrupts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interrupts
}

// Pauser is a mock conversation.Pauser traced as "pause" and "resume".
type Pauser struct {
	Trace *Trace
}

var _ conversation.Pauser = (*Pauser)(nil)

// Pause implements conversation.Pauser.
func (p *Pauser) Pause() { p.Trace.Add("pause") }

// Resume implements conversation.Pauser.
func (p *Pauser) Resume() { p.Trace.Add("resume") }

// Recorder is a mock conversation.Recorder.
type Recorder struct {
	mu      sync.Mutex
	entries []journal.Entry
}

var _ conversation.Recorder = (*Recorder)(nil)

// Record implements conversation.Recorder.
func (r *Recorder) Record(e journal.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

// Entries returns every recorded entry.
func (r *Recorder) Entries() []journal.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]journal.Entry(nil), r.entries...)
}

// Kinds returns the kinds of every recorded entry.
func (r *Recorder) Kinds() []journal.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]journal.Kind, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Kind
	}
	return out
}
