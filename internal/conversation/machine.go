package conversation

import (
	"context"
	"log/slog"

	"github.com/MrWong99/wakeloop/internal/journal"
	"github.com/MrWong99/wakeloop/internal/observe"
	"github.com/MrWong99/wakeloop/pkg/types"
)

// Stop reasons passed to [Machine.Stop].
const (
	StopExternal    = "external"
	StopAudioPlayer = "audio_player"
)

// Machine is the conversation state machine. Every method must be called
// from the same goroutine.
type Machine struct {
	speaker Speaker
	proc    Processor
	pauser  Pauser
	rec     Recorder
	metrics *observe.Metrics
	policy  Policy

	conversing bool
	retries    int

	// playback is the last device playback status seen.
	playback types.PlaybackStatus

	// cuePending swallows the idle transition that follows our own notify
	// cue, which would otherwise re-wake the device in a loop.
	cuePending bool
}

// MachineOption is a functional option for Machine.
type MachineOption func(*Machine)

// WithPauser pauses keyword detection while the wake prompt plays.
func WithPauser(p Pauser) MachineOption {
	return func(m *Machine) { m.pauser = p }
}

// WithRecorder journals transitions.
func WithRecorder(r Recorder) MachineOption {
	return func(m *Machine) { m.rec = r }
}

// WithMetrics records metrics on met instead of the defaults.
func WithMetrics(met *observe.Metrics) MachineOption {
	return func(m *Machine) { m.metrics = met }
}

// NewMachine returns an idle Machine.
func NewMachine(speaker Speaker, proc Processor, policy Policy, opts ...MachineOption) *Machine {
	m := &Machine{
		speaker: speaker,
		proc:    proc,
		policy:  policy.clone(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// State returns a snapshot.
func (m *Machine) State() State {
	return State{
		Conversing:   m.conversing,
		Retries:      m.retries,
		MaxRetries:   m.policy.MaxRetries,
		ExitKeywords: append([]string(nil), m.policy.ExitKeywords...),
	}
}

// Policy returns a copy of the active policy.
func (m *Machine) Policy() Policy { return m.policy.clone() }

// SetPolicy replaces the policy. The current retry count is clamped to the
// new maximum.
func (m *Machine) SetPolicy(p Policy) {
	m.policy = p.clone()
	m.retries = min(m.retries, max(p.MaxRetries, 0))
	slog.Info("conversation policy updated",
		"continuous", p.Continuous,
		"max_retries", p.MaxRetries,
		"exit_keywords", p.ExitKeywords,
	)
}

// HandleWake processes a wake event. A recognizer wake opens the dialogue.
// A keyword wake only greets: it speaks the wake prompt with detection
// paused and opens the device recognizer, whose own wake event then opens
// the dialogue. A device that fails to wake therefore never leaves a
// dialogue open behind it.
func (m *Machine) HandleWake(ctx context.Context, ev types.WakeEvent) {
	slog.Info("wake", "source", ev.Source, "text", ev.Text)
	m.proc.Interrupt()
	m.metrics.RecordWake(ctx, string(ev.Source))

	if ev.Source == types.WakeSourceKWS {
		m.record(journal.Entry{Kind: journal.KindWake, Text: ev.Text, Source: string(ev.Source)})
		m.greet(ctx)
		return
	}

	m.setConversing(ctx, true)
	m.retries = 0
	m.cuePending = false
	m.record(journal.Entry{Kind: journal.KindWake, Text: ev.Text, Source: string(ev.Source)})
}

// greet speaks the wake prompt and asks the device to start listening.
func (m *Machine) greet(ctx context.Context) {
	if m.policy.WakePrompt != "" {
		if m.pauser != nil {
			m.pauser.Pause()
		}
		if err := m.speaker.PlayText(ctx, m.policy.WakePrompt); err != nil {
			slog.Warn("wake prompt failed", "err", err)
		}
		if m.pauser != nil {
			m.pauser.Resume()
		}
	}
	if err := m.speaker.WakeUp(ctx, true, true); err != nil {
		slog.Warn("device wake failed", "err", err)
	}
}

// HandleRecognizer processes a device recognizer update.
func (m *Machine) HandleRecognizer(ctx context.Context, ev types.RecognizerEvent) {
	switch {
	case ev.IsWake():
		m.HandleWake(ctx, types.WakeEvent{Source: types.WakeSourceRecognizer})
	case ev.IsFinal && ev.Text != "":
		m.handleUtterance(ctx, ev.Text)
	case ev.IsTimeout():
		m.handleTimeout(ctx)
	default:
		slog.Debug("recognizer partial", "text", ev.Text)
	}
}

func (m *Machine) handleUtterance(ctx context.Context, text string) {
	slog.Info("utterance", "text", text)
	m.cuePending = false

	if kw, ok := m.policy.exitKeyword(text); ok {
		slog.Info("exit keyword heard, leaving conversation", "keyword", kw)
		m.exit(ctx, "keyword", text)
		return
	}

	m.retries = 0
	m.metrics.Utterances.Add(ctx, 1)
	m.record(journal.Entry{Kind: journal.KindUtterance, Text: text})
	m.proc.Process(ctx, text)
}

// handleTimeout answers a listening timeout. The first timeout after a wake
// (retries == 0) is left alone: the device closes its recognizer by itself.
func (m *Machine) handleTimeout(ctx context.Context) {
	if !m.policy.Continuous || !m.conversing || m.retries == 0 {
		slog.Debug("listening timeout ignored",
			"conversing", m.conversing,
			"retries", m.retries,
		)
		return
	}

	if m.retries >= m.policy.MaxRetries {
		slog.Info("retry limit reached, leaving conversation", "max_retries", m.policy.MaxRetries)
		m.exit(ctx, "retries", "")
		return
	}

	m.retries++
	slog.Info("listening timeout, re-waking device", "retry", m.retries, "max_retries", m.policy.MaxRetries)
	if err := m.speaker.WakeUp(ctx, true, true); err != nil {
		slog.Warn("device wake failed", "err", err)
	}
	m.metrics.RecordRewake(ctx, "timeout")
	m.record(journal.Entry{Kind: journal.KindRetry})
}

// HandlePlayback processes a device playback status change. Only a
// transition into idle while conversing triggers a re-wake.
func (m *Machine) HandlePlayback(ctx context.Context, status types.PlaybackStatus) {
	prev := m.playback
	m.playback = status
	if status != types.PlaybackIdle || prev == types.PlaybackIdle {
		return
	}
	if m.cuePending {
		m.cuePending = false
		return
	}
	if !m.policy.Continuous || !m.conversing {
		return
	}

	slog.Info("playback finished, re-waking device for the next turn")
	if err := m.speaker.WakeUp(ctx, true, true); err != nil {
		slog.Warn("device wake failed", "err", err)
	}
	m.retries = min(m.retries+1, m.policy.MaxRetries)
	m.metrics.RecordRewake(ctx, "playback")
	m.record(journal.Entry{Kind: journal.KindRewake})

	if url := m.policy.NotifyURL; url != "" {
		if err := m.speaker.PlayURL(ctx, url); err != nil {
			slog.Warn("notify cue failed", "err", err)
			return
		}
		m.cuePending = true
	}
}

// notePlayback records status without acting on it.
func (m *Machine) notePlayback(status types.PlaybackStatus) { m.playback = status }

// Stop ends the conversation unconditionally. Idempotent.
func (m *Machine) Stop(ctx context.Context, reason string) {
	was := m.conversing
	m.setConversing(ctx, false)
	m.retries = 0
	m.cuePending = false
	if !was {
		return
	}
	slog.Info("conversation stopped", "reason", reason)
	m.metrics.RecordExit(ctx, "stop")
	m.record(journal.Entry{Kind: journal.KindStop, Text: reason})
}

// exit leaves the dialogue and cancels any reply still being generated so it
// is not spoken after the goodbye.
func (m *Machine) exit(ctx context.Context, reason, text string) {
	m.proc.Interrupt()
	m.setConversing(ctx, false)
	m.retries = 0
	m.cuePending = false
	m.metrics.RecordExit(ctx, reason)
	m.record(journal.Entry{Kind: journal.KindExit, Text: text})

	if m.policy.ExitPrompt == "" {
		return
	}
	if err := m.speaker.PlayText(ctx, m.policy.ExitPrompt); err != nil {
		slog.Warn("exit prompt failed", "err", err)
	}
}

func (m *Machine) setConversing(ctx context.Context, v bool) {
	if m.conversing == v {
		return
	}
	m.conversing = v
	if v {
		m.metrics.Conversing.Add(ctx, 1)
	} else {
		m.metrics.Conversing.Add(ctx, -1)
	}
}

func (m *Machine) record(e journal.Entry) {
	if m.rec == nil {
		return
	}
	e.Retries = m.retries
	m.rec.Record(e)
}
