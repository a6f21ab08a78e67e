package conversation

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/wakeloop/internal/observe"
	"github.com/MrWong99/wakeloop/pkg/types"
)

// DefaultQueue is the message buffer of a Loop created with a non-positive
// queue size.
const DefaultQueue = 32

type msgKind int

const (
	msgWake msgKind = iota
	msgRecognizer
	msgPlayback
	msgStop
	msgPolicy
	msgState
)

func (k msgKind) String() string {
	switch k {
	case msgWake:
		return "wake"
	case msgRecognizer:
		return "recognizer"
	case msgPlayback:
		return "playback"
	case msgStop:
		return "stop"
	case msgPolicy:
		return "policy"
	case msgState:
		return "state"
	default:
		return "unknown"
	}
}

type message struct {
	kind     msgKind
	wake     types.WakeEvent
	rec      types.RecognizerEvent
	playback types.PlaybackStatus
	policy   Policy
	reason   string
	reply    chan State

	// stops is the number of stop requests made before this message was
	// submitted.
	stops uint64
}

// isDeviceEvent reports whether a stop supersedes the message.
func (msg message) isDeviceEvent() bool {
	return msg.kind == msgWake || msg.kind == msgRecognizer || msg.kind == msgPlayback
}

// Loop serialises all input to a [Machine] on one goroutine. Its submit
// methods never block: when the queue is full the message is dropped and
// counted. Stop requests use a separate slot and are handled before any
// queued message; wake, recognizer and playback messages that were queued
// before the stop are then discarded rather than replayed on top of it.
type Loop struct {
	m       *Machine
	msgs    chan message
	stop    chan string
	metrics *observe.Metrics

	// requested counts StopConversation calls. applied is the count seen
	// when the loop last handled a stop; it belongs to the loop goroutine.
	requested atomic.Uint64
	applied   uint64
}

// NewLoop returns a Loop driving m with room for queue pending messages.
func NewLoop(m *Machine, queue int) *Loop {
	if queue <= 0 {
		queue = DefaultQueue
	}
	return &Loop{
		m:       m,
		msgs:    make(chan message, queue),
		stop:    make(chan string, 1),
		metrics: m.metrics,
	}
}

func (l *Loop) submit(msg message) {
	msg.stops = l.requested.Load()
	select {
	case l.msgs <- msg:
	default:
		l.metrics.RecordDropped(context.Background(), "conversation")
		slog.Warn("conversation queue full, message dropped", "kind", msg.kind)
	}
}

// Publish submits a wake event.
func (l *Loop) Publish(ev types.WakeEvent) {
	l.submit(message{kind: msgWake, wake: ev})
}

// Recognized submits a recognizer update.
func (l *Loop) Recognized(ev types.RecognizerEvent) {
	l.submit(message{kind: msgRecognizer, rec: ev})
}

// PlaybackChanged submits a playback status change.
func (l *Loop) PlaybackChanged(status types.PlaybackStatus) {
	l.submit(message{kind: msgPlayback, playback: status})
}

// StopConversation requests an unconditional reset. Repeated requests before
// the loop runs collapse into one.
func (l *Loop) StopConversation() {
	l.StopConversationFor(StopExternal)
}

// StopConversationFor is StopConversation with a journal reason.
func (l *Loop) StopConversationFor(reason string) {
	l.requested.Add(1)
	select {
	case l.stop <- reason:
	default:
	}
}

// UpdatePolicy submits a policy replacement.
func (l *Loop) UpdatePolicy(p Policy) {
	l.submit(message{kind: msgPolicy, policy: p.clone()})
}

// State asks the loop for a snapshot. It blocks until the loop answers or
// ctx is done.
func (l *Loop) State(ctx context.Context) (State, error) {
	reply := make(chan State, 1)
	select {
	case l.msgs <- message{kind: msgState, reply: reply}:
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

// Run processes messages until ctx is cancelled and returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	slog.Info("conversation loop started")
	defer slog.Info("conversation loop stopped")

	for {
		// Pending stop requests win over queued messages.
		select {
		case reason := <-l.stop:
			l.handleStop(ctx, reason)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case reason := <-l.stop:
			l.handleStop(ctx, reason)
		case msg := <-l.msgs:
			if msg.isDeviceEvent() && msg.stops < l.applied {
				l.discard(msg)
				continue
			}
			l.handle(ctx, msg)
		}
	}
}

func (l *Loop) handleStop(ctx context.Context, reason string) {
	l.applied = l.requested.Load()
	l.handle(ctx, message{kind: msgStop, reason: reason})
}

// discard drops a device event overtaken by a stop. Playback status is still
// tracked so the next idle transition is detected correctly.
func (l *Loop) discard(msg message) {
	slog.Debug("discarding message queued before stop", "kind", msg.kind)
	if msg.kind == msgPlayback {
		l.m.notePlayback(msg.playback)
	}
}

func (l *Loop) handle(ctx context.Context, msg message) {
	ctx, span := observe.StartSpan(ctx, "conversation."+msg.kind.String())
	defer span.End()

	switch msg.kind {
	case msgWake:
		span.SetAttributes(observe.AttrWakeSource.String(string(msg.wake.Source)))
		l.m.HandleWake(ctx, msg.wake)
	case msgRecognizer:
		span.SetAttributes(observe.AttrRecognizerFinal.Bool(msg.rec.IsFinal))
		l.m.HandleRecognizer(ctx, msg.rec)
	case msgPlayback:
		span.SetAttributes(observe.AttrPlaybackStatus.String(string(msg.playback)))
		l.m.HandlePlayback(ctx, msg.playback)
	case msgStop:
		span.SetAttributes(observe.AttrStopReason.String(msg.reason))
		l.m.Stop(ctx, msg.reason)
	case msgPolicy:
		l.m.SetPolicy(msg.policy)
	case msgState:
		msg.reply <- l.m.State()
	}

	st := l.m.State()
	observe.ConversationState(span, st.Conversing, st.Retries)
}
