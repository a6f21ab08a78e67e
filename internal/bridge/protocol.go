package bridge

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/wakeloop/pkg/types"
)

// Envelope kinds.
const (
	kindEvent    = "event"
	kindResponse = "response"
	kindRequest  = "request"
)

// Device event names.
const (
	eventInstruction = "instruction"
	eventPlaying     = "playing"
)

// Instruction namespaces and names.
const (
	nsSpeechRecognizer = "SpeechRecognizer"
	nsAudioPlayer      = "AudioPlayer"
	nameRecognize      = "RecognizeResult"
)

// cmdRunShell is the only request the server sends to the device.
const cmdRunShell = "run_shell"

// ErrMalformed is wrapped by [ParseEvent] for events that are missing
// required fields or carry data of the wrong shape.
var ErrMalformed = errors.New("bridge: malformed event")

// envelope is the JSON structure of every text message on the device socket.
type envelope struct {
	Kind    string          `json:"kind"`
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event,omitempty"`
	Command string          `json:"command,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type shellRequest struct {
	Script    string `json:"script"`
	TimeoutMS int64  `json:"timeout_ms"`
}

// ShellResult is the device's answer to a run_shell request.
type ShellResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

type instruction struct {
	Header struct {
		Namespace string `json:"namespace"`
		Name      string `json:"name"`
	} `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

type recognizeResult struct {
	Results []struct {
		Text string `json:"text"`
	} `json:"results"`
	IsFinal    bool  `json:"is_final"`
	IsVADBegin *bool `json:"is_vad_begin"`
}

// EventKind classifies a parsed device event.
type EventKind int

const (
	// EventIgnored is a well-formed event with no meaning for the conversation.
	EventIgnored EventKind = iota

	// EventRecognizer carries a speech recognizer update.
	EventRecognizer

	// EventPlayback carries a playback status change.
	EventPlayback

	// EventAudioPlayer signals that the native assistant started media playback.
	EventAudioPlayer
)

// Event is a device event reduced to what the conversation loop consumes.
type Event struct {
	Kind       EventKind
	Recognizer types.RecognizerEvent
	Playback   types.PlaybackStatus
}

// ParseEvent decodes the data of a device event named name.
//
// Unknown event names and instructions from other namespaces are returned as
// [EventIgnored] with a nil error. Structural problems wrap [ErrMalformed].
func ParseEvent(name string, data json.RawMessage) (Event, error) {
	switch name {
	case eventInstruction:
		return parseInstruction(data)
	case eventPlaying:
		var status string
		if err := json.Unmarshal(data, &status); err != nil {
			return Event{}, fmt.Errorf("%w: playing: %v", ErrMalformed, err)
		}
		return Event{Kind: EventPlayback, Playback: types.ParsePlaybackStatus(status)}, nil
	default:
		return Event{Kind: EventIgnored}, nil
	}
}

func parseInstruction(data json.RawMessage) (Event, error) {
	var wrapper struct {
		NewLine string `json:"NewLine"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return Event{}, fmt.Errorf("%w: instruction: %v", ErrMalformed, err)
	}
	if wrapper.NewLine == "" {
		return Event{Kind: EventIgnored}, nil
	}

	var line instruction
	if err := json.Unmarshal([]byte(wrapper.NewLine), &line); err != nil {
		return Event{}, fmt.Errorf("%w: instruction line: %v", ErrMalformed, err)
	}

	switch line.Header.Namespace {
	case nsAudioPlayer:
		return Event{Kind: EventAudioPlayer}, nil
	case nsSpeechRecognizer:
		if line.Header.Name != nameRecognize {
			return Event{Kind: EventIgnored}, nil
		}
	default:
		return Event{Kind: EventIgnored}, nil
	}

	var res recognizeResult
	if err := json.Unmarshal(line.Payload, &res); err != nil {
		return Event{}, fmt.Errorf("%w: recognize result: %v", ErrMalformed, err)
	}
	if len(res.Results) == 0 {
		return Event{}, fmt.Errorf("%w: recognize result without results", ErrMalformed)
	}
	return Event{
		Kind: EventRecognizer,
		Recognizer: types.RecognizerEvent{
			Text:       res.Results[0].Text,
			IsFinal:    res.IsFinal,
			IsVADBegin: res.IsVADBegin,
		},
	}, nil
}
