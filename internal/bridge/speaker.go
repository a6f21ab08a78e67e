package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Device scripts.
const (
	ttsScript       = "/usr/sbin/tts_play.sh"
	wakeSilent      = `ubus call pnshelper event_notify '{"src":1,"event":0}'`
	wakeAudible     = `ubus call pnshelper event_notify '{"src":0,"event":0}'`
	sleepAssistant  = `ubus call pnshelper event_notify '{"src":3,"event":7}' && sleep 0.1 && ubus call pnshelper event_notify '{"src":3,"event":8}'`
	playURLTemplate = "ubus call mediaplayer player_play_url %s"
)

// ShellRunner runs scripts on the device. [Server] implements it.
type ShellRunner interface {
	RunShell(ctx context.Context, script string, timeout time.Duration) (ShellResult, error)
}

// Speaker drives device audio output through shell commands.
type Speaker struct {
	run     ShellRunner
	timeout time.Duration
}

// NewSpeaker returns a Speaker using run. A non-positive timeout selects the
// run_shell default.
func NewSpeaker(run ShellRunner, timeout time.Duration) *Speaker {
	return &Speaker{run: run, timeout: timeout}
}

// PlayText speaks text with the device's text-to-speech.
func (s *Speaker) PlayText(ctx context.Context, text string) error {
	return s.exec(ctx, ttsScript+" "+shellQuote(text))
}

// PlayURL plays the audio at url on the device media player.
func (s *Speaker) PlayURL(ctx context.Context, url string) error {
	arg, err := json.Marshal(struct {
		URL  string `json:"url"`
		Type int    `json:"type"`
	}{URL: url, Type: 1})
	if err != nil {
		return fmt.Errorf("bridge: encode play url: %w", err)
	}
	return s.exec(ctx, fmt.Sprintf(playURLTemplate, shellQuote(string(arg))))
}

// WakeUp opens the device recognizer when awake is true, silently (no chime)
// when silent is true. With awake false the native assistant is put back to
// sleep.
func (s *Speaker) WakeUp(ctx context.Context, awake, silent bool) error {
	switch {
	case !awake:
		return s.exec(ctx, sleepAssistant)
	case silent:
		return s.exec(ctx, wakeSilent)
	default:
		return s.exec(ctx, wakeAudible)
	}
}

func (s *Speaker) exec(ctx context.Context, script string) error {
	res, err := s.run.RunShell(ctx, script, s.timeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("bridge: script exited with %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
