package app

import (
	"context"
	"log/slog"

	"github.com/MrWong99/wakeloop/internal/conversation"
)

// logSpeaker is the local-mode speaker: there is no device, so every action
// is only logged.
type logSpeaker struct{}

var _ conversation.Speaker = logSpeaker{}

func (logSpeaker) PlayText(ctx context.Context, text string) error {
	slog.InfoContext(ctx, "speaker: play text", "text", text)
	return nil
}

func (logSpeaker) PlayURL(ctx context.Context, url string) error {
	slog.InfoContext(ctx, "speaker: play url", "url", url)
	return nil
}

func (logSpeaker) WakeUp(ctx context.Context, awake, silent bool) error {
	slog.InfoContext(ctx, "speaker: wake up", "awake", awake, "silent", silent)
	return nil
}
