package conversation

import (
	"fmt"
	"slices"
	"strings"
)

// Defaults applied by [DefaultPolicy].
const (
	DefaultMaxRetries = 2
	DefaultExitPrompt = "再见，主人"
)

// DefaultExitKeywords end a conversation when contained in an utterance.
var DefaultExitKeywords = []string{"停止", "退下", "退出", "下去吧"}

// Policy holds the tunable behaviour of the machine. It can be replaced at
// runtime via [Loop.UpdatePolicy].
type Policy struct {
	// Continuous keeps the device listening after each reply.
	Continuous bool

	// MaxRetries bounds consecutive silent re-wakes without user speech.
	MaxRetries int

	// ExitKeywords end the conversation when any is a substring of an
	// utterance.
	ExitKeywords []string

	// ExitPrompt is spoken on exit. Empty means silent exit.
	ExitPrompt string

	// NotifyURL is played after a re-wake to signal the device is listening.
	NotifyURL string

	// WakePrompt is spoken after a keyword wake.
	WakePrompt string
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Continuous:   true,
		MaxRetries:   DefaultMaxRetries,
		ExitKeywords: slices.Clone(DefaultExitKeywords),
		ExitPrompt:   DefaultExitPrompt,
	}
}

// Validate reports policy values the machine cannot work with.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", p.MaxRetries)
	}
	for i, k := range p.ExitKeywords {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("exit keyword %d is empty", i)
		}
	}
	return nil
}

// exitKeyword returns the first exit keyword contained in text.
func (p Policy) exitKeyword(text string) (string, bool) {
	for _, k := range p.ExitKeywords {
		if k != "" && strings.Contains(text, k) {
			return k, true
		}
	}
	return "", false
}

func (p Policy) clone() Policy {
	p.ExitKeywords = slices.Clone(p.ExitKeywords)
	return p
}
