package kws

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// DefaultMatchThreshold is the minimum Jaro-Winkler similarity for a fuzzy
// phrase match.
const DefaultMatchThreshold = 0.85

// phoneticThreshold applies when the raw output and a latin-script phrase
// share a Double Metaphone code.
const phoneticThreshold = 0.70

// Matcher maps raw spotter output onto one of the configured wake phrases.
// It is read-only after construction and safe for concurrent use.
type Matcher struct {
	phrases   []string
	threshold float64
}

// NewMatcher returns a Matcher for phrases. A non-positive threshold selects
// [DefaultMatchThreshold]. With no phrases every non-empty output is accepted
// unchanged.
func NewMatcher(phrases []string, threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = DefaultMatchThreshold
	}
	cleaned := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return &Matcher{phrases: cleaned, threshold: threshold}
}

// Match returns the configured phrase that raw refers to.
//
// Spotters that emit keyword-file entries ("x iǎo zh ì @小智") are reduced to
// the display text after the last '@'. Exact matches win; otherwise the phrase
// with the best Jaro-Winkler score is chosen, using a lower bar when both sides
// share a Double Metaphone code.
func (m *Matcher) Match(raw string) (string, bool) {
	text := raw
	if i := strings.LastIndex(text, "@"); i >= 0 {
		text = text[i+1:]
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	if len(m.phrases) == 0 {
		return text, true
	}

	lower := strings.ToLower(text)
	codes := metaphoneCodes(lower)

	best, bestScore := "", 0.0
	for _, p := range m.phrases {
		pl := strings.ToLower(p)
		if pl == lower {
			return p, true
		}
		score := matchr.JaroWinkler(lower, pl, false)
		bar := m.threshold
		if sharesCode(codes, metaphoneCodes(pl)) {
			bar = min(bar, phoneticThreshold)
		}
		if score >= bar && score > bestScore {
			best, bestScore = p, score
		}
	}
	return best, best != ""
}

// metaphoneCodes returns Double Metaphone codes for the latin tokens of s.
// Tokens containing non-ASCII runes (e.g. Chinese) yield no codes.
func metaphoneCodes(s string) map[string]struct{} {
	codes := make(map[string]struct{})
	for _, tok := range strings.Fields(s) {
		if !isASCII(tok) {
			continue
		}
		p, sec := matchr.DoubleMetaphone(tok)
		if p != "" {
			codes[p] = struct{}{}
		}
		if sec != "" {
			codes[sec] = struct{}{}
		}
	}
	return codes
}

func sharesCode(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
