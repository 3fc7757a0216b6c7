package gateway

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const defaultWakeFuzzyThreshold = 0.88

// WakeMatcher resolves whether a detected utterance is a wake phrase, using
// an exact match first and a Jaro-Winkler fuzzy fallback second so that
// minor ASR misrecognitions of the configured wake phrase still trigger.
//
// WakeMatcher is read-only after construction and safe for concurrent use.
type WakeMatcher struct {
	phrases   []string
	threshold float64
}

// NewWakeMatcher builds a WakeMatcher from the configured wake phrases,
// lower-cased once at construction time.
func NewWakeMatcher(phrases []string) *WakeMatcher {
	lowered := make([]string, len(phrases))
	for i, p := range phrases {
		lowered[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return &WakeMatcher{phrases: lowered, threshold: defaultWakeFuzzyThreshold}
}

// Match reports whether text is a wake phrase, either exactly (after
// stripping punctuation and casing) or within the fuzzy threshold.
func (m *WakeMatcher) Match(text string) bool {
	candidate := normalizeForWake(text)
	if candidate == "" {
		return false
	}
	for _, p := range m.phrases {
		if candidate == p {
			return true
		}
	}
	for _, p := range m.phrases {
		if matchr.JaroWinkler(candidate, p, false) >= m.threshold {
			return true
		}
	}
	return false
}

// normalizeForWake strips common trailing punctuation and normalizes case,
// mirroring remove_punctuation_and_length from the reference implementation.
func normalizeForWake(text string) string {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.Trim(trimmed, ".,!?;:，。！？；：")
	return strings.ToLower(trimmed)
}

// MatchExitCommand reports whether transcript is an exact (case-insensitive)
// match against one of the configured exit commands. Per the Open Question
// decision in DESIGN.md, this is an exact match, never a substring match.
func MatchExitCommand(transcript string, commands []string) bool {
	candidate := strings.ToLower(strings.TrimSpace(transcript))
	for _, c := range commands {
		if candidate == strings.ToLower(strings.TrimSpace(c)) {
			return true
		}
	}
	return false
}
