package dialog

import (
	"strings"
	"time"
)

// EndpointPolicy decides how long to wait after a final transcript before
// treating the caller's turn as complete. Finals without terminal
// punctuation get a longer pause since the caller is likely mid-thought;
// questions get answered sooner.
type EndpointPolicy struct {
	// BaseSilence applies to finals ending in terminal punctuation.
	// Default 300 ms.
	BaseSilence time.Duration

	// NoPunctuationSilence applies to finals without terminal punctuation.
	// Default 1.2 s.
	NoPunctuationSilence time.Duration

	// QuestionSilence applies to finals ending in a question mark.
	// Default 500 ms.
	QuestionSilence time.Duration
}

// DefaultEndpointPolicy returns the stock pauses.
func DefaultEndpointPolicy() EndpointPolicy {
	return EndpointPolicy{
		BaseSilence:          300 * time.Millisecond,
		NoPunctuationSilence: 1200 * time.Millisecond,
		QuestionSilence:      500 * time.Millisecond,
	}
}

// RequiredSilence returns how long the agent should hold before responding
// to the given final transcript.
func (p EndpointPolicy) RequiredSilence(text string) time.Duration {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return p.NoPunctuationSilence
	}
	switch trimmed[len(trimmed)-1] {
	case '?':
		return p.QuestionSilence
	case '.', '!':
		return p.BaseSilence
	default:
		return p.NoPunctuationSilence
	}
}
