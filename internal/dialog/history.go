// Package dialog models the conversation layer of a call: turn history with
// a sliding window, keyword intent and sentiment tagging, tone profiles for
// speech synthesis, clarification of unintelligible input, and turn-taking
// pauses.
package dialog

import (
	"sync"
	"time"

	"github.com/kaiku-voice/kaiku/pkg/provider/llm"
)

// defaultMaxTurns is the sliding-window size for LLM context.
const defaultMaxTurns = 20

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one utterance in the conversation.
type Turn struct {
	Role      Role
	Text      string
	Timestamp time.Time

	// Confidence is the recognizer confidence for user turns, zero otherwise.
	Confidence float64

	// Intent and Sentiment are filled by keyword tagging on append.
	Intent    Intent
	Sentiment Sentiment

	// Cancelled marks an assistant turn truncated by barge-in; Text then
	// holds only the prefix that was actually played.
	Cancelled bool
}

// History is the concurrent-safe turn log of one call. It retains every turn
// for archival but serves LLM context from a sliding window of the most
// recent maxTurns.
type History struct {
	mu       sync.Mutex
	maxTurns int
	turns    []Turn
}

// NewHistory returns an empty history; maxTurns <= 0 takes the default.
func NewHistory(maxTurns int) *History {
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	return &History{maxTurns: maxTurns}
}

// Append adds a turn, tagging intent and sentiment when the caller left them
// unset.
func (h *History) Append(t Turn) {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	if t.Intent == "" {
		t.Intent = DetectIntent(t.Text)
	}
	if t.Sentiment == "" {
		t.Sentiment = DetectSentiment(t.Text)
	}
	h.mu.Lock()
	h.turns = append(h.turns, t)
	h.mu.Unlock()
}

// Turns returns a copy of the full history.
func (h *History) Turns() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of recorded turns.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// Context builds the LLM message window: the last maxTurns turns, keeping
// only user and assistant roles with non-empty text. The system prompt is
// passed out-of-band by the orchestrator.
func (h *History) Context() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	start := 0
	if len(h.turns) > h.maxTurns {
		start = len(h.turns) - h.maxTurns
	}
	window := h.turns[start:]

	out := make([]llm.Message, 0, len(window))
	for _, t := range window {
		if t.Text == "" {
			continue
		}
		switch t.Role {
		case RoleUser, RoleAssistant:
			out = append(out, llm.Message{Role: string(t.Role), Content: t.Text})
		}
	}
	return out
}

// LastUserTurn returns the most recent user turn, if any.
func (h *History) LastUserTurn() (Turn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.turns) - 1; i >= 0; i-- {
		if h.turns[i].Role == RoleUser {
			return h.turns[i], true
		}
	}
	return Turn{}, false
}

// DominantSentiment returns the most frequent sentiment across user turns in
// the context window, neutral when there are none or on a tie.
func (h *History) DominantSentiment() Sentiment {
	h.mu.Lock()
	defer h.mu.Unlock()

	start := 0
	if len(h.turns) > h.maxTurns {
		start = len(h.turns) - h.maxTurns
	}

	counts := map[Sentiment]int{}
	for _, t := range h.turns[start:] {
		if t.Role == RoleUser && t.Sentiment != "" {
			counts[t.Sentiment]++
		}
	}

	best := SentimentNeutral
	bestCount := 0
	tie := false
	for _, s := range []Sentiment{SentimentPositive, SentimentNegative, SentimentNeutral} {
		switch {
		case counts[s] > bestCount:
			best, bestCount, tie = s, counts[s], false
		case counts[s] == bestCount && counts[s] > 0 && s != best:
			tie = true
		}
	}
	if tie || bestCount == 0 {
		return SentimentNeutral
	}
	return best
}
