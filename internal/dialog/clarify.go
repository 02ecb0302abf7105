package dialog

import (
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
)

const (
	// defaultMinConfidence is the recognizer confidence below which a final
	// is treated as unintelligible.
	defaultMinConfidence = 0.5

	// defaultClarifyFuzzy is the Jaro-Winkler floor for matching an
	// uncertainty phrase directly.
	defaultClarifyFuzzy = 0.85

	// phoneticRankThreshold is the Jaro-Winkler floor applied to phonetic
	// candidates, mirroring the two-stage match used for entity correction.
	phoneticRankThreshold = 0.70
)

// uncertaintyPhrases are things callers say when they did not understand the
// agent. A final matching one of these phonetically is answered with a
// clarification instead of a full pipeline run.
var uncertaintyPhrases = []string{
	"what", "huh", "pardon", "sorry", "come again", "say again",
	"say that again", "repeat that", "what was that", "i didn't catch that",
}

var clarificationPrompts = []string{
	"Sorry, I didn't catch that. Could you say it again?",
	"I'm having trouble hearing you. Could you repeat that?",
	"Could you rephrase that for me?",
}

// ClarifierOption configures a Clarifier.
type ClarifierOption func(*Clarifier)

// WithMinConfidence sets the confidence floor. Default: 0.5.
func WithMinConfidence(c float64) ClarifierOption {
	return func(cl *Clarifier) { cl.minConfidence = c }
}

// WithFuzzyThreshold sets the Jaro-Winkler floor for direct phrase matches.
// Default: 0.85.
func WithFuzzyThreshold(t float64) ClarifierOption {
	return func(cl *Clarifier) { cl.fuzzyThreshold = t }
}

// Clarifier decides whether a final transcript warrants a clarification
// prompt instead of an LLM turn. Matching combines Double Metaphone phonetic
// candidates with Jaro-Winkler ranking. Safe for concurrent use.
type Clarifier struct {
	minConfidence  float64
	fuzzyThreshold float64

	mu   sync.Mutex
	next int
}

// NewClarifier returns a Clarifier with default thresholds.
func NewClarifier(opts ...ClarifierOption) *Clarifier {
	c := &Clarifier{
		minConfidence:  defaultMinConfidence,
		fuzzyThreshold: defaultClarifyFuzzy,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NeedsClarification reports whether the final should be answered with a
// clarification prompt. Confidence of zero means the recognizer reported
// none and is not held against the text.
func (c *Clarifier) NeedsClarification(text string, confidence float64) bool {
	norm := strings.ToLower(strings.TrimSpace(text))
	norm = strings.TrimRight(norm, ".!?")
	if norm == "" {
		return true
	}
	if confidence > 0 && confidence < c.minConfidence {
		return true
	}
	return c.matchesUncertainty(norm)
}

// Prompt returns the next canned clarification, round-robin.
func (c *Clarifier) Prompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := clarificationPrompts[c.next%len(clarificationPrompts)]
	c.next++
	return p
}

// matchesUncertainty runs the two-stage match: phonetic candidates ranked by
// Jaro-Winkler, then a pure fuzzy pass with a higher floor. Only short finals
// are considered; a full sentence containing "what" is a real question.
func (c *Clarifier) matchesUncertainty(norm string) bool {
	if len(strings.Fields(norm)) > 4 {
		return false
	}
	for _, phrase := range uncertaintyPhrases {
		if norm == phrase {
			return true
		}
		score := matchr.JaroWinkler(norm, phrase, true)
		if phoneticOverlap(norm, phrase) {
			if score >= phoneticRankThreshold {
				return true
			}
			continue
		}
		if score >= c.fuzzyThreshold {
			return true
		}
	}
	return false
}

// phoneticOverlap reports whether any word of a shares a Double Metaphone
// code with any word of b.
func phoneticOverlap(a, b string) bool {
	codesA := metaphoneCodes(a)
	codesB := metaphoneCodes(b)
	for code := range codesA {
		if codesB[code] {
			return true
		}
	}
	return false
}

func metaphoneCodes(s string) map[string]bool {
	codes := map[string]bool{}
	for _, w := range strings.Fields(s) {
		primary, secondary := matchr.DoubleMetaphone(w)
		if primary != "" {
			codes[primary] = true
		}
		if secondary != "" {
			codes[secondary] = true
		}
	}
	return codes
}
