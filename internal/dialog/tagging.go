package dialog

import "strings"

// Intent is a coarse keyword-derived classification of a turn.
type Intent string

const (
	IntentQuestion  Intent = "question"
	IntentCommand   Intent = "command"
	IntentGreeting  Intent = "greeting"
	IntentFarewell  Intent = "farewell"
	IntentStatement Intent = "statement"
)

// Sentiment is a coarse keyword-derived polarity of a turn.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

var greetingPhrases = []string{
	"hello", "hi", "hey", "good morning", "good afternoon", "good evening",
}

var farewellPhrases = []string{
	"bye", "goodbye", "see you", "talk to you later", "have a good one",
	"take care", "that's all",
}

var questionStarters = []string{
	"who", "what", "when", "where", "why", "how", "is", "are", "was", "were",
	"do", "does", "did", "can", "could", "would", "will", "should",
}

var commandStarters = []string{
	"please", "tell", "give", "stop", "repeat", "call", "transfer", "cancel",
	"set", "play", "send", "book", "schedule",
}

var positiveWords = []string{
	"great", "good", "thanks", "thank", "awesome", "perfect", "wonderful",
	"excellent", "love", "happy", "nice", "helpful",
}

var negativeWords = []string{
	"bad", "terrible", "awful", "angry", "upset", "frustrated", "annoyed",
	"hate", "wrong", "problem", "broken", "useless", "ridiculous",
}

// DetectIntent classifies text by keyword heuristics. Unclassifiable text is
// a statement.
func DetectIntent(text string) Intent {
	norm := strings.ToLower(strings.TrimSpace(text))
	if norm == "" {
		return IntentStatement
	}
	if strings.HasSuffix(norm, "?") {
		return IntentQuestion
	}
	for _, p := range farewellPhrases {
		if norm == p || strings.HasPrefix(norm, p+" ") || strings.HasPrefix(norm, p+",") {
			return IntentFarewell
		}
	}
	for _, p := range greetingPhrases {
		if norm == p || strings.HasPrefix(norm, p+" ") || strings.HasPrefix(norm, p+",") {
			return IntentGreeting
		}
	}
	first := norm
	if idx := strings.IndexAny(norm, " ,"); idx > 0 {
		first = norm[:idx]
	}
	for _, s := range questionStarters {
		if first == s {
			return IntentQuestion
		}
	}
	for _, s := range commandStarters {
		if first == s {
			return IntentCommand
		}
	}
	return IntentStatement
}

// DetectSentiment scores text by positive and negative keyword counts; ties
// and empty text are neutral.
func DetectSentiment(text string) Sentiment {
	norm := strings.ToLower(text)
	var pos, neg int
	for _, w := range strings.FieldsFunc(norm, func(r rune) bool {
		return !('a' <= r && r <= 'z') && r != '\''
	}) {
		for _, p := range positiveWords {
			if w == p {
				pos++
			}
		}
		for _, n := range negativeWords {
			if w == n {
				neg++
			}
		}
	}
	switch {
	case pos > neg:
		return SentimentPositive
	case neg > pos:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}
