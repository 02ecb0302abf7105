package dialog

import "github.com/kaiku-voice/kaiku/pkg/provider/tts"

// ToneFor maps the dominant user sentiment to a synthesis tone profile. A
// negative caller gets a calmer, more stable voice; a positive caller gets a
// livelier one.
func ToneFor(s Sentiment) tts.ToneSettings {
	switch s {
	case SentimentPositive:
		return tts.ToneSettings{Stability: 0.4, SimilarityBoost: 0.8, Style: 0.3}
	case SentimentNegative:
		return tts.ToneSettings{Stability: 0.8, SimilarityBoost: 0.75, Style: 0}
	default:
		return tts.ToneSettings{Stability: 0.5, SimilarityBoost: 0.75, Style: 0}
	}
}
