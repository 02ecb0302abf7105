package stt

import "time"

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64

	// UtteranceID groups the partials and the final of one utterance.
	// Providers that do not track utterances may leave it empty.
	UtteranceID string

	// Words contains per-word detail when available. May be nil for
	// providers that don't support word-level output.
	Words []WordDetail

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// VADEventType enumerates provider-reported voice activity events.
type VADEventType int

const (
	// SpeechStarted indicates the provider detected the onset of speech.
	SpeechStarted VADEventType = iota

	// UtteranceEnd indicates the provider decided the current utterance is
	// complete.
	UtteranceEnd
)

// String returns a human-readable name for the event type.
func (t VADEventType) String() string {
	switch t {
	case SpeechStarted:
		return "speech_started"
	case UtteranceEnd:
		return "utterance_end"
	default:
		return "unknown"
	}
}

// VADEvent is an asynchronous voice activity notification from the provider.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// At is when the provider reported the event.
	At time.Time
}
