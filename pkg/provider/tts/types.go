package tts

import "github.com/kaiku-voice/kaiku/pkg/audio"

// VoiceProfile describes a TTS voice configuration.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Metadata holds provider-specific voice attributes (gender, age,
	// accent, etc.).
	Metadata map[string]string
}

// ToneSettings tunes how the voice delivers speech. A zero value requests the
// provider's defaults. The pipeline selects tone from the caller's dominant
// sentiment: a frustrated caller gets higher stability (a calmer, steadier
// delivery).
type ToneSettings struct {
	// Stability in [0, 1]. Higher values produce a steadier, less
	// expressive voice.
	Stability float64

	// SimilarityBoost in [0, 1]. Higher values track the reference voice
	// more closely.
	SimilarityBoost float64

	// Style in [0, 1]. Higher values exaggerate the speaking style.
	Style float64
}

// IsZero reports whether t carries no explicit settings.
func (t ToneSettings) IsZero() bool {
	return t == ToneSettings{}
}

// SpeechRequest carries the voice, tone, and output format for one synthesis.
type SpeechRequest struct {
	// Voice is the voice profile to synthesise with. Voice.ID must be set.
	Voice VoiceProfile

	// Tone adjusts delivery. Zero value means provider defaults.
	Tone ToneSettings

	// Codec is the desired output encoding. For PSTN playback this is
	// [audio.CodecMuLaw8k]. An invalid codec falls back to the provider
	// default.
	Codec audio.Codec
}
