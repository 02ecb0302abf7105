// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs) and
// presents a uniform streaming interface. The primary entry point is
// SynthesizeStream, which accepts a channel of text fragments and returns a
// channel of raw audio bytes as they become available — enabling low-latency
// pipelining between LLM output and the playback buffer.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis
// requests may run in parallel (one per active call).
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits raw audio byte slices as they are
	// synthesised, encoded per req.Codec. This design allows the caller to
	// pipe LLM streaming output directly into synthesis without waiting for
	// the full text to be available.
	//
	// The returned audio channel is closed by the implementation when all
	// text has been synthesised or when ctx is cancelled. The caller must
	// drain the audio channel to avoid blocking the provider's internal
	// goroutines.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// encountered during synthesis are signalled by closing the audio
	// channel early; callers should check ctx.Err() to distinguish
	// cancellation from provider errors.
	SynthesizeStream(ctx context.Context, text <-chan string, req SpeechRequest) (<-chan []byte, error)

	// Synthesize renders a single text string to audio and returns the full
	// payload. Used for short canned utterances (clarification prompts,
	// apologies) where streaming adds no value.
	//
	// Returns an error if synthesis fails or ctx is cancelled.
	Synthesize(ctx context.Context, text string, req SpeechRequest) ([]byte, error)

	// ListVoices returns all voice profiles available from this provider.
	// The list reflects the provider's current catalogue and may change
	// between calls if the underlying service adds or removes voices.
	//
	// Returns an error if the provider cannot be reached or if ctx is
	// cancelled before the list is retrieved.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
