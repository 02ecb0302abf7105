// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram) and
// exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts raw audio frames and emits two
// streams of Transcript values — low-latency partials for responsiveness and
// authoritative finals that advance the conversation — plus asynchronous voice
// activity events that feed the barge-in path.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"

	"github.com/kaiku-voice/kaiku/pkg/audio"
)

// StreamConfig describes the audio format and recognition hints for a new STT
// session. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// Codec is the encoding of the frames that will be pushed into the
	// session. For PSTN calls this is [audio.CodecMuLaw8k].
	Codec audio.Codec

	// Language is the BCP-47 language tag for recognition (e.g., "en-US",
	// "fi"). An empty string lets the provider auto-detect, if supported.
	Language string

	// Model selects a provider-specific recognition model (e.g., "nova-3").
	// Empty means the provider default.
	Model string

	// InterimResults requests low-latency partial transcripts in addition
	// to finals.
	InterimResults bool

	// EndpointingMs is the trailing-silence window, in milliseconds, after
	// which the provider finalises the current utterance. Zero means the
	// provider default.
	EndpointingMs int

	// UtteranceEndMs is the silence window, in milliseconds, after which
	// the provider emits an utterance-end voice activity event. Zero means
	// the provider default.
	UtteranceEndMs int
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers one audio frame to the provider for transcription.
	// The frame codec must match the StreamConfig the session was opened
	// with. Calling SendAudio after Close returns an error.
	SendAudio(frame audio.AudioFrame) error

	// Partials returns a read-only channel that emits low-latency interim
	// Transcript values as the provider makes preliminary guesses. These
	// drive responsiveness cues but must never be fed to the language model.
	// The channel is closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel that emits authoritative
	// Transcript values once the provider has committed to a recognition
	// result. These are the values that advance the conversation.
	// The channel is closed when the session ends.
	Finals() <-chan Transcript

	// Events returns a read-only channel of voice activity events
	// (speech-started, utterance-end) reported by the provider. The channel
	// is closed when the session ends.
	Events() <-chan VADEvent

	// Err returns the terminal error of the session, or nil while the
	// session is live or after a clean Close. A non-nil value after the
	// output channels close means the upstream connection dropped and
	// reconnection attempts were exhausted.
	Err() error

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the output channels
	// will be closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per active call).
type Provider interface {
	// StartStream opens a new streaming transcription session with the
	// given audio format and recognition configuration. The returned
	// SessionHandle is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close
	// when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
