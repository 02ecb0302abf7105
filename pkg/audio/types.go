// Package audio defines the frame and codec types shared by every stage of the
// kaiku voice pipeline, plus μ-law codec helpers for the PSTN path.
//
// Frames are the atomic unit of audio transport — received from the carrier
// media stream, pushed into STT, analysed by VAD, produced by TTS, and paced
// out through the playback buffer.
package audio

import "time"

// Codec identifies the encoding of an [AudioFrame]'s payload.
type Codec string

const (
	// CodecMuLaw8k is 8-bit μ-law at 8 kHz mono — the PSTN media format.
	// A 20 ms frame is 160 bytes.
	CodecMuLaw8k Codec = "mulaw8k"

	// CodecPCM16k is 16-bit little-endian PCM at 16 kHz mono — the WebRTC
	// media format. A 20 ms frame is 640 bytes.
	CodecPCM16k Codec = "pcm16k"
)

// SampleRate returns the codec's sample rate in Hz.
func (c Codec) SampleRate() int {
	switch c {
	case CodecPCM16k:
		return 16000
	default:
		return 8000
	}
}

// BytesPerSample returns the size of one sample in bytes.
func (c Codec) BytesPerSample() int {
	if c == CodecPCM16k {
		return 2
	}
	return 1
}

// FrameBytes returns the payload size of a frame of duration d.
func (c Codec) FrameBytes(d time.Duration) int {
	samples := int(d.Milliseconds()) * c.SampleRate() / 1000
	return samples * c.BytesPerSample()
}

// Duration returns the play time of n payload bytes in this codec.
func (c Codec) Duration(n int) time.Duration {
	samples := n / c.BytesPerSample()
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate())
}

// IsValid reports whether c is a recognised codec.
func (c Codec) IsValid() bool {
	return c == CodecMuLaw8k || c == CodecPCM16k
}

// AudioFrame is a single frame of audio flowing through the pipeline.
type AudioFrame struct {
	// Data is the encoded payload. Interpretation depends on Codec.
	Data []byte

	// Codec describes the payload encoding.
	Codec Codec

	// Timestamp marks when this frame was captured or synthesised,
	// relative to stream start.
	Timestamp time.Duration
}

// Duration returns the play time of the frame.
func (f AudioFrame) Duration() time.Duration {
	return f.Codec.Duration(len(f.Data))
}
