package call

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kaiku-voice/kaiku/pkg/audio"
)

const (
	// jitterPoll is the sleep between buffer-depth checks while waiting for
	// the jitter threshold.
	jitterPoll = 10 * time.Millisecond

	// jitterTimeout caps the jitter-fill wait; after it, playback starts
	// with whatever is buffered.
	jitterTimeout = time.Second

	// underrunWait is how long the pump waits for a frame before counting
	// an underrun.
	underrunWait = 10 * time.Millisecond

	// fadeTail is the tail length faded out on a smooth stop.
	fadeTail = 50 * time.Millisecond

	// stopRelease bounds how long Stop waits for the pump to exit before
	// escalating to Interrupt.
	stopRelease = time.Second
)

// Sink receives outbound audio chunks in real-time pace.
type Sink func(chunk []byte) error

// BufferConfig sizes the playback buffer. Zero fields take PSTN defaults.
type BufferConfig struct {
	// Codec of the buffered audio. Defaults to μ-law 8 kHz.
	Codec audio.Codec

	// ChunkSize is the nominal frame duration. Default 20 ms.
	ChunkSize time.Duration

	// JitterBuffer is the pre-fill depth before playback starts.
	// Default 100 ms.
	JitterBuffer time.Duration

	// MaxBuffer caps total buffered audio; beyond it the oldest chunk is
	// dropped. Default 500 ms.
	MaxBuffer time.Duration
}

func (c *BufferConfig) applyDefaults() {
	if !c.Codec.IsValid() {
		c.Codec = audio.CodecMuLaw8k
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 20 * time.Millisecond
	}
	if c.JitterBuffer <= 0 {
		c.JitterBuffer = 100 * time.Millisecond
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = 500 * time.Millisecond
	}
}

// PlaybackBuffer is a bounded FIFO of outbound audio with jitter pre-fill,
// real-time pacing, smooth stop, and instant interrupt. One buffer serves a
// session for its whole life; Reset prepares it for each new utterance.
type PlaybackBuffer struct {
	cfg BufferConfig
	log *slog.Logger

	mu            sync.Mutex
	chunks        [][]byte
	bufferedBytes int
	enqueuedBytes int
	playedBytes   int
	inputDone     bool
	stopping      bool
	smooth        bool
	interrupted   bool
	playing       bool
	stopped       chan struct{}
	overruns      uint64
	underruns     uint64
}

// NewPlaybackBuffer constructs a buffer with the given config and logger.
func NewPlaybackBuffer(cfg BufferConfig, log *slog.Logger) *PlaybackBuffer {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &PlaybackBuffer{cfg: cfg, log: log}
}

// Reset prepares the buffer for a new utterance: clears pending audio and
// per-utterance flags. Lifetime counters survive.
func (b *PlaybackBuffer) Reset() {
	b.mu.Lock()
	b.chunks = nil
	b.bufferedBytes = 0
	b.enqueuedBytes = 0
	b.playedBytes = 0
	b.inputDone = false
	b.stopping = false
	b.smooth = false
	b.interrupted = false
	b.mu.Unlock()
}

// Add appends a chunk. When total buffered audio would exceed MaxBuffer, the
// oldest chunk is dropped and counted as an overrun.
func (b *PlaybackBuffer) Add(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.interrupted {
		// Late audio after an interrupt is discarded silently; the turn is
		// already cancelled.
		return
	}
	b.chunks = append(b.chunks, chunk)
	b.bufferedBytes += len(chunk)
	b.enqueuedBytes += len(chunk)

	maxBytes := b.cfg.Codec.FrameBytes(b.cfg.MaxBuffer)
	for b.bufferedBytes > maxBytes && len(b.chunks) > 1 {
		dropped := b.chunks[0]
		b.chunks = b.chunks[1:]
		b.bufferedBytes -= len(dropped)
		b.overruns++
		b.log.Warn("playback buffer overrun, dropping oldest chunk",
			"dropped_bytes", len(dropped), "depth_ms", b.depthLocked().Milliseconds())
	}
}

// CloseInput marks that no further audio will arrive for this utterance. The
// pump drains the remainder and exits.
func (b *PlaybackBuffer) CloseInput() {
	b.mu.Lock()
	b.inputDone = true
	b.mu.Unlock()
}

// Depth returns the duration of audio currently buffered.
func (b *PlaybackBuffer) Depth() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.depthLocked()
}

func (b *PlaybackBuffer) depthLocked() time.Duration {
	return b.cfg.Codec.Duration(b.bufferedBytes)
}

// Overruns returns the lifetime overrun count.
func (b *PlaybackBuffer) Overruns() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overruns
}

// Underruns returns the lifetime underrun count.
func (b *PlaybackBuffer) Underruns() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.underruns
}

// Played returns the duration of audio delivered to the sink since the last
// Reset. Chunks cleared by an interrupt never count.
func (b *PlaybackBuffer) Played() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Codec.Duration(b.playedBytes)
}

// Enqueued returns the duration of audio accepted by Add since the last
// Reset, including chunks later dropped on overrun or cleared by an
// interrupt.
func (b *PlaybackBuffer) Enqueued() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Codec.Duration(b.enqueuedBytes)
}

// Playing reports whether a pump is currently active.
func (b *PlaybackBuffer) Playing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.playing
}

// Interrupt clears all buffered audio and signals the pump to exit on its
// next tick. It is synchronous and returns immediately without waiting for
// the pump.
func (b *PlaybackBuffer) Interrupt() {
	b.mu.Lock()
	b.chunks = nil
	b.bufferedBytes = 0
	b.interrupted = true
	b.mu.Unlock()
}

// Stop requests a graceful stop: the pump plays out what is buffered (with a
// linear fade on the final chunk's tail when smooth is true) and exits. Stop
// blocks until the pump has released or stopRelease elapses, at which point
// it escalates to Interrupt.
func (b *PlaybackBuffer) Stop(smooth bool) {
	b.mu.Lock()
	b.stopping = true
	b.smooth = smooth
	playing := b.playing
	stopped := b.stopped
	b.mu.Unlock()

	if !playing || stopped == nil {
		return
	}
	select {
	case <-stopped:
	case <-time.After(stopRelease):
		b.Interrupt()
		select {
		case <-stopped:
		case <-time.After(stopRelease):
		}
	}
}

// WaitStopped blocks until the pump exits or the timeout elapses. Returns
// true when the pump is stopped.
func (b *PlaybackBuffer) WaitStopped(timeout time.Duration) bool {
	b.mu.Lock()
	playing := b.playing
	stopped := b.stopped
	b.mu.Unlock()
	if !playing || stopped == nil {
		return true
	}
	select {
	case <-stopped:
		return true
	case <-time.After(timeout):
		return false
	}
}

// StartPlayback runs the pump: it waits for the jitter pre-fill (bounded by
// jitterTimeout), then drains chunks into sink at real-time pace. It returns
// when the utterance is fully played, the buffer is interrupted or stopped,
// ctx is cancelled, or sink fails.
func (b *PlaybackBuffer) StartPlayback(ctx context.Context, sink Sink) error {
	b.mu.Lock()
	if b.playing {
		b.mu.Unlock()
		return ErrSessionFatal
	}
	b.playing = true
	stopped := make(chan struct{})
	b.stopped = stopped
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.playing = false
		b.mu.Unlock()
		close(stopped)
	}()

	if err := b.waitJitterFill(ctx); err != nil {
		return err
	}

	for {
		chunk, state := b.take()
		switch state {
		case takeInterrupted:
			return nil
		case takeDrained:
			return nil
		case takeEmpty:
			// Wait briefly for more audio before counting an underrun.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(underrunWait):
			}
			b.mu.Lock()
			if len(b.chunks) == 0 && !b.inputDone && !b.stopping && !b.interrupted {
				b.underruns++
				b.log.Debug("playback buffer underrun", "underruns", b.underruns)
			}
			b.mu.Unlock()
			continue
		}

		if err := sink(chunk); err != nil {
			return err
		}
		b.mu.Lock()
		b.playedBytes += len(chunk)
		b.mu.Unlock()

		// Real-time pacing: one chunk of audio takes its play duration.
		pace := b.cfg.Codec.Duration(len(chunk))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pace):
		}
	}
}

type takeState int

const (
	takeChunk takeState = iota
	takeEmpty
	takeDrained
	takeInterrupted
)

// take pops the next chunk, applying the smooth fade when it is the final
// chunk of a stopping utterance.
func (b *PlaybackBuffer) take() ([]byte, takeState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.interrupted {
		return nil, takeInterrupted
	}
	if len(b.chunks) == 0 {
		if b.inputDone || b.stopping {
			return nil, takeDrained
		}
		return nil, takeEmpty
	}

	chunk := b.chunks[0]
	b.chunks = b.chunks[1:]
	b.bufferedBytes -= len(chunk)

	last := len(b.chunks) == 0 && (b.inputDone || b.stopping)
	if last && b.smooth {
		fadeBytes := b.cfg.Codec.FrameBytes(fadeTail)
		faded := audio.FadeOutTail(audio.AudioFrame{Data: chunk, Codec: b.cfg.Codec}, fadeBytes)
		chunk = faded.Data
	}
	return chunk, takeChunk
}

// waitJitterFill blocks until the buffer holds at least JitterBuffer of
// audio, the input ends, or jitterTimeout passes.
func (b *PlaybackBuffer) waitJitterFill(ctx context.Context) error {
	deadline := time.Now().Add(jitterTimeout)
	for {
		b.mu.Lock()
		depth := b.depthLocked()
		done := b.inputDone || b.stopping || b.interrupted
		b.mu.Unlock()

		if depth >= b.cfg.JitterBuffer || done {
			return nil
		}
		if time.Now().After(deadline) {
			b.log.Debug("jitter fill timed out, starting with partial buffer",
				"depth_ms", depth.Milliseconds())
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitterPoll):
		}
	}
}
