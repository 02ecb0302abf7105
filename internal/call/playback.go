package call

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// interruptConfirmWait bounds how long Interrupt waits for the pump to
// confirm it has stopped emitting frames.
const interruptConfirmWait = 150 * time.Millisecond

// PlaybackController wraps a PlaybackBuffer with playback identity and stop
// latency measurement. One controller serves a session; each Play run gets a
// fresh playback ID.
type PlaybackController struct {
	buf *PlaybackBuffer
	log *slog.Logger

	mu            sync.Mutex
	playbackID    int64
	playbackStart time.Time
	lastStopMs    float64
}

// NewPlaybackController constructs a controller around a new buffer.
func NewPlaybackController(cfg BufferConfig, log *slog.Logger) *PlaybackController {
	if log == nil {
		log = slog.Default()
	}
	return &PlaybackController{
		buf: NewPlaybackBuffer(cfg, log),
		log: log,
	}
}

// Buffer exposes the underlying buffer for depth and counter inspection.
func (c *PlaybackController) Buffer() *PlaybackBuffer { return c.buf }

// Play resets the buffer, assigns a new playback ID, and runs the pump until
// the utterance completes or is cancelled. Blocking; the orchestrator runs it
// in its own task.
func (c *PlaybackController) Play(ctx context.Context, sink Sink) error {
	c.mu.Lock()
	c.playbackID++
	id := c.playbackID
	c.playbackStart = time.Now()
	c.mu.Unlock()

	c.buf.Reset()
	c.log.Debug("playback started", "playback_id", id)
	err := c.buf.StartPlayback(ctx, sink)
	c.log.Debug("playback finished", "playback_id", id, "err", err)
	return err
}

// Enqueue adds an audio chunk to the current playback.
func (c *PlaybackController) Enqueue(chunk []byte) {
	c.buf.Add(chunk)
}

// CloseInput marks the end of the current utterance's audio.
func (c *PlaybackController) CloseInput() {
	c.buf.CloseInput()
}

// Stop gracefully stops the current playback, fading the tail when smooth.
func (c *PlaybackController) Stop(smooth bool) {
	c.buf.Stop(smooth)
}

// Interrupt clears the buffer, waits for the pump to confirm it stopped, and
// returns the measured stop latency. The latency is also retained for
// Stats-style inspection.
func (c *PlaybackController) Interrupt() time.Duration {
	start := time.Now()
	c.buf.Interrupt()
	confirmed := c.buf.WaitStopped(interruptConfirmWait)
	latency := time.Since(start)

	c.mu.Lock()
	c.lastStopMs = float64(latency) / float64(time.Millisecond)
	id := c.playbackID
	c.mu.Unlock()

	c.log.Info("playback interrupted",
		"playback_id", id,
		"stop_latency_ms", latency.Milliseconds(),
		"confirmed", confirmed)
	return latency
}

// Progress reports how much of the current utterance's audio was actually
// delivered downstream versus how much was handed to the buffer. After an
// interrupt played stays below enqueued; on a clean finish they are equal.
func (c *PlaybackController) Progress() (played, enqueued time.Duration) {
	return c.buf.Played(), c.buf.Enqueued()
}

// IsPlaying reports whether a pump is active.
func (c *PlaybackController) IsPlaying() bool {
	return c.buf.Playing()
}

// PlaybackID returns the identifier of the current (or most recent) playback.
func (c *PlaybackController) PlaybackID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playbackID
}

// PlaybackStart returns when the current (or most recent) playback began.
func (c *PlaybackController) PlaybackStart() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playbackStart
}

// LastStopLatencyMs returns the most recent interrupt's stop latency in
// milliseconds, zero if no interrupt has happened.
func (c *PlaybackController) LastStopLatencyMs() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStopMs
}
