package call

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kaiku-voice/kaiku/internal/observe"
)

// State is the per-call conversation state.
type State int

const (
	// Listening means the agent is idle, waiting for caller speech.
	Listening State = iota

	// Processing means a turn is in flight but no audio has been enqueued.
	Processing

	// Speaking means agent audio is being played to the caller.
	Speaking

	// Interrupted is the transient state between a barge-in and playback
	// confirming it has stopped.
	Interrupted
)

// String returns the upper-case state name used in logs and the call detail
// endpoint.
func (s State) String() string {
	switch s {
	case Listening:
		return "LISTENING"
	case Processing:
		return "PROCESSING"
	case Speaking:
		return "SPEAKING"
	case Interrupted:
		return "INTERRUPTED"
	default:
		return "UNKNOWN"
	}
}

// interruptionRingSize bounds the barge-in latency sample window.
const interruptionRingSize = 100

// InterruptionConfig tunes barge-in behavior.
type InterruptionConfig struct {
	// RequireConfidentSpeech defers the barge-in until the caller has spoken
	// for MinSpeechDuration. A speech interval that ends earlier counts as a
	// false positive and does not interrupt. Off by default: recognizer VAD
	// events are already debounced and the immediate path keeps the barge-in
	// budget low.
	RequireConfidentSpeech bool

	// MinSpeechDuration is the confidence threshold when
	// RequireConfidentSpeech is set. Default 200 ms.
	MinSpeechDuration time.Duration
}

func (c *InterruptionConfig) applyDefaults() {
	if c.MinSpeechDuration <= 0 {
		c.MinSpeechDuration = 200 * time.Millisecond
	}
}

// InterruptionStats is a snapshot of barge-in counters and latency.
type InterruptionStats struct {
	Total          uint64
	FalsePositives uint64
	Latency        StageStats
}

// Interrupter is the per-call state machine. It coordinates the detector's
// speech edges with the playback controller and speech queue, and owns the
// barge-in path. Safe for concurrent use.
type Interrupter struct {
	cfg      InterruptionConfig
	log      *slog.Logger
	playback *PlaybackController
	queue    *SpeechQueue
	metrics  *observe.Metrics

	mu             sync.Mutex
	state          State
	cancelTurn     func()
	pendingConfirm *time.Timer
	total          uint64
	falsePositives uint64
	latencies      *sampleRing
}

// NewInterrupter constructs the state machine in Listening.
func NewInterrupter(cfg InterruptionConfig, playback *PlaybackController, queue *SpeechQueue, log *slog.Logger) *Interrupter {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Interrupter{
		cfg:       cfg,
		log:       log,
		playback:  playback,
		queue:     queue,
		metrics:   observe.DefaultMetrics(),
		state:     Listening,
		latencies: newSampleRing(interruptionRingSize),
	}
}

// State returns the current state.
func (i *Interrupter) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// SetTurnCancel installs the cancellation hook for the in-flight turn. The
// hook must be idempotent; context.CancelFunc qualifies.
func (i *Interrupter) SetTurnCancel(cancel func()) {
	i.mu.Lock()
	i.cancelTurn = cancel
	i.mu.Unlock()
}

// Stats returns a snapshot of barge-in counters and latency percentiles.
func (i *Interrupter) Stats() InterruptionStats {
	i.mu.Lock()
	samples := i.latencies.snapshot()
	stats := InterruptionStats{
		Total:          i.total,
		FalsePositives: i.falsePositives,
	}
	i.mu.Unlock()
	stats.Latency = statsOf(samples)
	return stats
}

// legalTransition encodes the state machine's edges.
func legalTransition(from, to State) bool {
	switch from {
	case Listening:
		return to == Processing
	case Processing:
		return to == Speaking || to == Listening
	case Speaking:
		return to == Interrupted || to == Listening
	case Interrupted:
		return to == Listening
	}
	return false
}

// transition moves the machine to the target state if the edge is legal.
func (i *Interrupter) transition(to State, trigger string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.transitionLocked(to, trigger)
}

func (i *Interrupter) transitionLocked(to State, trigger string) bool {
	if !legalTransition(i.state, to) {
		i.log.Warn("illegal state transition rejected",
			"from", i.state.String(), "to", to.String(), "trigger", trigger)
		return false
	}
	i.log.Debug("state transition",
		"from", i.state.String(), "to", to.String(), "trigger", trigger)
	i.state = to
	return true
}

// OnTurnStarted records the orchestrator picking up a final transcript.
func (i *Interrupter) OnTurnStarted() bool {
	return i.transition(Processing, "stt_final")
}

// OnFirstFrame records the first TTS frame reaching the playback buffer.
func (i *Interrupter) OnFirstFrame() bool {
	return i.transition(Speaking, "first_tts_frame")
}

// OnPlaybackComplete records all frames of the turn having been played.
func (i *Interrupter) OnPlaybackComplete() bool {
	return i.transition(Listening, "playback_complete")
}

// OnTurnAborted records an orchestrator failure or cancellation before any
// audio was enqueued.
func (i *Interrupter) OnTurnAborted() bool {
	return i.transition(Listening, "turn_aborted")
}

// HandleSpeech consumes one detector event. A speech start during Speaking
// triggers the barge-in path; when RequireConfidentSpeech is set, the
// interrupt is deferred until the utterance proves long enough.
func (i *Interrupter) HandleSpeech(ev SpeechEvent) {
	switch ev.Type {
	case SpeechStarted:
		i.handleSpeechStarted()
	case SpeechEnded:
		i.handleSpeechEnded(ev)
	}
}

func (i *Interrupter) handleSpeechStarted() {
	i.mu.Lock()
	if i.state != Speaking {
		i.mu.Unlock()
		return
	}
	if !i.cfg.RequireConfidentSpeech {
		i.mu.Unlock()
		i.bargeIn()
		return
	}
	if i.pendingConfirm != nil {
		i.mu.Unlock()
		return
	}
	// Defer the interrupt; an early speech end cancels it as a false
	// positive.
	i.pendingConfirm = time.AfterFunc(i.cfg.MinSpeechDuration, func() {
		i.mu.Lock()
		stillPending := i.pendingConfirm != nil
		i.pendingConfirm = nil
		speaking := i.state == Speaking
		i.mu.Unlock()
		if stillPending && speaking {
			i.bargeIn()
		}
	})
	i.mu.Unlock()
}

func (i *Interrupter) handleSpeechEnded(ev SpeechEvent) {
	i.mu.Lock()
	pending := i.pendingConfirm
	i.pendingConfirm = nil
	if pending == nil {
		i.mu.Unlock()
		return
	}
	pending.Stop()
	if ev.Duration < i.cfg.MinSpeechDuration {
		i.falsePositives++
		i.log.Debug("barge-in suppressed, speech too short",
			"duration_ms", ev.Duration.Milliseconds())
		i.mu.Unlock()
		i.metrics.RecordInterruption(context.Background(), true, 0)
		return
	}
	speaking := i.state == Speaking
	i.mu.Unlock()
	if speaking {
		i.bargeIn()
	}
}

// bargeIn runs the critical interruption path: stop playback, clear the
// speech queue, cancel the in-flight turn, and walk Speaking → Interrupted →
// Listening once the pump confirms.
func (i *Interrupter) bargeIn() {
	start := time.Now()

	stopLatency := i.playback.Interrupt()
	i.queue.Clear()

	i.mu.Lock()
	cancel := i.cancelTurn
	i.transitionLocked(Interrupted, "barge_in")
	i.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	total := time.Since(start)
	i.mu.Lock()
	i.total++
	i.latencies.add(float64(total) / float64(time.Millisecond))
	i.transitionLocked(Listening, "playback_stopped")
	i.mu.Unlock()

	i.metrics.RecordInterruption(context.Background(), false, stopLatency)
	i.log.Info("barge-in handled",
		"stop_latency_ms", stopLatency.Milliseconds(),
		"total_latency_ms", total.Milliseconds())
}
