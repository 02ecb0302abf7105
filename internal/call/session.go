package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kaiku-voice/kaiku/internal/dialog"
	"github.com/kaiku-voice/kaiku/internal/observe"
	"github.com/kaiku-voice/kaiku/pkg/audio"
	"github.com/kaiku-voice/kaiku/pkg/provider/llm"
	"github.com/kaiku-voice/kaiku/pkg/provider/stt"
	"github.com/kaiku-voice/kaiku/pkg/provider/tts"
)

const (
	// sttOpenTimeout bounds the recognizer stream handshake at call start.
	sttOpenTimeout = 5 * time.Second

	// shutdownGrace bounds hangup cleanup: loop drain and archive write.
	shutdownGrace = 2 * time.Second

	// statePoll is the sleep between state checks while a deferred final
	// waits for the machine to return to Listening.
	statePoll = 10 * time.Millisecond

	// defaultApology is spoken when a turn times out and TTS is still up.
	defaultApology = "Sorry, I'm having trouble answering right now. Could you try again?"
)

// Archiver persists a finished call's transcript. Implementations must
// tolerate being called once per call at hangup.
type Archiver interface {
	Archive(ctx context.Context, callID string, turns []dialog.Turn) error
}

// SessionConfig assembles the per-call tunables.
type SessionConfig struct {
	CallID string

	// Codec of both inbound and outbound audio. Defaults to μ-law 8 kHz.
	Codec audio.Codec

	Pipeline     PipelineConfig
	Buffer       BufferConfig
	VAD          VADConfig
	Interruption InterruptionConfig

	// STT carries language/model/endpointing settings; codec is filled from
	// Codec.
	STT stt.StreamConfig

	// MaxHistoryTurns sizes the context window. Default 20.
	MaxHistoryTurns int

	// MinConfidence is the transcript confidence below which the session
	// asks for clarification instead of answering. Zero takes the default.
	MinConfidence float64

	// Apology is spoken on turn timeout. Empty takes the default.
	Apology string

	// Endpoint controls post-final response pauses. Zero value takes the
	// defaults.
	Endpoint dialog.EndpointPolicy
}

// SessionDeps are the shared collaborators a session borrows: provider
// adapters, the process-wide rate limiter, and the transcript archive.
type SessionDeps struct {
	STT      stt.Provider
	LLM      llm.Provider
	TTS      tts.Provider
	Limiter  *RateLimiter
	Archiver Archiver
	Log      *slog.Logger

	// OnClose is invoked once after hangup cleanup, typically to remove the
	// session from the registry. May be nil.
	OnClose func(callID string)
}

// SessionStats is the inspection snapshot served by the call detail endpoint.
type SessionStats struct {
	CallID        string
	State         string
	StartedAt     time.Time
	Turns         int
	InvalidFrames uint64
	Overruns      uint64
	Underruns     uint64
	FilteredVAD   uint64
	Interruptions InterruptionStats
	Latency       map[Stage]StageStats
}

// Session owns one call end to end: the streaming recognizer session, the
// detector, the playback stack, the state machine, and the orchestrator.
type Session struct {
	cfg  SessionConfig
	deps SessionDeps
	log  *slog.Logger

	history     *dialog.History
	detector    *Detector
	playback    *PlaybackController
	queue       *SpeechQueue
	interrupter *Interrupter
	pipeline    *Pipeline
	clarifier   *dialog.Clarifier
	endpoint    dialog.EndpointPolicy
	latency     *LatencyTracker

	ctx    context.Context
	cancel context.CancelFunc

	sttSession stt.SessionHandle
	outbound   chan []byte
	speakPing  chan struct{}
	wg         sync.WaitGroup

	closeOnce sync.Once
	closed    atomic.Bool

	invalidFrames atomic.Uint64
	startedAt     time.Time
}

// NewSession wires a session; Start must be called before feeding audio.
func NewSession(cfg SessionConfig, deps SessionDeps) *Session {
	if !cfg.Codec.IsValid() {
		cfg.Codec = audio.CodecMuLaw8k
	}
	cfg.Buffer.Codec = cfg.Codec
	cfg.Pipeline.Codec = cfg.Codec
	cfg.STT.Codec = cfg.Codec
	if cfg.Apology == "" {
		cfg.Apology = defaultApology
	}
	if cfg.Endpoint == (dialog.EndpointPolicy{}) {
		cfg.Endpoint = dialog.DefaultEndpointPolicy()
	}

	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("call_id", cfg.CallID)

	history := dialog.NewHistory(cfg.MaxHistoryTurns)
	playback := NewPlaybackController(cfg.Buffer, log)
	queue := NewSpeechQueue()
	interrupter := NewInterrupter(cfg.Interruption, playback, queue, log)
	latency := NewLatencyTracker()

	s := &Session{
		cfg:         cfg,
		deps:        deps,
		log:         log,
		history:     history,
		detector:    NewDetector(cfg.VAD),
		playback:    playback,
		queue:       queue,
		interrupter: interrupter,
		clarifier:   newClarifier(cfg.MinConfidence),
		endpoint:    cfg.Endpoint,
		latency:     latency,
		outbound:    make(chan []byte, 64),
		speakPing:   make(chan struct{}, 1),
	}
	s.pipeline = NewPipeline(cfg.CallID, cfg.Pipeline, PipelineDeps{
		LLM:         deps.LLM,
		TTS:         deps.TTS,
		Playback:    playback,
		Interrupter: interrupter,
		History:     history,
		Limiter:     deps.Limiter,
		Latency:     latency,
		Log:         log,
	})
	return s
}

func newClarifier(minConfidence float64) *dialog.Clarifier {
	if minConfidence > 0 {
		return dialog.NewClarifier(dialog.WithMinConfidence(minConfidence))
	}
	return dialog.NewClarifier()
}

// Start opens the recognizer stream and launches the session's event loops.
func (s *Session) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startedAt = time.Now()

	openCtx, openCancel := context.WithTimeout(s.ctx, sttOpenTimeout)
	defer openCancel()

	handle, err := s.deps.STT.StartStream(openCtx, s.cfg.STT)
	if err != nil {
		s.cancel()
		observe.DefaultMetrics().RecordUpstreamError(context.Background(), string(StageSTT))
		return NewUpstreamError(StageSTT, err)
	}
	s.sttSession = handle

	s.wg.Add(3)
	go s.finalsLoop()
	go s.vadLoop()
	go s.speakLoop()

	s.log.Info("session started", "codec", string(s.cfg.Codec))
	return nil
}

// Outbound returns the channel of audio chunks for the carrier writer. It is
// closed after hangup.
func (s *Session) Outbound() <-chan []byte { return s.outbound }

// CallID returns the session's call identifier.
func (s *Session) CallID() string { return s.cfg.CallID }

// State returns the current conversation state.
func (s *Session) State() State { return s.interrupter.State() }

// StartedAt returns when the session started.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// History exposes the turn log, for the archive and inspection endpoints.
func (s *Session) History() *dialog.History { return s.history }

// FeedInbound validates one caller audio frame and routes it to the
// recognizer and the detector. Invalid frames are dropped and counted.
func (s *Session) FeedInbound(frame audio.AudioFrame) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if len(frame.Data) == 0 || frame.Codec != s.cfg.Codec {
		s.invalidFrames.Add(1)
		return ErrInvalidFrame
	}
	if err := s.sttSession.SendAudio(frame); err != nil {
		s.log.Warn("recognizer rejected frame", "err", err)
	}
	s.detector.ProcessFrame(frame)
	return nil
}

// Speak enqueues agent-initiated speech. When the machine is Listening the
// queue is drained immediately through the direct-TTS path; otherwise the
// item waits for the current turn (and is discarded on barge-in).
func (s *Session) Speak(text string, priority int) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if text == "" {
		return nil
	}
	s.queue.Enqueue(text, priority)
	select {
	case s.speakPing <- struct{}{}:
	default:
	}
	return nil
}

// Hangup tears the session down: cancels the in-flight turn, stops playback,
// closes the recognizer stream, archives the transcript, and reports closure.
// Idempotent.
func (s *Session) Hangup(reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.log.Info("session hangup", "reason", reason, "turns", s.history.Len())

		s.cancel()
		s.playback.Interrupt()
		s.queue.Clear()

		if s.sttSession != nil {
			if err := s.sttSession.Close(); err != nil {
				s.log.Warn("recognizer close failed", "err", err)
			}
		}

		loopsDone := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(loopsDone)
		}()
		select {
		case <-loopsDone:
		case <-time.After(shutdownGrace):
			s.log.Warn("session loops did not drain in time")
		}

		if n := s.playback.Buffer().Overruns(); n > 0 {
			observe.DefaultMetrics().BufferOverruns.Add(context.Background(), int64(n))
		}
		if n := s.playback.Buffer().Underruns(); n > 0 {
			observe.DefaultMetrics().BufferUnderruns.Add(context.Background(), int64(n))
		}

		if s.deps.Archiver != nil {
			archiveCtx, archiveCancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer archiveCancel()
			if err := s.deps.Archiver.Archive(archiveCtx, s.cfg.CallID, s.history.Turns()); err != nil {
				s.log.Error("transcript archive failed", "err", err)
			}
		}

		close(s.outbound)
		if s.deps.OnClose != nil {
			s.deps.OnClose(s.cfg.CallID)
		}
	})
}

// Stats returns an inspection snapshot.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		CallID:        s.cfg.CallID,
		State:         s.interrupter.State().String(),
		StartedAt:     s.startedAt,
		Turns:         s.history.Len(),
		InvalidFrames: s.invalidFrames.Load(),
		Overruns:      s.playback.Buffer().Overruns(),
		Underruns:     s.playback.Buffer().Underruns(),
		FilteredVAD:   s.detector.Filtered(),
		Interruptions: s.interrupter.Stats(),
		Latency:       s.latency.All(),
	}
}

// sink delivers one outbound chunk to the carrier writer.
func (s *Session) sink(chunk []byte) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.outbound <- chunk:
		return nil
	}
}

// finalsLoop serializes turn execution: one final at a time, in arrival
// order. A final that lands mid-interruption waits here until the machine is
// back in Listening.
func (s *Session) finalsLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case final, ok := <-s.sttSession.Finals():
			if !ok {
				if err := s.sttSession.Err(); err != nil {
					s.log.Error("recognizer stream lost", "err", err)
					observe.DefaultMetrics().RecordUpstreamError(context.Background(), string(StageSTT))
				}
				return
			}
			if final.Text == "" {
				continue
			}
			s.handleFinal(final)
		}
	}
}

func (s *Session) handleFinal(final stt.Transcript) {
	if err := s.waitListening(); err != nil {
		return
	}

	if s.clarifier.NeedsClarification(final.Text, final.Confidence) {
		s.log.Debug("final needs clarification",
			"text", final.Text, "confidence", final.Confidence)
		if err := s.pipeline.SpeakDirect(s.ctx, s.clarifier.Prompt(), s.sink); err != nil {
			s.log.Warn("clarification prompt failed", "err", err)
		}
		return
	}

	// Humanlike pacing: hold briefly before answering, unless the caller
	// starts talking again.
	pause := s.endpoint.RequiredSilence(final.Text)
	select {
	case <-s.ctx.Done():
		return
	case <-time.After(pause):
	}

	_, err := s.pipeline.RunTurn(s.ctx, final, s.sink)
	switch {
	case err == nil || errors.Is(err, ErrCancelledByBargeIn):
	case errors.Is(err, ErrTurnTimeout):
		if apologyErr := s.pipeline.SpeakDirect(s.ctx, s.cfg.Apology, s.sink); apologyErr != nil {
			s.log.Warn("apology playback failed", "err", apologyErr)
		}
	case errors.Is(err, ErrUpstreamDown):
		// The turn is lost but the call survives.
	case errors.Is(err, context.Canceled):
	default:
		s.log.Warn("turn ended with error", "err", err)
	}

	s.drainSpeechQueue()
}

// waitListening blocks until the state machine is back in Listening.
func (s *Session) waitListening() error {
	for s.interrupter.State() != Listening {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case <-time.After(statePoll):
		}
	}
	return nil
}

// vadLoop fans recognizer VAD events into the detector and detector edges
// into the state machine.
func (s *Session) vadLoop() {
	defer s.wg.Done()
	upstream := s.sttSession.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-upstream:
			if !ok {
				// The recognizer stopped emitting VAD events; the energy
				// detector keeps barge-in alive for the rest of the call.
				upstream = nil
				continue
			}
			s.detector.ObserveUpstream(ev)
		case ev := <-s.detector.Events():
			s.interrupter.HandleSpeech(ev)
		}
	}
}

// speakLoop drains agent-initiated speech whenever the machine is idle.
func (s *Session) speakLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.speakPing:
			s.drainSpeechQueue()
		}
	}
}

func (s *Session) drainSpeechQueue() {
	for s.interrupter.State() == Listening {
		item, ok := s.queue.Next()
		if !ok {
			return
		}
		if err := s.pipeline.SpeakDirect(s.ctx, item.Text, s.sink); err != nil {
			s.log.Warn("queued speech failed", "speech_id", item.ID, "err", err)
			return
		}
	}
}
