package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kaiku-voice/kaiku/internal/dialog"
	"github.com/kaiku-voice/kaiku/internal/observe"
	"github.com/kaiku-voice/kaiku/pkg/audio"
	"github.com/kaiku-voice/kaiku/pkg/provider/llm"
	"github.com/kaiku-voice/kaiku/pkg/provider/stt"
	"github.com/kaiku-voice/kaiku/pkg/provider/tts"
)

// PipelineConfig tunes one call's orchestrator. Zero fields take defaults.
type PipelineConfig struct {
	// SystemPrompt is the static per-session instruction, passed out-of-band
	// from the history window.
	SystemPrompt string

	// Voice is the TTS voice profile; Voice.ID must be set.
	Voice tts.VoiceProfile

	// Codec of the outbound audio. Defaults to μ-law 8 kHz.
	Codec audio.Codec

	// StreamChunkSize is the coordinator's length flush threshold.
	StreamChunkSize int

	// Temperature and MaxTokens are forwarded to the LLM.
	Temperature float64
	MaxTokens   int

	// FirstTokenTimeout bounds the wait for the first LLM token. Default 8 s.
	FirstTokenTimeout time.Duration

	// TurnTimeout bounds one whole pipeline run. Default 20 s.
	TurnTimeout time.Duration

	// FirstAudioTimeout bounds the wait for the first TTS frame. Default 3 s.
	FirstAudioTimeout time.Duration

	// SynthesisTimeout bounds the TTS stream for one turn. Default 15 s.
	SynthesisTimeout time.Duration
}

func (c *PipelineConfig) applyDefaults() {
	if !c.Codec.IsValid() {
		c.Codec = audio.CodecMuLaw8k
	}
	if c.FirstTokenTimeout <= 0 {
		c.FirstTokenTimeout = 8 * time.Second
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 20 * time.Second
	}
	if c.FirstAudioTimeout <= 0 {
		c.FirstAudioTimeout = 3 * time.Second
	}
	if c.SynthesisTimeout <= 0 {
		c.SynthesisTimeout = 15 * time.Second
	}
}

// PipelineDeps are the collaborators one pipeline drives.
type PipelineDeps struct {
	LLM         llm.Provider
	TTS         tts.Provider
	Playback    *PlaybackController
	Interrupter *Interrupter
	History     *dialog.History
	Limiter     *RateLimiter
	Latency     *LatencyTracker
	Log         *slog.Logger
}

// TurnResult summarises one completed (or truncated) pipeline run.
type TurnResult struct {
	RequestID string

	// Text is the full accumulated LLM response.
	Text string

	// PlayedText is the prefix of Text whose audio actually played out
	// before cancellation; equal to Text on an untruncated turn.
	PlayedText string

	// Cancelled marks a turn truncated by barge-in or shutdown.
	Cancelled bool

	// StreamingMode is "streaming", or "sequential" after a TTS handshake
	// fallback.
	StreamingMode string
}

// Pipeline runs STT-final → LLM → TTS → playback concurrently for one call.
// One pipeline serves a session; RunTurn is invoked once per final
// transcript, never concurrently.
type Pipeline struct {
	cfg     PipelineConfig
	deps    PipelineDeps
	log     *slog.Logger
	metrics *observe.Metrics

	callID     string
	requestSeq atomic.Int64
}

// NewPipeline constructs an orchestrator for the given call.
func NewPipeline(callID string, cfg PipelineConfig, deps PipelineDeps) *Pipeline {
	cfg.applyDefaults()
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		cfg:     cfg,
		deps:    deps,
		log:     log.With("call_id", callID),
		metrics: observe.DefaultMetrics(),
		callID:  callID,
	}
}

func (p *Pipeline) nextRequestID() string {
	return fmt.Sprintf("%s-%d", p.callID, p.requestSeq.Add(1))
}

// recordStage feeds the per-call latency tracker and the process-wide
// histogram from one sample.
func (p *Pipeline) recordStage(stage Stage, d time.Duration) {
	p.deps.Latency.Record(stage, d)
	p.metrics.RecordStage(context.Background(), string(stage), d)
}

// RunTurn executes one user turn: it appends the user message to history,
// streams the LLM response through the coordinator into TTS, pumps the audio
// to sink, and appends the assistant turn. On barge-in the result carries
// Cancelled with the played prefix.
func (p *Pipeline) RunTurn(ctx context.Context, final stt.Transcript, sink Sink) (TurnResult, error) {
	reqID := p.nextRequestID()
	log := p.log.With("request_id", reqID)
	turnStart := time.Now()

	if !p.deps.Interrupter.OnTurnStarted() {
		return TurnResult{RequestID: reqID}, fmt.Errorf("call: turn rejected in state %s", p.deps.Interrupter.State())
	}

	p.deps.History.Append(dialog.Turn{
		Role:       dialog.RoleUser,
		Text:       final.Text,
		Confidence: final.Confidence,
	})
	tone := dialog.ToneFor(p.deps.History.DominantSentiment())
	messages := p.deps.History.Context()

	turnCtx, cancel := context.WithTimeout(ctx, p.cfg.TurnTimeout)
	defer cancel()
	p.deps.Interrupter.SetTurnCancel(cancel)
	defer p.deps.Interrupter.SetTurnCancel(nil)

	if err := p.deps.Limiter.Wait(turnCtx); err != nil {
		p.finishState()
		return TurnResult{RequestID: reqID}, err
	}

	speechReq := tts.SpeechRequest{Voice: p.cfg.Voice, Tone: tone, Codec: p.cfg.Codec}
	synthCtx, synthCancel := context.WithTimeout(turnCtx, p.cfg.SynthesisTimeout)
	defer synthCancel()

	textCh := make(chan string, 8)
	audioCh, err := p.deps.TTS.SynthesizeStream(synthCtx, textCh, speechReq)
	if err != nil {
		log.Warn("tts streaming handshake failed, degrading",
			"streaming_mode", "sequential", "err", err)
		return p.runSequential(ctx, turnCtx, reqID, messages, speechReq, sink, turnStart, log)
	}

	result := TurnResult{RequestID: reqID, StreamingMode: "streaming"}

	var mu sync.Mutex
	var accumulated strings.Builder
	var sentChunks []string

	g, gctx := errgroup.WithContext(turnCtx)

	g.Go(func() error {
		return p.deps.Playback.Play(gctx, sink)
	})

	g.Go(func() error {
		defer p.deps.Playback.CloseInput()
		return p.forwardAudio(gctx, audioCh, turnStart)
	})

	g.Go(func() error {
		defer close(textCh)
		chunks, err := p.deps.LLM.StreamCompletion(gctx, llm.CompletionRequest{
			Messages:     messages,
			SystemPrompt: p.cfg.SystemPrompt,
			Temperature:  p.cfg.Temperature,
			MaxTokens:    p.cfg.MaxTokens,
		})
		if err != nil {
			return NewUpstreamError(StageLLM, err)
		}

		coord := NewStreamCoordinator(p.cfg.StreamChunkSize)
		firstToken := true
		tokenTimer := time.NewTimer(p.cfg.FirstTokenTimeout)
		defer tokenTimer.Stop()

		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-tokenTimer.C:
				if firstToken {
					return NewUpstreamError(StageLLM, errors.New("no token before first-token deadline"))
				}
			case chunk, ok := <-chunks:
				if !ok {
					if text, flush := coord.Flush(); flush {
						if err := sendText(gctx, textCh, text); err != nil {
							return err
						}
						mu.Lock()
						sentChunks = append(sentChunks, text)
						mu.Unlock()
					}
					return nil
				}
				if chunk.FinishReason == "error" {
					return NewUpstreamError(StageLLM, errors.New("stream failed mid-response"))
				}
				if chunk.Text == "" {
					continue
				}
				if firstToken {
					firstToken = false
					tokenTimer.Stop()
					p.recordStage(StageLLM, time.Since(turnStart))
				}
				mu.Lock()
				accumulated.WriteString(chunk.Text)
				mu.Unlock()
				if out, flush := coord.Push(chunk.Text); flush {
					if err := sendText(gctx, textCh, out); err != nil {
						return err
					}
					mu.Lock()
					sentChunks = append(sentChunks, out)
					mu.Unlock()
				}
			}
		}
	})

	err = g.Wait()
	p.recordStage(StageTurn, time.Since(turnStart))

	// Map played audio time back onto the text chunks handed to synthesis;
	// the caller only heard what the pump delivered before the cut.
	played, enqueued := p.deps.Playback.Progress()
	mu.Lock()
	result.Text = accumulated.String()
	result.PlayedText = playedPrefix(sentChunks, played, enqueued)
	mu.Unlock()

	return p.finishTurn(ctx, turnCtx, result, err, log)
}

// forwardAudio moves synthesized frames into the playback buffer, enforcing
// the first-frame deadline and flipping the state machine to Speaking on the
// first frame.
func (p *Pipeline) forwardAudio(ctx context.Context, audioCh <-chan []byte, turnStart time.Time) error {
	firstFrame := true
	timer := time.NewTimer(p.cfg.FirstAudioTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if firstFrame {
				return NewUpstreamError(StageTTS, errors.New("no audio before first-frame deadline"))
			}
		case chunk, ok := <-audioCh:
			if !ok {
				return nil
			}
			if len(chunk) == 0 {
				continue
			}
			if firstFrame {
				firstFrame = false
				timer.Stop()
				p.recordStage(StageTTS, time.Since(turnStart))
				p.deps.Interrupter.OnFirstFrame()
			}
			p.deps.Playback.Enqueue(chunk)
		}
	}
}

// runSequential is the degraded path after a TTS streaming handshake
// failure: full LLM response, one-shot synthesis, then playback.
func (p *Pipeline) runSequential(ctx, turnCtx context.Context, reqID string, messages []llm.Message, speechReq tts.SpeechRequest, sink Sink, turnStart time.Time, log *slog.Logger) (TurnResult, error) {
	result := TurnResult{RequestID: reqID, StreamingMode: "sequential"}

	var resp *llm.CompletionResponse
	err := withRetries(turnCtx, log, StageLLM, func() error {
		var opErr error
		resp, opErr = p.deps.LLM.Complete(turnCtx, llm.CompletionRequest{
			Messages:     messages,
			SystemPrompt: p.cfg.SystemPrompt,
			Temperature:  p.cfg.Temperature,
			MaxTokens:    p.cfg.MaxTokens,
		})
		return opErr
	})
	if err != nil {
		return p.finishTurn(ctx, turnCtx, result, err, log)
	}
	p.recordStage(StageLLM, time.Since(turnStart))

	result.Text = resp.Content
	if result.Text == "" {
		return p.finishTurn(ctx, turnCtx, result, nil, log)
	}

	synthCtx, synthCancel := context.WithTimeout(turnCtx, p.cfg.SynthesisTimeout)
	defer synthCancel()

	var speech []byte
	err = withRetries(synthCtx, log, StageTTS, func() error {
		var opErr error
		speech, opErr = p.deps.TTS.Synthesize(synthCtx, result.Text, speechReq)
		return opErr
	})
	if err != nil {
		return p.finishTurn(ctx, turnCtx, result, err, log)
	}
	p.recordStage(StageTTS, time.Since(turnStart))

	err = p.playOneShot(turnCtx, speech, sink)
	played, enqueued := p.deps.Playback.Progress()
	result.PlayedText = playedPortion(result.Text, played, enqueued)
	p.recordStage(StageTurn, time.Since(turnStart))
	log.Info("turn completed", "streaming_mode", "sequential")
	return p.finishTurn(ctx, turnCtx, result, err, log)
}

// playOneShot slices a full synthesized utterance into frame-sized chunks and
// plays it through the buffer.
func (p *Pipeline) playOneShot(ctx context.Context, speech []byte, sink Sink) error {
	frameBytes := p.cfg.Codec.FrameBytes(20 * time.Millisecond)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.deps.Playback.Play(gctx, sink)
	})
	g.Go(func() error {
		defer p.deps.Playback.CloseInput()
		p.deps.Interrupter.OnFirstFrame()
		for off := 0; off < len(speech); off += frameBytes {
			if err := gctx.Err(); err != nil {
				return err
			}
			end := off + frameBytes
			if end > len(speech) {
				end = len(speech)
			}
			p.deps.Playback.Enqueue(speech[off:end])
		}
		return nil
	})
	return g.Wait()
}

// SpeakDirect synthesizes and plays text without an LLM turn: agent-initiated
// speech, clarification prompts, and the timeout apology all use it. The
// state machine walks Listening → Processing → Speaking → Listening.
func (p *Pipeline) SpeakDirect(ctx context.Context, text string, sink Sink) error {
	if text == "" {
		return nil
	}
	if !p.deps.Interrupter.OnTurnStarted() {
		return fmt.Errorf("call: direct speech rejected in state %s", p.deps.Interrupter.State())
	}

	turnCtx, cancel := context.WithTimeout(ctx, p.cfg.SynthesisTimeout)
	defer cancel()
	p.deps.Interrupter.SetTurnCancel(cancel)
	defer p.deps.Interrupter.SetTurnCancel(nil)

	tone := dialog.ToneFor(p.deps.History.DominantSentiment())
	speechReq := tts.SpeechRequest{Voice: p.cfg.Voice, Tone: tone, Codec: p.cfg.Codec}

	turnStart := time.Now()
	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	audioCh, err := p.deps.TTS.SynthesizeStream(turnCtx, textCh, speechReq)
	if err == nil {
		g, gctx := errgroup.WithContext(turnCtx)
		g.Go(func() error {
			return p.deps.Playback.Play(gctx, sink)
		})
		g.Go(func() error {
			defer p.deps.Playback.CloseInput()
			return p.forwardAudio(gctx, audioCh, turnStart)
		})
		err = g.Wait()
	} else {
		p.log.Warn("tts streaming handshake failed for direct speech, degrading",
			"streaming_mode", "sequential", "err", err)
		var speech []byte
		err = withRetries(turnCtx, p.log, StageTTS, func() error {
			var opErr error
			speech, opErr = p.deps.TTS.Synthesize(turnCtx, text, speechReq)
			return opErr
		})
		if err == nil {
			err = p.playOneShot(turnCtx, speech, sink)
		}
	}

	cancelled := err != nil && errors.Is(err, context.Canceled)
	p.deps.History.Append(dialog.Turn{Role: dialog.RoleAssistant, Text: text, Cancelled: cancelled})
	p.finishState()

	if cancelled || (err != nil && ctx.Err() != nil) {
		return nil
	}
	return err
}

// finishTurn classifies the terminal error, appends the assistant turn, and
// walks the state machine back to Listening.
func (p *Pipeline) finishTurn(ctx, turnCtx context.Context, result TurnResult, err error, log *slog.Logger) (TurnResult, error) {
	switch {
	case ctx.Err() != nil:
		// Session shutdown or hangup.
		result.Cancelled = true
		err = ctx.Err()
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(turnCtx.Err(), context.DeadlineExceeded):
		// The deadline cut playback short; history keeps the heard prefix.
		result.Cancelled = true
		err = ErrTurnTimeout
	case errors.Is(err, context.Canceled):
		// The only other holder of the cancel func is the barge-in path.
		result.Cancelled = true
		err = ErrCancelledByBargeIn
	}

	p.appendAssistantTurn(result)
	p.finishState()

	switch {
	case err == nil:
		p.metrics.RecordTurn(ctx, "completed")
		log.Debug("turn finished", "chars", len(result.Text), "streaming_mode", result.StreamingMode)
	case errors.Is(err, ErrCancelledByBargeIn):
		p.metrics.RecordTurn(ctx, "cancelled")
		log.Info("turn truncated by barge-in", "played_chars", len(result.PlayedText))
	default:
		p.metrics.RecordTurn(context.Background(), "error")
		if stage, ok := UpstreamStage(err); ok {
			p.metrics.RecordUpstreamError(context.Background(), string(stage))
		}
		log.Warn("turn failed", "err", err)
	}
	return result, err
}

// appendAssistantTurn records the assistant response: the full text on
// success, the played prefix with the cancelled marker on truncation.
func (p *Pipeline) appendAssistantTurn(result TurnResult) {
	text := result.Text
	if result.Cancelled {
		text = result.PlayedText
	}
	p.deps.History.Append(dialog.Turn{
		Role:      dialog.RoleAssistant,
		Text:      text,
		Cancelled: result.Cancelled,
	})
}

// finishState walks the machine back to Listening from wherever the turn
// left it. The barge-in path reaches Listening on its own.
func (p *Pipeline) finishState() {
	switch p.deps.Interrupter.State() {
	case Speaking:
		p.deps.Interrupter.OnPlaybackComplete()
	case Processing:
		p.deps.Interrupter.OnTurnAborted()
	}
}

// playedPrefix reports which synthesis chunks the caller actually heard. The
// audio stream carries no chunk markers, so audio length is apportioned to
// chunks by character share; a chunk counts only when its audio played out in
// full.
func playedPrefix(chunks []string, played, enqueued time.Duration) string {
	if len(chunks) == 0 || played <= 0 || enqueued <= 0 {
		return ""
	}
	if played >= enqueued {
		return strings.Join(chunks, "")
	}
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	budget := int(float64(total) * float64(played) / float64(enqueued))
	var b strings.Builder
	used := 0
	for _, c := range chunks {
		if used+len(c) > budget {
			break
		}
		b.WriteString(c)
		used += len(c)
	}
	return b.String()
}

// playedPortion truncates a one-shot utterance proportionally to the share of
// its audio that played out, cutting back to the preceding word boundary.
func playedPortion(text string, played, enqueued time.Duration) string {
	if text == "" || played <= 0 || enqueued <= 0 {
		return ""
	}
	if played >= enqueued {
		return text
	}
	cut := int(float64(len(text)) * float64(played) / float64(enqueued))
	if cut >= len(text) {
		return text
	}
	i := strings.LastIndexByte(text[:cut], ' ')
	if i <= 0 {
		return ""
	}
	return strings.TrimSpace(text[:i])
}

func sendText(ctx context.Context, ch chan<- string, text string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ch <- text:
		return nil
	}
}
