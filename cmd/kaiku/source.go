package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kaiku-voice/kaiku/internal/call"
	"github.com/kaiku-voice/kaiku/internal/carrier"
	"github.com/kaiku-voice/kaiku/internal/config"
	"github.com/kaiku-voice/kaiku/internal/dialog"
	"github.com/kaiku-voice/kaiku/pkg/audio"
	"github.com/kaiku-voice/kaiku/pkg/provider/stt"
	"github.com/kaiku-voice/kaiku/pkg/provider/tts"
)

// sessionSource admits and starts call sessions in response to carrier
// signalling. It holds the current session defaults, which the config watcher
// may swap at runtime; changes apply to new calls only.
type sessionSource struct {
	base      context.Context
	providers *providerSet
	calls     *call.Registry
	limiter   *call.RateLimiter
	archiver  call.Archiver
	log       *slog.Logger

	mu  sync.RWMutex
	cfg *config.Config
}

var _ carrier.SessionSource = (*sessionSource)(nil)

// newSessionSource returns a source whose sessions run off base, which should
// outlive individual HTTP requests.
func newSessionSource(base context.Context, cfg *config.Config, providers *providerSet, calls *call.Registry, limiter *call.RateLimiter, archiver call.Archiver, log *slog.Logger) *sessionSource {
	return &sessionSource{
		base:      base,
		providers: providers,
		calls:     calls,
		limiter:   limiter,
		archiver:  archiver,
		log:       log,
		cfg:       cfg,
	}
}

// UpdateConfig swaps the session defaults used for future calls.
func (s *sessionSource) UpdateConfig(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Answer admits a new session for callID and starts its pipeline. It returns
// [call.ErrAdmissionRejected] when the registry is at capacity and
// [call.ErrDuplicateCall] on a redelivered answered event.
func (s *sessionSource) Answer(_ context.Context, callID string) (carrier.Session, error) {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	sess := call.NewSession(sessionConfig(callID, cfg), call.SessionDeps{
		STT:      s.providers.STT,
		LLM:      s.providers.LLM,
		TTS:      s.providers.TTS,
		Limiter:  s.limiter,
		Archiver: s.archiver,
		Log:      s.log,
		OnClose:  s.calls.Remove,
	})
	if err := s.calls.Admit(sess); err != nil {
		return nil, err
	}
	// The session outlives the webhook request that created it, so it is tied
	// to the source's base context rather than the request's.
	if err := sess.Start(s.base); err != nil {
		s.calls.Remove(callID)
		return nil, fmt.Errorf("start session %s: %w", callID, err)
	}
	return sess, nil
}

// Lookup returns the live session for callID, if any.
func (s *sessionSource) Lookup(callID string) (carrier.Session, bool) {
	sess, ok := s.calls.Get(callID)
	if !ok {
		return nil, false
	}
	return sess, true
}

// Hangup tears down the session for callID. Unknown IDs are ignored; the
// carrier may deliver hangup events after the session already closed.
func (s *sessionSource) Hangup(callID, reason string) {
	if sess, ok := s.calls.Get(callID); ok {
		sess.Hangup(reason)
	}
}

// sessionConfig maps the server configuration onto per-call tunables.
func sessionConfig(callID string, cfg *config.Config) call.SessionConfig {
	return call.SessionConfig{
		CallID: callID,
		Codec:  audio.CodecMuLaw8k,
		Pipeline: call.PipelineConfig{
			SystemPrompt:      cfg.Agent.SystemPrompt,
			Voice:             tts.VoiceProfile{ID: cfg.Agent.Voice.VoiceID},
			StreamChunkSize:   cfg.Pipeline.StreamChunkSize,
			Temperature:       cfg.Pipeline.Temperature,
			MaxTokens:         cfg.Pipeline.MaxTokens,
			FirstTokenTimeout: cfg.Pipeline.FirstTokenTimeout.Std(),
			TurnTimeout:       cfg.Pipeline.TurnTimeout.Std(),
			FirstAudioTimeout: cfg.Pipeline.FirstAudioTimeout.Std(),
			SynthesisTimeout:  cfg.Pipeline.SynthesisTimeout.Std(),
		},
		Interruption: call.InterruptionConfig{
			RequireConfidentSpeech: cfg.Interruption.RequireConfidentSpeech,
			MinSpeechDuration:      cfg.Interruption.MinSpeechDuration.Std(),
		},
		STT: stt.StreamConfig{
			Model:          cfg.Providers.STT.Model,
			Language:       optString(cfg.Providers.STT.Options, "language"),
			InterimResults: true,
		},
		MaxHistoryTurns: cfg.Conversation.MaxHistoryTurns,
		MinConfidence:   cfg.Conversation.MinConfidence,
		Apology:         cfg.Agent.Apology,
		Endpoint: dialog.EndpointPolicy{
			BaseSilence:          cfg.Conversation.BaseSilence.Std(),
			NoPunctuationSilence: cfg.Conversation.NoPunctuationSilence.Std(),
			QuestionSilence:      cfg.Conversation.QuestionSilence.Std(),
		},
	}
}
