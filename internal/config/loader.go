package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "mistral", "groq"},
	"stt": {"deepgram", "whisper"},
	"tts": {"elevenlabs", "openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands environment references
// in credential fields, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv resolves ${VAR} references in fields that typically carry
// secrets, so keys never need to live in the config file itself.
func expandEnv(cfg *Config) {
	cfg.Providers.LLM.APIKey = os.ExpandEnv(cfg.Providers.LLM.APIKey)
	cfg.Providers.STT.APIKey = os.ExpandEnv(cfg.Providers.STT.APIKey)
	cfg.Providers.TTS.APIKey = os.ExpandEnv(cfg.Providers.TTS.APIKey)
	cfg.Carrier.APIKey = os.ExpandEnv(cfg.Carrier.APIKey)
	cfg.Store.PostgresDSN = os.ExpandEnv(cfg.Store.PostgresDSN)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	// A call cannot run without the full cascade.
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; calls will not generate responses")
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; caller audio will not be transcribed")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("no TTS provider configured; responses will not be spoken")
	}

	// Voice
	if sf := cfg.Agent.Voice.SpeedFactor; sf != 0 && (sf < 0.5 || sf > 2.0) {
		errs = append(errs, fmt.Errorf("agent.voice.speed_factor %.2f is out of range [0.5, 2.0]", sf))
	}

	// Pipeline tunables must be non-negative.
	for _, tc := range []struct {
		name string
		d    Duration
	}{
		{"pipeline.first_token_timeout", cfg.Pipeline.FirstTokenTimeout},
		{"pipeline.turn_timeout", cfg.Pipeline.TurnTimeout},
		{"pipeline.first_audio_timeout", cfg.Pipeline.FirstAudioTimeout},
		{"pipeline.synthesis_timeout", cfg.Pipeline.SynthesisTimeout},
		{"interruption.min_speech_duration", cfg.Interruption.MinSpeechDuration},
		{"conversation.base_silence", cfg.Conversation.BaseSilence},
		{"conversation.no_punctuation_silence", cfg.Conversation.NoPunctuationSilence},
		{"conversation.question_silence", cfg.Conversation.QuestionSilence},
	} {
		if tc.d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", tc.name))
		}
	}

	// Conversation
	if mc := cfg.Conversation.MinConfidence; mc < 0 || mc > 1 {
		errs = append(errs, fmt.Errorf("conversation.min_confidence %.2f is out of range [0, 1]", mc))
	}
	if cfg.Conversation.MaxHistoryTurns < 0 {
		errs = append(errs, errors.New("conversation.max_history_turns must not be negative"))
	}

	// Limits
	if cfg.Limits.MaxConcurrentCalls < 0 {
		errs = append(errs, errors.New("limits.max_concurrent_calls must not be negative"))
	}
	if cfg.RateLimit.LLMRequestsPerMinute < 0 {
		errs = append(errs, errors.New("rate_limit.llm_requests_per_minute must not be negative"))
	}

	// Store availability
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; call transcripts will not be archived")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
