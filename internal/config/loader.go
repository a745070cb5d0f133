package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"asr": {"whisper-http"},
	"llm": {"openai"},
	"tts": {"elevenlabs"},
}

// Load reads the YAML configuration file at path, applies environment
// variable overrides and returns a validated [Config]. It is a convenience
// wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies environment variable
// overrides (PARLA_* variables win over file values when set), fills in
// defaults and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: environment overrides: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values with the documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.WS.AudioWindow <= 0 {
		cfg.Server.WS.AudioWindow = 1500 * time.Millisecond
	}
	if cfg.Server.WS.ErrorInterval <= 0 {
		cfg.Server.WS.ErrorInterval = time.Second
	}
	if cfg.Audio.InputSampleRate <= 0 {
		cfg.Audio.InputSampleRate = 16000
	}
	if cfg.Audio.EnergyThreshold <= 0 {
		cfg.Audio.EnergyThreshold = 500
	}
	if cfg.Audio.SpeechRatioThreshold <= 0 {
		cfg.Audio.SpeechRatioThreshold = 0.03
	}
	if cfg.Pipeline.QueueCapacity <= 0 {
		cfg.Pipeline.QueueCapacity = 100
	}
	if cfg.Pipeline.PutTimeout <= 0 {
		cfg.Pipeline.PutTimeout = 2 * time.Second
	}
	if cfg.Pipeline.MinSentenceChars <= 0 {
		cfg.Pipeline.MinSentenceChars = 15
	}
	if cfg.Pipeline.MaxWaitChars <= 0 {
		cfg.Pipeline.MaxWaitChars = 200
	}
	if cfg.Pipeline.MaxTrackedChunks <= 0 {
		cfg.Pipeline.MaxTrackedChunks = 1000
	}
	if cfg.Pipeline.AckTimeout <= 0 {
		cfg.Pipeline.AckTimeout = 5 * time.Second
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Audio
	if cfg.Audio.SpeechRatioThreshold > 1 {
		errs = append(errs, fmt.Errorf("audio.speech_ratio_threshold %.2f must be at most 1", cfg.Audio.SpeechRatioThreshold))
	}

	// Pipeline sanity: a sentence floor above the force-yield ceiling can
	// never emit.
	if cfg.Pipeline.MinSentenceChars > cfg.Pipeline.MaxWaitChars {
		errs = append(errs, fmt.Errorf("pipeline.min_sentence_chars %d exceeds pipeline.max_wait_chars %d", cfg.Pipeline.MinSentenceChars, cfg.Pipeline.MaxWaitChars))
	}

	// Provider name validation, warn only for unknown names.
	validateProviderName("asr", cfg.Providers.ASR.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.ASR.Name == "" {
		errs = append(errs, errors.New("providers.asr.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
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
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
