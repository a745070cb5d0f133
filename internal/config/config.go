// Package config provides the configuration schema, loader, and provider
// registry for the Parla voice server.
package config

import "time"

// LogLevel controls log verbosity for the Parla server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Parla.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"PARLA_SERVER_"`
	Audio     AudioConfig     `yaml:"audio"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig holds network and logging settings for the Parla server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level" env:"LOG_LEVEL"`

	// TLS configures TLS for the server. When nil, the server runs plain
	// HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// WS tunes the WebSocket session layer.
	WS WSConfig `yaml:"ws"`
}

// WSConfig holds WebSocket session-layer settings.
type WSConfig struct {
	// AudioWindow is the quiet period after the last audio chunk before the
	// buffered utterance flushes to transcription. Default 1500ms.
	AudioWindow time.Duration `yaml:"audio_window"`

	// ErrorInterval throttles repeated error notifications of the same kind
	// to one per interval per session. Default 1s.
	ErrorInterval time.Duration `yaml:"error_interval"`

	// AllowedOrigins restricts which Origin headers may open a WebSocket.
	// Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AudioConfig tunes capture validation and conversion geometry.
type AudioConfig struct {
	// InputSampleRate is the rate of PCM captured by clients. Default 16000.
	InputSampleRate int `yaml:"input_sample_rate"`

	// EnergyThreshold is the minimum RMS amplitude for audio to count as
	// speech. Default 500.
	EnergyThreshold float64 `yaml:"energy_threshold"`

	// SpeechRatioThreshold is the minimum fraction of loud windows for
	// audio to count as speech. Default 0.03.
	SpeechRatioThreshold float64 `yaml:"speech_ratio_threshold"`

	// FFmpegPath is the transcoder binary. Empty means "ffmpeg" on PATH.
	FFmpegPath string `yaml:"ffmpeg_path"`
}

// PipelineConfig tunes the streaming pipeline's buffering and tracking.
type PipelineConfig struct {
	// QueueCapacity bounds the per-session chunk queue. Default 100.
	QueueCapacity int `yaml:"queue_capacity"`

	// PutTimeout is how long a full queue blocks producers before dropping.
	// Default 2s.
	PutTimeout time.Duration `yaml:"put_timeout"`

	// MinSentenceChars is the shortest sentence handed to synthesis.
	// Default 15.
	MinSentenceChars int `yaml:"min_sentence_chars"`

	// MaxWaitChars forces a synthesis yield for endingless text. Default 200.
	MaxWaitChars int `yaml:"max_wait_chars"`

	// MaxTrackedChunks bounds per-session delivery records. Default 1000.
	MaxTrackedChunks int `yaml:"max_tracked_chunks"`

	// AckTimeout is how long a chunk may stay unacknowledged before it is
	// reported missing. Default 5s.
	AckTimeout time.Duration `yaml:"ack_timeout"`
}

// WebRTCConfig holds ICE settings for peer connections.
type WebRTCConfig struct {
	// STUNServers lists STUN/TURN URLs (e.g., "stun:stun.l.google.com:19302").
	// Empty means the built-in Google STUN defaults.
	STUNServers []string `yaml:"stun_servers"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each entry's Name selects a factory in the [Registry].
type ProvidersConfig struct {
	ASR ProviderEntry `yaml:"asr" envPrefix:"PARLA_ASR_"`
	LLM ProviderEntry `yaml:"llm" envPrefix:"PARLA_LLM_"`
	TTS ProviderEntry `yaml:"tts" envPrefix:"PARLA_TTS_"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. Secrets can be injected through environment variables instead of
// the YAML file.
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "openai", "elevenlabs", "whisper-http").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// Overridable via PARLA_<KIND>_API_KEY.
	APIKey string `yaml:"api_key" env:"API_KEY"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url" env:"BASE_URL"`

	// Model selects a specific model within the provider
	// (e.g., "gpt-4o-mini", "eleven_flash_v2_5").
	Model string `yaml:"model"`

	// Voice is the provider-specific voice identifier for TTS entries.
	Voice string `yaml:"voice"`

	// SystemPrompt seeds LLM conversations. Ignored by other kinds.
	SystemPrompt string `yaml:"system_prompt"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`
}
