package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
providers:
  asr:
    name: whisper-http
  llm:
    name: openai
  tts:
    name: elevenlabs
`

func TestLoadFromReaderDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("LogLevel = %q, want %q", cfg.Server.LogLevel, LogInfo)
	}
	if cfg.Audio.InputSampleRate != 16000 {
		t.Errorf("InputSampleRate = %d, want 16000", cfg.Audio.InputSampleRate)
	}
	if cfg.Audio.EnergyThreshold != 500 {
		t.Errorf("EnergyThreshold = %v, want 500", cfg.Audio.EnergyThreshold)
	}
	if cfg.Audio.SpeechRatioThreshold != 0.03 {
		t.Errorf("SpeechRatioThreshold = %v, want 0.03", cfg.Audio.SpeechRatioThreshold)
	}
	if cfg.Pipeline.QueueCapacity != 100 {
		t.Errorf("QueueCapacity = %d, want 100", cfg.Pipeline.QueueCapacity)
	}
	if cfg.Pipeline.PutTimeout != 2*time.Second {
		t.Errorf("PutTimeout = %v, want 2s", cfg.Pipeline.PutTimeout)
	}
	if cfg.Pipeline.MinSentenceChars != 15 {
		t.Errorf("MinSentenceChars = %d, want 15", cfg.Pipeline.MinSentenceChars)
	}
	if cfg.Pipeline.MaxWaitChars != 200 {
		t.Errorf("MaxWaitChars = %d, want 200", cfg.Pipeline.MaxWaitChars)
	}
	if cfg.Pipeline.MaxTrackedChunks != 1000 {
		t.Errorf("MaxTrackedChunks = %d, want 1000", cfg.Pipeline.MaxTrackedChunks)
	}
	if cfg.Pipeline.AckTimeout != 5*time.Second {
		t.Errorf("AckTimeout = %v, want 5s", cfg.Pipeline.AckTimeout)
	}
	if cfg.Server.WS.AudioWindow != 1500*time.Millisecond {
		t.Errorf("WS.AudioWindow = %v, want 1.5s", cfg.Server.WS.AudioWindow)
	}
	if cfg.Server.WS.ErrorInterval != time.Second {
		t.Errorf("WS.ErrorInterval = %v, want 1s", cfg.Server.WS.ErrorInterval)
	}
	if len(cfg.Server.WS.AllowedOrigins) != 0 {
		t.Errorf("WS.AllowedOrigins = %v, want empty", cfg.Server.WS.AllowedOrigins)
	}
}

func TestLoadFromReaderFull(t *testing.T) {
	const yamlDoc = `
server:
  listen_addr: ":9090"
  log_level: debug
  ws:
    audio_window: 800ms
    error_interval: 2s
    allowed_origins:
      - https://app.example.com
audio:
  input_sample_rate: 24000
  energy_threshold: 750
  speech_ratio_threshold: 0.05
  ffmpeg_path: /usr/local/bin/ffmpeg
pipeline:
  queue_capacity: 50
  put_timeout: 1s
  min_sentence_chars: 10
  max_wait_chars: 120
  max_tracked_chunks: 500
  ack_timeout: 3s
webrtc:
  stun_servers:
    - stun:stun.example.org:3478
providers:
  asr:
    name: whisper-http
    base_url: http://localhost:9000
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
    system_prompt: You are a helpful voice assistant.
  tts:
    name: elevenlabs
    api_key: el-test
    voice: somevoice
`
	cfg, err := LoadFromReader(strings.NewReader(yamlDoc))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("LogLevel = %q, want %q", cfg.Server.LogLevel, LogDebug)
	}
	if cfg.Server.WS.AudioWindow != 800*time.Millisecond {
		t.Errorf("WS.AudioWindow = %v, want 800ms", cfg.Server.WS.AudioWindow)
	}
	if cfg.Server.WS.ErrorInterval != 2*time.Second {
		t.Errorf("WS.ErrorInterval = %v, want 2s", cfg.Server.WS.ErrorInterval)
	}
	if len(cfg.Server.WS.AllowedOrigins) != 1 || cfg.Server.WS.AllowedOrigins[0] != "https://app.example.com" {
		t.Errorf("WS.AllowedOrigins = %v, want the one configured origin", cfg.Server.WS.AllowedOrigins)
	}
	if cfg.Audio.InputSampleRate != 24000 {
		t.Errorf("InputSampleRate = %d, want 24000", cfg.Audio.InputSampleRate)
	}
	if cfg.Pipeline.PutTimeout != time.Second {
		t.Errorf("PutTimeout = %v, want 1s", cfg.Pipeline.PutTimeout)
	}
	if len(cfg.WebRTC.STUNServers) != 1 || cfg.WebRTC.STUNServers[0] != "stun:stun.example.org:3478" {
		t.Errorf("STUNServers = %v, want one custom entry", cfg.WebRTC.STUNServers)
	}
	if cfg.Providers.LLM.Model != "gpt-4o-mini" {
		t.Errorf("LLM.Model = %q, want %q", cfg.Providers.LLM.Model, "gpt-4o-mini")
	}
	if cfg.Providers.TTS.Voice != "somevoice" {
		t.Errorf("TTS.Voice = %q, want %q", cfg.Providers.TTS.Voice, "somevoice")
	}
}

func TestLoadFromReaderUnknownField(t *testing.T) {
	const yamlDoc = `
server:
  listen_address: ":8080"
`
	if _, err := LoadFromReader(strings.NewReader(yamlDoc)); err == nil {
		t.Fatal("LoadFromReader() accepted unknown field, want error")
	}
}

func TestLoadFromReaderEnvOverrides(t *testing.T) {
	t.Setenv("PARLA_SERVER_LISTEN_ADDR", ":7070")
	t.Setenv("PARLA_LLM_API_KEY", "sk-from-env")

	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	if cfg.Server.ListenAddr != ":7070" {
		t.Errorf("ListenAddr = %q, want env override %q", cfg.Server.ListenAddr, ":7070")
	}
	if cfg.Providers.LLM.APIKey != "sk-from-env" {
		t.Errorf("LLM.APIKey = %q, want env override", cfg.Providers.LLM.APIKey)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parla.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Providers.ASR.Name != "whisper-http" {
		t.Errorf("ASR.Name = %q, want %q", cfg.Providers.ASR.Name, "whisper-http")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() with missing file succeeded, want error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func(t *testing.T) *Config {
		t.Helper()
		cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
		if err != nil {
			t.Fatalf("LoadFromReader() error = %v", err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Server.LogLevel = "verbose" },
			wantErr: "log_level",
		},
		{
			name:    "speech ratio above one",
			mutate:  func(c *Config) { c.Audio.SpeechRatioThreshold = 1.5 },
			wantErr: "speech_ratio_threshold",
		},
		{
			name: "sentence floor above ceiling",
			mutate: func(c *Config) {
				c.Pipeline.MinSentenceChars = 300
				c.Pipeline.MaxWaitChars = 200
			},
			wantErr: "min_sentence_chars",
		},
		{
			name:    "missing llm name",
			mutate:  func(c *Config) { c.Providers.LLM.Name = "" },
			wantErr: "providers.llm.name",
		},
		{
			name:    "tls without key",
			mutate:  func(c *Config) { c.Server.TLS = &TLSConfig{CertFile: "cert.pem"} },
			wantErr: "cert_file and key_file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}

	t.Run("valid config passes", func(t *testing.T) {
		if err := Validate(base(t)); err != nil {
			t.Errorf("Validate() = %v, want nil", err)
		}
	})
}

func TestValidateJoinsMultipleErrors(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	cfg.Server.LogLevel = "loud"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() = nil, want errors")
	}
	for _, want := range []string{"log_level", "providers.asr.name", "providers.llm.name", "providers.tts.name"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error missing %q: %v", want, err)
		}
	}
}

func TestErrorsUnwrap(t *testing.T) {
	t.Parallel()

	_, err := Load("/nonexistent/parla.yaml")
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() error = %v, want wrapped os.ErrNotExist", err)
	}
}
