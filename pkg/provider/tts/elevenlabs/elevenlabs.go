// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// HTTP streaming endpoint. It implements the tts.Provider interface.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/parla-voice/parla/pkg/audio"
	"github.com/parla-voice/parla/pkg/provider/tts"
)

const (
	streamPathFmt    = "/v1/text-to-speech/%s/stream?output_format=%s"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "mp3_44100_128"
	readChunkSize    = 4096
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the API base for tests or proxies. The value replaces
// "https://api.elevenlabs.io" in the endpoint.
func WithBaseURL(base string) Option {
	return func(p *Provider) { p.baseURL = base }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey     string
	voiceID    string
	model      string
	baseURL    string
	httpClient *http.Client
}

// New creates a new ElevenLabs Provider. apiKey and voiceID must be non-empty.
func New(apiKey, voiceID string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	if voiceID == "" {
		return nil, errors.New("elevenlabs: voiceID must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		voiceID:    voiceID,
		model:      defaultModel,
		baseURL:    "https://api.elevenlabs.io",
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

var _ tts.Provider = (*Provider)(nil)

// synthesisRequest is the JSON body for the streaming endpoint.
type synthesisRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// StreamAudio posts the sentence to the streaming endpoint and returns a
// channel emitting MP3 chunks as the chunked response body arrives.
func (p *Provider) StreamAudio(ctx context.Context, text string) (<-chan []byte, error) {
	if text == "" {
		return nil, errors.New("elevenlabs: text must not be empty")
	}

	payload, err := json.Marshal(synthesisRequest{
		Text:          text,
		ModelID:       p.model,
		VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: encode request: %w", err)
	}

	url := p.baseURL + fmt.Sprintf(streamPathFmt, p.voiceID, defaultOutputFmt)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: synthesize: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("elevenlabs: synthesize: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	ch := make(chan []byte, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		buf := make([]byte, readChunkSize)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case ch <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return ch, nil
}

// OutputFormat reports MP3; the pipeline converts before playback.
func (p *Provider) OutputFormat() audio.Format { return audio.FormatMP3 }
