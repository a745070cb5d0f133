// Package whisperhttp provides an ASR provider backed by a whisper.cpp
// server instance over HTTP. It implements the asr.Provider interface.
package whisperhttp

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/parla-voice/parla/pkg/provider/asr"
)

const (
	inferencePath  = "/inference"
	defaultTimeout = 30 * time.Second
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithLanguage pins the transcription language (e.g., "en") instead of
// letting the server auto-detect.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// Provider implements asr.Provider against a whisper-server endpoint.
type Provider struct {
	baseURL    string
	language   string
	httpClient *http.Client
}

// New creates a provider talking to the given base URL, e.g.
// "http://localhost:8080".
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("whisperhttp: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

var _ asr.Provider = (*Provider)(nil)

// inferenceResponse is the JSON body returned by whisper-server.
type inferenceResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// Transcribe wraps the PCM in a WAV container and posts it to /inference.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (*asr.Transcript, error) {
	if len(pcm) == 0 {
		return nil, errors.New("whisperhttp: empty audio")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("whisperhttp: build form: %w", err)
	}
	if _, err := fw.Write(wavEncode(pcm, sampleRate)); err != nil {
		return nil, fmt.Errorf("whisperhttp: write audio: %w", err)
	}
	if p.language != "" {
		_ = mw.WriteField("language", p.language)
	}
	_ = mw.WriteField("response_format", "json")
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("whisperhttp: finish form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+inferencePath, &body)
	if err != nil {
		return nil, fmt.Errorf("whisperhttp: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisperhttp: inference: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whisperhttp: inference: unexpected status %d", resp.StatusCode)
	}
	var ir inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return nil, fmt.Errorf("whisperhttp: decode response: %w", err)
	}
	if ir.Error != "" {
		return nil, fmt.Errorf("whisperhttp: server: %s", ir.Error)
	}

	return &asr.Transcript{
		Text:    strings.TrimSpace(ir.Text),
		Elapsed: time.Since(start),
	}, nil
}

// Available probes the server with a cheap GET. Any HTTP response counts as
// reachable; only transport failures are errors.
func (p *Provider) Available(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("whisperhttp: build probe: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whisperhttp: unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

// wavEncode wraps raw 16-bit mono PCM in a minimal RIFF/WAVE header.
func wavEncode(pcm []byte, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8

	buf := make([]byte, 0, 44+len(pcm))
	w := bytes.NewBuffer(buf)
	w.WriteString("RIFF")
	binary.Write(w, binary.LittleEndian, uint32(36+len(pcm)))
	w.WriteString("WAVEfmt ")
	binary.Write(w, binary.LittleEndian, uint32(16))
	binary.Write(w, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(w, binary.LittleEndian, uint16(channels))
	binary.Write(w, binary.LittleEndian, uint32(sampleRate))
	binary.Write(w, binary.LittleEndian, uint32(byteRate))
	binary.Write(w, binary.LittleEndian, uint16(channels*bitsPerSample/8))
	binary.Write(w, binary.LittleEndian, uint16(bitsPerSample))
	w.WriteString("data")
	binary.Write(w, binary.LittleEndian, uint32(len(pcm)))
	w.Write(pcm)
	return w.Bytes()
}
