// Package mock provides a test double for the tts package interface.
//
// Set Chunks to control the audio emitted by StreamAudio and Format to pick
// the reported encoding; Texts records every synthesized sentence.
package mock

import (
	"context"
	"sync"

	"github.com/parla-voice/parla/pkg/audio"
	"github.com/parla-voice/parla/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks is emitted by every StreamAudio call, one element per chunk.
	Chunks [][]byte

	// Format is reported by OutputFormat. Defaults to PCM when empty.
	Format audio.Format

	// Err, if non-nil, is returned from StreamAudio.
	Err error

	// Texts records every sentence passed to StreamAudio.
	Texts []string
}

var _ tts.Provider = (*Provider)(nil)

// StreamAudio records the text and emits Chunks, honouring ctx cancellation.
func (p *Provider) StreamAudio(ctx context.Context, text string) (<-chan []byte, error) {
	p.mu.Lock()
	p.Texts = append(p.Texts, text)
	chunks := p.Chunks
	err := p.Err
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch := make(chan []byte, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// OutputFormat returns Format, defaulting to PCM.
func (p *Provider) OutputFormat() audio.Format {
	if p.Format == "" {
		return audio.FormatPCM
	}
	return p.Format
}

// SynthesizedTexts returns a copy of the recorded sentences.
func (p *Provider) SynthesizedTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Texts))
	copy(out, p.Texts)
	return out
}
