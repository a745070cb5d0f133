// Package mock provides a test double for the asr package interface.
//
// Set Text to control the returned transcript and Err to force failures;
// Calls records every Transcribe invocation for inspection.
package mock

import (
	"context"
	"sync"

	"github.com/parla-voice/parla/pkg/provider/asr"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	PCM        []byte
	SampleRate int
}

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// Text is returned as the transcript text.
	Text string

	// Err, if non-nil, is returned from Transcribe.
	Err error

	// AvailableErr, if non-nil, is returned from Available.
	AvailableErr error

	// Calls records every Transcribe invocation.
	Calls []TranscribeCall
}

var _ asr.Provider = (*Provider)(nil)

// Transcribe records the call and returns Text or Err.
func (p *Provider) Transcribe(_ context.Context, pcm []byte, sampleRate int) (*asr.Transcript, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, TranscribeCall{PCM: pcm, SampleRate: sampleRate})
	p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	return &asr.Transcript{Text: p.Text}, nil
}

// Available returns AvailableErr.
func (p *Provider) Available(context.Context) error { return p.AvailableErr }

// CallCount returns how many times Transcribe was invoked.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
