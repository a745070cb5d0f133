package resilience

import (
	"context"

	"github.com/parla-voice/parla/pkg/audio"
	"github.com/parla-voice/parla/pkg/provider/asr"
	"github.com/parla-voice/parla/pkg/provider/llm"
	"github.com/parla-voice/parla/pkg/provider/tts"
)

// Compile-time assertions that the decorators satisfy the provider interfaces.
var (
	_ asr.Provider = (*ASR)(nil)
	_ llm.Provider = (*LLM)(nil)
	_ tts.Provider = (*TTS)(nil)
)

// ASR wraps a speech recognition provider with a [Breaker] around the
// transcription call. Availability probes bypass the breaker so that health
// checks always reflect the real backend.
type ASR struct {
	next asr.Provider
	cb   *Breaker
}

// NewASR decorates next with the given breaker.
func NewASR(next asr.Provider, cb *Breaker) *ASR {
	return &ASR{next: next, cb: cb}
}

func (a *ASR) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (*asr.Transcript, error) {
	var tr *asr.Transcript
	err := a.cb.Do(func() error {
		var err error
		tr, err = a.next.Transcribe(ctx, pcm, sampleRate)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tr, nil
}

func (a *ASR) Available(ctx context.Context) error {
	return a.next.Available(ctx)
}

// State exposes the breaker state for diagnostics.
func (a *ASR) State() State { return a.cb.State() }

// LLM wraps a conversation provider with a [Breaker] around stream starts.
// Session bookkeeping (create, interrupt correction, cleanup) is local state
// and passes through untouched: refusing to clean up a session because the
// backend is down would leak history.
type LLM struct {
	next llm.Provider
	cb   *Breaker
}

// NewLLM decorates next with the given breaker.
func NewLLM(next llm.Provider, cb *Breaker) *LLM {
	return &LLM{next: next, cb: cb}
}

func (l *LLM) CreateSession(ctx context.Context, sessionID, systemPrompt string) error {
	return l.next.CreateSession(ctx, sessionID, systemPrompt)
}

func (l *LLM) Stream(ctx context.Context, sessionID, userText string) (<-chan llm.Chunk, error) {
	var ch <-chan llm.Chunk
	err := l.cb.Do(func() error {
		var err error
		ch, err = l.next.Stream(ctx, sessionID, userText)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (l *LLM) HandleInterruption(sessionID, spokenText string) {
	l.next.HandleInterruption(sessionID, spokenText)
}

func (l *LLM) CleanupSession(sessionID string) {
	l.next.CleanupSession(sessionID)
}

// State exposes the breaker state for diagnostics.
func (l *LLM) State() State { return l.cb.State() }

// TTS wraps a synthesis provider with a [Breaker] around stream starts.
type TTS struct {
	next tts.Provider
	cb   *Breaker
}

// NewTTS decorates next with the given breaker.
func NewTTS(next tts.Provider, cb *Breaker) *TTS {
	return &TTS{next: next, cb: cb}
}

func (t *TTS) StreamAudio(ctx context.Context, text string) (<-chan []byte, error) {
	var ch <-chan []byte
	err := t.cb.Do(func() error {
		var err error
		ch, err = t.next.StreamAudio(ctx, text)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (t *TTS) OutputFormat() audio.Format {
	return t.next.OutputFormat()
}

// State exposes the breaker state for diagnostics.
func (t *TTS) State() State { return t.cb.State() }
