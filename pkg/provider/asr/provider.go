// Package asr defines the Provider interface for speech recognition backends.
//
// An ASR provider wraps a transcription service (e.g., a local whisper-server
// instance or a hosted API) and turns captured PCM audio into text for the
// conversation pipeline. Implementations must be safe for concurrent use;
// several sessions may transcribe at once.
package asr

import (
	"context"
	"time"
)

// Transcript is the result of one transcription request.
type Transcript struct {
	// Text is the recognised utterance, whitespace-trimmed. Empty when the
	// audio contained no recognisable speech.
	Text string

	// Language is the detected language code, when the backend reports one.
	Language string

	// Elapsed is how long the backend took to transcribe.
	Elapsed time.Duration
}

// Provider is the abstraction over any speech recognition backend.
type Provider interface {
	// Transcribe converts 16-bit little-endian mono PCM at the given sample
	// rate into text. A nil error with an empty Text means the backend ran
	// but heard nothing.
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (*Transcript, error)

	// Available reports whether the backend is reachable. Used by health
	// checks; implementations should answer quickly.
	Available(ctx context.Context) error
}
