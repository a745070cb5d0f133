// Package tts defines the Provider interface for text-to-speech backends.
//
// A TTS provider synthesizes one sentence at a time and streams the encoded
// audio back in chunks, so conversion and playback can begin while the tail
// of the sentence is still being synthesized. Implementations must be safe
// for concurrent use.
package tts

import (
	"context"

	"github.com/parla-voice/parla/pkg/audio"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// StreamAudio synthesizes text and returns a channel emitting encoded
	// audio chunks as they arrive from the backend. The channel is closed
	// when synthesis completes or ctx is cancelled; callers must drain it.
	//
	// The error return is non-nil only when the stream cannot start.
	// Failures mid-stream are signalled by closing the channel early;
	// callers should check ctx.Err() to distinguish cancellation.
	StreamAudio(ctx context.Context, text string) (<-chan []byte, error)

	// OutputFormat reports the encoding of the streamed chunks, which
	// decides whether the pipeline converts them before playback.
	OutputFormat() audio.Format
}
