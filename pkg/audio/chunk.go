// Package audio defines the chunk type that flows through the Parla voice
// pipeline, plus helpers for inspecting raw PCM payloads before they reach
// the transcription stage.
package audio

import "time"

// Format identifies the encoding of a chunk's payload.
type Format string

const (
	// FormatPCM is raw signed 16-bit little-endian PCM.
	FormatPCM Format = "pcm"

	// FormatMP3 is MP3-compressed audio, the typical TTS provider output.
	FormatMP3 Format = "mp3"
)

// Chunk is a unit of audio moving through the pipeline. Chunks are immutable
// once created and follow single-owner hand-off: whichever stage currently
// holds a Chunk owns it, and ownership transfers on every channel send.
type Chunk struct {
	// Data is the encoded payload.
	Data []byte

	// Format tags the payload encoding.
	Format Format

	// SampleRate in Hz (e.g., 48000 for the WebRTC output leg, 16000 for
	// microphone capture).
	SampleRate int

	// Channels is the channel count; the pipeline is mono end to end.
	Channels int

	// Sequence is a per-session monotonically increasing chunk number.
	Sequence uint64

	// Timestamp marks when the chunk was produced.
	Timestamp time.Time

	// Final marks the last chunk of a stream.
	Final bool
}

// Duration estimates the playback duration of a PCM chunk. Returns zero for
// compressed formats, whose duration is unknown without decoding.
func (c Chunk) Duration() time.Duration {
	if c.Format != FormatPCM || c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	samples := len(c.Data) / 2 / c.Channels
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}
