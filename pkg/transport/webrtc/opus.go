package webrtc

import (
	"fmt"

	"layeh.com/gopus"
)

// opusEncoder wraps a gopus Opus encoder for the outgoing track. Encoder
// state carries across consecutive frames, so each track pump owns one.
type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(TrackSampleRate, TrackChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode encodes one little-endian 16-bit mono PCM frame into an Opus packet.
func (e *opusEncoder) encode(pcmBytes []byte) ([]byte, error) {
	pcm := bytesToInt16s(pcmBytes)
	opus, err := e.enc.Encode(pcm, FrameSamples, len(pcmBytes))
	if err != nil {
		return nil, fmt.Errorf("webrtc: opus encode: %w", err)
	}
	return opus, nil
}

// bytesToInt16s converts little-endian bytes to int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
