// Package webrtc delivers synthesized audio to browser clients over WebRTC.
// A [Track] buffers and paces raw PCM frames at real-time rate; a [Manager]
// owns the pion peer connections, Opus encoding and signaling glue.
package webrtc

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	// TrackSampleRate is the PCM rate frames must arrive at.
	TrackSampleRate = 48000

	// TrackChannels is mono output.
	TrackChannels = 1

	// FrameDuration is the fixed frame cadence.
	FrameDuration = 20 * time.Millisecond

	// FrameSamples is samples per frame per channel (960 at 48 kHz / 20 ms).
	FrameSamples = TrackSampleRate / 1000 * 20

	// FrameBytes is the byte length of one 16-bit mono frame.
	FrameBytes = FrameSamples * 2

	// maxQueuedFrames bounds the track buffer to one second of audio.
	maxQueuedFrames = 50

	// backpressurePoll is how often a blocked AddFrame rechecks for space.
	backpressurePoll = 10 * time.Millisecond
)

// ErrTrackClosed is returned by AddFrame and Recv after Close.
var ErrTrackClosed = errors.New("webrtc: track closed")

// Track is a bounded real-time frame buffer between the synthesis pipeline
// and a peer connection. Producers push PCM frames with AddFrame; a single
// pump goroutine pulls them with Recv, which paces output to wall-clock
// frame cadence and substitutes silence when the buffer runs dry.
type Track struct {
	frames chan []byte

	mu      sync.Mutex
	nextAt  time.Time
	flushed bool
	closed  chan struct{}
	once    sync.Once
}

// NewTrack creates an empty track.
func NewTrack() *Track {
	return &Track{
		frames: make(chan []byte, maxQueuedFrames),
		closed: make(chan struct{}),
	}
}

// AddFrame queues one PCM frame. When the buffer is full it polls for space,
// throttling the producer to the consumer's real-time rate, until ctx is
// cancelled or the track closes.
func (t *Track) AddFrame(ctx context.Context, frame []byte) error {
	for {
		select {
		case <-t.closed:
			return ErrTrackClosed
		case <-ctx.Done():
			return ctx.Err()
		case t.frames <- frame:
			return nil
		default:
		}
		select {
		case <-t.closed:
			return ErrTrackClosed
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backpressurePoll):
		}
	}
}

// Recv returns the next frame to play, blocking until its wall-clock slot.
// An empty buffer and a flush both yield silence, keeping the RTP stream
// continuous. Frames of the wrong length are padded or truncated to
// [FrameBytes].
func (t *Track) Recv(ctx context.Context) ([]byte, error) {
	if err := t.pace(ctx); err != nil {
		return nil, err
	}

	select {
	case frame := <-t.frames:
		if frame == nil {
			// Flush sentinel.
			return silenceFrame(), nil
		}
		return normalizeFrame(frame), nil
	default:
		return silenceFrame(), nil
	}
}

// Flush discards all queued frames and wakes the consumer with silence.
// Returns the number of frames discarded.
func (t *Track) Flush() int {
	var dropped int
	for {
		select {
		case f := <-t.frames:
			if f != nil {
				dropped++
			}
		default:
			// Sentinel so a paced Recv does not wait on stale timing.
			select {
			case t.frames <- nil:
			default:
			}
			return dropped
		}
	}
}

// Len returns the number of queued frames.
func (t *Track) Len() int { return len(t.frames) }

// Close releases blocked producers and the consumer. Idempotent.
func (t *Track) Close() {
	t.once.Do(func() { close(t.closed) })
}

// pace sleeps until the next frame slot. Timing is anchored to absolute
// deadlines so per-frame jitter does not accumulate into drift; after a long
// stall the anchor resyncs to now instead of bursting.
func (t *Track) pace(ctx context.Context) error {
	t.mu.Lock()
	now := time.Now()
	if t.nextAt.IsZero() || now.Sub(t.nextAt) > FrameDuration {
		t.nextAt = now
	}
	deadline := t.nextAt
	t.nextAt = t.nextAt.Add(FrameDuration)
	t.mu.Unlock()

	wait := time.Until(deadline)
	if wait <= 0 {
		select {
		case <-t.closed:
			return ErrTrackClosed
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	select {
	case <-t.closed:
		return ErrTrackClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func silenceFrame() []byte { return make([]byte, FrameBytes) }

// normalizeFrame pads short frames with silence and truncates long ones.
func normalizeFrame(frame []byte) []byte {
	if len(frame) == FrameBytes {
		return frame
	}
	out := make([]byte, FrameBytes)
	copy(out, frame)
	return out
}
