// Package convert transcodes compressed audio from speech synthesis into raw
// PCM via an external ffmpeg process. Streaming conversion feeds stdin while
// reading stdout concurrently, so playback can begin before the input is
// complete.
package convert

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultSampleRate matches the WebRTC audio track's PCM geometry.
	DefaultSampleRate = 48000

	// DefaultChannels is mono output.
	DefaultChannels = 1

	// readChunkSize is the stdout read granularity.
	readChunkSize = 4096
)

// ErrNoOutput is returned when ffmpeg exits successfully but produced no
// audio, which usually means the input was empty or not audio at all.
var ErrNoOutput = errors.New("convert: ffmpeg produced no output")

// FFmpeg converts arbitrary audio input to raw signed 16-bit little-endian
// PCM at a fixed rate and channel count. The zero value is not usable; use
// [New].
type FFmpeg struct {
	path       string
	sampleRate int
	channels   int

	// newCommand is replaced in tests to run a stand-in transcoder.
	newCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// New creates a converter using the given ffmpeg binary path. An empty path
// means "ffmpeg" resolved via PATH. Non-positive rate or channel values use
// the defaults.
func New(path string, sampleRate, channels int) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if channels <= 0 {
		channels = DefaultChannels
	}
	return &FFmpeg{
		path:       path,
		sampleRate: sampleRate,
		channels:   channels,
		newCommand: exec.CommandContext,
	}
}

// Available reports whether the ffmpeg binary can be found.
func (f *FFmpeg) Available() bool {
	_, err := exec.LookPath(f.path)
	return err == nil
}

// Version returns the first line of `ffmpeg -version`.
func (f *FFmpeg) Version(ctx context.Context) (string, error) {
	out, err := f.newCommand(ctx, f.path, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("convert: ffmpeg version: %w", err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

func (f *FFmpeg) args() []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "s16le",
		"-ar", strconv.Itoa(f.sampleRate),
		"-ac", strconv.Itoa(f.channels),
		"pipe:1",
	}
}

// Convert transcodes a complete buffer and returns the PCM result.
func (f *FFmpeg) Convert(ctx context.Context, data []byte) ([]byte, error) {
	st, err := f.Stream(ctx, strings.NewReader(string(data)))
	if err != nil {
		return nil, err
	}
	var pcm []byte
	for chunk := range st.Out() {
		pcm = append(pcm, chunk...)
	}
	if err := st.Err(); err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, ErrNoOutput
	}
	return pcm, nil
}

// Stream starts a conversion that reads from in until EOF. The returned
// [Stream] yields PCM chunks as they become available. The ffmpeg process is
// always reaped, whether the stream completes, fails or is terminated.
func (f *FFmpeg) Stream(ctx context.Context, in io.Reader) (*Stream, error) {
	cmd := f.newCommand(ctx, f.path, f.args()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("convert: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("convert: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("convert: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("convert: start %s: %w", f.path, err)
	}

	st := &Stream{
		cmd:  cmd,
		out:  make(chan []byte, 8),
		done: make(chan struct{}),
	}

	// The feeder is deliberately outside the errgroup: it can stay blocked
	// on a live input reader after a kill, and teardown must not wait on it.
	go func() {
		defer stdin.Close()
		if _, err := io.Copy(stdin, in); err != nil {
			st.mu.Lock()
			st.feedErr = fmt.Errorf("convert: feed input: %w", err)
			st.mu.Unlock()
		}
	}()

	g := new(errgroup.Group)
	g.Go(func() error {
		defer close(st.out)
		buf := make([]byte, readChunkSize)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				st.out <- chunk
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("convert: read output: %w", err)
			}
		}
	})
	g.Go(func() error {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			slog.Warn("ffmpeg", "stderr", sc.Text())
		}
		return nil
	})

	go func() {
		defer close(st.done)
		gerr := g.Wait()
		werr := cmd.Wait()
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.killed {
			// A deliberate Terminate is not a conversion failure.
			return
		}
		switch {
		case gerr != nil:
			st.err = gerr
		case werr != nil:
			st.err = fmt.Errorf("convert: %s exited: %w", f.path, werr)
		default:
			st.err = st.feedErr
		}
	}()

	return st, nil
}

// Stream is one in-flight conversion.
type Stream struct {
	cmd  *exec.Cmd
	out  chan []byte
	done chan struct{}

	killOnce sync.Once
	mu       sync.Mutex
	killed   bool
	feedErr  error
	err      error
}

// Out yields converted PCM chunks. The channel is closed when conversion
// finishes or the stream is terminated.
func (s *Stream) Out() <-chan []byte { return s.out }

// Err blocks until the conversion is fully reaped and returns its error, if
// any. A terminated stream reports no error.
func (s *Stream) Err() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Terminate kills the ffmpeg process immediately and waits for it to be
// reaped. Draining Out afterwards sees the channel close promptly. Safe to
// call more than once. The input reader passed to Stream must also be closed
// or cancelled by the caller, since the feed goroutine reads it until EOF.
func (s *Stream) Terminate() {
	s.killOnce.Do(func() {
		s.mu.Lock()
		s.killed = true
		s.mu.Unlock()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
	// Drain so the reader goroutine can exit.
	for range s.out {
	}
	<-s.done
}
