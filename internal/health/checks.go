package health

import (
	"context"
	"errors"
)

// FFmpegChecker reports ready only when the ffmpeg binary can be found.
// Without it synthesized audio cannot be converted for playback.
func FFmpegChecker(available func() bool) Checker {
	return Checker{
		Name: "ffmpeg",
		Check: func(context.Context) error {
			if !available() {
				return errors.New("ffmpeg binary not found")
			}
			return nil
		},
	}
}

// ASRChecker probes the speech recognition backend.
func ASRChecker(available func(ctx context.Context) error) Checker {
	return Checker{Name: "asr", Check: available}
}
