package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/parla-voice/parla/pkg/audio"
)

func TestStreamAudio(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/text-to-speech/voice-1/stream") {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("xi-api-key") != "key-1" {
			t.Errorf("missing api key header")
		}
		var req synthesisRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Text != "Hello there." {
			t.Errorf("text = %q", req.Text)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write(bytes.Repeat([]byte{0xFF}, 10000))
	}))
	defer srv.Close()

	p, err := New("key-1", "voice-1", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ch, err := p.StreamAudio(context.Background(), "Hello there.")
	if err != nil {
		t.Fatalf("StreamAudio() error = %v", err)
	}
	var total int
	for chunk := range ch {
		if len(chunk) > readChunkSize {
			t.Errorf("chunk %d bytes exceeds read granularity", len(chunk))
		}
		total += len(chunk)
	}
	if total != 10000 {
		t.Errorf("streamed %d bytes, want 10000", total)
	}
}

func TestStreamAudioAPIError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"detail":"invalid voice"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, _ := New("key", "voice", WithBaseURL(srv.URL))
	if _, err := p.StreamAudio(context.Background(), "text"); err == nil {
		t.Error("StreamAudio() error = nil for a 401 response")
	}
}

func TestStreamAudioRejectsEmptyText(t *testing.T) {
	t.Parallel()
	p, _ := New("key", "voice")
	if _, err := p.StreamAudio(context.Background(), ""); err == nil {
		t.Error("StreamAudio() error = nil for empty text")
	}
}

func TestOutputFormat(t *testing.T) {
	t.Parallel()
	p, _ := New("key", "voice")
	if got := p.OutputFormat(); got != audio.FormatMP3 {
		t.Errorf("OutputFormat() = %q, want %q", got, audio.FormatMP3)
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "voice"); err == nil {
		t.Error("New() with empty apiKey succeeded")
	}
	if _, err := New("key", ""); err == nil {
		t.Error("New() with empty voiceID succeeded")
	}
}
