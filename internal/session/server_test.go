package session_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/parla-voice/parla/internal/session"
	"github.com/parla-voice/parla/pkg/transport/webrtc"
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

type fakePipe struct {
	mu         sync.Mutex
	created    []string
	cleaned    []string
	processed  [][]byte
	interrupts []string
	acks       []uint64
	processErr error
}

func (f *fakePipe) CreateSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, id)
	return nil
}

func (f *fakePipe) CleanupSession(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, id)
}

func (f *fakePipe) ProcessAudio(_ context.Context, _ string, pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, append([]byte(nil), pcm...))
	return f.processErr
}

func (f *fakePipe) Interrupt(_ context.Context, _, reason string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts = append(f.interrupts, reason)
	return 10 * time.Millisecond, nil
}

func (f *fakePipe) Acknowledge(_ string, seq uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, seq)
}

func (f *fakePipe) snapshot() (created, cleaned []string, processed [][]byte, interrupts []string, acks []uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...),
		append([]string(nil), f.cleaned...),
		append([][]byte(nil), f.processed...),
		append([]string(nil), f.interrupts...),
		append([]uint64(nil), f.acks...)
}

type fakeSignal struct {
	mu         sync.Mutex
	answer     string
	offers     []string
	candidates []string
	created    int
}

func (f *fakeSignal) CreateConnection(string) (*webrtc.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return nil, nil
}

func (f *fakeSignal) HandleOffer(_, sdp string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, sdp)
	return f.answer, nil
}

func (f *fakeSignal) HandleICECandidate(_, candidate string, _ *string, _ *uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, candidate)
	return nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

type testEnvelope struct {
	Event     string          `json:"event"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data"`
}

type fixture struct {
	srv    *session.Server
	pipe   *fakePipe
	signal *fakeSignal
	conn   *websocket.Conn
}

// connect stands up a session server, dials it and consumes the connected
// message, returning the assigned session ID.
func connect(t *testing.T, cfg session.Config) (*fixture, string) {
	t.Helper()

	f := &fixture{
		pipe:   &fakePipe{},
		signal: &fakeSignal{answer: "v=0\r\nanswer"},
	}
	f.srv = session.NewServer(f.signal, cfg)
	f.srv.BindPipeline(f.pipe)

	hs := httptest.NewServer(f.srv)
	t.Cleanup(hs.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(hs.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	f.conn = conn

	env := readEnvelope(t, conn)
	if env.Event != "connected" {
		t.Fatalf("first message event = %q, want connected", env.Event)
	}
	if env.SessionID == "" {
		t.Fatal("connected message has no session_id")
	}
	return f, env.SessionID
}

func readEnvelope(t *testing.T, conn *websocket.Conn) testEnvelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env testEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	msg := map[string]any{"event": event}
	if data != nil {
		msg["data"] = data
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConnectedMessage(t *testing.T) {
	t.Parallel()
	f, id := connect(t, session.Config{STUNServers: []string{"stun:stun.example.com:3478"}})

	created, _, _, _, _ := f.pipe.snapshot()
	if len(created) != 1 || created[0] != id {
		t.Fatalf("created sessions = %v, want [%s]", created, id)
	}
	if got := f.srv.Sessions(); got != 1 {
		t.Fatalf("Sessions() = %d, want 1", got)
	}
}

func TestConnectedAdvertisesICEServers(t *testing.T) {
	t.Parallel()

	f := &fixture{pipe: &fakePipe{}, signal: &fakeSignal{}}
	f.srv = session.NewServer(f.signal, session.Config{STUNServers: []string{"stun:a", "stun:b"}})
	f.srv.BindPipeline(f.pipe)
	hs := httptest.NewServer(f.srv)
	t.Cleanup(hs.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(hs.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })

	env := readEnvelope(t, conn)
	var data struct {
		SessionID  string `json:"session_id"`
		ICEServers []struct {
			URLs []string `json:"urls"`
		} `json:"ice_servers"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("unmarshal connected data: %v", err)
	}
	if len(data.ICEServers) != 1 || len(data.ICEServers[0].URLs) != 2 {
		t.Fatalf("ice_servers = %+v, want one entry with two urls", data.ICEServers)
	}
	if _, err := time.Parse(time.RFC3339, data.Timestamp); err != nil {
		t.Fatalf("timestamp %q is not RFC3339: %v", data.Timestamp, err)
	}
	if data.SessionID != env.SessionID {
		t.Fatalf("data session_id %q != envelope session_id %q", data.SessionID, env.SessionID)
	}
}

func TestOfferProducesAnswer(t *testing.T) {
	t.Parallel()
	f, _ := connect(t, session.Config{})

	writeEnvelope(t, f.conn, "webrtc_offer", map[string]any{"sdp": "v=0\r\noffer-flat", "type": "offer"})
	env := readEnvelope(t, f.conn)
	if env.Event != "webrtc_answer" {
		t.Fatalf("event = %q, want webrtc_answer", env.Event)
	}
	var answer struct {
		SDP  string `json:"sdp"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(env.Data, &answer); err != nil {
		t.Fatalf("unmarshal answer: %v", err)
	}
	if answer.SDP != "v=0\r\nanswer" || answer.Type != "answer" {
		t.Fatalf("answer = %+v", answer)
	}

	// Browsers sometimes nest the description under "offer".
	writeEnvelope(t, f.conn, "webrtc_offer", map[string]any{
		"offer": map[string]any{"sdp": "v=0\r\noffer-nested", "type": "offer"},
	})
	if env := readEnvelope(t, f.conn); env.Event != "webrtc_answer" {
		t.Fatalf("event = %q, want webrtc_answer", env.Event)
	}

	f.signal.mu.Lock()
	defer f.signal.mu.Unlock()
	if f.signal.created != 2 {
		t.Fatalf("connections created = %d, want 2", f.signal.created)
	}
	want := []string{"v=0\r\noffer-flat", "v=0\r\noffer-nested"}
	if len(f.signal.offers) != 2 || f.signal.offers[0] != want[0] || f.signal.offers[1] != want[1] {
		t.Fatalf("offers = %q, want %q", f.signal.offers, want)
	}
}

func TestEmptyOfferRejected(t *testing.T) {
	t.Parallel()
	f, _ := connect(t, session.Config{})

	writeEnvelope(t, f.conn, "webrtc_offer", map[string]any{"type": "offer"})
	env := readEnvelope(t, f.conn)
	if env.Event != "error" {
		t.Fatalf("event = %q, want error", env.Event)
	}
	var payload struct {
		ErrorType string `json:"error_type"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal error data: %v", err)
	}
	if payload.ErrorType != "invalid_offer" {
		t.Fatalf("error_type = %q, want invalid_offer", payload.ErrorType)
	}
}

func TestICECandidateShapes(t *testing.T) {
	t.Parallel()
	f, _ := connect(t, session.Config{})

	writeEnvelope(t, f.conn, "webrtc_ice_candidate", map[string]any{
		"candidate":     "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host",
		"sdpMid":        "0",
		"sdpMLineIndex": 0,
	})
	writeEnvelope(t, f.conn, "webrtc_ice_candidate", map[string]any{
		"candidate": map[string]any{
			"candidate":     "candidate:2 1 udp 1694498815 198.51.100.7 3478 typ srflx",
			"sdpMid":        "0",
			"sdpMLineIndex": 0,
		},
	})
	// Malformed: candidate is a number. Logged and dropped, never fatal.
	writeEnvelope(t, f.conn, "webrtc_ice_candidate", map[string]any{"candidate": 42})

	waitFor(t, 2*time.Second, func() bool {
		f.signal.mu.Lock()
		defer f.signal.mu.Unlock()
		return len(f.signal.candidates) == 2
	})
	f.signal.mu.Lock()
	defer f.signal.mu.Unlock()
	if !strings.HasPrefix(f.signal.candidates[0], "candidate:1") || !strings.HasPrefix(f.signal.candidates[1], "candidate:2") {
		t.Fatalf("candidates = %q", f.signal.candidates)
	}
}

func TestAudioChunksAccumulate(t *testing.T) {
	t.Parallel()
	f, _ := connect(t, session.Config{AudioWindow: 50 * time.Millisecond})

	for _, part := range []string{"first-", "second-", "third"} {
		writeEnvelope(t, f.conn, "audio_chunk", map[string]any{
			"audio": base64.StdEncoding.EncodeToString([]byte(part)),
		})
	}

	waitFor(t, 2*time.Second, func() bool {
		_, _, processed, _, _ := f.pipe.snapshot()
		return len(processed) == 1
	})
	_, _, processed, _, _ := f.pipe.snapshot()
	if got := string(processed[0]); got != "first-second-third" {
		t.Fatalf("processed audio = %q, want concatenation of all chunks", got)
	}
}

func TestAudioWindowRestartsPerChunk(t *testing.T) {
	t.Parallel()
	f, _ := connect(t, session.Config{AudioWindow: 120 * time.Millisecond})

	// Keep chunks arriving faster than the window; no flush should happen
	// until the client goes quiet.
	for i := 0; i < 4; i++ {
		writeEnvelope(t, f.conn, "audio_chunk", map[string]any{
			"audio": base64.StdEncoding.EncodeToString([]byte{byte(i)}),
		})
		time.Sleep(40 * time.Millisecond)
	}
	_, _, processed, _, _ := f.pipe.snapshot()
	if len(processed) != 0 {
		t.Fatalf("flushed %d buffers while chunks were still arriving", len(processed))
	}

	waitFor(t, 2*time.Second, func() bool {
		_, _, processed, _, _ := f.pipe.snapshot()
		return len(processed) == 1
	})
	_, _, processed, _, _ = f.pipe.snapshot()
	if len(processed[0]) != 4 {
		t.Fatalf("flushed %d bytes, want 4", len(processed[0]))
	}
}

func TestBadAudioBase64(t *testing.T) {
	t.Parallel()
	f, _ := connect(t, session.Config{})

	writeEnvelope(t, f.conn, "audio_chunk", map[string]any{"audio": "not/valid;;base64!!"})
	env := readEnvelope(t, f.conn)
	if env.Event != "error" {
		t.Fatalf("event = %q, want error", env.Event)
	}
}

func TestInterruptReachesPipeline(t *testing.T) {
	t.Parallel()
	f, _ := connect(t, session.Config{})

	writeEnvelope(t, f.conn, "interrupt", map[string]any{"reason": "user_spoke"})
	waitFor(t, 2*time.Second, func() bool {
		_, _, _, interrupts, _ := f.pipe.snapshot()
		return len(interrupts) == 1
	})
	_, _, _, interrupts, _ := f.pipe.snapshot()
	if interrupts[0] != "user_spoke" {
		t.Fatalf("interrupt reason = %q, want user_spoke", interrupts[0])
	}
}

func TestInterruptDefaultReason(t *testing.T) {
	t.Parallel()
	f, _ := connect(t, session.Config{})

	writeEnvelope(t, f.conn, "interrupt", nil)
	waitFor(t, 2*time.Second, func() bool {
		_, _, _, interrupts, _ := f.pipe.snapshot()
		return len(interrupts) == 1
	})
	_, _, _, interrupts, _ := f.pipe.snapshot()
	if interrupts[0] != "client_request" {
		t.Fatalf("interrupt reason = %q, want client_request", interrupts[0])
	}
}

func TestChunkAckFeedsPipeline(t *testing.T) {
	t.Parallel()
	f, _ := connect(t, session.Config{})

	writeEnvelope(t, f.conn, "chunk_ack", map[string]any{"seq": 7})
	writeEnvelope(t, f.conn, "chunk_ack", map[string]any{"seq": 8})
	waitFor(t, 2*time.Second, func() bool {
		_, _, _, _, acks := f.pipe.snapshot()
		return len(acks) == 2
	})
	_, _, _, _, acks := f.pipe.snapshot()
	if acks[0] != 7 || acks[1] != 8 {
		t.Fatalf("acks = %v, want [7 8]", acks)
	}
}

func TestUnknownEvent(t *testing.T) {
	t.Parallel()
	f, _ := connect(t, session.Config{})

	writeEnvelope(t, f.conn, "bogus_event", nil)
	env := readEnvelope(t, f.conn)
	if env.Event != "error" {
		t.Fatalf("event = %q, want error", env.Event)
	}
	var payload struct {
		ErrorType string `json:"error_type"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal error data: %v", err)
	}
	if payload.ErrorType != "unknown_event" {
		t.Fatalf("error_type = %q, want unknown_event", payload.ErrorType)
	}
}

func TestPipelineEventsRelay(t *testing.T) {
	t.Parallel()
	f, id := connect(t, session.Config{})

	f.srv.OnTranscript(id, "hello there")
	f.srv.OnAgentResponse(id, "hi, how can I help?")
	f.srv.OnSentence(id, "hi, how can I help?")
	f.srv.OnStreamingComplete(id)
	f.srv.OnNoSpeech(id)
	f.srv.OnInterrupted(id, "user_spoke", 42*time.Millisecond)

	wantEvents := []string{
		"transcript", "agent_response", "llm_sentence",
		"streaming_complete", "no_speech_detected", "voice_interrupted",
	}
	for _, want := range wantEvents {
		env := readEnvelope(t, f.conn)
		if env.Event != want {
			t.Fatalf("event = %q, want %q", env.Event, want)
		}
		if env.SessionID != id {
			t.Fatalf("session_id = %q, want %q", env.SessionID, id)
		}
		if want == "voice_interrupted" {
			var payload struct {
				Reason string  `json:"reason"`
				Ms     float64 `json:"interruption_time_ms"`
			}
			if err := json.Unmarshal(env.Data, &payload); err != nil {
				t.Fatalf("unmarshal voice_interrupted: %v", err)
			}
			if payload.Reason != "user_spoke" || payload.Ms != 42 {
				t.Fatalf("voice_interrupted payload = %+v", payload)
			}
		}
	}
}

func TestEventsForUnknownSessionDropped(t *testing.T) {
	t.Parallel()
	f, _ := connect(t, session.Config{})

	// Must not panic or write anything to connected peers.
	f.srv.OnTranscript("no-such-session", "hello")
	f.srv.OnStreamingComplete("no-such-session")

	f.srv.OnNoSpeech("no-such-session")
	writeEnvelope(t, f.conn, "heartbeat", nil)
	f.srv.OnTranscript(mustSessionID(t, f), "after")
	if env := readEnvelope(t, f.conn); env.Event != "transcript" {
		t.Fatalf("event = %q, want transcript (stray events must be dropped)", env.Event)
	}
}

func mustSessionID(t *testing.T, f *fixture) string {
	t.Helper()
	created, _, _, _, _ := f.pipe.snapshot()
	if len(created) == 0 {
		t.Fatal("no session created")
	}
	return created[0]
}

func TestErrorThrottlePerKind(t *testing.T) {
	t.Parallel()
	f, id := connect(t, session.Config{ErrorInterval: time.Minute})

	f.srv.OnError(id, "tts_error", errors.New("synth failed"))
	f.srv.OnError(id, "tts_error", errors.New("synth failed again"))
	f.srv.OnError(id, "asr_error", errors.New("different kind passes"))
	f.srv.OnTranscript(id, "done")

	env := readEnvelope(t, f.conn)
	if env.Event != "error" {
		t.Fatalf("event = %q, want error", env.Event)
	}
	var first struct {
		ErrorType string `json:"error_type"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(env.Data, &first); err != nil {
		t.Fatalf("unmarshal error data: %v", err)
	}
	if first.ErrorType != "tts_error" || first.Message != "synth failed" {
		t.Fatalf("first error = %+v", first)
	}

	// The duplicate tts_error is suppressed: next frames are the asr_error
	// and then the transcript.
	if env := readEnvelope(t, f.conn); env.Event != "error" {
		t.Fatalf("event = %q, want error (asr_error)", env.Event)
	}
	if env := readEnvelope(t, f.conn); env.Event != "transcript" {
		t.Fatalf("event = %q, want transcript", env.Event)
	}
}

func TestDisconnectCleansUp(t *testing.T) {
	t.Parallel()
	f, id := connect(t, session.Config{})

	f.conn.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, 2*time.Second, func() bool {
		_, cleaned, _, _, _ := f.pipe.snapshot()
		return len(cleaned) == 1
	})
	_, cleaned, _, _, _ := f.pipe.snapshot()
	if cleaned[0] != id {
		t.Fatalf("cleaned = %v, want [%s]", cleaned, id)
	}
	waitFor(t, 2*time.Second, func() bool { return f.srv.Sessions() == 0 })
}
