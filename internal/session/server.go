// Package session implements the WebSocket control channel for voice
// conversations.
//
// Each accepted connection becomes one session: the server assigns a session
// ID, confirms it with a connected message, then dispatches inbound envelopes
// (WebRTC signaling, audio chunks, interrupts, heartbeats, delivery acks) to
// the pipeline and the connection manager. Pipeline events travel the other
// way: [Server] implements [pipeline.Events] and relays transcripts, agent
// responses, sentences and interrupt confirmations as outbound envelopes.
//
// Inbound audio is not processed per chunk. Chunks accumulate in a per-session
// buffer and a quiet period of [Config.AudioWindow] flushes the buffer as one
// utterance, so a client streaming small chunks does not trigger one
// transcription per packet.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/parla-voice/parla/internal/pipeline"
	"github.com/parla-voice/parla/pkg/transport/webrtc"
)

const (
	defaultAudioWindow   = 1500 * time.Millisecond
	defaultErrorInterval = time.Second

	// The socket may not be writable immediately after accept, so the
	// connected confirmation retries briefly before giving up.
	connectedAttempts = 3
	connectedBackoff  = 50 * time.Millisecond

	writeTimeout = 5 * time.Second
)

// Pipeline is the slice of the conversation orchestrator the session layer
// drives. Satisfied by [pipeline.Orchestrator].
type Pipeline interface {
	CreateSession(ctx context.Context, sessionID string) error
	CleanupSession(sessionID string)
	ProcessAudio(ctx context.Context, sessionID string, pcm []byte) error
	Interrupt(ctx context.Context, sessionID, reason string) (time.Duration, error)
	Acknowledge(sessionID string, seq uint64)
}

var _ Pipeline = (*pipeline.Orchestrator)(nil)

// Signaling is the slice of the WebRTC connection manager used for
// offer/answer and candidate exchange. Satisfied by [webrtc.Manager].
type Signaling interface {
	CreateConnection(sessionID string) (*webrtc.Conn, error)
	HandleOffer(sessionID, offerSDP string) (string, error)
	HandleICECandidate(sessionID, candidate string, sdpMid *string, sdpMLineIndex *uint16) error
}

var _ Signaling = (*webrtc.Manager)(nil)

// Config tunes the session layer.
type Config struct {
	// STUNServers are advertised to clients in the connected message.
	// Defaults to [webrtc.DefaultSTUNServers].
	STUNServers []string

	// AudioWindow is the quiet period after the last audio_chunk before the
	// accumulated buffer is flushed to the pipeline. Defaults to 1.5s.
	AudioWindow time.Duration

	// ErrorInterval throttles outbound error envelopes and their log lines
	// to one per error kind per session. Defaults to 1s.
	ErrorInterval time.Duration

	// AllowedOrigins restricts which browser origins may connect. Empty
	// means any origin is accepted.
	AllowedOrigins []string
}

// Server accepts WebSocket connections and routes messages between clients
// and the conversation pipeline. It implements [http.Handler] for the /ws
// endpoint and [pipeline.Events] for outbound event delivery.
type Server struct {
	signal Signaling
	cfg    Config

	mu    sync.RWMutex
	pipe  Pipeline
	peers map[string]*peer
}

var _ pipeline.Events = (*Server)(nil)

// peer is the per-connection state: the socket, the audio accumulation
// buffer, and the error throttle.
type peer struct {
	id   string
	conn *websocket.Conn
	ctx  context.Context

	writeMu sync.Mutex

	mu      sync.Mutex
	buf     []byte
	chunks  int
	flush   *time.Timer
	lastErr map[string]time.Time
	closed  bool
}

// NewServer creates a session server on top of the given signaling manager.
// [Server.BindPipeline] must be called before the server accepts traffic.
func NewServer(signal Signaling, cfg Config) *Server {
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = webrtc.DefaultSTUNServers
	}
	if cfg.AudioWindow <= 0 {
		cfg.AudioWindow = defaultAudioWindow
	}
	if cfg.ErrorInterval <= 0 {
		cfg.ErrorInterval = defaultErrorInterval
	}
	return &Server{
		signal: signal,
		cfg:    cfg,
		peers:  make(map[string]*peer),
	}
}

// BindPipeline wires the orchestrator in after construction. The server and
// the orchestrator reference each other (the orchestrator publishes events to
// the server), so one side has to be attached late; this is that side.
func (s *Server) BindPipeline(p Pipeline) {
	s.mu.Lock()
	s.pipe = p
	s.mu.Unlock()
}

// ServeHTTP upgrades the request to a WebSocket and runs the session until
// the client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins}
	if len(s.cfg.AllowedOrigins) == 0 {
		opts = &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Warn("websocket accept failed", "err", err)
		return
	}
	s.handle(r.Context(), conn)
}

func (s *Server) handle(ctx context.Context, conn *websocket.Conn) {
	s.mu.RLock()
	pipe := s.pipe
	s.mu.RUnlock()
	if pipe == nil {
		conn.Close(websocket.StatusInternalError, "server not ready")
		return
	}

	p := &peer{
		id:      uuid.NewString(),
		conn:    conn,
		ctx:     ctx,
		lastErr: make(map[string]time.Time),
	}

	if err := pipe.CreateSession(ctx, p.id); err != nil {
		slog.Error("session create failed", "session", p.id, "err", err)
		conn.Close(websocket.StatusInternalError, "session create failed")
		return
	}

	s.mu.Lock()
	s.peers[p.id] = p
	s.mu.Unlock()

	slog.Info("session opened", "session", p.id)

	defer func() {
		s.mu.Lock()
		delete(s.peers, p.id)
		s.mu.Unlock()

		p.mu.Lock()
		p.closed = true
		if p.flush != nil {
			p.flush.Stop()
		}
		p.mu.Unlock()

		pipe.CleanupSession(p.id)
		conn.Close(websocket.StatusNormalClosure, "session closed")
		slog.Info("session closed", "session", p.id)
	}()

	if err := s.sendConnected(p); err != nil {
		slog.Error("connected message failed", "session", p.id, "err", err)
		return
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		s.dispatch(p, pipe, data)
	}
}

// ─── Inbound dispatch ──────────────────────────────────────────────────────────

func (s *Server) dispatch(p *peer, pipe Pipeline, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendError(p, "bad_message", "message is not a valid JSON envelope")
		return
	}

	switch env.Event {
	case eventWebRTCOffer:
		s.handleOffer(p, env.Data)
	case eventICECandidate:
		s.handleCandidate(p, env.Data)
	case eventAudioChunk:
		s.handleAudio(p, env.Data)
	case eventInterrupt:
		s.handleInterrupt(p, pipe, env.Data)
	case eventHeartbeat:
		slog.Debug("heartbeat", "session", p.id)
	case eventChunkAck:
		var ack ackPayload
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			return
		}
		pipe.Acknowledge(p.id, ack.Seq)
	default:
		s.sendError(p, "unknown_event", fmt.Sprintf("unknown event %q", env.Event))
	}
}

func (s *Server) handleOffer(p *peer, data json.RawMessage) {
	var payload sdpPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.sendError(p, "invalid_offer", "offer payload is not valid JSON")
		return
	}
	desc := payload.unwrap()
	if desc.SDP == "" {
		s.sendError(p, "invalid_offer", "offer has no sdp")
		return
	}

	if _, err := s.signal.CreateConnection(p.id); err != nil {
		slog.Error("peer connection create failed", "session", p.id, "err", err)
		s.sendError(p, "webrtc_error", "could not create peer connection")
		return
	}
	answer, err := s.signal.HandleOffer(p.id, desc.SDP)
	if err != nil {
		slog.Error("offer handling failed", "session", p.id, "err", err)
		s.sendError(p, "webrtc_error", "could not process offer")
		return
	}
	s.send(p, eventWebRTCAnswer, description{SDP: answer, Type: "answer"})
}

func (s *Server) handleCandidate(p *peer, data json.RawMessage) {
	var payload icePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		slog.Warn("ignoring unparseable ice candidate", "session", p.id, "err", err)
		return
	}
	cand, err := payload.unwrap()
	if err != nil || cand.Candidate == "" {
		slog.Warn("ignoring malformed ice candidate", "session", p.id, "err", err)
		return
	}
	if err := s.signal.HandleICECandidate(p.id, cand.Candidate, cand.SDPMid, cand.SDPMLineIndex); err != nil {
		slog.Warn("ice candidate rejected", "session", p.id, "err", err)
	}
}

// handleAudio decodes one chunk and arms the flush timer. The actual pipeline
// call happens in the timer goroutine once the client goes quiet, so the read
// loop keeps servicing interrupts while a response is in flight.
func (s *Server) handleAudio(p *peer, data json.RawMessage) {
	var payload audioPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.sendError(p, "bad_audio", "audio payload is not valid JSON")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(payload.Audio)
	if err != nil {
		s.sendError(p, "bad_audio", "audio is not valid base64")
		return
	}
	if len(raw) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.buf = append(p.buf, raw...)
	p.chunks++
	if p.flush == nil {
		p.flush = time.AfterFunc(s.cfg.AudioWindow, func() { s.flushAudio(p) })
	} else {
		p.flush.Reset(s.cfg.AudioWindow)
	}
}

func (s *Server) flushAudio(p *peer) {
	p.mu.Lock()
	pcm := p.buf
	chunks := p.chunks
	closed := p.closed
	p.buf = nil
	p.chunks = 0
	p.mu.Unlock()
	if closed || chunks == 0 {
		return
	}

	s.mu.RLock()
	pipe := s.pipe
	s.mu.RUnlock()

	slog.Debug("flushing audio buffer", "session", p.id, "chunks", chunks, "bytes", len(pcm))
	err := pipe.ProcessAudio(p.ctx, p.id, pcm)
	if err != nil && p.ctx.Err() == nil && !errors.Is(err, pipeline.ErrUnknownSession) {
		s.sendError(p, "processing_error", "audio processing failed")
	}
}

func (s *Server) handleInterrupt(p *peer, pipe Pipeline, data json.RawMessage) {
	var payload interruptPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			s.sendError(p, "bad_message", "interrupt payload is not valid JSON")
			return
		}
	}
	reason := payload.Reason
	if reason == "" {
		reason = "client_request"
	}

	// voice_interrupted is sent by OnInterrupted while this call runs.
	if _, err := pipe.Interrupt(p.ctx, p.id, reason); err != nil {
		if !errors.Is(err, pipeline.ErrUnknownSession) {
			s.sendError(p, "interrupt_error", "interrupt failed")
		}
	}
}

// ─── Outbound events (pipeline.Events) ─────────────────────────────────────────

// OnTranscript relays the recognized user utterance.
func (s *Server) OnTranscript(sessionID, text string) {
	if p := s.peer(sessionID); p != nil {
		s.send(p, eventTranscript, textPayload{Text: text})
	}
}

// OnAgentResponse relays the full agent reply before sentence streaming starts.
func (s *Server) OnAgentResponse(sessionID, text string) {
	if p := s.peer(sessionID); p != nil {
		s.send(p, eventAgentResponse, textPayload{Text: text})
	}
}

// OnSentence relays one sentence as it enters synthesis.
func (s *Server) OnSentence(sessionID, text string) {
	if p := s.peer(sessionID); p != nil {
		s.send(p, eventSentence, textPayload{Text: text})
	}
}

// OnStreamingComplete signals that the whole response has been handed to the
// transport. Nothing is sent if the socket closed mid-response.
func (s *Server) OnStreamingComplete(sessionID string) {
	if p := s.peer(sessionID); p != nil {
		s.send(p, eventStreamingComplete, nil)
	}
}

// OnNoSpeech tells the client its audio contained nothing usable.
func (s *Server) OnNoSpeech(sessionID string) {
	if p := s.peer(sessionID); p != nil {
		s.send(p, eventNoSpeech, nil)
	}
}

// OnInterrupted confirms the interrupt with its measured end-to-end latency.
func (s *Server) OnInterrupted(sessionID, reason string, elapsed time.Duration) {
	if p := s.peer(sessionID); p != nil {
		s.send(p, eventVoiceInterrupted, interruptedPayload{
			Reason:             reason,
			InterruptionTimeMs: float64(elapsed.Microseconds()) / 1000,
		})
	}
}

// OnError relays a pipeline failure, throttled per error kind.
func (s *Server) OnError(sessionID, kind string, err error) {
	if p := s.peer(sessionID); p != nil {
		s.sendError(p, kind, err.Error())
	}
}

// ─── Wire helpers ──────────────────────────────────────────────────────────────

func (s *Server) peer(sessionID string) *peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[sessionID]
}

// Sessions reports the number of connected clients.
func (s *Server) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

func (s *Server) sendConnected(p *peer) error {
	payload := connectedPayload{
		SessionID:  p.id,
		ICEServers: []iceServer{{URLs: s.cfg.STUNServers}},
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	var err error
	for attempt := 1; attempt <= connectedAttempts; attempt++ {
		if err = s.send(p, eventConnected, payload); err == nil {
			return nil
		}
		select {
		case <-p.ctx.Done():
			return p.ctx.Err()
		case <-time.After(connectedBackoff):
		}
	}
	return fmt.Errorf("session: connected message after %d attempts: %w", connectedAttempts, err)
}

func (s *Server) send(p *peer, event string, payload any) error {
	env := envelope{Event: event, SessionID: p.id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("session: marshal %s payload: %w", event, err)
		}
		env.Data = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("session: marshal %s envelope: %w", event, err)
	}

	ctx, cancel := context.WithTimeout(p.ctx, writeTimeout)
	defer cancel()

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("session: write %s: %w", event, err)
	}
	return nil
}

// sendError emits an error envelope unless the same kind fired within the
// throttle interval. Sustained provider failure otherwise floods both the
// client and the log.
func (s *Server) sendError(p *peer, kind, msg string) {
	now := time.Now()
	p.mu.Lock()
	if last, ok := p.lastErr[kind]; ok && now.Sub(last) < s.cfg.ErrorInterval {
		p.mu.Unlock()
		return
	}
	p.lastErr[kind] = now
	p.mu.Unlock()

	slog.Warn("session error", "session", p.id, "kind", kind, "msg", msg)
	if err := s.send(p, eventError, errorPayload{ErrorType: kind, Message: msg}); err != nil {
		slog.Debug("error envelope not delivered", "session", p.id, "err", err)
	}
}
