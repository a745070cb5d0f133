package session

import "encoding/json"

// Inbound event names dispatched by the read loop.
const (
	eventWebRTCOffer  = "webrtc_offer"
	eventICECandidate = "webrtc_ice_candidate"
	eventAudioChunk   = "audio_chunk"
	eventInterrupt    = "interrupt"
	eventHeartbeat    = "heartbeat"
	eventChunkAck     = "chunk_ack"
)

// Outbound event names sent to the client.
const (
	eventConnected         = "connected"
	eventWebRTCAnswer      = "webrtc_answer"
	eventVoiceInterrupted  = "voice_interrupted"
	eventTranscript        = "transcript"
	eventAgentResponse     = "agent_response"
	eventSentence          = "llm_sentence"
	eventStreamingComplete = "streaming_complete"
	eventNoSpeech          = "no_speech_detected"
	eventError             = "error"
)

// envelope is the wire format for every message in both directions:
// {"event": ..., "session_id": ..., "data": {...}}.
type envelope struct {
	Event     string          `json:"event"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// sdpPayload is the body of webrtc_offer and webrtc_answer. Browser clients
// send either the description directly or nested under "offer"; both shapes
// are accepted.
type sdpPayload struct {
	SDP   string       `json:"sdp"`
	Type  string       `json:"type"`
	Offer *description `json:"offer,omitempty"`
}

type description struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// unwrap returns the session description regardless of nesting.
func (p sdpPayload) unwrap() description {
	if p.Offer != nil {
		return *p.Offer
	}
	return description{SDP: p.SDP, Type: p.Type}
}

// icePayload is the body of webrtc_ice_candidate. The candidate field is
// either the SDP candidate string or a nested RTCIceCandidate object.
type icePayload struct {
	Candidate     json.RawMessage `json:"candidate"`
	SDPMid        *string         `json:"sdpMid"`
	SDPMLineIndex *uint16         `json:"sdpMLineIndex"`
}

// iceCandidate is the flattened form fed to the connection manager.
type iceCandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

// unwrap flattens the two client shapes: {candidate: "...", sdpMid, sdpMLineIndex}
// and {candidate: {candidate: "...", sdpMid, sdpMLineIndex}}.
func (p icePayload) unwrap() (iceCandidate, error) {
	var line string
	if err := json.Unmarshal(p.Candidate, &line); err == nil {
		return iceCandidate{Candidate: line, SDPMid: p.SDPMid, SDPMLineIndex: p.SDPMLineIndex}, nil
	}
	var nested iceCandidate
	if err := json.Unmarshal(p.Candidate, &nested); err != nil {
		return iceCandidate{}, err
	}
	return nested, nil
}

// audioPayload carries one base64-encoded chunk of microphone audio.
type audioPayload struct {
	Audio string `json:"audio"`
}

// interruptPayload names the client's reason for cutting playback.
type interruptPayload struct {
	Reason string `json:"reason"`
}

// ackPayload acknowledges receipt of a delivered audio chunk by sequence.
type ackPayload struct {
	Seq uint64 `json:"seq"`
}

// iceServer mirrors the RTCIceServer dictionary sent in the connected message.
type iceServer struct {
	URLs []string `json:"urls"`
}

// connectedPayload confirms the session to a freshly accepted client.
type connectedPayload struct {
	SessionID  string      `json:"session_id"`
	ICEServers []iceServer `json:"ice_servers"`
	Timestamp  string      `json:"timestamp"`
}

// textPayload carries transcript, agent_response and llm_sentence bodies.
type textPayload struct {
	Text string `json:"text"`
}

// interruptedPayload reports a completed interrupt with its measured latency.
type interruptedPayload struct {
	Reason             string  `json:"reason"`
	InterruptionTimeMs float64 `json:"interruption_time_ms"`
}

// errorPayload is the body of outbound error events.
type errorPayload struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}
