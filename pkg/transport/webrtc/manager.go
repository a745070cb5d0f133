package webrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// DefaultSTUNServers are used when the configuration names none.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// ErrNoConnection is returned for operations on an unknown session.
var ErrNoConnection = errors.New("webrtc: no connection for session")

// Manager owns one peer connection per session. Safe for concurrent use.
type Manager struct {
	iceServers []pion.ICEServer

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewManager creates a manager using the given STUN/TURN URLs, falling back
// to [DefaultSTUNServers] when none are given.
func NewManager(stunURLs []string) *Manager {
	if len(stunURLs) == 0 {
		stunURLs = DefaultSTUNServers
	}
	servers := make([]pion.ICEServer, 0, len(stunURLs))
	for _, u := range stunURLs {
		servers = append(servers, pion.ICEServer{URLs: []string{u}})
	}
	return &Manager{
		iceServers: servers,
		conns:      make(map[string]*Conn),
	}
}

// Conn is the transport state for one session: the pion peer connection, the
// outgoing audio track and its pump goroutine.
type Conn struct {
	sessionID string
	pc        *pion.PeerConnection
	sender    *pion.RTPSender

	mu     sync.Mutex
	track  *Track
	sample *pion.TrackLocalStaticSample

	ready     chan struct{}
	readyOnce sync.Once
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// CreateConnection sets up a fresh peer connection for the session. An
// existing connection for the same session is torn down first, so a client
// reconnect never leaks its predecessor.
func (m *Manager) CreateConnection(sessionID string) (*Conn, error) {
	m.mu.Lock()
	old := m.conns[sessionID]
	delete(m.conns, sessionID)
	m.mu.Unlock()
	if old != nil {
		slog.Info("replacing existing webrtc connection", "session", sessionID)
		old.close()
	}

	pc, err := pion.NewPeerConnection(pion.Configuration{ICEServers: m.iceServers})
	if err != nil {
		return nil, fmt.Errorf("webrtc: create peer connection: %w", err)
	}

	sample, err := newSampleTrack()
	if err != nil {
		pc.Close()
		return nil, err
	}
	sender, err := pc.AddTrack(sample)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc: add track: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		sessionID: sessionID,
		pc:        pc,
		sender:    sender,
		track:     NewTrack(),
		sample:    sample,
		ready:     make(chan struct{}),
		cancel:    cancel,
	}

	pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		slog.Debug("webrtc connection state", "session", sessionID, "state", s.String())
		switch s {
		case pion.PeerConnectionStateFailed, pion.PeerConnectionStateClosed:
			m.Close(sessionID)
		}
	})

	go drainRTCP(sender)
	go c.pump(ctx)

	m.mu.Lock()
	m.conns[sessionID] = c
	m.mu.Unlock()
	return c, nil
}

// HandleOffer applies the client's SDP offer and returns the answer SDP.
// The answer is returned before ICE gathering completes; candidates trickle
// to the client separately.
func (m *Manager) HandleOffer(sessionID, offerSDP string) (string, error) {
	c, err := m.get(sessionID)
	if err != nil {
		return "", err
	}

	offer := pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: offerSDP}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("webrtc: set remote description: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("webrtc: create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("webrtc: set local description: %w", err)
	}

	c.readyOnce.Do(func() { close(c.ready) })
	return c.pc.LocalDescription().SDP, nil
}

// HandleICECandidate validates and applies a trickled candidate from the
// client. Malformed candidates are logged and ignored rather than failing
// the session, since a browser may interleave valid and exotic lines.
func (m *Manager) HandleICECandidate(sessionID, candidate string, sdpMid *string, sdpMLineIndex *uint16) error {
	c, err := m.get(sessionID)
	if err != nil {
		return err
	}
	parsed, err := ParseCandidate(candidate)
	if err != nil {
		slog.Warn("ignoring malformed ice candidate", "session", sessionID, "err", err)
		return nil
	}
	init := pion.ICECandidateInit{
		Candidate:     parsed.Raw,
		SDPMid:        sdpMid,
		SDPMLineIndex: sdpMLineIndex,
	}
	if err := c.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("webrtc: add ice candidate: %w", err)
	}
	return nil
}

// WaitTrackReady blocks until the session's track has been negotiated or ctx
// is cancelled.
func (m *Manager) WaitTrackReady(ctx context.Context, sessionID string) error {
	c, err := m.get(sessionID)
	if err != nil {
		return err
	}
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PushAudio queues one PCM frame onto the session's track, blocking with
// backpressure while the track is full. Frames for unknown sessions are
// dropped with a warning; a client that vanished mid-response is routine.
func (m *Manager) PushAudio(ctx context.Context, sessionID string, frame []byte) error {
	c, err := m.get(sessionID)
	if err != nil {
		slog.Warn("dropping audio frame, no connection", "session", sessionID)
		return nil
	}
	c.mu.Lock()
	t := c.track
	c.mu.Unlock()
	if err := t.AddFrame(ctx, frame); err != nil && !errors.Is(err, ErrTrackClosed) {
		return err
	}
	return nil
}

// Flush discards the session's queued frames, returning how many were
// dropped.
func (m *Manager) Flush(sessionID string) int {
	c, err := m.get(sessionID)
	if err != nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.track.Flush()
}

// ReplaceTrack swaps in a fresh track and RTP sample source for the session,
// cutting off any audio still buffered from an interrupted response. The old
// track is closed so stalled producers unblock.
func (m *Manager) ReplaceTrack(sessionID string) error {
	c, err := m.get(sessionID)
	if err != nil {
		return err
	}
	sample, err := newSampleTrack()
	if err != nil {
		return err
	}
	if err := c.sender.ReplaceTrack(sample); err != nil {
		return fmt.Errorf("webrtc: replace track: %w", err)
	}

	c.mu.Lock()
	old := c.track
	c.track = NewTrack()
	c.sample = sample
	c.mu.Unlock()
	old.Close()
	return nil
}

// Close tears down the session's connection. Unknown sessions are a no-op.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	c := m.conns[sessionID]
	delete(m.conns, sessionID)
	m.mu.Unlock()
	if c != nil {
		c.close()
	}
}

// CloseAll tears down every connection.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// Len returns the number of live connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Manager) get(sessionID string) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoConnection, sessionID)
	}
	return c, nil
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		c.track.Close()
		c.mu.Unlock()
		if err := c.pc.Close(); err != nil {
			slog.Warn("closing peer connection", "session", c.sessionID, "err", err)
		}
	})
}

// pump paces frames off the track, Opus-encodes them and writes them to the
// negotiated RTP track. It starts after the offer/answer exchange and runs
// until the connection closes; a swapped track is picked up transparently.
func (c *Conn) pump(ctx context.Context) {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return
	}

	enc, err := newOpusEncoder()
	if err != nil {
		slog.Error("track pump disabled", "session", c.sessionID, "err", err)
		return
	}

	for {
		c.mu.Lock()
		t, sample := c.track, c.sample
		c.mu.Unlock()

		frame, err := t.Recv(ctx)
		if errors.Is(err, ErrTrackClosed) {
			select {
			case <-ctx.Done():
				return
			default:
				// Track was replaced under us; pick up the new one.
				continue
			}
		}
		if err != nil {
			return
		}

		packet, err := enc.encode(frame)
		if err != nil {
			slog.Warn("opus encode failed, skipping frame", "session", c.sessionID, "err", err)
			continue
		}
		if err := sample.WriteSample(media.Sample{Data: packet, Duration: FrameDuration}); err != nil {
			slog.Debug("write sample", "session", c.sessionID, "err", err)
		}
	}
}

func newSampleTrack() (*pion.TrackLocalStaticSample, error) {
	sample, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{
		MimeType:  pion.MimeTypeOpus,
		ClockRate: TrackSampleRate,
		Channels:  TrackChannels,
	}, "audio", "parla")
	if err != nil {
		return nil, fmt.Errorf("webrtc: create sample track: %w", err)
	}
	return sample, nil
}

// drainRTCP discards incoming RTCP so interceptors keep running.
func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
