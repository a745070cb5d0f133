package webrtc

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	pion "github.com/pion/webrtc/v4"
)

// newClientOffer builds a browser-side offer that expects one audio track.
func newClientOffer(t *testing.T) (*pion.PeerConnection, string) {
	t.Helper()
	client, err := pion.NewPeerConnection(pion.Configuration{})
	if err != nil {
		t.Fatalf("client peer connection: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	if _, err := client.AddTransceiverFromKind(pion.RTPCodecTypeAudio, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		t.Fatalf("add transceiver: %v", err)
	}
	offer, err := client.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := client.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local description: %v", err)
	}
	return client, offer.SDP
}

func TestManagerOfferAnswer(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	defer m.CloseAll()

	if _, err := m.CreateConnection("s1"); err != nil {
		t.Fatalf("CreateConnection() error = %v", err)
	}

	_, offerSDP := newClientOffer(t)
	answer, err := m.HandleOffer("s1", offerSDP)
	if err != nil {
		t.Fatalf("HandleOffer() error = %v", err)
	}
	if !strings.Contains(answer, "opus") {
		t.Error("answer SDP does not negotiate opus")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.WaitTrackReady(ctx, "s1"); err != nil {
		t.Errorf("WaitTrackReady() error = %v", err)
	}
}

func TestManagerUnknownSession(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	if _, err := m.HandleOffer("ghost", "v=0"); !errors.Is(err, ErrNoConnection) {
		t.Errorf("HandleOffer() error = %v, want ErrNoConnection", err)
	}
	// Frames for a vanished client are dropped, not an error.
	if err := m.PushAudio(context.Background(), "ghost", nil); err != nil {
		t.Errorf("PushAudio() error = %v, want nil drop", err)
	}
	if n := m.Flush("ghost"); n != 0 {
		t.Errorf("Flush() = %d, want 0", n)
	}
}

func TestManagerReplaceConnection(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	defer m.CloseAll()

	first, err := m.CreateConnection("s1")
	if err != nil {
		t.Fatalf("CreateConnection() error = %v", err)
	}
	second, err := m.CreateConnection("s1")
	if err != nil {
		t.Fatalf("second CreateConnection() error = %v", err)
	}
	if first == second {
		t.Fatal("reconnect reused the old connection")
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}

func TestManagerReplaceTrackCutsBufferedAudio(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	defer m.CloseAll()

	c, err := m.CreateConnection("s1")
	if err != nil {
		t.Fatalf("CreateConnection() error = %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := m.PushAudio(ctx, "s1", make([]byte, FrameBytes)); err != nil {
			t.Fatalf("PushAudio() error = %v", err)
		}
	}

	old := c.track
	if err := m.ReplaceTrack("s1"); err != nil {
		t.Fatalf("ReplaceTrack() error = %v", err)
	}

	c.mu.Lock()
	fresh := c.track
	c.mu.Unlock()
	if fresh == old {
		t.Fatal("track not swapped")
	}
	if fresh.Len() != 0 {
		t.Errorf("fresh track holds %d frames, want 0", fresh.Len())
	}
	if err := old.AddFrame(ctx, nil); !errors.Is(err, ErrTrackClosed) {
		t.Errorf("old track AddFrame() = %v, want ErrTrackClosed", err)
	}
}

func TestManagerIgnoresMalformedCandidate(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	defer m.CloseAll()

	if _, err := m.CreateConnection("s1"); err != nil {
		t.Fatalf("CreateConnection() error = %v", err)
	}
	if err := m.HandleICECandidate("s1", "complete garbage", nil, nil); err != nil {
		t.Errorf("HandleICECandidate() = %v, want malformed input ignored", err)
	}
}

func TestManagerClose(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	if _, err := m.CreateConnection("s1"); err != nil {
		t.Fatalf("CreateConnection() error = %v", err)
	}
	m.Close("s1")
	m.Close("s1") // unknown now, no-op
	if m.Len() != 0 {
		t.Errorf("Len() = %d after Close, want 0", m.Len())
	}
}
