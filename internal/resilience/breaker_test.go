package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBackend = errors.New("backend exploded")

func failing() error    { return errBackend }
func succeeding() error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Name: "test", Threshold: 3, Cooldown: time.Hour})

	for i := 0; i < 3; i++ {
		if err := b.Do(failing); !errors.Is(err, errBackend) {
			t.Fatalf("call %d: err = %v, want backend error", i, err)
		}
	}
	if got := b.State(); got != Open {
		t.Fatalf("state = %v, want open", got)
	}
	if err := b.Do(succeeding); !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen while open", err)
	}
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Threshold: 3, Cooldown: time.Hour})

	b.Do(failing)
	b.Do(failing)
	b.Do(succeeding)
	b.Do(failing)
	b.Do(failing)
	if got := b.State(); got != Closed {
		t.Fatalf("state = %v, want closed (failures were not consecutive)", got)
	}
}

func TestBreakerProbeClosesOnSuccess(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Threshold: 1, Cooldown: 20 * time.Millisecond})

	b.Do(failing)
	if got := b.State(); got != Open {
		t.Fatalf("state = %v, want open", got)
	}

	time.Sleep(30 * time.Millisecond)
	if got := b.State(); got != HalfOpen {
		t.Fatalf("state = %v, want half-open after cooldown", got)
	}
	if err := b.Do(succeeding); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if got := b.State(); got != Closed {
		t.Fatalf("state = %v, want closed after successful probe", got)
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Threshold: 1, Cooldown: 20 * time.Millisecond})

	b.Do(failing)
	time.Sleep(30 * time.Millisecond)
	if err := b.Do(failing); !errors.Is(err, errBackend) {
		t.Fatalf("probe err = %v, want backend error", err)
	}
	if got := b.State(); got != Open {
		t.Fatalf("state = %v, want open after failed probe", got)
	}
	if err := b.Do(succeeding); !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen immediately after re-open", err)
	}
}

func TestBreakerSingleProbe(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Threshold: 1, Cooldown: 20 * time.Millisecond})

	b.Do(failing)
	time.Sleep(30 * time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	go b.Do(func() error {
		close(started)
		<-release
		return nil
	})
	<-started

	// While one probe is in flight, further calls are rejected.
	if err := b.Do(succeeding); !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen during in-flight probe", err)
	}
	close(release)
}

func TestBreakerCancellationIsNeutral(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Threshold: 1, Cooldown: time.Hour})

	// A user interrupt surfaces as context.Canceled; it must not trip the
	// breaker no matter how often it happens.
	for i := 0; i < 10; i++ {
		if err := b.Do(func() error { return context.Canceled }); !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	}
	if got := b.State(); got != Closed {
		t.Fatalf("state = %v, want closed after cancellations only", got)
	}

	b.Do(func() error { return context.DeadlineExceeded })
	if got := b.State(); got != Closed {
		t.Fatalf("state = %v, want closed after deadline error", got)
	}
}

func TestBreakerReset(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Threshold: 1, Cooldown: time.Hour})

	b.Do(failing)
	if got := b.State(); got != Open {
		t.Fatalf("state = %v, want open", got)
	}
	b.Reset()
	if got := b.State(); got != Closed {
		t.Fatalf("state = %v, want closed after reset", got)
	}
	if err := b.Do(succeeding); err != nil {
		t.Fatalf("Do after reset: %v", err)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	cases := map[State]string{Closed: "closed", Open: "open", HalfOpen: "half-open", State(42): "unknown"}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
