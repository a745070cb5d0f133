// Package resilience shields the pipeline from failing speech providers.
//
// The central type is [Breaker], a three-state circuit breaker
// (closed → open → half-open). Provider decorators ([ASR], [LLM], [TTS])
// wrap the real providers so that a backend failing repeatedly is rejected
// fast instead of stalling every utterance on a timing-out HTTP call.
//
// Caller-initiated cancellation is not a provider failure: a user interrupt
// cancels in-flight synthesis as part of normal operation, so context errors
// never count against the breaker.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards all calls.
	Closed State = iota

	// Open rejects all calls with [ErrOpen] until the cooldown elapses.
	Open

	// HalfOpen lets a single probe call through; its outcome decides
	// whether the breaker closes or re-opens.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero values mean the defaults.
type BreakerConfig struct {
	// Name labels the breaker in log output, usually the provider kind.
	Name string

	// Threshold is the number of consecutive failures that opens the
	// breaker. Default 5.
	Threshold int

	// Cooldown is how long the breaker stays open before allowing a probe.
	// Default 30s.
	Cooldown time.Duration
}

// Breaker implements the circuit breaker pattern with a single-probe
// half-open state.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
	}
}

// Do runs fn unless the breaker is rejecting calls. Context cancellation
// errors from fn are returned to the caller but recorded as neither success
// nor failure.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn()
	neutral := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)

	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probing = false
	}
	switch {
	case neutral:
		// The caller walked away; the provider's health is unknown.
	case err != nil:
		b.recordFailure(probe)
	default:
		b.recordSuccess(probe)
	}
	return err
}

// admit decides whether a call may proceed and whether it is the half-open
// probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.openedAt) < b.cooldown {
			return false, ErrOpen
		}
		b.state = HalfOpen
		slog.Info("circuit half-open, probing", "breaker", b.name)
		fallthrough
	case HalfOpen:
		if b.probing {
			return false, ErrOpen
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

// recordFailure must be called with b.mu held.
func (b *Breaker) recordFailure(probe bool) {
	if probe {
		b.state = Open
		b.openedAt = time.Now()
		slog.Warn("circuit re-opened, probe failed", "breaker", b.name)
		return
	}
	b.failures++
	if b.failures >= b.threshold && b.state == Closed {
		b.state = Open
		b.openedAt = time.Now()
		slog.Warn("circuit opened", "breaker", b.name, "consecutive_failures", b.failures)
	}
}

// recordSuccess must be called with b.mu held.
func (b *Breaker) recordSuccess(probe bool) {
	if probe {
		slog.Info("circuit closed, probe succeeded", "breaker", b.name)
	}
	b.state = Closed
	b.failures = 0
}

// State reports the breaker's mode. An open breaker whose cooldown has
// elapsed reports [HalfOpen]; the transition itself happens on the next [Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Reset forces the breaker back to [Closed], clearing failure counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probing = false
	slog.Info("circuit manually reset", "breaker", b.name)
}
