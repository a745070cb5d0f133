// Package delivery tracks per-session audio chunk delivery: which sequence
// numbers were sent, which the client acknowledged, and which went missing.
// Clients acknowledge chunks out of band, so the tracker tolerates
// acknowledgements in any order and duplicates of any of them.
package delivery

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultMaxTracked caps the number of in-flight records per session.
	// When full, the oldest unacknowledged record is evicted and counted
	// as missing.
	DefaultMaxTracked = 1000

	// DefaultAckTimeout is how long a sent chunk may stay unacknowledged
	// before Missing reports it.
	DefaultAckTimeout = 5 * time.Second

	// ackRetention is how long acknowledged records are kept before Sweep
	// discards them.
	ackRetention = 60 * time.Second

	// latencyWindow is how many recent ack latencies feed the average.
	latencyWindow = 100
)

type record struct {
	sentAt time.Time
	ackAt  time.Time
	size   int
	acked  bool
}

// Metrics is a snapshot of a tracker's delivery counters. AckRate is 100
// until the first chunk is sent: nothing outstanding means nothing undelivered.
type Metrics struct {
	Sent             uint64
	Acknowledged     uint64
	Missing          uint64
	Pending          int
	BytesSent        uint64
	AckRate          float64
	AvgLatency       time.Duration
	MaxAckLatency    time.Duration
	OldestUnackedAge time.Duration
}

// Tracker records delivery state for a single session. Safe for concurrent
// use.
type Tracker struct {
	maxTracked int
	ackTimeout time.Duration

	mu         sync.Mutex
	records    map[uint64]record
	latencies  []time.Duration
	maxLatency time.Duration
	sent       uint64
	acked      uint64
	missing    uint64
	bytesSent  uint64
}

// NewTracker creates a tracker with the given record cap and ack timeout.
// Non-positive values fall back to the defaults.
func NewTracker(maxTracked int, ackTimeout time.Duration) *Tracker {
	if maxTracked <= 0 {
		maxTracked = DefaultMaxTracked
	}
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	return &Tracker{
		maxTracked: maxTracked,
		ackTimeout: ackTimeout,
		records:    make(map[uint64]record),
	}
}

// MarkSent records that a chunk left for the client. At capacity the oldest
// unacknowledged record is evicted and counted missing; if every record is
// acknowledged, the oldest acknowledged one goes instead.
func (t *Tracker) MarkSent(seq uint64, size int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.records) >= t.maxTracked {
		t.evictOldestLocked()
	}
	t.records[seq] = record{sentAt: time.Now(), size: size}
	t.sent++
	t.bytesSent += uint64(size)
}

// MarkAcknowledged records a client acknowledgement and reports whether the
// sequence number is known. A duplicate ack returns true but leaves the
// counters untouched, so they stay exact under client retries.
func (t *Tracker) MarkAcknowledged(seq uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[seq]
	if !ok {
		return false
	}
	if r.acked {
		return true
	}
	r.acked = true
	r.ackAt = time.Now()
	t.records[seq] = r
	t.acked++
	latency := r.ackAt.Sub(r.sentAt)
	t.latencies = append(t.latencies, latency)
	if len(t.latencies) > latencyWindow {
		t.latencies = t.latencies[len(t.latencies)-latencyWindow:]
	}
	if latency > t.maxLatency {
		t.maxLatency = latency
	}
	return true
}

// Missing returns, in ascending order, the sequence numbers that have been
// unacknowledged longer than the ack timeout.
func (t *Tracker) Missing() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-t.ackTimeout)
	var out []uint64
	for seq, r := range t.records {
		if !r.acked && r.sentAt.Before(cutoff) {
			out = append(out, seq)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Sweep discards acknowledged records older than the retention window and
// returns how many were removed. Unacknowledged records are never swept; they
// age into Missing instead.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-ackRetention)
	var removed int
	for seq, r := range t.records {
		if r.acked && r.ackAt.Before(cutoff) {
			delete(t.records, seq)
			removed++
		}
	}
	return removed
}

// Metrics returns a snapshot of the delivery counters.
func (t *Tracker) Metrics() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		pending     int
		oldestUnack time.Time
	)
	for _, r := range t.records {
		if !r.acked {
			pending++
			if oldestUnack.IsZero() || r.sentAt.Before(oldestUnack) {
				oldestUnack = r.sentAt
			}
		}
	}
	m := Metrics{
		Sent:          t.sent,
		Acknowledged:  t.acked,
		Missing:       t.missing,
		Pending:       pending,
		BytesSent:     t.bytesSent,
		AckRate:       100,
		MaxAckLatency: t.maxLatency,
	}
	if t.sent > 0 {
		m.AckRate = float64(t.acked) / float64(t.sent) * 100
	}
	if !oldestUnack.IsZero() {
		m.OldestUnackedAge = time.Since(oldestUnack)
	}
	if len(t.latencies) > 0 {
		var sum time.Duration
		for _, l := range t.latencies {
			sum += l
		}
		m.AvgLatency = sum / time.Duration(len(t.latencies))
	}
	return m
}

func (t *Tracker) evictOldestLocked() {
	var (
		victim      uint64
		victimAt    time.Time
		unacked     bool
		ackedOldest uint64
		ackedAt     time.Time
	)
	for seq, r := range t.records {
		if !r.acked {
			if !unacked || r.sentAt.Before(victimAt) {
				victim, victimAt, unacked = seq, r.sentAt, true
			}
		} else if ackedAt.IsZero() || r.sentAt.Before(ackedAt) {
			ackedOldest, ackedAt = seq, r.sentAt
		}
	}
	if unacked {
		delete(t.records, victim)
		t.missing++
		slog.Debug("delivery tracker full, evicted unacked chunk", "seq", victim)
		return
	}
	delete(t.records, ackedOldest)
}
