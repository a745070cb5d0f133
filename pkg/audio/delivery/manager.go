package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// sweepInterval is how often the manager sweeps every tracker.
const sweepInterval = 30 * time.Second

// Manager owns one [Tracker] per session and runs a periodic sweep over all
// of them. All methods are safe for concurrent use.
type Manager struct {
	maxTracked int
	ackTimeout time.Duration

	mu       sync.RWMutex
	trackers map[string]*Tracker

	stopOnce sync.Once
	stop     context.CancelFunc
	done     chan struct{}
}

// NewManager creates a manager and starts its background sweep loop. Call
// [Manager.Close] to stop it.
func NewManager(maxTracked int, ackTimeout time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		maxTracked: maxTracked,
		ackTimeout: ackTimeout,
		trackers:   make(map[string]*Tracker),
		stop:       cancel,
		done:       make(chan struct{}),
	}
	go m.sweepLoop(ctx)
	return m
}

// Get returns the session's tracker, creating it on first use.
func (m *Manager) Get(sessionID string) *Tracker {
	m.mu.RLock()
	t, ok := m.trackers[sessionID]
	m.mu.RUnlock()
	if ok {
		return t
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok = m.trackers[sessionID]; ok {
		return t
	}
	t = NewTracker(m.maxTracked, m.ackTimeout)
	m.trackers[sessionID] = t
	return t
}

// Remove forgets the session's tracker, logging its final delivery metrics.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	t, ok := m.trackers[sessionID]
	delete(m.trackers, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}
	mt := t.Metrics()
	slog.Info("delivery tracker removed",
		"session", sessionID,
		"sent", mt.Sent,
		"acknowledged", mt.Acknowledged,
		"missing", mt.Missing,
		"ack_rate_percent", mt.AckRate,
		"avg_latency", mt.AvgLatency)
}

// Metrics reports every live tracker's metrics keyed by session ID.
func (m *Manager) Metrics() map[string]Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Metrics, len(m.trackers))
	for id, t := range m.trackers {
		out[id] = t.Metrics()
	}
	return out
}

// Close stops the background sweep loop.
func (m *Manager) Close() {
	m.stopOnce.Do(m.stop)
	<-m.done
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepAll()
		}
	}
}

// sweepAll sweeps every tracker and warns about chunks the client never
// acknowledged, so silent delivery gaps show up in the logs before the
// session ends.
func (m *Manager) sweepAll() {
	m.mu.RLock()
	trackers := make(map[string]*Tracker, len(m.trackers))
	for id, t := range m.trackers {
		trackers[id] = t
	}
	m.mu.RUnlock()

	for id, t := range trackers {
		t.Sweep()
		if missing := t.Missing(); len(missing) > 0 {
			slog.Warn("chunks unacknowledged past timeout",
				"session", id,
				"count", len(missing),
				"first_seq", missing[0],
				"last_seq", missing[len(missing)-1])
		}
	}
}
