package queue

import (
	"log/slog"
	"sync"
	"time"
)

// Manager owns one [Queue] per session. All methods are safe for concurrent
// use.
type Manager struct {
	capacity   int
	putTimeout time.Duration

	mu     sync.RWMutex
	queues map[string]*Queue
}

// NewManager creates a manager whose queues use the given capacity and Put
// timeout. Non-positive values fall back to the defaults.
func NewManager(capacity int, putTimeout time.Duration) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if putTimeout <= 0 {
		putTimeout = DefaultPutTimeout
	}
	return &Manager{
		capacity:   capacity,
		putTimeout: putTimeout,
		queues:     make(map[string]*Queue),
	}
}

// Get returns the session's queue, creating it on first use.
func (m *Manager) Get(sessionID string) *Queue {
	m.mu.RLock()
	q, ok := m.queues[sessionID]
	m.mu.RUnlock()
	if ok {
		return q
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok = m.queues[sessionID]; ok {
		return q
	}
	q = New(m.capacity, m.putTimeout)
	m.queues[sessionID] = q
	return q
}

// Remove clears and forgets the session's queue. The final metrics are logged
// so short-lived sessions still leave a trace.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	q, ok := m.queues[sessionID]
	delete(m.queues, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}
	q.Clear()
	mt := q.Metrics()
	slog.Info("chunk queue removed",
		"session", sessionID,
		"enqueued", mt.Enqueued,
		"dequeued", mt.Dequeued,
		"dropped", mt.Dropped,
		"backpressure_events", mt.BackpressureEvents,
		"max_size", mt.MaxSizeReached)
}

// Health reports the health of every live queue keyed by session ID.
func (m *Manager) Health() map[string]Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Health, len(m.queues))
	for id, q := range m.queues {
		out[id] = q.Health()
	}
	return out
}

// Len returns the number of live queues.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queues)
}
