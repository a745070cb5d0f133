// Package queue provides a bounded, backpressure-aware per-session buffer for
// audio chunks travelling between the synthesis pipeline and the real-time
// transport. Producers block (up to a timeout) when the queue is full instead
// of overwriting, which throttles fast synthesis to the transport's real-time
// consumption rate.
package queue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/parla-voice/parla/pkg/audio"
)

const (
	// DefaultCapacity bounds a queue to 100 chunks.
	DefaultCapacity = 100

	// DefaultPutTimeout is how long Put waits for space before dropping.
	DefaultPutTimeout = 2 * time.Second

	// latencyAlpha is the smoothing factor for the enqueue-to-dequeue
	// latency exponential moving average.
	latencyAlpha = 0.3
)

// Entry is a queued chunk with its enqueue time.
type Entry struct {
	Chunk      audio.Chunk
	EnqueuedAt time.Time
}

// Metrics is a snapshot of a queue's monotonic counters. Counters accumulate
// for the lifetime of the queue and are never reset implicitly.
type Metrics struct {
	Enqueued           uint64
	Dequeued           uint64
	Dropped            uint64
	BackpressureEvents uint64
	CurrentSize        int
	MaxSizeReached     int
	AvgLatency         time.Duration
}

// HealthStatus classifies a queue's current condition.
type HealthStatus string

const (
	Healthy  HealthStatus = "healthy"
	Warning  HealthStatus = "warning"
	Critical HealthStatus = "critical"
)

// Health is a derived view of queue condition for monitoring endpoints.
type Health struct {
	Status      HealthStatus  `json:"status"`
	Utilization float64       `json:"utilization_percent"`
	DropRate    float64       `json:"drop_rate_percent"`
	Size        int           `json:"size"`
	Capacity    int           `json:"capacity"`
	AvgLatency  time.Duration `json:"avg_latency"`
}

// Queue is a fixed-capacity FIFO chunk buffer with blocking backpressure.
// It is safe for concurrent use by one producer and one consumer; multiple
// producers are also supported.
//
// The buffered channel carries both the storage bound and the waiter wake-up:
// a Put blocked on a full channel is released the moment Get frees a slot,
// with no polling.
type Queue struct {
	capacity   int
	putTimeout time.Duration
	entries    chan Entry

	mu  sync.Mutex
	m   Metrics
	gen uint64 // bumped by Clear; lets a woken Put detect it straddled one
}

// New creates a queue with the given capacity and Put timeout. Non-positive
// values fall back to the defaults.
func New(capacity int, putTimeout time.Duration) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if putTimeout <= 0 {
		putTimeout = DefaultPutTimeout
	}
	return &Queue{
		capacity:   capacity,
		putTimeout: putTimeout,
		entries:    make(chan Entry, capacity),
	}
}

// Put enqueues a chunk, blocking while the queue is full until space frees up
// or the timeout elapses. Returns false if the chunk was dropped on timeout
// or because Clear ran while the producer was blocked. A Put that had to wait
// increments the backpressure counter exactly once.
func (q *Queue) Put(c audio.Chunk, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = q.putTimeout
	}
	e := Entry{Chunk: c, EnqueuedAt: time.Now()}

	q.mu.Lock()
	gen := q.gen
	q.mu.Unlock()

	// Fast path: space available right now.
	select {
	case q.entries <- e:
		return q.commitEnqueue(gen, c.Sequence)
	default:
	}

	q.mu.Lock()
	q.m.BackpressureEvents++
	events := q.m.BackpressureEvents
	q.mu.Unlock()
	slog.Debug("chunk queue full, applying backpressure",
		"seq", c.Sequence, "capacity", q.capacity, "events", events)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case q.entries <- e:
		return q.commitEnqueue(gen, c.Sequence)
	case <-timer.C:
		q.mu.Lock()
		q.m.Dropped++
		q.mu.Unlock()
		slog.Warn("chunk queue timeout, dropping chunk", "seq", c.Sequence, "timeout", timeout)
		return false
	}
}

// commitEnqueue finalises a completed channel send. If Clear ran between the
// start of Put and the send landing, the chunk belongs to an interrupted
// response: it is pulled back out and counted dropped, so the next response's
// deliver loop never plays a stale frame.
func (q *Queue) commitEnqueue(gen, seq uint64) bool {
	q.mu.Lock()
	if q.gen != gen {
		select {
		case <-q.entries:
		default:
		}
		q.m.Dropped++
		q.m.CurrentSize = len(q.entries)
		q.mu.Unlock()
		slog.Debug("chunk enqueued across a clear, dropping", "seq", seq)
		return false
	}
	q.m.Enqueued++
	q.m.CurrentSize = len(q.entries)
	if q.m.CurrentSize > q.m.MaxSizeReached {
		q.m.MaxSizeReached = q.m.CurrentSize
	}
	q.mu.Unlock()
	return true
}

// Get removes and returns the oldest entry. The second return is false when
// the queue is empty. Dequeue latency feeds the EMA in Metrics.
func (q *Queue) Get() (Entry, bool) {
	select {
	case e := <-q.entries:
		latency := time.Since(e.EnqueuedAt)
		q.mu.Lock()
		q.m.Dequeued++
		q.m.CurrentSize = len(q.entries)
		q.m.AvgLatency = time.Duration(
			latencyAlpha*float64(latency) + (1-latencyAlpha)*float64(q.m.AvgLatency))
		q.mu.Unlock()
		return e, true
	default:
		return Entry{}, false
	}
}

// Len returns the current number of queued entries.
func (q *Queue) Len() int { return len(q.entries) }

// Clear drains all remaining entries, counting them as dropped, and thereby
// frees any producer blocked in Put. A producer whose send lands after the
// drain finishes sees the generation bump and takes its chunk back out.
func (q *Queue) Clear() int {
	q.mu.Lock()
	q.gen++
	q.mu.Unlock()

	var dropped int
	for {
		select {
		case <-q.entries:
			dropped++
		default:
			q.mu.Lock()
			q.m.Dropped += uint64(dropped)
			q.m.CurrentSize = 0
			q.mu.Unlock()
			return dropped
		}
	}
}

// Metrics returns a snapshot of the queue counters.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	m := q.m
	m.CurrentSize = len(q.entries)
	return m
}

// Health derives the queue's condition from utilization and drop rate:
// critical above 90% utilization or 10% drops, warning above 70% / 5%.
func (q *Queue) Health() Health {
	m := q.Metrics()
	util := float64(m.CurrentSize) / float64(q.capacity) * 100

	var dropRate float64
	if attempts := m.Enqueued + m.Dropped; attempts > 0 {
		dropRate = float64(m.Dropped) / float64(attempts) * 100
	}

	status := Healthy
	switch {
	case util > 90 || dropRate > 10:
		status = Critical
	case util > 70 || dropRate > 5:
		status = Warning
	}

	return Health{
		Status:      status,
		Utilization: util,
		DropRate:    dropRate,
		Size:        m.CurrentSize,
		Capacity:    q.capacity,
		AvgLatency:  m.AvgLatency,
	}
}
