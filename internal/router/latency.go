package router

import (
	"sync"

	"github.com/montanaflynn/stats"
)

// LatencyMetrics tracks a bounded FIFO of recent preview latencies per
// model and exposes p95. Safe for concurrent record/read.
type LatencyMetrics struct {
	capacity int

	mu     sync.RWMutex
	rings  map[ModelId]*ring
}

// NewLatencyMetrics constructs a LatencyMetrics with the given per-model
// ring capacity (spec default 128).
func NewLatencyMetrics(capacity int) *LatencyMetrics {
	if capacity <= 0 {
		capacity = 128
	}
	return &LatencyMetrics{capacity: capacity, rings: make(map[ModelId]*ring)}
}

// Record appends a latency sample (seconds) to the model's ring, evicting
// the oldest sample once the ring is at capacity.
func (lm *LatencyMetrics) Record(model ModelId, latencySeconds float64) {
	lm.mu.Lock()
	r, ok := lm.rings[model]
	if !ok {
		r = newRing(lm.capacity)
		lm.rings[model] = r
	}
	r.push(latencySeconds)
	lm.mu.Unlock()
}

// P95 returns the 95th percentile latency for model, or 0 if no samples
// have been recorded.
func (lm *LatencyMetrics) P95(model ModelId) float64 {
	lm.mu.RLock()
	r, ok := lm.rings[model]
	var samples []float64
	if ok {
		samples = r.snapshot()
	}
	lm.mu.RUnlock()

	if len(samples) == 0 {
		return 0
	}
	p, err := stats.Percentile(samples, 95)
	if err != nil {
		return 0
	}
	return p
}

// Snapshot returns a copy of every model's current ring contents, for
// observability.
func (lm *LatencyMetrics) Snapshot() map[ModelId][]float64 {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	out := make(map[ModelId][]float64, len(lm.rings))
	for model, r := range lm.rings {
		out[model] = r.snapshot()
	}
	return out
}

// ring is a fixed-capacity FIFO of float64 samples.
type ring struct {
	buf   []float64
	next  int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]float64, capacity)}
}

func (r *ring) push(v float64) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *ring) snapshot() []float64 {
	out := make([]float64, r.count)
	if r.count < len(r.buf) {
		copy(out, r.buf[:r.count])
		return out
	}
	// Ring is full; r.next is the oldest element's index.
	copy(out, r.buf[r.next:])
	copy(out[len(r.buf)-r.next:], r.buf[:r.next])
	return out
}
