package call

import (
	"sort"
	"sync"
	"time"
)

// stageRingSize bounds the per-stage sample window. Percentiles are computed
// over at most this many recent samples.
const stageRingSize = 1000

// StageStats summarises the recent latency samples of one stage.
// All values are milliseconds.
type StageStats struct {
	Count int
	Mean  float64
	P50   float64
	P95   float64
	P99   float64
	Min   float64
	Max   float64
}

// sampleRing is a fixed-capacity overwrite-oldest ring of latency samples.
type sampleRing struct {
	samples []float64
	next    int
	full    bool
}

func newSampleRing(capacity int) *sampleRing {
	return &sampleRing{samples: make([]float64, capacity)}
}

func (r *sampleRing) add(v float64) {
	r.samples[r.next] = v
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
}

// snapshot returns the live samples in arbitrary order.
func (r *sampleRing) snapshot() []float64 {
	n := r.next
	if r.full {
		n = len(r.samples)
	}
	out := make([]float64, n)
	copy(out, r.samples[:n])
	return out
}

// statsOf computes nearest-rank percentile stats over the given samples.
func statsOf(samples []float64) StageStats {
	n := len(samples)
	if n == 0 {
		return StageStats{}
	}
	sorted := make([]float64, n)
	copy(sorted, samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	rank := func(q float64) float64 {
		i := int(float64(n) * q)
		if i >= n {
			i = n - 1
		}
		return sorted[i]
	}

	return StageStats{
		Count: n,
		Mean:  sum / float64(n),
		P50:   rank(0.50),
		P95:   rank(0.95),
		P99:   rank(0.99),
		Min:   sorted[0],
		Max:   sorted[n-1],
	}
}

// LatencyTracker records per-stage duration samples in bounded rings and
// serves percentile snapshots for the observability surface. Safe for
// concurrent use.
type LatencyTracker struct {
	mu    sync.Mutex
	rings map[Stage]*sampleRing
}

// NewLatencyTracker returns an empty tracker.
func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{rings: make(map[Stage]*sampleRing)}
}

// Record adds one sample for the stage.
func (t *LatencyTracker) Record(stage Stage, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rings[stage]
	if !ok {
		r = newSampleRing(stageRingSize)
		t.rings[stage] = r
	}
	r.add(float64(d) / float64(time.Millisecond))
}

// Stats returns the summary for one stage. A stage with no samples yields a
// zero StageStats.
func (t *LatencyTracker) Stats(stage Stage) StageStats {
	t.mu.Lock()
	r, ok := t.rings[stage]
	var samples []float64
	if ok {
		samples = r.snapshot()
	}
	t.mu.Unlock()
	return statsOf(samples)
}

// All returns summaries for every stage that has recorded at least one sample.
func (t *LatencyTracker) All() map[Stage]StageStats {
	t.mu.Lock()
	snapshots := make(map[Stage][]float64, len(t.rings))
	for stage, r := range t.rings {
		snapshots[stage] = r.snapshot()
	}
	t.mu.Unlock()

	out := make(map[Stage]StageStats, len(snapshots))
	for stage, samples := range snapshots {
		out[stage] = statsOf(samples)
	}
	return out
}
