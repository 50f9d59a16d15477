package observability

import (
	"math"
	"sort"
)

// LatencyStats summarizes one component/metric latency series.
type LatencyStats struct {
	Key     string  `json:"key"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	P99MS   float64 `json:"p99_ms"`
}

// latencyWindow keeps a bounded ring of millisecond samples per key.
// Not safe for concurrent use; callers hold their own lock.
type latencyWindow struct {
	maxSamples int
	series     map[string]*latencyRing
}

type latencyRing struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func newLatencyWindow(maxSamples int) *latencyWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &latencyWindow{
		maxSamples: maxSamples,
		series:     make(map[string]*latencyRing),
	}
}

func (w *latencyWindow) Observe(key string, ms float64) {
	if key == "" || ms < 0 {
		return
	}
	ring, ok := w.series[key]
	if !ok {
		ring = &latencyRing{values: make([]float64, w.maxSamples)}
		w.series[key] = ring
	}
	ring.values[ring.next] = ms
	ring.last = ms
	ring.next++
	if ring.next >= len(ring.values) {
		ring.next = 0
		ring.filled = true
	}
}

func (w *latencyWindow) Stats() []LatencyStats {
	keys := make([]string, 0, len(w.series))
	for key := range w.series {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]LatencyStats, 0, len(keys))
	for _, key := range keys {
		ring := w.series[key]
		n := ring.next
		if ring.filled {
			n = len(ring.values)
		}
		if n == 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, ring.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}

		out = append(out, LatencyStats{
			Key:     key,
			Samples: n,
			LastMS:  round2(ring.last),
			AvgMS:   round2(sum / float64(n)),
			P50MS:   round2(quantile(samples, 0.50)),
			P95MS:   round2(quantile(samples, 0.95)),
			P99MS:   round2(quantile(samples, 0.99)),
		})
	}
	return out
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
