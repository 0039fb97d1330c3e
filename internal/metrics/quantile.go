package metrics

import (
	"sort"

	"github.com/gammazero/deque"
)

// Documented defaults returned by empty windows so bootstrap decisions are
// well-defined before any measurements exist.
const (
	DefaultP50Ms          = 100.0
	DefaultP90Ms          = 200.0
	DefaultP95Ms          = 300.0
	DefaultQueueWaitP95Ms = 50.0
)

// QuantileEstimator keeps a rolling window of recent samples and computes
// quantiles by sorting a copy of the window. Not safe for concurrent use;
// the estimate store serializes access.
type QuantileEstimator struct {
	samples    deque.Deque[float64]
	maxSamples int
}

// NewQuantileEstimator creates an estimator with the given window size.
func NewQuantileEstimator(maxSamples int) *QuantileEstimator {
	if maxSamples <= 0 {
		maxSamples = 1000
	}
	return &QuantileEstimator{maxSamples: maxSamples}
}

// Add records a sample, evicting the oldest when the window is full.
func (e *QuantileEstimator) Add(v float64) {
	e.samples.PushBack(v)
	if e.samples.Len() > e.maxSamples {
		e.samples.PopFront()
	}
}

// Count returns the current window size.
func (e *QuantileEstimator) Count() int { return e.samples.Len() }

// Quantile returns the q-quantile of the window, or def when empty. The
// index is floor(q*size) clamped to the last element.
func (e *QuantileEstimator) Quantile(q, def float64) float64 {
	n := e.samples.Len()
	if n == 0 {
		return def
	}
	sorted := make([]float64, n)
	for i := 0; i < n; i++ {
		sorted[i] = e.samples.At(i)
	}
	sort.Float64s(sorted)
	idx := int(q * float64(n))
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}

// P50 returns the median, or 100 ms for an empty window.
func (e *QuantileEstimator) P50() float64 { return e.Quantile(0.50, DefaultP50Ms) }

// P90 returns the 90th percentile, or 200 ms for an empty window.
func (e *QuantileEstimator) P90() float64 { return e.Quantile(0.90, DefaultP90Ms) }

// P95 returns the 95th percentile, or 300 ms for an empty window.
func (e *QuantileEstimator) P95() float64 { return e.Quantile(0.95, DefaultP95Ms) }
