// Package metrics provides run metrics: Prometheus collectors and a streaming
// latency reservoir for per-block timings.
package metrics

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// LatencyBucket is one histogram bucket of a LatencyStats.
type LatencyBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// LatencyStats summarizes latency samples, all in milliseconds.
type LatencyStats struct {
	Count   int             `json:"count"`
	Min     float64         `json:"min"`
	Max     float64         `json:"max"`
	Avg     float64         `json:"avg"`
	P50     float64         `json:"p50"`
	P90     float64         `json:"p90"`
	P99     float64         `json:"p99"`
	Buckets []LatencyBucket `json:"buckets"`
}

// DefaultBlockBounds are the bucket upper bounds for block durations (ms).
var DefaultBlockBounds = []float64{100, 500, 1000, 5000}

// DefaultReservoirSize is the number of samples kept for percentile estimation.
const DefaultReservoirSize = 4096

// StreamingLatencyStats provides streaming percentile calculation.
// Uses reservoir sampling (Algorithm R) so memory stays bounded.
type StreamingLatencyStats struct {
	mu sync.RWMutex

	count int64
	sum   float64
	min   float64
	max   float64

	reservoir     []float64
	reservoirSize int

	buckets []int64
	bounds  []float64

	// xorshift64* state, per instance
	randState uint64
}

// NewStreamingLatencyStats creates a calculator with the given bucket upper
// bounds (ascending, ms). A nil bounds selects DefaultBlockBounds.
func NewStreamingLatencyStats(bounds []float64) *StreamingLatencyStats {
	if bounds == nil {
		bounds = DefaultBlockBounds
	}
	return &StreamingLatencyStats{
		min:           math.MaxFloat64,
		reservoir:     make([]float64, 0, DefaultReservoirSize),
		reservoirSize: DefaultReservoirSize,
		buckets:       make([]int64, len(bounds)+1),
		bounds:        append([]float64(nil), bounds...),
		randState:     1,
	}
}

// Add records a latency sample in milliseconds. Safe for concurrent use.
func (s *StreamingLatencyStats) Add(latencyMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.sum += latencyMs
	s.min = math.Min(s.min, latencyMs)
	s.max = math.Max(s.max, latencyMs)

	s.buckets[sort.Search(len(s.bounds), func(i int) bool { return latencyMs < s.bounds[i] })]++

	if len(s.reservoir) < s.reservoirSize {
		s.reservoir = append(s.reservoir, latencyMs)
		return
	}
	// Replace with probability reservoirSize/count
	if j := s.fastRand() % uint64(s.count); j < uint64(s.reservoirSize) {
		s.reservoir[j] = latencyMs
	}
}

func (s *StreamingLatencyStats) fastRand() uint64 {
	s.randState ^= s.randState >> 12
	s.randState ^= s.randState << 25
	s.randState ^= s.randState >> 27
	return s.randState * 0x2545F4914F6CDD1D
}

// GetStats returns the current statistics, or nil when no sample was added.
func (s *StreamingLatencyStats) GetStats() *LatencyStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.count == 0 {
		return nil
	}

	sorted := make([]float64, len(s.reservoir))
	copy(sorted, s.reservoir)
	sort.Float64s(sorted)

	stats := &LatencyStats{
		Count: int(s.count),
		Min:   s.min,
		Max:   s.max,
		Avg:   s.sum / float64(s.count),
		P50:   percentile(sorted, 0.50),
		P90:   percentile(sorted, 0.90),
		P99:   percentile(sorted, 0.99),
	}
	for i, n := range s.buckets {
		stats.Buckets = append(stats.Buckets, LatencyBucket{Label: s.bucketLabel(i), Count: int(n)})
	}
	return stats
}

func (s *StreamingLatencyStats) bucketLabel(i int) string {
	switch {
	case i == len(s.bounds):
		return fmt.Sprintf("%gms+", s.bounds[i-1])
	case i == 0:
		return fmt.Sprintf("0-%gms", s.bounds[0])
	default:
		return fmt.Sprintf("%g-%gms", s.bounds[i-1], s.bounds[i])
	}
}

// percentile interpolates the p-th percentile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	if lower+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[lower+1]*frac
}

// Count returns the number of samples recorded.
func (s *StreamingLatencyStats) Count() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}
