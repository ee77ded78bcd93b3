package bench

import (
	"slices"

	"github.com/montanaflynn/stats"
)

// FilterStats aggregates the samples of one filter.
type FilterStats struct {
	Count     int     `json:"count"`
	AvgMs     float64 `json:"avg_ms"`
	MinMs     float64 `json:"min_ms"`
	MaxMs     float64 `json:"max_ms"`
	P50Ms     float64 `json:"p50_ms"`
	P95Ms     float64 `json:"p95_ms"`
	P99Ms     float64 `json:"p99_ms"`
	AvgEvents float64 `json:"avg_events"`
	MaxEvents int     `json:"max_events"`
}

// Percentile returns the value at sorted index min(floor(p*n), n-1).
// An empty sample yields 0.
func Percentile(values []float64, p float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)

	idx := int(p * float64(n))
	if idx >= n {
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// Mean returns the arithmetic mean, or 0 for an empty sample.
func Mean(values []float64) float64 {
	m, err := stats.Mean(values)
	if err != nil {
		return 0
	}
	return m
}

// Summarize computes FilterStats from per-iteration timings (ms) and
// event counts.
func Summarize(times []float64, events []int) FilterStats {
	s := FilterStats{
		Count: len(times),
		AvgMs: Mean(times),
		P50Ms: Percentile(times, 0.50),
		P95Ms: Percentile(times, 0.95),
		P99Ms: Percentile(times, 0.99),
	}
	if minMs, err := stats.Min(times); err == nil {
		s.MinMs = minMs
	}
	if maxMs, err := stats.Max(times); err == nil {
		s.MaxMs = maxMs
	}

	counts := stats.LoadRawData(events)
	s.AvgEvents = Mean(counts)
	if maxEvents, err := stats.Max(counts); err == nil {
		s.MaxEvents = int(maxEvents)
	}
	return s
}
