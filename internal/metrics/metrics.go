// Package metrics aggregates prediction latency, error and cache counters.
package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Aggregator is safe for concurrent use. Counters, sum, min and max cover
// every recorded request; percentiles are computed over the most recent
// samples kept in a fixed-size ring.
type Aggregator struct {
	predictions atomic.Int64
	errors      atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64

	samples      atomic.Int64
	latencyNanos atomic.Int64
	minNanos     atomic.Int64
	maxNanos     atomic.Int64

	mu   sync.Mutex
	ring []float64 // seconds
	next int
	full bool
}

type Snapshot struct {
	TotalPredictions int64   `json:"total_predictions"`
	TotalErrors      int64   `json:"total_errors"`
	CacheHits        int64   `json:"cache_hits"`
	CacheMisses      int64   `json:"cache_misses"`
	CacheHitRate     float64 `json:"cache_hit_rate"`
	Samples          int64   `json:"samples"`
	Avg              float64 `json:"avg_prediction_time"`
	Min              float64 `json:"min_prediction_time"`
	Max              float64 `json:"max_prediction_time"`
	P50              float64 `json:"p50_prediction_time"`
	P95              float64 `json:"p95_prediction_time"`
	P99              float64 `json:"p99_prediction_time"`
	SumSeconds       float64 `json:"-"`
}

func NewAggregator(reservoir int) *Aggregator {
	if reservoir <= 0 {
		reservoir = 10000
	}
	a := &Aggregator{ring: make([]float64, reservoir)}
	a.minNanos.Store(math.MaxInt64)
	return a
}

// Record adds one completed request.
func (a *Aggregator) Record(elapsed time.Duration, success bool) {
	if success {
		a.predictions.Add(1)
	} else {
		a.errors.Add(1)
	}
	nanos := elapsed.Nanoseconds()
	if nanos < 0 {
		nanos = 0
	}
	updateAtomicMin(&a.minNanos, nanos)
	updateAtomicMax(&a.maxNanos, nanos)
	a.latencyNanos.Add(nanos)
	a.samples.Add(1)

	a.mu.Lock()
	a.ring[a.next] = elapsed.Seconds()
	a.next++
	if a.next == len(a.ring) {
		a.next = 0
		a.full = true
	}
	a.mu.Unlock()
}

// RecordError counts a failed request that never reached inference, so no
// latency sample is taken.
func (a *Aggregator) RecordError() {
	a.errors.Add(1)
}

func (a *Aggregator) RecordCache(hit bool) {
	if hit {
		a.cacheHits.Add(1)
	} else {
		a.cacheMisses.Add(1)
	}
}

func (a *Aggregator) Snapshot() Snapshot {
	s := Snapshot{
		TotalPredictions: a.predictions.Load(),
		TotalErrors:      a.errors.Load(),
		CacheHits:        a.cacheHits.Load(),
		CacheMisses:      a.cacheMisses.Load(),
		Samples:          a.samples.Load(),
	}
	if lookups := s.CacheHits + s.CacheMisses; lookups > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(lookups)
	}
	if s.Samples == 0 {
		return s
	}
	s.SumSeconds = time.Duration(a.latencyNanos.Load()).Seconds()
	s.Avg = s.SumSeconds / float64(s.Samples)
	s.Min = time.Duration(a.minNanos.Load()).Seconds()
	s.Max = time.Duration(a.maxNanos.Load()).Seconds()

	a.mu.Lock()
	n := a.next
	if a.full {
		n = len(a.ring)
	}
	sorted := append([]float64(nil), a.ring[:n]...)
	a.mu.Unlock()

	sort.Float64s(sorted)
	s.P50 = percentile(sorted, 50)
	s.P95 = percentile(sorted, 95)
	s.P99 = percentile(sorted, 99)
	return s
}

// percentile uses linear interpolation between closest ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(rank-float64(lo))
}

func updateAtomicMax(target *atomic.Int64, value int64) {
	for {
		current := target.Load()
		if value <= current {
			return
		}
		if target.CompareAndSwap(current, value) {
			return
		}
	}
}

func updateAtomicMin(target *atomic.Int64, value int64) {
	for {
		current := target.Load()
		if value >= current {
			return
		}
		if target.CompareAndSwap(current, value) {
			return
		}
	}
}
