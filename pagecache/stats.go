package pagecache

// stats.go keeps approximate per-table cardinality estimates, fed
// incrementally as tuples are inserted. Query planning itself lives
// above this package; this only maintains the counters a planner would
// eventually consume.

import (
	"sync"

	boom "github.com/tylertreat/BoomFilters"
)

// StringHistogram keeps an approximate frequency count-min sketch over
// a byte-string population, used here as a cheap proxy for per-record
// value cardinality without needing typed tuple fields.
type StringHistogram struct {
	cms *boom.CountMinSketch
}

// NewStringHistogram returns a sketch accurate to within 0.1% with 99.9%
// probability.
func NewStringHistogram() *StringHistogram {
	return &StringHistogram{cms: boom.NewCountMinSketch(0.001, 0.999)}
}

// Add records one occurrence of data.
func (h *StringHistogram) Add(data []byte) {
	h.cms.Add(data)
}

// EstimateCount returns the sketch's approximate occurrence count for
// data.
func (h *StringHistogram) EstimateCount(data []byte) uint64 {
	return h.cms.Count(data)
}

// EstimateSelectivity returns the fraction of observed records
// estimated to equal data.
func (h *StringHistogram) EstimateSelectivity(data []byte) float64 {
	total := h.cms.TotalCount()
	if total == 0 {
		return 0
	}
	return float64(h.cms.Count(data)) / float64(total)
}

// TableStats tracks a running tuple count and a value-frequency sketch
// for one table, updated on every successful insert. Safe for
// concurrent use; inserts from different transactions feed the same
// sketch.
type TableStats struct {
	mu        sync.Mutex
	numTuples int64
	values    *StringHistogram
}

// NewTableStats returns an empty set of stats.
func NewTableStats() *TableStats {
	return &TableStats{values: NewStringHistogram()}
}

// Observe records one inserted tuple's raw bytes.
func (s *TableStats) Observe(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.numTuples++
	s.values.Add(data)
}

// NumTuples reports how many tuples have been observed.
func (s *TableStats) NumTuples() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numTuples
}

// EstimateSelectivity estimates the fraction of this table's tuples
// whose raw bytes equal data.
func (s *TableStats) EstimateSelectivity(data []byte) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values.EstimateSelectivity(data)
}
