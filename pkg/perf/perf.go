// Package perf keeps the gateway's per-operation timing and success
// accounting. The dispatcher feeds it on every backend call and reads its
// per-backend Records when scoring routes, so the numbers here are what make
// routing adaptive.
package perf

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Record accumulates outcomes for one subject (a backend server or a named
// operation). Counters are monotonically non-decreasing between resets.
type Record struct {
	Count        int64         `json:"count"`
	TotalLatency time.Duration `json:"totalLatency"`
	Successes    int64         `json:"successes"`
	Errors       int64         `json:"errors"`
}

// Observe folds one outcome into the record.
func (r *Record) Observe(d time.Duration, success bool) {
	r.Count++
	r.TotalLatency += d
	if success {
		r.Successes++
	} else {
		r.Errors++
	}
}

// AvgLatency reports the mean latency, zero when no samples exist.
func (r Record) AvgLatency() time.Duration {
	if r.Count == 0 {
		return 0
	}
	return r.TotalLatency / time.Duration(r.Count)
}

// SuccessRate reports successes over total, zero when no samples exist.
func (r Record) SuccessRate() float64 {
	if r.Count == 0 {
		return 0
	}
	return float64(r.Successes) / float64(r.Count)
}

// OperationStats is the exported aggregate for one named operation.
type OperationStats struct {
	Name        string  `json:"name"`
	Count       int64   `json:"count"`
	AvgMillis   float64 `json:"avgMillis"`
	SuccessRate float64 `json:"successRate"`
}

// Stats is a full ledger snapshot.
type Stats struct {
	Operations  []OperationStats `json:"operations"`
	CacheHits   map[string]int64 `json:"cacheHits"`
	CacheMisses map[string]int64 `json:"cacheMisses"`
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	inflight map[string]inflightOp
	ops      map[string]*Record
	hits     map[string]int64
	misses   map[string]int64
	logger   *slog.Logger
}

type inflightOp struct {
	name  string
	start time.Time
}

// New constructs an empty ledger. logger may be nil.
func New(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		inflight: make(map[string]inflightOp),
		ops:      make(map[string]*Record),
		hits:     make(map[string]int64),
		misses:   make(map[string]int64),
		logger:   logger,
	}
}

// StartOperation marks the beginning of the operation instance id. name
// groups instances for aggregation.
func (l *Ledger) StartOperation(id, name string) {
	l.mu.Lock()
	l.inflight[id] = inflightOp{name: name, start: time.Now()}
	l.mu.Unlock()
}

// EndOperation settles the instance started with the same id. An unmatched
// end is a logged no-op, never a fault.
func (l *Ledger) EndOperation(id string, success bool) {
	l.mu.Lock()
	op, ok := l.inflight[id]
	if !ok {
		l.mu.Unlock()
		l.logger.Warn("end of unknown operation ignored", "id", id)
		return
	}
	delete(l.inflight, id)
	l.recordLocked(op.name, time.Since(op.start), success)
	l.mu.Unlock()
}

// RecordToolExecution folds a completed tool call into the ledger.
func (l *Ledger) RecordToolExecution(name string, d time.Duration) {
	l.mu.Lock()
	l.recordLocked("tool:"+name, d, true)
	l.mu.Unlock()
}

// RecordToolError folds a failed tool call into the ledger.
func (l *Ledger) RecordToolError(name string, d time.Duration) {
	l.mu.Lock()
	l.recordLocked("tool:"+name, d, false)
	l.mu.Unlock()
}

// RecordCacheHit counts a cache hit for the given tier.
func (l *Ledger) RecordCacheHit(tier string) {
	l.mu.Lock()
	l.hits[tier]++
	l.mu.Unlock()
}

// RecordCacheMiss counts a cache miss for the given tier.
func (l *Ledger) RecordCacheMiss(tier string) {
	l.mu.Lock()
	l.misses[tier]++
	l.mu.Unlock()
}

// Stats snapshots every aggregate. Zero-sample series report zero averages
// and rates.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := Stats{
		Operations:  make([]OperationStats, 0, len(l.ops)),
		CacheHits:   make(map[string]int64, len(l.hits)),
		CacheMisses: make(map[string]int64, len(l.misses)),
	}
	for name, rec := range l.ops {
		out.Operations = append(out.Operations, OperationStats{
			Name:        name,
			Count:       rec.Count,
			AvgMillis:   float64(rec.AvgLatency()) / float64(time.Millisecond),
			SuccessRate: rec.SuccessRate(),
		})
	}
	sort.Slice(out.Operations, func(i, j int) bool {
		return out.Operations[i].Name < out.Operations[j].Name
	})
	for k, v := range l.hits {
		out.CacheHits[k] = v
	}
	for k, v := range l.misses {
		out.CacheMisses[k] = v
	}
	return out
}

// SlowOperations lists operations whose average latency exceeds threshold,
// slowest first.
func (l *Ledger) SlowOperations(threshold time.Duration) []OperationStats {
	stats := l.Stats()
	slow := stats.Operations[:0]
	for _, op := range stats.Operations {
		if op.AvgMillis > float64(threshold)/float64(time.Millisecond) {
			slow = append(slow, op)
		}
	}
	sort.Slice(slow, func(i, j int) bool { return slow[i].AvgMillis > slow[j].AvgMillis })
	return slow
}

// Reset zeroes every counter and drops in-flight operations. It touches
// nothing outside the ledger.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.inflight = make(map[string]inflightOp)
	l.ops = make(map[string]*Record)
	l.hits = make(map[string]int64)
	l.misses = make(map[string]int64)
	l.mu.Unlock()
}

func (l *Ledger) recordLocked(name string, d time.Duration, success bool) {
	rec := l.ops[name]
	if rec == nil {
		rec = &Record{}
		l.ops[name] = rec
	}
	rec.Observe(d, success)
}
