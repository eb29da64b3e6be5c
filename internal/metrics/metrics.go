package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
)

// rateLimitStats holds counters for rate limit drops (HTTP 429).
type rateLimitStats struct {
	total    uint64
	mu       sync.Mutex
	byPrefix map[string]uint64
}

var rl rateLimitStats

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	atomic.AddUint64(&rl.total, 1)
	rl.mu.Lock()
	if rl.byPrefix == nil {
		rl.byPrefix = make(map[string]uint64)
	}
	rl.byPrefix[prefix]++
	rl.mu.Unlock()
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&rl.total)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	by = make(map[string]uint64, len(rl.byPrefix))
	for k, v := range rl.byPrefix {
		by[k] = v
	}
	return total, by
}

// OutcomeKey identifies a reassignment counter.
type OutcomeKey struct {
	Trigger string `json:"trigger"`
	Outcome string `json:"outcome"`
}

// OutcomeCount is one row of an outcome snapshot.
type OutcomeCount struct {
	OutcomeKey
	Count uint64 `json:"count"`
}

type outcomeStats struct {
	mu        sync.Mutex
	counts    map[OutcomeKey]uint64
	sinkFails map[string]uint64
}

var oc outcomeStats

// IncReassignmentOutcome counts one dispatched orchestrator outcome.
func IncReassignmentOutcome(trigger, outcome string) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	if oc.counts == nil {
		oc.counts = make(map[OutcomeKey]uint64)
	}
	oc.counts[OutcomeKey{Trigger: trigger, Outcome: outcome}]++
}

// IncSinkFailure counts a failed notification or audit delivery.
func IncSinkFailure(sink string) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	if oc.sinkFails == nil {
		oc.sinkFails = make(map[string]uint64)
	}
	oc.sinkFails[sink]++
}

// OutcomeSnapshot returns outcome counters sorted by trigger then outcome.
func OutcomeSnapshot() []OutcomeCount {
	oc.mu.Lock()
	out := make([]OutcomeCount, 0, len(oc.counts))
	for k, v := range oc.counts {
		out = append(out, OutcomeCount{OutcomeKey: k, Count: v})
	}
	oc.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Trigger != out[j].Trigger {
			return out[i].Trigger < out[j].Trigger
		}
		return out[i].Outcome < out[j].Outcome
	})
	return out
}

// SinkFailureSnapshot returns a copy of the failure counters.
func SinkFailureSnapshot() map[string]uint64 {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	out := make(map[string]uint64, len(oc.sinkFails))
	for k, v := range oc.sinkFails {
		out[k] = v
	}
	return out
}

// Reset clears every counter.
func Reset() {
	atomic.StoreUint64(&rl.total, 0)
	rl.mu.Lock()
	rl.byPrefix = nil
	rl.mu.Unlock()
	oc.mu.Lock()
	oc.counts = nil
	oc.sinkFails = nil
	oc.mu.Unlock()
}
