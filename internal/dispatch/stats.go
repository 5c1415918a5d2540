package dispatch

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SourceStats are the per-source dispatcher counters.
type SourceStats struct {
	Triggered        uint64     `json:"triggered"`
	EntitiesReceived uint64     `json:"entities_received"`
	Debounced        uint64     `json:"debounced"`
	LastDispatchAt   *time.Time `json:"last_dispatch_at"`
}

// StatsSnapshot is the point-in-time view returned by GetStatus.
type StatsSnapshot struct {
	Triggered      uint64                 `json:"triggered"`
	Deduped        uint64                 `json:"deduped"`
	Debounced      uint64                 `json:"debounced"`
	RateLimited    uint64                 `json:"rate_limited"`
	DroppedBatches uint64                 `json:"dropped_batches"`
	RulesEvaluated uint64                 `json:"rules_evaluated"`
	RulesFired     uint64                 `json:"rules_fired"`
	RulesScheduled uint64                 `json:"rules_scheduled"`
	RulesErrors    uint64                 `json:"rules_errors"`
	LastDispatchAt *time.Time             `json:"last_dispatch_at"`
	BySource       map[string]SourceStats `json:"by_source"`
}

// Stats holds the dispatcher's monotonic counters behind their own mutex so
// hot-path increments never contend with the dispatcher state lock. When a
// prometheus registerer is provided the counters are mirrored as metrics.
type Stats struct {
	mu       sync.Mutex
	snapshot StatsSnapshot

	promTriggered   prometheus.Counter
	promDeduped     prometheus.Counter
	promDebounced   prometheus.Counter
	promRateLimited prometheus.Counter
	promDropped     prometheus.Counter
	promEvaluated   prometheus.Counter
	promFired       prometheus.Counter
	promScheduled   prometheus.Counter
	promErrors      prometheus.Counter
}

// NewStats creates the counter set. reg may be nil to skip metrics.
func NewStats(reg prometheus.Registerer) *Stats {
	s := &Stats{
		snapshot: StatsSnapshot{BySource: make(map[string]SourceStats)},
	}
	if reg == nil {
		return s
	}
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "latchpoint",
			Subsystem: "dispatcher",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}
	s.promTriggered = counter("batches_triggered_total", "Batches dispatched to the worker pool.")
	s.promDeduped = counter("entities_deduped_total", "Duplicate entity ids removed from notifications.")
	s.promDebounced = counter("entities_debounced_total", "Entity notifications suppressed by the debounce window.")
	s.promRateLimited = counter("batches_rate_limited_total", "Batches dropped by the rate limiter.")
	s.promDropped = counter("batches_dropped_total", "Batches evicted from the pending queue.")
	s.promEvaluated = counter("rules_evaluated_total", "Rules evaluated.")
	s.promFired = counter("rules_fired_total", "Rules fired.")
	s.promScheduled = counter("rules_scheduled_total", "Rules scheduled for a for-delay.")
	s.promErrors = counter("rule_errors_total", "Rule evaluation errors.")
	return s
}

func addProm(c prometheus.Counter, n uint64) {
	if c != nil && n > 0 {
		c.Add(float64(n))
	}
}

// RecordReceived counts entities received from a source and the duplicates
// removed from the input list.
func (s *Stats) RecordReceived(source string, received, deduped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.snapshot.BySource[source]
	src.EntitiesReceived += received
	s.snapshot.BySource[source] = src
	s.snapshot.Deduped += deduped
	addProm(s.promDeduped, deduped)
}

// RecordDebounced counts suppressed notifications against a source.
func (s *Stats) RecordDebounced(source string, n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.snapshot.BySource[source]
	src.Debounced += n
	s.snapshot.BySource[source] = src
	s.snapshot.Debounced += n
	addProm(s.promDebounced, n)
}

// RecordTriggered counts one batch handed to the worker pool.
func (s *Stats) RecordTriggered(source string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.Triggered++
	s.snapshot.LastDispatchAt = &at
	src := s.snapshot.BySource[source]
	src.Triggered++
	src.LastDispatchAt = &at
	s.snapshot.BySource[source] = src
	addProm(s.promTriggered, 1)
}

// RecordRateLimited counts one batch dropped by the limiter.
func (s *Stats) RecordRateLimited() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.RateLimited++
	addProm(s.promRateLimited, 1)
}

// RecordDroppedBatch counts one batch evicted from the pending queue.
func (s *Stats) RecordDroppedBatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.DroppedBatches++
	addProm(s.promDropped, 1)
}

// RecordRuleOutcomes folds an evaluation summary into the counters.
func (s *Stats) RecordRuleOutcomes(evaluated, fired, scheduled, errors uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.RulesEvaluated += evaluated
	s.snapshot.RulesFired += fired
	s.snapshot.RulesScheduled += scheduled
	s.snapshot.RulesErrors += errors
	addProm(s.promEvaluated, evaluated)
	addProm(s.promFired, fired)
	addProm(s.promScheduled, scheduled)
	addProm(s.promErrors, errors)
}

// Snapshot returns a deep copy of the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.snapshot
	out.BySource = make(map[string]SourceStats, len(s.snapshot.BySource))
	for k, v := range s.snapshot.BySource {
		out.BySource[k] = v
	}
	return out
}

// Reset zeroes all counters. The prometheus mirror is monotonic and is not
// reset.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = StatsSnapshot{BySource: make(map[string]SourceStats)}
}
