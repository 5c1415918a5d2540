// Package dispatch is the single funnel between integration event streams
// and rule evaluation: it debounces and deduplicates entity-change
// notifications, folds them into batches, rate-limits the flow, and fans
// batches out to a bounded worker pool that resolves impacted rules through
// the cached reverse index.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/latchpoint/latchpoint/internal/conf"
	"github.com/latchpoint/latchpoint/internal/datastore/entities"
	"github.com/latchpoint/latchpoint/internal/datastore/repository"
	"github.com/latchpoint/latchpoint/internal/kvstore"
	"github.com/latchpoint/latchpoint/internal/logger"
	"github.com/latchpoint/latchpoint/internal/rules"
	"github.com/latchpoint/latchpoint/internal/rules/condition"
	"github.com/latchpoint/latchpoint/internal/rules/engine"
)

// nowFunc is swapped in tests.
var nowFunc = time.Now

const debounceKeyPrefix = "debounce:"

// RuleEvaluator is the engine surface the dispatcher needs.
type RuleEvaluator interface {
	EvaluateRule(ctx context.Context, rule *entities.Rule, snapshot condition.Snapshot, now time.Time) engine.Summary
}

// Status is the dispatcher view exposed by the status API.
type Status struct {
	Enabled         bool                    `json:"enabled"`
	Settings        conf.DispatcherSettings `json:"settings"`
	PendingEntities int                     `json:"pending_entities"`
	PendingBatches  int                     `json:"pending_batches"`
	Stats           StatsSnapshot           `json:"stats"`
}

// Dispatcher collapses entity-change notifications into rate-limited batches
// and evaluates the impacted rules on a worker pool.
type Dispatcher struct {
	settings  conf.DispatcherSettings
	repo      repository.RuleRepository
	kv        kvstore.Store
	evaluator RuleEvaluator
	index     *ReverseIndex
	pool      *WorkerPool
	limiter   *TokenBucket
	stats     *Stats
	log       logger.Logger

	// pending* hold the open debounce window and are owned by the loop's
	// channel protocol: notify goroutines only touch them under mu.
	pending *pendingWindow

	armCh   chan struct{}
	flushCh chan struct{}
	quit    chan struct{}
	done    chan struct{}
}

// NewDispatcher wires the dispatcher and starts its debounce loop. settings
// must already be clamped.
func NewDispatcher(settings conf.DispatcherSettings, repo repository.RuleRepository, kv kvstore.Store, evaluator RuleEvaluator, stats *Stats, log logger.Logger) *Dispatcher {
	d := &Dispatcher{
		settings:  settings,
		repo:      repo,
		kv:        kv,
		evaluator: evaluator,
		index:     NewReverseIndex(repo, kv, log),
		pool:      NewWorkerPool(settings.WorkerConcurrency, settings.QueueMaxDepth, log),
		limiter:   NewTokenBucket(float64(settings.RateLimitPerSec), settings.RateLimitBurst),
		stats:     stats,
		log:       log,
		pending:   newPendingWindow(),
		armCh:     make(chan struct{}, 1),
		flushCh:   make(chan struct{}, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go d.debounceLoop()
	return d
}

// Index exposes the reverse index so the API layer can invalidate it after
// rule mutations.
func (d *Dispatcher) Index() *ReverseIndex {
	return d.index
}

// NotifyEntitiesChanged is the single entry point integrations call when
// entity states change. Duplicate ids within the call are dropped, ids still
// inside their debounce window are suppressed, and the rest join the open
// batch. Never blocks on rule evaluation.
func (d *Dispatcher) NotifyEntitiesChanged(ctx context.Context, source string, entityIDs []string) {
	d.NotifyEntitiesChangedAt(ctx, source, entityIDs, nowFunc())
}

// NotifyEntitiesChangedAt is NotifyEntitiesChanged with an explicit change
// timestamp; the flushed batch is stamped with the window's earliest.
func (d *Dispatcher) NotifyEntitiesChangedAt(ctx context.Context, source string, entityIDs []string, changedAt time.Time) {
	select {
	case <-d.quit:
		// Shut down; fail open rather than feed a dead loop.
		return
	default:
	}
	if len(entityIDs) == 0 {
		return
	}

	seen := make(map[string]struct{}, len(entityIDs))
	unique := make([]string, 0, len(entityIDs))
	for _, id := range entityIDs {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	d.stats.RecordReceived(source, uint64(len(entityIDs)), uint64(len(entityIDs)-len(unique)))

	debounceTTL := time.Duration(d.settings.DebounceMs) * time.Millisecond
	var accepted []string
	var debounced uint64
	for _, id := range unique {
		set, err := d.kv.SetIfAbsent(ctx, debounceKeyPrefix+id, "1", debounceTTL)
		if err != nil {
			// Fail open: a broken KV must not silence notifications.
			d.log.Warn("debounce key write failed, accepting notification",
				logger.String("entity_id", id), logger.Error(err))
			set = true
		}
		if !set {
			debounced++
			continue
		}
		accepted = append(accepted, id)
	}
	if debounced > 0 {
		d.stats.RecordDebounced(source, debounced)
	}
	if len(accepted) == 0 {
		return
	}

	full := d.pending.add(source, accepted, changedAt, d.settings.BatchSizeLimit)
	if full {
		d.signal(d.flushCh)
	} else {
		d.signal(d.armCh)
	}
}

// signal performs a non-blocking send; a pending signal already covers us.
func (d *Dispatcher) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// debounceLoop owns the flush timer. Arm requests start it if idle; the size
// limit and shutdown force an early flush.
func (d *Dispatcher) debounceLoop() {
	defer close(d.done)

	window := time.Duration(d.settings.DebounceMs) * time.Millisecond
	timer := time.NewTimer(window)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	disarm := func() {
		if armed && !timer.Stop() {
			<-timer.C
		}
		armed = false
	}

	for {
		select {
		case <-d.armCh:
			if !armed {
				timer.Reset(window)
				armed = true
			}
		case <-d.flushCh:
			disarm()
			d.flush()
		case <-timer.C:
			armed = false
			d.flush()
		case <-d.quit:
			disarm()
			d.flush()
			return
		}
	}
}

// flush closes the open window and hands the batch to the worker pool,
// subject to the rate limiter. A full queue evicts the oldest queued batch
// so the freshest data survives sustained overload.
func (d *Dispatcher) flush() {
	entityIDs, sources, firstAt := d.pending.take()
	if len(entityIDs) == 0 {
		return
	}

	if !d.limiter.Acquire(1) {
		d.stats.RecordRateLimited()
		d.log.Warn("batch dropped by rate limiter",
			logger.Int("entities", len(entityIDs)))
		return
	}

	now := nowFunc()
	if firstAt.IsZero() {
		firstAt = now
	}
	batch := newBatch(entityIDs, sources, firstAt)
	evicted, err := d.pool.SubmitEvictOldest(func(ctx context.Context) {
		d.DispatchBatch(ctx, batch)
	})
	if evicted {
		d.stats.RecordDroppedBatch()
		d.log.Warn("oldest queued batch dropped, worker queue full",
			logger.String("batch_id", batch.BatchID))
	}
	if err != nil {
		d.stats.RecordDroppedBatch()
		d.log.Warn("batch dropped, worker pool unavailable",
			logger.String("batch_id", batch.BatchID),
			logger.Int("entities", len(batch.EntityIDs)),
			logger.Error(err))
		return
	}
	d.stats.RecordTriggered(batch.Source, now)
}

// DispatchBatch resolves the rules impacted by the batch and evaluates each
// against one shared snapshot. Exported for the worker pool closure and for
// tests that drive batches directly.
func (d *Dispatcher) DispatchBatch(ctx context.Context, batch EntityChangeBatch) {
	queryStart := nowFunc()
	ruleIDs, err := d.index.Lookup(ctx, batch.EntityIDs)
	if err != nil {
		d.log.Error("reverse index lookup failed",
			logger.String("batch_id", batch.BatchID), logger.Error(err))
		return
	}
	if len(ruleIDs) == 0 {
		return
	}

	ruleRows, err := d.repo.GetRulesByIDs(ctx, ruleIDs)
	if err != nil {
		d.log.Error("failed to load impacted rules",
			logger.String("batch_id", batch.BatchID), logger.Error(err))
		return
	}

	snapshot, err := d.buildSnapshot(ctx, batch, ruleRows, ruleIDs)
	if err != nil {
		d.log.Error("failed to snapshot entity states",
			logger.String("batch_id", batch.BatchID), logger.Error(err))
		return
	}

	now := nowFunc()
	queryDuration := now.Sub(queryStart)

	var total engine.Summary
	for i := range ruleRows {
		s := d.evaluator.EvaluateRule(ctx, &ruleRows[i], snapshot, now)
		total.Evaluated += s.Evaluated
		total.Fired += s.Fired
		total.Scheduled += s.Scheduled
		total.SkippedCooldown += s.SkippedCooldown
		total.Errors += s.Errors
	}
	evalDuration := nowFunc().Sub(now)

	d.stats.RecordRuleOutcomes(uint64(total.Evaluated), uint64(total.Fired),
		uint64(total.Scheduled), uint64(total.Errors))
	d.log.Debug("batch dispatched",
		logger.String("batch_id", batch.BatchID),
		logger.Int("rules", len(ruleRows)),
		logger.Int("fired", total.Fired),
		logger.Int("snapshot_entities", len(snapshot)),
		logger.Duration("query_duration", queryDuration),
		logger.Duration("eval_duration", evalDuration))
}

// buildSnapshot loads one consistent state map covering the batch's entities
// plus everything the impacted rules reference. The persisted refs normally
// cover it; the parsed definitions are walked too in case a ref row lagged a
// definition change.
func (d *Dispatcher) buildSnapshot(ctx context.Context, batch EntityChangeBatch, ruleRows []entities.Rule, ruleIDs []uint) (condition.Snapshot, error) {
	wanted := make(map[string]struct{}, len(batch.EntityIDs))
	for _, id := range batch.EntityIDs {
		wanted[id] = struct{}{}
	}

	refs, err := d.repo.EntityRefsForRules(ctx, ruleIDs)
	if err != nil {
		return nil, fmt.Errorf("entity refs for rules: %w", err)
	}
	for _, ref := range refs {
		wanted[ref.EntityID] = struct{}{}
	}

	for i := range ruleRows {
		def, err := rules.ParseDefinition(ruleRows[i].Definition)
		if err != nil {
			continue // the engine reports the parse failure per rule
		}
		for _, id := range condition.ExtractEntityIDs(def.When) {
			wanted[id] = struct{}{}
		}
	}

	ids := make([]string, 0, len(wanted))
	for id := range wanted {
		ids = append(ids, id)
	}
	states, err := d.repo.EntityStateMap(ctx, ids)
	if err != nil {
		return nil, err
	}
	return condition.Snapshot(states), nil
}

// Status returns the effective settings, the live queue depths, and a
// counters snapshot.
func (d *Dispatcher) Status() Status {
	enabled := true
	select {
	case <-d.quit:
		enabled = false
	default:
	}
	return Status{
		Enabled:         enabled,
		Settings:        d.settings,
		PendingEntities: d.pending.size(),
		PendingBatches:  d.pool.QueueDepth(),
		Stats:           d.stats.Snapshot(),
	}
}

// Shutdown flushes the open window, stops the debounce loop, and drains the
// worker pool. The context bounds the wait.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	close(d.quit)
	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	stopped := make(chan struct{})
	go func() {
		d.pool.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
