package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latchpoint/latchpoint/internal/conf"
	"github.com/latchpoint/latchpoint/internal/datastore/entities"
	"github.com/latchpoint/latchpoint/internal/kvstore"
	"github.com/latchpoint/latchpoint/internal/logger"
	"github.com/latchpoint/latchpoint/internal/rules/condition"
	"github.com/latchpoint/latchpoint/internal/rules/engine"
	"github.com/latchpoint/latchpoint/internal/testutil"
)

type evalCall struct {
	ruleID   uint
	snapshot condition.Snapshot
}

type fakeEvaluator struct {
	mu    sync.Mutex
	calls []evalCall
}

func (f *fakeEvaluator) EvaluateRule(_ context.Context, rule *entities.Rule, snapshot condition.Snapshot, _ time.Time) engine.Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, evalCall{ruleID: rule.ID, snapshot: snapshot})
	return engine.Summary{Evaluated: 1, Fired: 1}
}

func (f *fakeEvaluator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeEvaluator) ruleIDs() []uint {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.ruleID)
	}
	return out
}

func testLog() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, nil)
}

func fastSettings() conf.DispatcherSettings {
	return conf.DispatcherSettings{
		DebounceMs:        20,
		BatchSizeLimit:    100,
		RateLimitPerSec:   100,
		RateLimitBurst:    100,
		WorkerConcurrency: 2,
		QueueMaxDepth:     16,
	}
}

// newTestDispatcher builds a dispatcher on in-memory stores and registers its
// shutdown with the test.
func newTestDispatcher(t *testing.T, repo *testutil.MemRepo, settings conf.DispatcherSettings, eval RuleEvaluator) *Dispatcher {
	t.Helper()
	d := NewDispatcher(settings, repo, kvstore.NewMemoryStore(), eval, NewStats(nil), testLog())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d
}

func motionRule(repo *testutil.MemRepo, name, entityID string, priority int) uint {
	def := fmt.Sprintf(
		`{"when": {"op": "entity_state", "entity_id": %q, "equals": "on"}, "then": [{"type": "send_notification", "provider_id": "p", "message": "m"}]}`,
		entityID)
	return repo.AddRule(entities.Rule{
		Name:       name,
		Kind:       entities.RuleKindTrigger,
		Enabled:    true,
		Priority:   priority,
		Definition: def,
	}, entityID)
}

func TestDispatcherCollapsesBurst(t *testing.T) {
	repo := testutil.NewMemRepo()
	motionRule(repo, "motion", "zigbee2mqtt.motion", 0)
	repo.SetState("zigbee2mqtt.motion", "on")

	eval := &fakeEvaluator{}
	d := newTestDispatcher(t, repo, fastSettings(), eval)

	// A burst of notifications for the same entity collapses into one batch.
	for i := 0; i < 5; i++ {
		d.NotifyEntitiesChanged(context.Background(), entities.SourceZigbee2MQTT, []string{"zigbee2mqtt.motion"})
	}

	require.Eventually(t, func() bool { return eval.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	snap := d.Status().Stats
	assert.Equal(t, uint64(1), snap.Triggered)
	assert.Equal(t, uint64(4), snap.Debounced)
	src := snap.BySource[entities.SourceZigbee2MQTT]
	assert.Equal(t, uint64(5), src.EntitiesReceived)
	assert.Equal(t, uint64(4), src.Debounced)
	require.NotNil(t, snap.LastDispatchAt)

	// The collapsed window evaluated the rule exactly once.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, eval.callCount())
	assert.Equal(t, uint64(1), d.Status().Stats.RulesFired)
}

func TestDispatcherDedupesWithinCall(t *testing.T) {
	repo := testutil.NewMemRepo()
	id := motionRule(repo, "door", "binary_sensor.door", 0)
	repo.AddRule(entities.Rule{
		Name: "also door", Kind: entities.RuleKindTrigger, Enabled: true,
		Definition: `{"when": {"op": "entity_state", "entity_id": "binary_sensor.door", "equals": "on"}, "then": [{"type": "send_notification", "provider_id": "p", "message": "m"}]}`,
	}, "binary_sensor.door")

	eval := &fakeEvaluator{}
	d := newTestDispatcher(t, repo, fastSettings(), eval)

	d.NotifyEntitiesChanged(context.Background(), entities.SourceHomeAssistant,
		[]string{"binary_sensor.door", "binary_sensor.door", "binary_sensor.door"})

	require.Eventually(t, func() bool { return eval.callCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), d.Status().Stats.Deduped)
	assert.Contains(t, eval.ruleIDs(), id)
}

func TestDispatcherEmptyAndUnknownEntities(t *testing.T) {
	repo := testutil.NewMemRepo()
	eval := &fakeEvaluator{}
	d := newTestDispatcher(t, repo, fastSettings(), eval)

	d.NotifyEntitiesChanged(context.Background(), entities.SourceZWaveJS, nil)
	d.NotifyEntitiesChanged(context.Background(), entities.SourceZWaveJS, []string{""})
	// No rule references this entity; the batch resolves to nothing.
	d.NotifyEntitiesChanged(context.Background(), entities.SourceZWaveJS, []string{"zwavejs.unknown"})

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, eval.callCount())
}

func TestBatchSizeLimitFlushesEarly(t *testing.T) {
	repo := testutil.NewMemRepo()
	motionRule(repo, "a", "sensor.a", 0)
	motionRule(repo, "b", "sensor.b", 0)

	settings := fastSettings()
	settings.DebounceMs = 60_000 // the timer alone would never fire in time
	settings.BatchSizeLimit = 2
	eval := &fakeEvaluator{}
	d := newTestDispatcher(t, repo, settings, eval)

	d.NotifyEntitiesChanged(context.Background(), entities.SourceZigbee2MQTT, []string{"sensor.a", "sensor.b"})

	require.Eventually(t, func() bool { return eval.callCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), d.Status().Stats.Triggered)
}

func TestRateLimiterDropsBatch(t *testing.T) {
	repo := testutil.NewMemRepo()
	motionRule(repo, "a", "sensor.a", 0)
	motionRule(repo, "b", "sensor.b", 0)

	settings := fastSettings()
	settings.RateLimitPerSec = 0 // burst only, never refills
	settings.RateLimitBurst = 1
	eval := &fakeEvaluator{}
	d := newTestDispatcher(t, repo, settings, eval)

	d.NotifyEntitiesChanged(context.Background(), entities.SourceZigbee2MQTT, []string{"sensor.a"})
	require.Eventually(t, func() bool { return d.Status().Stats.Triggered == 1 }, 2*time.Second, 5*time.Millisecond)

	d.NotifyEntitiesChanged(context.Background(), entities.SourceZigbee2MQTT, []string{"sensor.b"})
	require.Eventually(t, func() bool { return d.Status().Stats.RateLimited == 1 }, 2*time.Second, 5*time.Millisecond)

	// The dropped window never reached the evaluator.
	assert.Equal(t, 1, eval.callCount())
	assert.Equal(t, uint64(1), d.Status().Stats.Triggered)
}

func TestShutdownFlushesPendingWindow(t *testing.T) {
	repo := testutil.NewMemRepo()
	motionRule(repo, "a", "sensor.a", 0)

	settings := fastSettings()
	settings.DebounceMs = 60_000
	eval := &fakeEvaluator{}
	d := NewDispatcher(settings, repo, kvstore.NewMemoryStore(), eval, NewStats(nil), testLog())

	d.NotifyEntitiesChanged(context.Background(), entities.SourceZigbee2MQTT, []string{"sensor.a"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))

	// Shutdown drains the pool, so the final flush has fully dispatched.
	assert.Equal(t, 1, eval.callCount())
	assert.Equal(t, uint64(1), d.Status().Stats.Triggered)
}

// gatedEvaluator blocks every evaluation until its gate is closed, so tests
// can hold a worker busy while more batches queue up behind it.
type gatedEvaluator struct {
	fakeEvaluator
	gate    chan struct{}
	started chan struct{}
}

func (g *gatedEvaluator) EvaluateRule(ctx context.Context, rule *entities.Rule, snapshot condition.Snapshot, now time.Time) engine.Summary {
	g.started <- struct{}{}
	<-g.gate
	return g.fakeEvaluator.EvaluateRule(ctx, rule, snapshot, now)
}

func TestQueueOverflowDropsOldestBatch(t *testing.T) {
	repo := testutil.NewMemRepo()
	aID := motionRule(repo, "a", "sensor.a", 0)
	motionRule(repo, "b", "sensor.b", 0)
	cID := motionRule(repo, "c", "sensor.c", 0)

	settings := fastSettings()
	settings.WorkerConcurrency = 1
	settings.QueueMaxDepth = 1
	eval := &gatedEvaluator{gate: make(chan struct{}), started: make(chan struct{}, 8)}
	d := newTestDispatcher(t, repo, settings, eval)
	ctx := context.Background()

	// First batch occupies the single worker.
	d.NotifyEntitiesChanged(ctx, entities.SourceZigbee2MQTT, []string{"sensor.a"})
	select {
	case <-eval.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first batch never reached the evaluator")
	}

	// Second batch sits in the single queue slot.
	d.NotifyEntitiesChanged(ctx, entities.SourceZigbee2MQTT, []string{"sensor.b"})
	require.Eventually(t, func() bool { return d.Status().PendingBatches == 1 }, 2*time.Second, 5*time.Millisecond)

	// Third batch evicts the queued one; the freshest data survives.
	d.NotifyEntitiesChanged(ctx, entities.SourceZigbee2MQTT, []string{"sensor.c"})
	require.Eventually(t, func() bool { return d.Status().Stats.DroppedBatches == 1 }, 2*time.Second, 5*time.Millisecond)

	close(eval.gate)
	require.Eventually(t, func() bool { return eval.callCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []uint{aID, cID}, eval.ruleIDs())
	assert.Equal(t, uint64(3), d.Status().Stats.Triggered)
}

func TestDispatchBatchLogsMetrics(t *testing.T) {
	repo := testutil.NewMemRepo()
	motionRule(repo, "a", "sensor.a", 0)
	repo.SetState("sensor.a", "on")

	var buf bytes.Buffer
	log := logger.NewSlogLogger(&buf, logger.LogLevelDebug, nil)
	d := NewDispatcher(fastSettings(), repo, kvstore.NewMemoryStore(), &fakeEvaluator{}, NewStats(nil), log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})

	batch := newBatch([]string{"sensor.a"}, map[string]struct{}{entities.SourceZigbee2MQTT: {}}, time.Now())
	d.DispatchBatch(context.Background(), batch)

	out := buf.String()
	assert.Contains(t, out, "batch dispatched")
	assert.Contains(t, out, "snapshot_entities=1")
	assert.Contains(t, out, "query_duration=")
	assert.Contains(t, out, "eval_duration=")
}

func TestDispatchBatchSnapshotAndOrdering(t *testing.T) {
	repo := testutil.NewMemRepo()
	lowID := motionRule(repo, "low", "sensor.batch", 1)
	highID := repo.AddRule(entities.Rule{
		Name: "high", Kind: entities.RuleKindTrigger, Enabled: true, Priority: 9,
		Definition: `{"when": {"op": "all", "children": [{"op": "entity_state", "entity_id": "sensor.batch", "equals": "on"}, {"op": "entity_state", "entity_id": "sensor.side", "equals": "on"}]}, "then": [{"type": "send_notification", "provider_id": "p", "message": "m"}]}`,
	}, "sensor.batch", "sensor.side")

	repo.SetState("sensor.batch", "on")
	repo.SetState("sensor.side", "on")

	eval := &fakeEvaluator{}
	d := newTestDispatcher(t, repo, fastSettings(), eval)

	batch := newBatch([]string{"sensor.batch"}, map[string]struct{}{entities.SourceZigbee2MQTT: {}}, time.Now())
	d.DispatchBatch(context.Background(), batch)

	// Priority order, and the snapshot covers referenced entities beyond the
	// batch itself.
	require.Equal(t, []uint{highID, lowID}, eval.ruleIDs())
	snap := eval.calls[0].snapshot
	assert.Equal(t, "on", snap["sensor.batch"])
	assert.Equal(t, "on", snap["sensor.side"])

	stats := d.Status().Stats
	assert.Equal(t, uint64(2), stats.RulesEvaluated)
	assert.Equal(t, uint64(2), stats.RulesFired)
}

func TestNewBatchSource(t *testing.T) {
	t.Parallel()

	at := time.Now()
	single := newBatch([]string{"a"}, map[string]struct{}{entities.SourceZWaveJS: {}}, at)
	assert.Equal(t, entities.SourceZWaveJS, single.Source)
	assert.NotEmpty(t, single.BatchID)
	assert.Equal(t, at, single.ChangedAt)

	mixed := newBatch([]string{"a"}, map[string]struct{}{
		entities.SourceZWaveJS:     {},
		entities.SourceZigbee2MQTT: {},
	}, at)
	assert.Equal(t, entities.SourceMixed, mixed.Source)
}

func TestStatusReportsSettings(t *testing.T) {
	repo := testutil.NewMemRepo()
	settings := fastSettings()
	d := newTestDispatcher(t, repo, settings, &fakeEvaluator{})

	status := d.Status()
	assert.True(t, status.Enabled)
	assert.Equal(t, settings, status.Settings)
	assert.Zero(t, status.PendingEntities)
	assert.Zero(t, status.PendingBatches)
	assert.NotNil(t, status.Stats.BySource)
}

func TestStatusReportsPendingEntities(t *testing.T) {
	repo := testutil.NewMemRepo()
	motionRule(repo, "a", "sensor.a", 0)

	settings := fastSettings()
	settings.DebounceMs = 60_000 // keep the window open for the assertion
	d := newTestDispatcher(t, repo, settings, &fakeEvaluator{})

	d.NotifyEntitiesChanged(context.Background(), entities.SourceZigbee2MQTT, []string{"sensor.a"})
	assert.Equal(t, 1, d.Status().PendingEntities)
}

func TestNotifyAfterShutdownIsIgnored(t *testing.T) {
	repo := testutil.NewMemRepo()
	motionRule(repo, "a", "sensor.a", 0)

	eval := &fakeEvaluator{}
	d := NewDispatcher(fastSettings(), repo, kvstore.NewMemoryStore(), eval, NewStats(nil), testLog())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))

	d.NotifyEntitiesChanged(context.Background(), entities.SourceZigbee2MQTT, []string{"sensor.a"})

	status := d.Status()
	assert.False(t, status.Enabled)
	assert.Zero(t, status.PendingEntities)
	assert.Zero(t, status.Stats.BySource[entities.SourceZigbee2MQTT].EntitiesReceived)
	assert.Zero(t, eval.callCount())
}
