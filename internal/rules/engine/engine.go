package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/latchpoint/latchpoint/internal/datastore/entities"
	"github.com/latchpoint/latchpoint/internal/datastore/repository"
	"github.com/latchpoint/latchpoint/internal/kvstore"
	"github.com/latchpoint/latchpoint/internal/logger"
	"github.com/latchpoint/latchpoint/internal/rules"
	"github.com/latchpoint/latchpoint/internal/rules/action"
	"github.com/latchpoint/latchpoint/internal/rules/condition"
)

const (
	// ruleLockTTL bounds how long a wedged worker can hold a rule.
	ruleLockTTL = 30 * time.Second
	ruleLockKey = "rule_lock:%d"
)

// Summary counts what one evaluation pass did.
type Summary struct {
	Evaluated       int `json:"evaluated"`
	Fired           int `json:"fired"`
	Scheduled       int `json:"scheduled"`
	SkippedCooldown int `json:"skipped_cooldown"`
	Errors          int `json:"errors"`
}

func (s *Summary) add(other Summary) {
	s.Evaluated += other.Evaluated
	s.Fired += other.Fired
	s.Scheduled += other.Scheduled
	s.SkippedCooldown += other.SkippedCooldown
	s.Errors += other.Errors
}

// Engine runs rule evaluation passes against a repository and executes
// actions through the executor.
type Engine struct {
	repo     repository.RuleRepository
	executor *action.Executor
	kv       kvstore.Store
	log      logger.Logger
}

// NewEngine creates a rules engine.
func NewEngine(repo repository.RuleRepository, executor *action.Executor, kv kvstore.Store, log logger.Logger) *Engine {
	return &Engine{repo: repo, executor: executor, kv: kv, log: log}
}

// RunRules executes the full evaluation pass inside one transaction: first
// the due for-delay timers, then every enabled rule. Used by the scheduler
// tick; the dispatcher uses EvaluateRule for single rules instead.
func (e *Engine) RunRules(ctx context.Context, now time.Time) (Summary, error) {
	var summary Summary
	err := e.repo.Transaction(ctx, func(tx repository.RuleRepository) error {
		s, err := e.runPasses(ctx, tx, now, nil)
		summary = s
		return err
	})
	if err != nil {
		return summary, fmt.Errorf("rule pass failed: %w", err)
	}
	return summary, nil
}

// EvaluateRule evaluates one rule against a prebuilt entity-state snapshot,
// under the distributed per-rule lock. Lock contention and disallowed
// runtimes return silently; a later notification re-evaluates. Panics are
// recorded as failures and never propagate to the worker.
func (e *Engine) EvaluateRule(ctx context.Context, rule *entities.Rule, snapshot condition.Snapshot, now time.Time) (summary Summary) {
	lockKey := fmt.Sprintf(ruleLockKey, rule.ID)
	acquired, err := e.kv.SetIfAbsent(ctx, lockKey, "1", ruleLockTTL)
	if err != nil {
		e.log.Warn("rule lock unavailable, skipping evaluation",
			logger.Uint64("rule_id", uint64(rule.ID)),
			logger.Error(err))
		return summary
	}
	if !acquired {
		// Another worker holds the rule and will observe current state.
		return summary
	}
	defer func() {
		if rec := recover(); rec != nil {
			summary.Errors++
			e.log.Error("panic during rule evaluation",
				logger.Uint64("rule_id", uint64(rule.ID)),
				logger.Any("panic", rec))
			if runtime, rtErr := e.repo.EnsureRuntime(ctx, rule.ID); rtErr == nil {
				_ = RecordRuleFailure(ctx, e.repo, runtime, fmt.Errorf("panic: %v", rec), now)
			}
		}
		if delErr := e.kv.Delete(ctx, lockKey); delErr != nil {
			e.log.Warn("failed to release rule lock", logger.Error(delErr))
		}
	}()

	runtime, err := e.repo.EnsureRuntime(ctx, rule.ID)
	if err != nil {
		summary.Errors++
		e.log.Error("failed to ensure rule runtime",
			logger.Uint64("rule_id", uint64(rule.ID)),
			logger.Error(err))
		return summary
	}
	if allowed, reason := IsRuleAllowed(runtime, now); !allowed {
		e.log.Debug("rule evaluation skipped",
			logger.Uint64("rule_id", uint64(rule.ID)),
			logger.String("reason", reason))
		return summary
	}

	txErr := e.repo.Transaction(ctx, func(tx repository.RuleRepository) error {
		s, err := e.runImmediatePass(ctx, tx, []entities.Rule{*rule}, snapshot, now)
		summary.add(s)
		return err
	})
	if txErr != nil {
		summary.Errors++
		e.log.Error("rule evaluation failed",
			logger.Uint64("rule_id", uint64(rule.ID)),
			logger.Error(txErr))
	}

	if summary.Errors > 0 {
		recErr := txErr
		if recErr == nil {
			recErr = fmt.Errorf("rule %d: action errors during evaluation", rule.ID)
		}
		if err := RecordRuleFailure(ctx, e.repo, runtime, recErr, now); err != nil {
			e.log.Error("failed to record rule failure", logger.Error(err))
		}
	} else {
		if err := RecordRuleSuccess(ctx, e.repo, runtime); err != nil {
			e.log.Error("failed to record rule success", logger.Error(err))
		}
	}
	return summary
}

// runPasses runs the due pass then the immediate pass. snapshot may be nil,
// in which case referenced entity states are loaded from the repository.
func (e *Engine) runPasses(ctx context.Context, repo repository.RuleRepository, now time.Time, snapshot condition.Snapshot) (Summary, error) {
	var summary Summary

	dueSummary, err := e.runDuePass(ctx, repo, now)
	summary.add(dueSummary)
	if err != nil {
		return summary, err
	}

	ruleRows, err := repo.ListEnabledRules(ctx)
	if err != nil {
		return summary, err
	}
	immediateSummary, err := e.runImmediatePass(ctx, repo, ruleRows, snapshot, now)
	summary.add(immediateSummary)
	return summary, err
}

// RunDueScheduled runs only the due-timer pass. Exposed for callers that
// tick more often than the full pass.
func (e *Engine) RunDueScheduled(ctx context.Context, now time.Time) (Summary, error) {
	var summary Summary
	err := e.repo.Transaction(ctx, func(tx repository.RuleRepository) error {
		s, err := e.runDuePass(ctx, tx, now)
		summary = s
		return err
	})
	return summary, err
}

// runDuePass fires rules whose for-delay has elapsed.
func (e *Engine) runDuePass(ctx context.Context, repo repository.RuleRepository, now time.Time) (Summary, error) {
	var summary Summary

	due, err := repo.DueRuntimes(ctx, now)
	if err != nil {
		return summary, err
	}
	if len(due) == 0 {
		return summary, nil
	}

	ruleIDs := make([]uint, 0, len(due))
	for i := range due {
		ruleIDs = append(ruleIDs, due[i].RuleID)
	}
	ruleRows, err := repo.GetRulesByIDs(ctx, ruleIDs)
	if err != nil {
		return summary, err
	}
	rulesByID := make(map[uint]*entities.Rule, len(ruleRows))
	for i := range ruleRows {
		rulesByID[ruleRows[i].ID] = &ruleRows[i]
	}

	for i := range due {
		runtime := &due[i]
		rule, ok := rulesByID[runtime.RuleID]
		if !ok {
			// Rule deleted or disabled since scheduling.
			e.clearScheduling(ctx, repo, runtime.RuleID)
			continue
		}

		def, err := rules.ParseDefinition(rule.Definition)
		if err != nil {
			summary.Errors++
			e.log.Error("unparseable rule definition in due pass",
				logger.Uint64("rule_id", uint64(rule.ID)),
				logger.Error(err))
			e.clearScheduling(ctx, repo, rule.ID)
			continue
		}

		_, child, isFor := condition.ExtractForDelay(def.When)
		if !isFor {
			// Definition changed out from under the schedule.
			e.clearScheduling(ctx, repo, rule.ID)
			continue
		}

		snapshot, err := e.snapshotFor(ctx, repo, def.When, nil)
		if err != nil {
			summary.Errors++
			continue
		}

		summary.Evaluated++
		if !condition.Eval(ctx, child, snapshot, now, repo) {
			e.clearScheduling(ctx, repo, rule.ID)
			continue
		}
		if e.inCooldown(rule, runtime, now) {
			summary.SkippedCooldown++
			e.clearScheduling(ctx, repo, rule.ID)
			continue
		}

		s := e.fireRule(ctx, repo, rule, def, now, entities.TraceSourceTimer)
		summary.add(s)
		e.clearScheduling(ctx, repo, rule.ID)
	}
	return summary, nil
}

// runImmediatePass evaluates rules in priority order, scheduling for-delay
// roots and firing the rest.
func (e *Engine) runImmediatePass(ctx context.Context, repo repository.RuleRepository, ruleRows []entities.Rule, snapshot condition.Snapshot, now time.Time) (Summary, error) {
	var summary Summary

	for i := range ruleRows {
		rule := &ruleRows[i]
		def, err := rules.ParseDefinition(rule.Definition)
		if err != nil {
			summary.Errors++
			e.log.Error("unparseable rule definition",
				logger.Uint64("rule_id", uint64(rule.ID)),
				logger.Error(err))
			continue
		}

		snap, err := e.snapshotFor(ctx, repo, def.When, snapshot)
		if err != nil {
			summary.Errors++
			continue
		}

		forSeconds, child, isFor := condition.ExtractForDelay(def.When)
		if isFor {
			summary.Evaluated++
			runtime, err := repo.EnsureRuntime(ctx, rule.ID)
			if err != nil {
				summary.Errors++
				continue
			}
			if !condition.Eval(ctx, child, snap, now, repo) {
				if runtime.BecameTrueAt != nil || runtime.ScheduledFor != nil {
					e.clearScheduling(ctx, repo, rule.ID)
				}
				continue
			}
			if runtime.BecameTrueAt == nil && runtime.ScheduledFor == nil {
				scheduledFor := now.Add(time.Duration(forSeconds) * time.Second)
				err := repo.UpdateRuntimeFields(ctx, rule.ID, map[string]any{
					"became_true_at": now,
					"scheduled_for":  scheduledFor,
					"status":         entities.RuntimeStatusScheduled,
				})
				if err != nil {
					summary.Errors++
					continue
				}
				summary.Scheduled++
			}
			// Already pending; the timer pass fires it.
			continue
		}

		summary.Evaluated++
		if !condition.Eval(ctx, def.When, snap, now, repo) {
			continue
		}
		runtime, err := repo.EnsureRuntime(ctx, rule.ID)
		if err != nil {
			summary.Errors++
			continue
		}
		if e.inCooldown(rule, runtime, now) {
			summary.SkippedCooldown++
			continue
		}

		s := e.fireRule(ctx, repo, rule, def, now, entities.TraceSourceImmediate)
		summary.add(s)
	}
	return summary, nil
}

// fireRule executes the rule's actions and writes exactly one audit row.
// Panics inside action execution are converted to an error-only audit row.
func (e *Engine) fireRule(ctx context.Context, repo repository.RuleRepository, rule *entities.Rule, def *rules.Definition, now time.Time, traceSource string) (summary Summary) {
	actionsJSON, err := action.MarshalList(def.Then)
	if err != nil {
		actionsJSON = []byte("[]")
	}

	logRow := &entities.RuleActionLog{
		RuleID:      rule.ID,
		FiredAt:     now,
		Kind:        rule.Kind,
		Actions:     string(actionsJSON),
		Result:      "{}",
		TraceSource: traceSource,
	}

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				summary.Errors++
				logRow.Error = fmt.Sprintf("panic: %v", rec)
				e.log.Error("panic during action execution",
					logger.Uint64("rule_id", uint64(rule.ID)),
					logger.Any("panic", rec))
			}
		}()

		result := e.executor.Execute(ctx, rule, def.Then, now, "")
		if encoded, err := encodeResult(result); err == nil {
			logRow.Result = encoded
		}
		if len(result.Errors) > 0 {
			summary.Errors += len(result.Errors)
			logRow.Error = result.Errors[0]
		} else {
			summary.Fired++
		}
	}()

	if err := repo.SaveActionLog(ctx, logRow); err != nil {
		summary.Errors++
		e.log.Error("failed to write action log",
			logger.Uint64("rule_id", uint64(rule.ID)),
			logger.Error(err))
	}
	if err := repo.UpdateRuntimeFields(ctx, rule.ID, map[string]any{"last_fired_at": now}); err != nil {
		e.log.Error("failed to update last_fired_at",
			logger.Uint64("rule_id", uint64(rule.ID)),
			logger.Error(err))
	}
	e.log.Info("rule fired",
		logger.Uint64("rule_id", uint64(rule.ID)),
		logger.String("rule", rule.Name),
		logger.String("trace", traceSource))
	return summary
}

// inCooldown reports whether the rule fired within its cooldown window.
func (e *Engine) inCooldown(rule *entities.Rule, runtime *entities.RuleRuntimeState, now time.Time) bool {
	if rule.CooldownSeconds <= 0 || runtime.LastFiredAt == nil {
		return false
	}
	return now.Sub(*runtime.LastFiredAt) < time.Duration(rule.CooldownSeconds)*time.Second
}

// clearScheduling resets the for-delay bookkeeping.
func (e *Engine) clearScheduling(ctx context.Context, repo repository.RuleRepository, ruleID uint) {
	err := repo.UpdateRuntimeFields(ctx, ruleID, map[string]any{
		"scheduled_for":  nil,
		"became_true_at": nil,
		"status":         entities.RuntimeStatusOK,
	})
	if err != nil {
		e.log.Error("failed to clear rule scheduling",
			logger.Uint64("rule_id", uint64(ruleID)),
			logger.Error(err))
	}
}

// snapshotFor returns the provided snapshot when non-nil, otherwise loads
// the states of exactly the entities the tree references.
func (e *Engine) snapshotFor(ctx context.Context, repo repository.RuleRepository, root condition.Node, snapshot condition.Snapshot) (condition.Snapshot, error) {
	if snapshot != nil {
		return snapshot, nil
	}
	ids := condition.ExtractEntityIDs(root)
	if len(ids) == 0 {
		return condition.Snapshot{}, nil
	}
	states, err := repo.EntityStateMap(ctx, ids)
	if err != nil {
		e.log.Error("failed to snapshot entity states", logger.Error(err))
		return nil, err
	}
	return condition.Snapshot(states), nil
}

func encodeResult(result action.Result) (string, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
