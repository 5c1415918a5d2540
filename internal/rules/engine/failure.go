// Package engine evaluates rules: the immediate and due-timer passes, the
// cooldown gate, and the per-rule failure handler that backs off and
// suspends repeatedly failing rules.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/latchpoint/latchpoint/internal/datastore/entities"
	"github.com/latchpoint/latchpoint/internal/datastore/repository"
)

// backoffSchedule is the exponential backoff applied after consecutive
// failures; the index is clamped to the last entry.
var backoffSchedule = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
	3600 * time.Second,
}

const (
	// suspendThreshold is the consecutive-failure count at which a rule is
	// suspended.
	suspendThreshold = 10
	// suspendRetryAfter is how long a suspended rule waits before an
	// auto-recovery attempt.
	suspendRetryAfter = 3600 * time.Second
)

// backoffFor returns the delay after the n-th consecutive failure (1-based).
func backoffFor(failures int) time.Duration {
	idx := failures - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	return backoffSchedule[idx]
}

// truncateError bounds the persisted error text, marking truncation with a
// "..." suffix.
func truncateError(msg string) string {
	if len(msg) <= entities.MaxLastErrorLen {
		return msg
	}
	return msg[:entities.MaxLastErrorLen-3] + "..."
}

// RecordRuleFailure advances the rule's failure state: bumps the counter,
// stores the error, schedules the next allowed attempt, and suspends the
// rule once it crosses the threshold.
func RecordRuleFailure(ctx context.Context, repo repository.RuleRepository, runtime *entities.RuleRuntimeState, evalErr error, now time.Time) error {
	failures := runtime.ConsecutiveFailures + 1
	nextAllowed := now.Add(backoffFor(failures))
	status := entities.RuntimeStatusBackoff
	suspended := false
	if failures >= suspendThreshold {
		suspended = true
		nextAllowed = now.Add(suspendRetryAfter)
		status = entities.RuntimeStatusErrorSuspended
	}

	msg := ""
	if evalErr != nil {
		msg = truncateError(evalErr.Error())
	}

	fields := map[string]any{
		"consecutive_failures": failures,
		"last_failure_at":      now,
		"last_error":           msg,
		"next_allowed_at":      nextAllowed,
		"error_suspended":      suspended,
		"status":               status,
	}
	if err := repo.UpdateRuntimeFields(ctx, runtime.RuleID, fields); err != nil {
		return err
	}

	runtime.ConsecutiveFailures = failures
	runtime.LastFailureAt = &now
	runtime.LastError = msg
	runtime.NextAllowedAt = &nextAllowed
	runtime.ErrorSuspended = suspended
	runtime.Status = status
	return nil
}

// RecordRuleSuccess atomically clears all failure fields.
func RecordRuleSuccess(ctx context.Context, repo repository.RuleRepository, runtime *entities.RuleRuntimeState) error {
	fields := map[string]any{
		"consecutive_failures": 0,
		"last_failure_at":      nil,
		"last_error":           "",
		"next_allowed_at":      nil,
		"error_suspended":      false,
		"status":               entities.RuntimeStatusOK,
	}
	if err := repo.UpdateRuntimeFields(ctx, runtime.RuleID, fields); err != nil {
		return err
	}

	runtime.ConsecutiveFailures = 0
	runtime.LastFailureAt = nil
	runtime.LastError = ""
	runtime.NextAllowedAt = nil
	runtime.ErrorSuspended = false
	runtime.Status = entities.RuntimeStatusOK
	return nil
}

// ClearSuspension force-clears a rule's failure state. Equivalent to a
// success record; exposed to the admin API.
func ClearSuspension(ctx context.Context, repo repository.RuleRepository, ruleID uint) error {
	runtime, err := repo.EnsureRuntime(ctx, ruleID)
	if err != nil {
		return err
	}
	return RecordRuleSuccess(ctx, repo, runtime)
}

// IsRuleAllowed reports whether the rule may be evaluated now, with a
// machine-readable reason.
func IsRuleAllowed(runtime *entities.RuleRuntimeState, now time.Time) (bool, string) {
	if runtime.ErrorSuspended {
		if runtime.NextAllowedAt != nil && !now.Before(*runtime.NextAllowedAt) {
			return true, "auto_recovery"
		}
		return false, "suspended"
	}
	if runtime.NextAllowedAt != nil && now.Before(*runtime.NextAllowedAt) {
		remaining := int(runtime.NextAllowedAt.Sub(now).Round(time.Second).Seconds())
		return false, fmt.Sprintf("backoff:%ds", remaining)
	}
	return true, "allowed"
}
