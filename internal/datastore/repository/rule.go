// Package repository handles persistence for rules, entity states, runtime
// state, audit logs, and detection snapshots.
package repository

import (
	"context"
	"time"

	"github.com/latchpoint/latchpoint/internal/datastore/entities"
)

// RuleRepository is the persistence contract the engine, dispatcher, and
// API layer share. Integration-facing reads coerce failures to safe
// defaults so rule evaluation stays deterministic.
type RuleRepository interface {
	// Rule CRUD
	ListRules(ctx context.Context) ([]entities.Rule, error)
	ListEnabledRules(ctx context.Context) ([]entities.Rule, error)
	GetRulesByIDs(ctx context.Context, ids []uint) ([]entities.Rule, error)
	GetRule(ctx context.Context, id uint) (*entities.Rule, error)
	// SaveRule creates or updates a rule and atomically replaces its
	// RuleEntityRef rows with entityIDs. Callers must invalidate the
	// entity-rule cache afterwards.
	SaveRule(ctx context.Context, rule *entities.Rule, entityIDs []string) error
	DeleteRule(ctx context.Context, id uint) error

	// Reverse index
	AllEntityRefs(ctx context.Context) ([]entities.RuleEntityRef, error)
	EntityRefsForRules(ctx context.Context, ruleIDs []uint) ([]entities.RuleEntityRef, error)
	// RulesForEntityIDs resolves impacted rules without the cache. Kept on
	// the contract for the simulation endpoint and as a fallback path.
	RulesForEntityIDs(ctx context.Context, entityIDs []string) ([]entities.Rule, error)

	// Entity states
	EntityStateMap(ctx context.Context, entityIDs []string) (map[string]string, error)
	UpsertEntityState(ctx context.Context, entityID, source string, state *string, at time.Time) error

	// Runtime state
	EnsureRuntime(ctx context.Context, ruleID uint) (*entities.RuleRuntimeState, error)
	GetRuntime(ctx context.Context, ruleID uint) (*entities.RuleRuntimeState, error)
	// DueRuntimes selects runtimes with scheduled_for <= now under a
	// row-level lock, ordered by scheduled_for ASC, rule_id ASC.
	DueRuntimes(ctx context.Context, now time.Time) ([]entities.RuleRuntimeState, error)
	// UpdateRuntimeFields updates only the named columns.
	UpdateRuntimeFields(ctx context.Context, ruleID uint, fields map[string]any) error
	ListSuspendedRuntimes(ctx context.Context) ([]entities.RuleRuntimeState, error)

	// Audit log
	SaveActionLog(ctx context.Context, log *entities.RuleActionLog) error
	ListActionLogs(ctx context.Context, filter ActionLogFilter) ([]entities.RuleActionLog, int64, error)

	// Alarm state
	GetAlarmState(ctx context.Context) (string, error)
	SetAlarmState(ctx context.Context, state string) error

	// Frigate
	ListFrigateDetections(ctx context.Context, label string, cameras []string, since time.Time) ([]entities.Detection, error)
	FrigateIsAvailable(ctx context.Context, now time.Time) bool
	RecordFrigateHeartbeat(ctx context.Context, at time.Time) error
	InsertDetection(ctx context.Context, d *entities.Detection) error

	// Transaction runs fn inside one unit of work. The RuleRepository
	// passed to fn operates on the transaction.
	Transaction(ctx context.Context, fn func(RuleRepository) error) error
}

// ActionLogFilter controls audit log listing.
type ActionLogFilter struct {
	RuleID uint
	Limit  int
	Offset int
}
