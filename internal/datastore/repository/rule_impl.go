package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/latchpoint/latchpoint/internal/datastore/entities"
)

// ErrRuleNotFound is returned when a rule id does not exist.
var ErrRuleNotFound = errors.New("rule not found")

// frigateHealthName is the IntegrationHealth row the Frigate adapter
// heartbeats against.
const frigateHealthName = "frigate"

// ruleRepository implements RuleRepository on gorm.
type ruleRepository struct {
	db         *gorm.DB
	staleAfter time.Duration
}

// NewRuleRepository creates a RuleRepository. staleAfter is the Frigate
// heartbeat staleness window.
func NewRuleRepository(db *gorm.DB, staleAfter time.Duration) RuleRepository {
	if staleAfter <= 0 {
		staleAfter = time.Minute
	}
	return &ruleRepository{db: db, staleAfter: staleAfter}
}

// AutoMigrate creates the schema for all latchpoint tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&entities.Rule{},
		&entities.RuleEntityRef{},
		&entities.Entity{},
		&entities.RuleRuntimeState{},
		&entities.RuleActionLog{},
		&entities.Detection{},
		&entities.AlarmStateRecord{},
		&entities.IntegrationHealth{},
	)
}

func (r *ruleRepository) ListRules(ctx context.Context) ([]entities.Rule, error) {
	var rules []entities.Rule
	err := r.db.WithContext(ctx).
		Order("priority DESC, id ASC").
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, nil
}

func (r *ruleRepository) ListEnabledRules(ctx context.Context) ([]entities.Rule, error) {
	var rules []entities.Rule
	err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("priority DESC, id ASC").
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled rules: %w", err)
	}
	return rules, nil
}

func (r *ruleRepository) GetRulesByIDs(ctx context.Context, ids []uint) ([]entities.Rule, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rules []entities.Rule
	err := r.db.WithContext(ctx).
		Where("id IN ? AND enabled = ?", ids, true).
		Order("priority DESC, id ASC").
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get rules by ids: %w", err)
	}
	return rules, nil
}

func (r *ruleRepository) GetRule(ctx context.Context, id uint) (*entities.Rule, error) {
	var rule entities.Rule
	if err := r.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to get rule %d: %w", id, err)
	}
	return &rule, nil
}

func (r *ruleRepository) SaveRule(ctx context.Context, rule *entities.Rule, entityIDs []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(rule).Error; err != nil {
			return fmt.Errorf("failed to save rule: %w", err)
		}
		if err := tx.Where("rule_id = ?", rule.ID).Delete(&entities.RuleEntityRef{}).Error; err != nil {
			return fmt.Errorf("failed to clear entity refs: %w", err)
		}
		refs := make([]entities.RuleEntityRef, 0, len(entityIDs))
		for _, id := range entityIDs {
			refs = append(refs, entities.RuleEntityRef{RuleID: rule.ID, EntityID: id})
		}
		if len(refs) > 0 {
			if err := tx.Create(&refs).Error; err != nil {
				return fmt.Errorf("failed to insert entity refs: %w", err)
			}
		}
		return nil
	})
}

func (r *ruleRepository) DeleteRule(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Delete(&entities.Rule{}, id)
		if result.Error != nil {
			return fmt.Errorf("failed to delete rule %d: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrRuleNotFound
		}
		if err := tx.Where("rule_id = ?", id).Delete(&entities.RuleEntityRef{}).Error; err != nil {
			return fmt.Errorf("failed to delete entity refs: %w", err)
		}
		if err := tx.Where("rule_id = ?", id).Delete(&entities.RuleRuntimeState{}).Error; err != nil {
			return fmt.Errorf("failed to delete runtime state: %w", err)
		}
		return nil
	})
}

func (r *ruleRepository) AllEntityRefs(ctx context.Context) ([]entities.RuleEntityRef, error) {
	var refs []entities.RuleEntityRef
	if err := r.db.WithContext(ctx).Find(&refs).Error; err != nil {
		return nil, fmt.Errorf("failed to list entity refs: %w", err)
	}
	return refs, nil
}

func (r *ruleRepository) EntityRefsForRules(ctx context.Context, ruleIDs []uint) ([]entities.RuleEntityRef, error) {
	if len(ruleIDs) == 0 {
		return nil, nil
	}
	var refs []entities.RuleEntityRef
	if err := r.db.WithContext(ctx).Where("rule_id IN ?", ruleIDs).Find(&refs).Error; err != nil {
		return nil, fmt.Errorf("failed to list entity refs for rules: %w", err)
	}
	return refs, nil
}

func (r *ruleRepository) RulesForEntityIDs(ctx context.Context, entityIDs []string) ([]entities.Rule, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	var rules []entities.Rule
	err := r.db.WithContext(ctx).
		Where("enabled = ? AND id IN (?)", true,
			r.db.Model(&entities.RuleEntityRef{}).Select("rule_id").Where("entity_id IN ?", entityIDs)).
		Order("priority DESC, id ASC").
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("failed to resolve rules for entities: %w", err)
	}
	return rules, nil
}

func (r *ruleRepository) EntityStateMap(ctx context.Context, entityIDs []string) (map[string]string, error) {
	query := r.db.WithContext(ctx).Model(&entities.Entity{})
	if len(entityIDs) > 0 {
		query = query.Where("entity_id IN ?", entityIDs)
	}
	var rows []entities.Entity
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load entity states: %w", err)
	}
	snap := make(map[string]string, len(rows))
	for i := range rows {
		if rows[i].LastState != nil {
			snap[rows[i].EntityID] = *rows[i].LastState
		}
	}
	return snap, nil
}

func (r *ruleRepository) UpsertEntityState(ctx context.Context, entityID, source string, state *string, at time.Time) error {
	row := entities.Entity{
		EntityID:    entityID,
		Source:      source,
		LastState:   state,
		LastChanged: at,
		LastSeen:    at,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"source", "last_state", "last_changed", "last_seen"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert entity %s: %w", entityID, err)
	}
	return nil
}

func (r *ruleRepository) EnsureRuntime(ctx context.Context, ruleID uint) (*entities.RuleRuntimeState, error) {
	var runtime entities.RuleRuntimeState
	err := r.db.WithContext(ctx).
		Where("rule_id = ? AND node_id = ?", ruleID, "when").
		First(&runtime).Error
	if err == nil {
		return &runtime, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load runtime for rule %d: %w", ruleID, err)
	}

	runtime = entities.RuleRuntimeState{RuleID: ruleID, NodeID: "when", Status: entities.RuntimeStatusOK}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&runtime).Error; err != nil {
		return nil, fmt.Errorf("failed to create runtime for rule %d: %w", ruleID, err)
	}
	// Re-read in case a concurrent insert won.
	if err := r.db.WithContext(ctx).Where("rule_id = ? AND node_id = ?", ruleID, "when").First(&runtime).Error; err != nil {
		return nil, fmt.Errorf("failed to reload runtime for rule %d: %w", ruleID, err)
	}
	return &runtime, nil
}

func (r *ruleRepository) GetRuntime(ctx context.Context, ruleID uint) (*entities.RuleRuntimeState, error) {
	var runtime entities.RuleRuntimeState
	err := r.db.WithContext(ctx).Where("rule_id = ? AND node_id = ?", ruleID, "when").First(&runtime).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get runtime for rule %d: %w", ruleID, err)
	}
	return &runtime, nil
}

func (r *ruleRepository) DueRuntimes(ctx context.Context, now time.Time) ([]entities.RuleRuntimeState, error) {
	var due []entities.RuleRuntimeState
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("scheduled_for IS NOT NULL AND scheduled_for <= ?", now).
		Order("scheduled_for ASC, rule_id ASC").
		Find(&due).Error
	if err != nil {
		return nil, fmt.Errorf("failed to select due runtimes: %w", err)
	}
	return due, nil
}

func (r *ruleRepository) UpdateRuntimeFields(ctx context.Context, ruleID uint, fields map[string]any) error {
	err := r.db.WithContext(ctx).
		Model(&entities.RuleRuntimeState{}).
		Where("rule_id = ? AND node_id = ?", ruleID, "when").
		Updates(fields).Error
	if err != nil {
		return fmt.Errorf("failed to update runtime for rule %d: %w", ruleID, err)
	}
	return nil
}

func (r *ruleRepository) ListSuspendedRuntimes(ctx context.Context) ([]entities.RuleRuntimeState, error) {
	var rows []entities.RuleRuntimeState
	err := r.db.WithContext(ctx).
		Where("error_suspended = ?", true).
		Order("rule_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list suspended runtimes: %w", err)
	}
	return rows, nil
}

func (r *ruleRepository) SaveActionLog(ctx context.Context, log *entities.RuleActionLog) error {
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("failed to save action log: %w", err)
	}
	return nil
}

func (r *ruleRepository) ListActionLogs(ctx context.Context, filter ActionLogFilter) ([]entities.RuleActionLog, int64, error) {
	var total int64
	countQuery := r.db.WithContext(ctx).Model(&entities.RuleActionLog{})
	if filter.RuleID > 0 {
		countQuery = countQuery.Where("rule_id = ?", filter.RuleID)
	}
	if err := countQuery.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count action logs: %w", err)
	}

	query := r.db.WithContext(ctx).Order("fired_at DESC")
	if filter.RuleID > 0 {
		query = query.Where("rule_id = ?", filter.RuleID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	var logs []entities.RuleActionLog
	if err := query.Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list action logs: %w", err)
	}
	return logs, total, nil
}

func (r *ruleRepository) GetAlarmState(ctx context.Context) (string, error) {
	var row entities.AlarmStateRecord
	err := r.db.WithContext(ctx).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read alarm state: %w", err)
	}
	return row.State, nil
}

func (r *ruleRepository) SetAlarmState(ctx context.Context, state string) error {
	row := entities.AlarmStateRecord{ID: 1, State: state}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to set alarm state: %w", err)
	}
	return nil
}

func (r *ruleRepository) ListFrigateDetections(ctx context.Context, label string, cameras []string, since time.Time) ([]entities.Detection, error) {
	query := r.db.WithContext(ctx).
		Where("label = ? AND observed_at >= ?", label, since)
	if len(cameras) > 0 {
		query = query.Where("camera IN ?", cameras)
	}
	var detections []entities.Detection
	if err := query.Order("observed_at ASC").Find(&detections).Error; err != nil {
		return nil, fmt.Errorf("failed to list detections: %w", err)
	}
	return detections, nil
}

// FrigateIsAvailable coerces any read failure to false so a broken health
// table reads as "unavailable" rather than an evaluation error.
func (r *ruleRepository) FrigateIsAvailable(ctx context.Context, now time.Time) bool {
	var row entities.IntegrationHealth
	err := r.db.WithContext(ctx).Where("name = ?", frigateHealthName).First(&row).Error
	if err != nil {
		return false
	}
	return now.Sub(row.LastSeenAt) <= r.staleAfter
}

func (r *ruleRepository) RecordFrigateHeartbeat(ctx context.Context, at time.Time) error {
	row := entities.IntegrationHealth{Name: frigateHealthName, LastSeenAt: at}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seen_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to record frigate heartbeat: %w", err)
	}
	return nil
}

func (r *ruleRepository) InsertDetection(ctx context.Context, d *entities.Detection) error {
	if err := r.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("failed to insert detection: %w", err)
	}
	return nil
}

func (r *ruleRepository) Transaction(ctx context.Context, fn func(RuleRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&ruleRepository{db: tx, staleAfter: r.staleAfter})
	})
}
