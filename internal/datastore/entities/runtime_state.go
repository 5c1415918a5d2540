package entities

import "time"

// Runtime status values.
const (
	RuntimeStatusOK             = "ok"
	RuntimeStatusScheduled      = "scheduled"
	RuntimeStatusBackoff        = "backoff"
	RuntimeStatusErrorSuspended = "error_suspended"
)

// MaxLastErrorLen bounds the persisted error text.
const MaxLastErrorLen = 500

// RuleRuntimeState tracks per-rule scheduling and health. One row per rule
// (NodeID is always "when" today; kept for future per-node scheduling).
// Auto-created on first evaluation.
type RuleRuntimeState struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	RuleID              uint       `gorm:"not null;uniqueIndex:idx_runtime_rule_node,priority:1" json:"rule_id"`
	NodeID              string     `gorm:"size:50;not null;default:'when';uniqueIndex:idx_runtime_rule_node,priority:2" json:"node_id"`
	ScheduledFor        *time.Time `gorm:"index" json:"scheduled_for"`
	BecameTrueAt        *time.Time `json:"became_true_at"`
	LastFiredAt         *time.Time `json:"last_fired_at"`
	ConsecutiveFailures int        `gorm:"not null;default:0" json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at"`
	LastError           string     `gorm:"size:500;default:''" json:"last_error"`
	NextAllowedAt       *time.Time `json:"next_allowed_at"`
	ErrorSuspended      bool       `gorm:"not null;default:false;index" json:"error_suspended"`
	Status              string     `gorm:"size:30;not null;default:'ok'" json:"status"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM.
func (RuleRuntimeState) TableName() string {
	return "rule_runtime_states"
}
