package entities

import "time"

// Trace sources distinguish what drove an evaluation.
const (
	TraceSourceImmediate = "immediate"
	TraceSourceTimer     = "timer"
)

// RuleActionLog is the immutable audit row written once per successful
// evaluation pass of a rule. Actions and Result are JSON documents; Result
// captures {alarm_state_before, alarm_state_after, actions, errors,
// timestamp} from the action executor.
type RuleActionLog struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	RuleID      uint      `gorm:"not null;index:idx_action_log_rule_fired,priority:1" json:"rule_id"`
	FiredAt     time.Time `gorm:"not null;index:idx_action_log_rule_fired,priority:2" json:"fired_at"`
	Kind        string    `gorm:"size:20;not null" json:"kind"`
	Actions     string    `gorm:"type:text;default:'[]'" json:"actions"`
	Result      string    `gorm:"type:text;default:'{}'" json:"result"`
	TraceSource string    `gorm:"size:20;not null" json:"trace_source"`
	Error       string    `gorm:"type:text;default:''" json:"error"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for GORM.
func (RuleActionLog) TableName() string {
	return "rule_action_logs"
}
