// Package entities defines the gorm models persisted by latchpoint.
package entities

import "time"

// Rule kinds classify what a rule does to the alarm.
const (
	RuleKindTrigger = "trigger"
	RuleKindArm     = "arm"
	RuleKindDisarm  = "disarm"
)

// Rule is a user-authored automation rule. Definition holds the JSON
// {when, then} document; it is parsed by the rules packages, never here.
type Rule struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Name            string    `gorm:"size:255;not null" json:"name"`
	Kind            string    `gorm:"size:20;not null;default:'trigger'" json:"kind"`
	Enabled         bool      `gorm:"not null;index" json:"enabled"`
	Priority        int       `gorm:"not null;default:0;index" json:"priority"`
	CooldownSeconds int       `gorm:"not null;default:0" json:"cooldown_seconds"`
	Definition      string    `gorm:"type:text;not null" json:"definition"`
	SchemaVersion   int       `gorm:"not null;default:1" json:"schema_version"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM.
func (Rule) TableName() string {
	return "rules"
}

// RuleEntityRef is one row of the persisted reverse index: rule R references
// entity E somewhere in its condition tree. Rebuilt on every rule save.
type RuleEntityRef struct {
	ID       uint   `gorm:"primaryKey"`
	RuleID   uint   `gorm:"not null;index;uniqueIndex:idx_rule_entity_ref,priority:1"`
	EntityID string `gorm:"size:255;not null;index;uniqueIndex:idx_rule_entity_ref,priority:2"`
}

// TableName returns the table name for GORM.
func (RuleEntityRef) TableName() string {
	return "rule_entity_refs"
}
