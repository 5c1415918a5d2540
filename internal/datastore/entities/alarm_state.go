package entities

import "time"

// AlarmStateRecord stores the current alarm panel state as a single row.
type AlarmStateRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	State     string    `gorm:"size:30;not null" json:"state"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM.
func (AlarmStateRecord) TableName() string {
	return "alarm_state"
}

// IntegrationHealth tracks liveness heartbeats for external integrations
// (e.g., the Frigate adapter). Availability checks compare LastSeenAt
// against a staleness window.
type IntegrationHealth struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Name       string    `gorm:"size:50;not null;uniqueIndex" json:"name"`
	LastSeenAt time.Time `gorm:"not null" json:"last_seen_at"`
}

// TableName returns the table name for GORM.
func (IntegrationHealth) TableName() string {
	return "integration_health"
}
