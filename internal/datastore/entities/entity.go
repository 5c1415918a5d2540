package entities

import "time"

// Entity sources identify which integration tracks an entity.
const (
	SourceHomeAssistant = "home_assistant"
	SourceZigbee2MQTT   = "zigbee2mqtt"
	SourceZWaveJS       = "zwavejs"
	SourceAlarmState    = "alarm_state"
	SourceMixed         = "mixed"
)

// Entity is the latest known value of an externally-tracked sensor.
// Created by integration sync jobs and updated on every state change.
type Entity struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	EntityID    string    `gorm:"size:255;not null;uniqueIndex" json:"entity_id"`
	Source      string    `gorm:"size:30;not null;index" json:"source"`
	LastState   *string   `gorm:"size:255" json:"last_state"`
	LastChanged time.Time `gorm:"not null" json:"last_changed"`
	LastSeen    time.Time `gorm:"not null" json:"last_seen"`
	Attributes  string    `gorm:"type:text;default:'{}'" json:"attributes"`
}

// TableName returns the table name for GORM.
func (Entity) TableName() string {
	return "entities"
}
