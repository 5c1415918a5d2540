package entities

import (
	"encoding/json"
	"time"
)

// Detection is a snapshot of a vision-system person detection, produced by
// the Frigate adapter and consulted read-only by the condition evaluator.
type Detection struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Provider      string    `gorm:"size:50;not null;default:'frigate'" json:"provider"`
	EventID       string    `gorm:"size:100;not null;index" json:"event_id"`
	Label         string    `gorm:"size:50;not null;index" json:"label"`
	Camera        string    `gorm:"size:100;not null;index" json:"camera"`
	Zones         string    `gorm:"type:text;default:'[]'" json:"zones"`
	ConfidencePct float64   `gorm:"not null" json:"confidence_pct"`
	ObservedAt    time.Time `gorm:"not null;index" json:"observed_at"`
}

// TableName returns the table name for GORM.
func (Detection) TableName() string {
	return "detections"
}

// ZoneList decodes the JSON zones column. A malformed column decodes to nil
// so evaluation degrades to "no zones" instead of failing.
func (d *Detection) ZoneList() []string {
	var zones []string
	if err := json.Unmarshal([]byte(d.Zones), &zones); err != nil {
		return nil
	}
	return zones
}
