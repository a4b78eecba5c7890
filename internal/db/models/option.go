package models

import "time"

// Option stores one named, JSON-encoded settings record.
type Option struct {
	Name      string    `gorm:"primaryKey;size:191"`
	Value     string    `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
