package models

import "time"

// Transient is a cache entry that reads as absent once ExpiresAt has passed.
type Transient struct {
	Name      string    `gorm:"primaryKey;size:191"`
	Value     string    `gorm:"type:text"`
	ExpiresAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}
