package models

import "time"

// ScheduledEvent is a named recurring timer.
type ScheduledEvent struct {
	Hook     string    `gorm:"primaryKey;size:191" json:"hook"`
	NextRun  time.Time `json:"next_run"`
	Schedule string    `json:"schedule"` // weekly, biweekly, monthly
	// Retry marks a NextRun that was pulled in after a failed or manually reset attempt.
	Retry     bool      `json:"retry"`
	UpdatedAt time.Time `json:"updated_at"`
}
