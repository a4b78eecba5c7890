package models

// PostAttempt stores one local-post attempt for the history view
type PostAttempt struct {
	ID         string `gorm:"primaryKey" json:"id"`
	RunID      string `gorm:"index" json:"run_id"`
	Timestamp  int64  `gorm:"index" json:"timestamp"`
	Trigger    string `json:"trigger"` // cron, manual
	ListingID  *int64 `json:"listing_id,omitempty"`
	Location   string `json:"location,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Outcome    string `gorm:"index" json:"outcome"`
	Message    string `json:"message"`
}

// PostStats holds aggregated counts over the attempt history
type PostStats struct {
	TotalAttempts int64 `json:"total_attempts"`
	SuccessCount  int64 `json:"success_count"`
	FailureCount  int64 `json:"failure_count"`
}
