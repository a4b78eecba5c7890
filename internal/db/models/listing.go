package models

import "time"

const (
	ListingStatusPublish = "publish"
	ListingStatusDraft   = "draft"
	ListingStatusTrash   = "trash"
)

// Listing is one piece of postable content: a property listing page with an
// HTML body, a canonical URL and an optional featured image.
type Listing struct {
	ID               int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	PostType         string    `gorm:"index;default:'listing'" json:"post_type"`
	Status           string    `gorm:"index;default:'publish'" json:"status"`
	Title            string    `json:"title"`
	Content          string    `gorm:"type:text" json:"content"`
	Permalink        string    `json:"permalink"`
	ThumbnailURL     string    `json:"thumbnail_url,omitempty"`
	ThumbnailFullURL string    `json:"thumbnail_full_url,omitempty"`
	PublishedAt      time.Time `gorm:"index" json:"published_at"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
