// Package content stores the listing pages that local posts are built from.
package content

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pysugar/gmb-autopost/internal/db/models"
	"github.com/pysugar/gmb-autopost/internal/util"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned for unknown listing IDs.
var ErrNotFound = errors.New("listing not found")

type Repository struct {
	db    *gorm.DB
	clock util.Clock
}

func NewRepository(db *gorm.DB, clock util.Clock) *Repository {
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &Repository{db: db, clock: clock}
}

func (r *Repository) Get(id int64) (*models.Listing, error) {
	var l models.Listing
	if err := r.db.First(&l, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load listing %d: %w", id, err)
	}
	return &l, nil
}

// Status returns the listing's publication status, or "" when it does not exist.
func (r *Repository) Status(id int64) string {
	l, err := r.Get(id)
	if err != nil {
		return ""
	}
	return l.Status
}

// Recent returns up to n published listings of postType, newest first.
func (r *Repository) Recent(postType string, n int) ([]models.Listing, error) {
	var out []models.Listing
	err := r.db.
		Where("post_type = ? AND status = ?", postType, models.ListingStatusPublish).
		Order("published_at DESC").Order("id DESC").
		Limit(n).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("recent listings: %w", err)
	}
	return out, nil
}

// List pages through listings, optionally filtered by status.
func (r *Repository) List(postType, status string, limit, offset int) ([]models.Listing, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	query := r.db.Model(&models.Listing{})
	if postType != "" {
		query = query.Where("post_type = ?", postType)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count listings: %w", err)
	}
	var out []models.Listing
	if err := query.Order("published_at DESC").Order("id DESC").Offset(offset).Limit(limit).Find(&out).Error; err != nil {
		return nil, 0, fmt.Errorf("list listings: %w", err)
	}
	return out, total, nil
}

// Upsert creates or replaces a listing. Published listings without a
// publication time get the current time.
func (r *Repository) Upsert(l *models.Listing) error {
	if l.ID <= 0 {
		return fmt.Errorf("listing id must be positive")
	}
	l.Status = strings.TrimSpace(l.Status)
	if l.Status == "" {
		l.Status = models.ListingStatusPublish
	}
	if l.Status == models.ListingStatusPublish && l.PublishedAt.IsZero() {
		l.PublishedAt = r.clock.Now()
	}
	err := r.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(l).Error
	if err != nil {
		return fmt.Errorf("save listing %d: %w", l.ID, err)
	}
	return nil
}

func (r *Repository) Delete(id int64) error {
	res := r.db.Delete(&models.Listing{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete listing %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ThumbnailURL prefers the full-size image.
func ThumbnailURL(l *models.Listing) string {
	if l.ThumbnailFullURL != "" {
		return l.ThumbnailFullURL
	}
	return l.ThumbnailURL
}
