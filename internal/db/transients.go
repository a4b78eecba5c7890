package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pysugar/gmb-autopost/internal/db/models"
	"github.com/pysugar/gmb-autopost/internal/util"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TransientStore is a TTL cache backed by the transients table. Expired rows
// read as missing and are removed lazily.
type TransientStore struct {
	db    *gorm.DB
	clock util.Clock
}

func NewTransientStore(db *gorm.DB, clock util.Clock) *TransientStore {
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &TransientStore{db: db, clock: clock}
}

// Get decodes a live entry into out, or returns ErrNotFound.
func (s *TransientStore) Get(name string, out any) error {
	var tr models.Transient
	if err := s.db.Where("name = ?", name).First(&tr).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("load transient %s: %w", name, err)
	}
	if !s.clock.Now().Before(tr.ExpiresAt) {
		s.db.Where("name = ?", name).Delete(&models.Transient{})
		return ErrNotFound
	}
	if err := json.Unmarshal([]byte(tr.Value), out); err != nil {
		return fmt.Errorf("decode transient %s: %w", name, err)
	}
	return nil
}

// Set stores value for ttl.
func (s *TransientStore) Set(name string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode transient %s: %w", name, err)
	}
	tr := models.Transient{
		Name:      name,
		Value:     string(data),
		ExpiresAt: s.clock.Now().Add(ttl),
	}
	err = s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
	}).Create(&tr).Error
	if err != nil {
		return fmt.Errorf("save transient %s: %w", name, err)
	}
	return nil
}

func (s *TransientStore) Delete(name string) error {
	if err := s.db.Where("name = ?", name).Delete(&models.Transient{}).Error; err != nil {
		return fmt.Errorf("delete transient %s: %w", name, err)
	}
	return nil
}
