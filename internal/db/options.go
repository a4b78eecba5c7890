package db

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pysugar/gmb-autopost/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a named option or transient does not exist.
var ErrNotFound = errors.New("not found")

// OptionStore persists named JSON documents.
type OptionStore struct {
	db *gorm.DB
}

func NewOptionStore(db *gorm.DB) *OptionStore {
	return &OptionStore{db: db}
}

// Get decodes the option into out. Returns ErrNotFound if it was never saved.
func (s *OptionStore) Get(name string, out any) error {
	var opt models.Option
	if err := s.db.Where("name = ?", name).First(&opt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("load option %s: %w", name, err)
	}
	if err := json.Unmarshal([]byte(opt.Value), out); err != nil {
		return fmt.Errorf("decode option %s: %w", name, err)
	}
	return nil
}

// Set encodes value and upserts it under name.
func (s *OptionStore) Set(name string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode option %s: %w", name, err)
	}
	opt := models.Option{Name: name, Value: string(data)}
	err = s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&opt).Error
	if err != nil {
		return fmt.Errorf("save option %s: %w", name, err)
	}
	return nil
}

// Delete removes the option. Deleting a missing option is not an error.
func (s *OptionStore) Delete(name string) error {
	if err := s.db.Where("name = ?", name).Delete(&models.Option{}).Error; err != nil {
		return fmt.Errorf("delete option %s: %w", name, err)
	}
	return nil
}
