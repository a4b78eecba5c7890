package db

import (
	"errors"
	"fmt"

	"github.com/pysugar/gmb-autopost/internal/db/models"
	"gorm.io/gorm"
)

// EventStore persists named recurring timers.
type EventStore struct {
	db *gorm.DB
}

func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db}
}

// Get returns the event for hook, or ErrNotFound.
func (s *EventStore) Get(hook string) (*models.ScheduledEvent, error) {
	var ev models.ScheduledEvent
	if err := s.db.Where("hook = ?", hook).First(&ev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load event %s: %w", hook, err)
	}
	return &ev, nil
}

// Put replaces the event stored under ev.Hook.
func (s *EventStore) Put(ev *models.ScheduledEvent) error {
	if err := s.db.Save(ev).Error; err != nil {
		return fmt.Errorf("save event %s: %w", ev.Hook, err)
	}
	return nil
}

func (s *EventStore) Delete(hook string) error {
	if err := s.db.Where("hook = ?", hook).Delete(&models.ScheduledEvent{}).Error; err != nil {
		return fmt.Errorf("delete event %s: %w", hook, err)
	}
	return nil
}
