package settings

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pysugar/gmb-autopost/internal/db"
)

// Store serializes all read-modify-write access to the settings record.
type Store struct {
	mu      sync.Mutex
	options *db.OptionStore
}

func NewStore(options *db.OptionStore) *Store {
	return &Store{options: options}
}

// Load returns the stored record with missing keys filled from Defaults.
func (s *Store) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (Settings, error) {
	st := Defaults()
	if err := s.options.Get(OptionName, &st); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return Defaults(), nil
		}
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	st.normalize()
	return st, nil
}

// Update loads the record, applies fn and saves the result in one critical
// section. Nothing is written when fn returns an error or ErrNoChange.
func (s *Store) Update(fn func(*Settings) error) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return Settings{}, err
	}
	if err := fn(&st); err != nil {
		if errors.Is(err, ErrNoChange) {
			return st, nil
		}
		return st, err
	}
	st.normalize()
	if err := s.options.Set(OptionName, st); err != nil {
		return st, err
	}
	return st, nil
}

// ErrNoChange can be returned from an Update callback to skip the write.
var ErrNoChange = errors.New("settings: no change")

// SetStatus records the last post status message.
func (s *Store) SetStatus(msg string) error {
	_, err := s.Update(func(st *Settings) error {
		st.PostingLogs.LastPostStatusMessage = msg
		return nil
	})
	return err
}

// Reset deletes the record; the next Load returns Defaults.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.options.Delete(OptionName)
}
