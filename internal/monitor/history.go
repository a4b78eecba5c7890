package monitor

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pysugar/gmb-autopost/internal/db/models"
	"github.com/pysugar/gmb-autopost/internal/util"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MaxMemoryAttempts limits the in-memory attempt cache
const MaxMemoryAttempts = 100

// History records posting attempts to the database and keeps the most
// recent ones in memory.
type History struct {
	db    *gorm.DB
	clock util.Clock
	log   *logrus.Logger

	recent   []models.PostAttempt
	recentMu sync.RWMutex

	total   atomic.Int64
	success atomic.Int64
	failure atomic.Int64
}

// NewHistory creates a History and loads counters from the database.
func NewHistory(db *gorm.DB, clock util.Clock, log *logrus.Logger) *History {
	if clock == nil {
		clock = util.SystemClock{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	h := &History{
		db:     db,
		clock:  clock,
		log:    log,
		recent: make([]models.PostAttempt, 0, MaxMemoryAttempts),
	}
	h.loadStats()
	h.loadRecent()
	return h
}

// Record stores one attempt. Missing IDs and timestamps are filled in.
func (h *History) Record(a models.PostAttempt) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Timestamp == 0 {
		a.Timestamp = h.clock.Now().UnixMilli()
	}

	h.total.Add(1)
	if a.Outcome == "success" {
		h.success.Add(1)
	} else {
		h.failure.Add(1)
	}

	h.recentMu.Lock()
	h.recent = append([]models.PostAttempt{a}, h.recent...)
	if len(h.recent) > MaxMemoryAttempts {
		h.recent = h.recent[:MaxMemoryAttempts]
	}
	h.recentMu.Unlock()

	if err := h.db.Create(&a).Error; err != nil {
		h.log.WithError(err).Warn("failed to save post attempt")
	}
}

// Recent returns up to limit attempts, newest first.
func (h *History) Recent(limit int) []models.PostAttempt {
	h.recentMu.RLock()
	defer h.recentMu.RUnlock()
	if limit <= 0 || limit > len(h.recent) {
		limit = len(h.recent)
	}
	out := make([]models.PostAttempt, limit)
	copy(out, h.recent[:limit])
	return out
}

// Page returns attempts from the database with pagination, newest first.
func (h *History) Page(page, pageSize int, outcome string) ([]models.PostAttempt, int64) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = MaxMemoryAttempts
	}

	var attempts []models.PostAttempt
	var total int64

	query := h.db.Model(&models.PostAttempt{})
	if outcome != "" {
		query = query.Where("outcome = ?", outcome)
	}
	query.Count(&total)

	offset := (page - 1) * pageSize
	if err := query.Order("timestamp DESC").Offset(offset).Limit(pageSize).Find(&attempts).Error; err != nil {
		h.log.WithError(err).Warn("failed to page post attempts")
		return nil, 0
	}
	return attempts, total
}

func (h *History) Stats() models.PostStats {
	return models.PostStats{
		TotalAttempts: h.total.Load(),
		SuccessCount:  h.success.Load(),
		FailureCount:  h.failure.Load(),
	}
}

// Clear removes every attempt from memory and the database.
func (h *History) Clear() error {
	h.recentMu.Lock()
	h.recent = h.recent[:0]
	h.recentMu.Unlock()

	h.total.Store(0)
	h.success.Store(0)
	h.failure.Store(0)

	if err := h.db.Where("1 = 1").Delete(&models.PostAttempt{}).Error; err != nil {
		h.log.WithError(err).Warn("failed to clear post attempts")
		return err
	}
	return nil
}

func (h *History) loadStats() {
	var total, success int64
	h.db.Model(&models.PostAttempt{}).Count(&total)
	h.db.Model(&models.PostAttempt{}).Where("outcome = ?", "success").Count(&success)

	h.total.Store(total)
	h.success.Store(success)
	h.failure.Store(total - success)
}

func (h *History) loadRecent() {
	var attempts []models.PostAttempt
	if err := h.db.Order("timestamp DESC").Limit(MaxMemoryAttempts).Find(&attempts).Error; err != nil {
		h.log.WithError(err).Warn("failed to load recent post attempts")
		return
	}
	h.recent = attempts
}
