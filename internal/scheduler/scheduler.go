// Package scheduler owns the recurring posting event and runs posting cycles.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/gmb-autopost/internal/composer"
	"github.com/pysugar/gmb-autopost/internal/db"
	"github.com/pysugar/gmb-autopost/internal/db/models"
	"github.com/pysugar/gmb-autopost/internal/logging"
	"github.com/pysugar/gmb-autopost/internal/monitor"
	"github.com/pysugar/gmb-autopost/internal/publisher"
	"github.com/pysugar/gmb-autopost/internal/settings"
	"github.com/pysugar/gmb-autopost/internal/util"
	"github.com/sirupsen/logrus"
)

// Hook names the single recurring posting event.
const Hook = "wp_listings_gmb_auto_post"

const (
	// FirstRunDelay is how long after first authentication the first post fires.
	FirstRunDelay = 12 * time.Hour
	// RetryDelay pulls the next post in after a failed or manually reset attempt.
	RetryDelay = 12 * time.Hour

	DefaultPollInterval = time.Minute
)

// State of the posting event.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateUnscheduled     State = "unscheduled"
	StateScheduled       State = "scheduled"
	StateRetryScheduled  State = "retry_scheduled"
)

// Outcome of one tick.
type Outcome string

const (
	OutcomePostedFromQueue    Outcome = "posted_from_queue"
	OutcomePostedFromListing  Outcome = "posted_from_listing"
	OutcomePostedFromDefaults Outcome = "posted_from_defaults"
	OutcomeSkipped            Outcome = "skipped"
	OutcomeFailed             Outcome = "failed"
)

// TickResult describes what a tick did.
type TickResult struct {
	RunID   string
	Outcome Outcome
	Source  string
	// Publish is nil when the tick skipped.
	Publish *publisher.Result
}

// Composer resolves post content.
type Composer interface {
	Resolve(ctx context.Context, src composer.Source) (*composer.Post, error)
	PickNextCandidate(ctx context.Context) (composer.Source, error)
}

// Publisher sends posts and records failures that happen before sending.
type Publisher interface {
	Publish(ctx context.Context, post composer.Post, trigger string) publisher.Result
	Fail(ctx context.Context, trigger string, listingID *int64, err error) publisher.Result
}

// Listings reports the publication status of queued listings.
type Listings interface {
	Status(id int64) string
}

type Config struct {
	Events    *db.EventStore
	Settings  *settings.Store
	Composer  Composer
	Publisher Publisher
	Listings  Listings
	Clock     util.Clock
	Metrics   *monitor.Metrics
	Log       *logrus.Logger
	// PollInterval is how often Run checks whether the event is due.
	PollInterval time.Duration
}

type Scheduler struct {
	events    *db.EventStore
	settings  *settings.Store
	composer  Composer
	publisher Publisher
	listings  Listings
	clock     util.Clock
	metrics   *monitor.Metrics
	log       *logrus.Logger
	poll      time.Duration

	// mu guards the event row; cycle serializes posting cycles.
	mu    sync.Mutex
	cycle sync.Mutex
}

func New(cfg Config) *Scheduler {
	s := &Scheduler{
		events:    cfg.Events,
		settings:  cfg.Settings,
		composer:  cfg.Composer,
		publisher: cfg.Publisher,
		listings:  cfg.Listings,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		log:       cfg.Log,
		poll:      cfg.PollInterval,
	}
	if s.clock == nil {
		s.clock = util.SystemClock{}
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.poll <= 0 {
		s.poll = DefaultPollInterval
	}
	return s
}

// Next returns the next occurrence of schedule after from. Monthly is one
// calendar month.
func Next(schedule string, from time.Time) (time.Time, bool) {
	switch schedule {
	case settings.FrequencyWeekly:
		return from.Add(7 * 24 * time.Hour), true
	case settings.FrequencyBiweekly:
		return from.Add(14 * 24 * time.Hour), true
	case settings.FrequencyMonthly:
		return from.AddDate(0, 1, 0), true
	}
	return time.Time{}, false
}

// Event returns the posting event, or nil when none is scheduled.
func (s *Scheduler) Event() (*models.ScheduledEvent, error) {
	ev, err := s.events.Get(Hook)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	return ev, err
}

// Arm creates the event FirstRunDelay from now with a weekly interval
// unless one exists already.
func (s *Scheduler) Arm(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, err := s.Event()
	if err != nil {
		return err
	}
	if ev != nil {
		return nil
	}
	return s.put(ctx, &models.ScheduledEvent{
		Hook:     Hook,
		NextRun:  s.clock.Now().Add(FirstRunDelay),
		Schedule: settings.FrequencyWeekly,
	})
}

// UpdateInterval switches the event to freq, keeping its next fire time.
// Without an event it is armed one week from now with freq; an unknown
// interval arms it one week from now with the weekly interval.
func (s *Scheduler) UpdateInterval(ctx context.Context, freq string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, err := s.Event()
	if err != nil {
		return err
	}
	if ev != nil && ev.Schedule == freq {
		return nil
	}

	weekFromNow := &models.ScheduledEvent{
		Hook:     Hook,
		NextRun:  s.clock.Now().Add(7 * 24 * time.Hour),
		Schedule: settings.FrequencyWeekly,
	}
	if !settings.ValidFrequency(freq) {
		return s.put(ctx, weekFromNow)
	}
	if ev == nil {
		weekFromNow.Schedule = freq
		return s.put(ctx, weekFromNow)
	}
	ev.Schedule = freq
	return s.put(ctx, ev)
}

// Reset reschedules the event: RetryDelay from now when retry is set,
// otherwise one full interval from now. The configured posting frequency
// becomes the event's interval.
func (s *Scheduler) Reset(ctx context.Context, retry bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.settings.Load()
	if err != nil {
		return err
	}
	freq := st.PostingSettings.PostingFrequency
	now := s.clock.Now()

	ev := &models.ScheduledEvent{Hook: Hook, Schedule: freq, Retry: retry}
	if retry {
		ev.NextRun = now.Add(RetryDelay)
	} else {
		next, ok := Next(freq, now)
		if !ok {
			return fmt.Errorf("unknown posting frequency %q", freq)
		}
		ev.NextRun = next
	}
	return s.put(ctx, ev)
}

// Retry is the publisher's retry hook.
func (s *Scheduler) Retry(ctx context.Context) error {
	return s.Reset(ctx, true)
}

// Clear removes the event.
func (s *Scheduler) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.events.Delete(Hook); err != nil {
		return err
	}
	s.metrics.SetNextPost(time.Time{})
	logging.Entry(ctx, s.log).Info("posting event cleared")
	return nil
}

func (s *Scheduler) put(ctx context.Context, ev *models.ScheduledEvent) error {
	if err := s.events.Put(ev); err != nil {
		return err
	}
	s.metrics.SetNextPost(ev.NextRun)
	logging.Entry(ctx, s.log).WithFields(logrus.Fields{
		"next_run": ev.NextRun.Format(time.RFC3339),
		"schedule": ev.Schedule,
		"retry":    ev.Retry,
	}).Info("posting event scheduled")
	return nil
}

// State reports the scheduler state derived from the stored tokens and event.
func (s *Scheduler) State() State {
	st, err := s.settings.Load()
	if err != nil || !st.Authenticated() {
		return StateUnauthenticated
	}
	ev, err := s.Event()
	switch {
	case err != nil || ev == nil:
		return StateUnscheduled
	case ev.Retry:
		return StateRetryScheduled
	default:
		return StateScheduled
	}
}

// NextPostTime renders the next fire time like "Monday, January 2", or
// "Unscheduled".
func (s *Scheduler) NextPostTime() string {
	ev, err := s.Event()
	if err != nil || ev == nil {
		return "Unscheduled"
	}
	return ev.NextRun.In(s.clock.Now().Location()).Format("Monday, January 2")
}

// PostNow reschedules the event one interval out and runs a tick at once.
func (s *Scheduler) PostNow(ctx context.Context) (TickResult, error) {
	if err := s.Reset(ctx, false); err != nil {
		return TickResult{}, err
	}
	return s.Tick(ctx, publisher.TriggerManual), nil
}

// Tick runs one posting cycle: the head of the scheduled queue when it is
// still a live listing, otherwise the automatic candidate when enabled.
func (s *Scheduler) Tick(ctx context.Context, trigger string) TickResult {
	s.cycle.Lock()
	defer s.cycle.Unlock()

	res := TickResult{RunID: uuid.New().String()}
	ctx = logging.WithRunID(ctx, res.RunID)
	log := logging.Entry(ctx, s.log).WithField("trigger", trigger)

	defer func() {
		s.metrics.ObserveTick(trigger, string(res.Outcome))
		log.WithFields(logrus.Fields{
			"outcome": res.Outcome,
			"source":  res.Source,
		}).Info("posting cycle finished")
	}()

	if err := s.settings.SetStatus(""); err != nil {
		log.WithError(err).Error("failed to clear status message")
	}

	st, err := s.settings.Load()
	if err != nil {
		log.WithError(err).Error("failed to load settings")
		res.Outcome = OutcomeFailed
		return res
	}

	var src composer.Source
	if head, ok := st.QueueHead(); ok && s.live(head) {
		src = composer.ForListing(head)
		res.Outcome = OutcomePostedFromQueue
	} else if st.PostingSettings.EmptyScheduleAutoPost {
		src, err = s.composer.PickNextCandidate(ctx)
		if err != nil {
			log.WithError(err).Error("failed to pick next listing")
			res.Outcome = OutcomeFailed
			return res
		}
		res.Outcome = OutcomePostedFromListing
		if src.IsDefaults() {
			res.Outcome = OutcomePostedFromDefaults
		}
	} else {
		res.Outcome = OutcomeSkipped
		return res
	}
	res.Source = src.String()

	var pub publisher.Result
	post, err := s.composer.Resolve(ctx, src)
	if err != nil {
		var listingID *int64
		if id, ok := src.ListingID(); ok {
			listingID = &id
		}
		pub = s.publisher.Fail(ctx, trigger, listingID, err)
	} else {
		pub = s.publisher.Publish(ctx, *post, trigger)
	}
	res.Publish = &pub
	if !pub.OK() {
		res.Outcome = OutcomeFailed
	}
	return res
}

func (s *Scheduler) live(id int64) bool {
	status := s.listings.Status(id)
	return status != "" && status != models.ListingStatusTrash
}

// Run fires the event whenever it is due until ctx is cancelled. A due
// event is moved to its next occurrence before the cycle runs.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	s.log.WithField("poll_interval", s.poll.String()).Info("scheduler started")
	s.RunDue(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunDue(ctx)
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		}
	}
}

// RunDue fires the event once if it is due. It reports whether a tick ran.
func (s *Scheduler) RunDue(ctx context.Context) bool {
	if !s.advanceDue(ctx) {
		return false
	}
	s.Tick(ctx, publisher.TriggerCron)
	return true
}

func (s *Scheduler) advanceDue(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, err := s.Event()
	if err != nil {
		s.log.WithError(err).Error("failed to load posting event")
		return false
	}
	now := s.clock.Now()
	if ev == nil || now.Before(ev.NextRun) {
		return false
	}

	// Missed occurrences collapse into a single run.
	next := nextOrWeekly(ev.Schedule, ev.NextRun)
	for !next.After(now) {
		next = nextOrWeekly(ev.Schedule, next)
	}
	ev.NextRun = next
	ev.Retry = false
	if err := s.put(ctx, ev); err != nil {
		s.log.WithError(err).Error("failed to reschedule posting event")
		return false
	}
	return true
}

func nextOrWeekly(schedule string, from time.Time) time.Time {
	if next, ok := Next(schedule, from); ok {
		return next
	}
	next, _ := Next(settings.FrequencyWeekly, from)
	return next
}
