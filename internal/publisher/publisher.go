// Package publisher sends composed posts to the shared business locations
// and records the outcome in the posting log.
package publisher

import (
	"context"
	"errors"
	"time"

	"github.com/pysugar/gmb-autopost/internal/composer"
	"github.com/pysugar/gmb-autopost/internal/db/models"
	"github.com/pysugar/gmb-autopost/internal/gmb"
	"github.com/pysugar/gmb-autopost/internal/logging"
	"github.com/pysugar/gmb-autopost/internal/monitor"
	"github.com/pysugar/gmb-autopost/internal/settings"
	"github.com/pysugar/gmb-autopost/internal/util"
	"github.com/sirupsen/logrus"
)

// Triggers label what started a posting cycle.
const (
	TriggerCron   = "cron"
	TriggerManual = "manual"
)

// Locations supplies the merged location preferences.
type Locations interface {
	SavedLocations(ctx context.Context) (map[string]settings.Location, error)
}

type TokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
}

// API is the subset of the GMB client used to publish.
type API interface {
	CreateLocalPost(ctx context.Context, token, location string, post gmb.LocalPost) (*gmb.PostResponse, error)
}

// Recorder stores posting attempts.
type Recorder interface {
	Record(a models.PostAttempt)
}

// RetryFunc pulls the next posting event in after a retryable failure.
type RetryFunc func(ctx context.Context) error

// Result is the structured outcome of one publish attempt.
type Result struct {
	// Kind is one of the gmb.Kind* values.
	Kind       string
	Message    string
	Location   string
	StatusCode int
	ListingID  *int64
	Retry      bool
	Err        error
}

func (r Result) OK() bool { return r.Err == nil }

// Publisher posts to the first shared location and interprets its answer.
type Publisher struct {
	api       API
	tokens    TokenSource
	locations Locations
	settings  *settings.Store
	language  string
	clock     util.Clock
	history   Recorder
	metrics   *monitor.Metrics
	retry     RetryFunc
	log       *logrus.Logger
}

// Options carries the optional collaborators of a Publisher.
type Options struct {
	Clock   util.Clock
	History Recorder
	Metrics *monitor.Metrics
	Log     *logrus.Logger
}

func New(api API, tokens TokenSource, locations Locations, store *settings.Store, languageCode string, opts Options) *Publisher {
	p := &Publisher{
		api:       api,
		tokens:    tokens,
		locations: locations,
		settings:  store,
		language:  languageCode,
		clock:     opts.Clock,
		history:   opts.History,
		metrics:   opts.Metrics,
		log:       opts.Log,
	}
	if p.clock == nil {
		p.clock = util.SystemClock{}
	}
	if p.log == nil {
		p.log = logrus.StandardLogger()
	}
	return p
}

// SetRetryHook installs the function called after retryable failures.
func (p *Publisher) SetRetryHook(fn RetryFunc) {
	p.retry = fn
}

// Publish validates post, sends it and records the outcome. It never
// returns an error; failures are carried in the Result.
func (p *Publisher) Publish(ctx context.Context, post composer.Post, trigger string) Result {
	res := p.publish(ctx, post)
	return p.finish(ctx, trigger, res)
}

// Fail records a cycle that failed before anything could be published,
// typically because the content could not be resolved.
func (p *Publisher) Fail(ctx context.Context, trigger string, listingID *int64, err error) Result {
	return p.finish(ctx, trigger, Result{ListingID: listingID, Err: err})
}

func (p *Publisher) publish(ctx context.Context, post composer.Post) Result {
	res := Result{ListingID: post.ListingID}

	prepared, err := composer.Prepare(post)
	if err != nil {
		res.Err = err
		return res
	}

	saved, err := p.locations.SavedLocations(ctx)
	if err != nil {
		res.Err = err
		return res
	}
	if len(saved) == 0 {
		res.Err = &gmb.NoRecipientsError{Msg: gmb.MsgNoLocations}
		return res
	}
	shared := settings.SharedKeys(saved)
	if len(shared) == 0 {
		res.Err = &gmb.NoRecipientsError{Msg: gmb.MsgNoLocationsSelected}
		return res
	}

	token, err := p.tokens.GetAccessToken(ctx)
	if err != nil {
		var ae *gmb.AuthError
		if !errors.As(err, &ae) {
			err = &gmb.AuthError{Err: err}
		}
		res.Err = err
		return res
	}

	body := gmb.NewLocalPost(p.language, prepared.Summary, prepared.PageURL, prepared.PhotoURL)

	// Only the first shared location is posted to; its answer decides the
	// outcome of the whole attempt.
	res.Location = shared[0]
	resp, err := p.api.CreateLocalPost(ctx, token, res.Location, body)
	if err != nil {
		var te *gmb.TransportError
		if !errors.As(err, &te) {
			err = &gmb.TransportError{Op: "create local post", Err: err}
		}
		res.Err = err
		return res
	}
	res.StatusCode = resp.StatusCode
	if resp.StatusCode != 200 {
		res.Err = &gmb.RemoteRejection{
			StatusCode: resp.StatusCode,
			Message:    resp.ErrorMessage,
			PostID:     post.ListingID,
		}
		return res
	}
	return res
}

func (p *Publisher) finish(ctx context.Context, trigger string, res Result) Result {
	log := logging.Entry(ctx, p.log).WithField("trigger", trigger)
	if res.ListingID != nil {
		log = log.WithField("listing_id", *res.ListingID)
	}
	if res.Location != "" {
		log = log.WithField("location", res.Location)
	}

	res.Kind = gmb.Kind(res.Err)
	res.Message = gmb.StatusMessage(res.Err)
	res.Retry = gmb.Retryable(res.Err)

	if res.Err == nil {
		now := p.clock.Now()
		if _, err := p.settings.Update(func(st *settings.Settings) error {
			if res.ListingID != nil {
				st.AddUsedPostID(*res.ListingID)
				st.RemoveScheduledPost(*res.ListingID)
			}
			st.PostingLogs.LastPostStatusMessage = res.Message
			st.PostingLogs.LastPostTimestamp = now.UTC().Format(time.RFC3339)
			return nil
		}); err != nil {
			log.WithError(err).Error("failed to update posting log")
		}
		log.Info("local post published")
	} else {
		if err := p.settings.SetStatus(res.Message); err != nil {
			log.WithError(err).Error("failed to update posting log")
		}
		log.WithError(res.Err).WithField("kind", res.Kind).Warn("local post failed")

		if res.Retry && p.retry != nil {
			if err := p.retry(ctx); err != nil {
				log.WithError(err).Error("failed to schedule retry")
			}
		}
	}

	p.metrics.ObservePost(trigger, res.Kind)
	if p.history != nil {
		p.history.Record(models.PostAttempt{
			RunID:      logging.GetRunID(ctx),
			Trigger:    trigger,
			ListingID:  res.ListingID,
			Location:   res.Location,
			StatusCode: res.StatusCode,
			Outcome:    res.Kind,
			Message:    res.Message,
		})
	}
	return res
}
