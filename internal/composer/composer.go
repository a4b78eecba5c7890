// Package composer turns a listing, the scheduled queue or the saved
// defaults into a validated local post.
package composer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/pysugar/gmb-autopost/internal/content"
	"github.com/pysugar/gmb-autopost/internal/db/models"
	"github.com/pysugar/gmb-autopost/internal/gmb"
	"github.com/pysugar/gmb-autopost/internal/settings"
	"github.com/pysugar/gmb-autopost/internal/util"
	"github.com/sirupsen/logrus"
)

// RecentLimit is how many recent listings the candidate flow considers.
const RecentLimit = 50

type sourceKind int

const (
	sourceListing sourceKind = iota
	sourceQueue
	sourceDefaults
)

// Source selects where post content comes from.
type Source struct {
	kind sourceKind
	id   int64
}

func ForListing(id int64) Source { return Source{kind: sourceListing, id: id} }
func NextInQueue() Source        { return Source{kind: sourceQueue} }
func DefaultsOnly() Source       { return Source{kind: sourceDefaults} }

// ListingID returns the listing a source refers to, if any.
func (s Source) ListingID() (int64, bool) {
	return s.id, s.kind == sourceListing
}

func (s Source) IsDefaults() bool { return s.kind == sourceDefaults }

func (s Source) String() string {
	switch s.kind {
	case sourceListing:
		return fmt.Sprintf("listing %d", s.id)
	case sourceQueue:
		return "next in queue"
	default:
		return "defaults"
	}
}

// Post is resolved content ready for publishing.
type Post struct {
	Summary  string
	PhotoURL string
	PageURL  string
	// ListingID is set when the post was built from a listing.
	ListingID *int64
}

// Listings is the content lookup the composer needs.
type Listings interface {
	Get(id int64) (*models.Listing, error)
	Recent(postType string, n int) ([]models.Listing, error)
}

type Composer struct {
	settings *settings.Store
	listings Listings
	prober   ImageProber
	postType string
	log      *logrus.Logger
}

func New(store *settings.Store, listings Listings, prober ImageProber, postType string, log *logrus.Logger) *Composer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Composer{settings: store, listings: listings, prober: prober, postType: postType, log: log}
}

// Resolve builds the post for src. The result is not yet validated; see Prepare.
func (c *Composer) Resolve(ctx context.Context, src Source) (*Post, error) {
	st, err := c.settings.Load()
	if err != nil {
		return nil, err
	}
	defaults := st.PostingDefaults

	switch src.kind {
	case sourceDefaults:
		return &Post{
			Summary:  defaults.DefaultSummary,
			PhotoURL: defaults.DefaultPhoto,
			PageURL:  defaults.DefaultLink,
		}, nil
	case sourceQueue:
		head, ok := st.QueueHead()
		if !ok {
			return nil, &gmb.ValidationError{Msg: gmb.MsgListingNotFound}
		}
		src = ForListing(head)
	}

	listing, err := c.listings.Get(src.id)
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			return nil, &gmb.ValidationError{Msg: gmb.MsgListingNotFound}
		}
		return nil, err
	}

	post := &Post{ListingID: &listing.ID}
	if defaults.DefaultSummaryOverride {
		post.Summary = defaults.DefaultSummary
	} else {
		post.Summary = listing.Content
	}
	if defaults.DefaultLinkOverride {
		post.PageURL = defaults.DefaultLink
	} else {
		post.PageURL = listing.Permalink
	}

	if defaults.DefaultPhotoOverride {
		post.PhotoURL = defaults.DefaultPhoto
	} else if thumb := content.ThumbnailURL(listing); thumb != "" {
		if c.acceptThumbnail(ctx, thumb) {
			post.PhotoURL = thumb
		}
	}
	if post.PhotoURL == "" {
		post.PhotoURL = defaults.DefaultPhoto
	}
	return post, nil
}

func (c *Composer) acceptThumbnail(ctx context.Context, thumb string) bool {
	if c.prober == nil {
		return false
	}
	info, err := c.prober.Probe(ctx, thumb)
	entry := c.log.WithField("url", thumb)
	if err != nil {
		entry.WithError(err).Debug("thumbnail probe failed")
		return false
	}
	if !info.Acceptable() {
		entry.WithFields(logrus.Fields{
			"width":  info.Width,
			"height": info.Height,
			"bytes":  info.Bytes,
		}).Debug("thumbnail outside photo limits")
		return false
	}
	return true
}

// PickNextCandidate chooses content for an automatic post: the newest
// recent listing that was neither used nor excluded. When every eligible
// listing was used the used log is cleared and the newest is returned.
// With no eligible listing at all the defaults are used.
func (c *Composer) PickNextCandidate(ctx context.Context) (Source, error) {
	st, err := c.settings.Load()
	if err != nil {
		return Source{}, err
	}
	recent, err := c.listings.Recent(c.postType, RecentLimit)
	if err != nil {
		return Source{}, err
	}

	eligible := recent[:0:0]
	for _, l := range recent {
		if !st.IsExcluded(l.ID) {
			eligible = append(eligible, l)
		}
	}
	if len(eligible) == 0 {
		return DefaultsOnly(), nil
	}

	for _, l := range eligible {
		if !st.IsUsed(l.ID) {
			return ForListing(l.ID), nil
		}
	}

	if _, err := c.settings.Update(func(st *settings.Settings) error {
		st.ClearUsedPostIDs()
		return nil
	}); err != nil {
		return Source{}, err
	}
	c.log.WithField("listings", len(eligible)).Info("all recent listings shared, starting over")
	return ForListing(eligible[0].ID), nil
}

// Prepare strips and truncates the summary and checks that every field is
// usable. Incomplete posts fail with a *gmb.ValidationError.
func Prepare(p Post) (Post, error) {
	p.Summary = Summarize(p.Summary)
	p.PhotoURL = validURL(p.PhotoURL)
	p.PageURL = validURL(p.PageURL)
	if p.Summary == "" || p.PhotoURL == "" || p.PageURL == "" {
		return p, &gmb.ValidationError{Msg: gmb.MsgValidationFailed}
	}
	return p, nil
}

// validURL returns raw if it is an absolute http(s) URL with a host, else "".
func validURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return raw
}

func truncate(s string) string {
	return util.TruncateRunes(s, MaxSummaryLength)
}
