package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pysugar/gmb-autopost/internal/db"
	"github.com/pysugar/gmb-autopost/internal/gmb"
	"github.com/pysugar/gmb-autopost/internal/monitor"
	"github.com/pysugar/gmb-autopost/internal/settings"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	// AuthCacheName is the transient holding the current access token.
	AuthCacheName = "wp_listings_google_my_business_auth_cache"
	// AccessTokenTTL is how long an access token is served from cache.
	AccessTokenTTL = 45 * time.Minute
)

var errNoRefreshToken = errors.New("no refresh token stored")

// Token is the result of a refresh. RefreshToken is set only when the
// issuer rotated it.
type Token struct {
	AccessToken  string
	RefreshToken string
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
}

// Manager hands out access tokens, refreshing through a Refresher when the
// cached one has expired.
type Manager struct {
	settings  *settings.Store
	cache     *db.TransientStore
	refresher Refresher
	metrics   *monitor.Metrics
	log       *logrus.Logger
	group     singleflight.Group
}

// NewManager creates a new token manager. metrics may be nil.
func NewManager(store *settings.Store, cache *db.TransientStore, refresher Refresher, metrics *monitor.Metrics, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		settings:  store,
		cache:     cache,
		refresher: refresher,
		metrics:   metrics,
		log:       log,
	}
}

// GetAccessToken returns the cached token, or refreshes it. On failure the
// posting log records that the token is missing and a *gmb.AuthError is
// returned; there is no retry within the call.
func (m *Manager) GetAccessToken(ctx context.Context) (string, error) {
	var cached string
	if err := m.cache.Get(AuthCacheName, &cached); err == nil && cached != "" {
		return cached, nil
	}

	v, err, _ := m.group.Do("refresh", func() (any, error) {
		return m.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	st, err := m.settings.Load()
	if err != nil {
		return "", &gmb.AuthError{Err: err}
	}

	var tok *Token
	if st.RefreshToken == "" {
		err = errNoRefreshToken
	} else {
		tok, err = m.refresher.Refresh(ctx, st.RefreshToken)
		if err == nil && strings.TrimSpace(tok.AccessToken) == "" {
			err = errors.New("refresh response has no access token")
		}
	}

	if err != nil {
		m.metrics.ObserveRefresh("failure")
		entry := m.log.WithError(err)
		if errors.Is(err, ErrRefreshRevoked) {
			entry.Warn("refresh token revoked, re-authentication required")
		} else {
			entry.Warn("access token refresh failed")
		}
		if serr := m.settings.SetStatus(gmb.MsgTokenMissing); serr != nil {
			m.log.WithError(serr).Error("failed to record token status")
		}
		return "", &gmb.AuthError{Err: err}
	}

	if err := m.SaveKeys(ctx, tok.AccessToken, tok.RefreshToken); err != nil {
		return "", &gmb.AuthError{Err: err}
	}
	m.metrics.ObserveRefresh("success")
	m.log.Debug("access token refreshed")
	return tok.AccessToken, nil
}

// SaveKeys stores the access token and, when non-empty, the refresh token,
// then primes the 45 minute cache entry.
func (m *Manager) SaveKeys(ctx context.Context, accessToken, refreshToken string) error {
	if _, err := m.settings.Update(func(st *settings.Settings) error {
		st.AccessToken = accessToken
		if refreshToken != "" {
			st.RefreshToken = refreshToken
		}
		return nil
	}); err != nil {
		return fmt.Errorf("save keys: %w", err)
	}
	if err := m.cache.Set(AuthCacheName, accessToken, AccessTokenTTL); err != nil {
		return fmt.Errorf("cache access token: %w", err)
	}
	return nil
}

// HasRefreshToken reports whether the integration has been authenticated.
func (m *Manager) HasRefreshToken() bool {
	st, err := m.settings.Load()
	return err == nil && st.RefreshToken != ""
}

// ClearCache drops the cached access token.
func (m *Manager) ClearCache() error {
	return m.cache.Delete(AuthCacheName)
}
