// Package directory lists the account's business locations and merges newly
// seen ones into the saved location preferences.
package directory

import (
	"context"
	"time"

	"github.com/pysugar/gmb-autopost/internal/db"
	"github.com/pysugar/gmb-autopost/internal/gmb"
	"github.com/pysugar/gmb-autopost/internal/settings"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	AccountCacheName  = "wp_listings_google_my_business_account_cache"
	LocationCacheName = "wp_listings_google_my_business_location_settings"
	CacheTTL          = 7 * 24 * time.Hour
)

// TokenSource supplies bearer tokens for GMB calls.
type TokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
}

// API is the subset of the GMB client used here.
type API interface {
	ListAccounts(ctx context.Context, token string) ([]gmb.Account, error)
	ListLocations(ctx context.Context, token, account string) ([]gmb.Location, error)
}

type Directory struct {
	api      API
	tokens   TokenSource
	settings *settings.Store
	cache    *db.TransientStore
	log      *logrus.Logger
	group    singleflight.Group
}

func New(api API, tokens TokenSource, store *settings.Store, cache *db.TransientStore, log *logrus.Logger) *Directory {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Directory{api: api, tokens: tokens, settings: store, cache: cache, log: log}
}

// Accounts returns the cached account list, fetching it on a miss. Any
// failure yields an empty list.
func (d *Directory) Accounts(ctx context.Context) []gmb.Account {
	var accounts []gmb.Account
	if err := d.cache.Get(AccountCacheName, &accounts); err == nil && len(accounts) > 0 {
		return accounts
	}

	v, _, _ := d.group.Do("accounts", func() (any, error) {
		token, err := d.tokens.GetAccessToken(ctx)
		if err != nil {
			return []gmb.Account(nil), nil
		}
		fetched, err := d.api.ListAccounts(ctx, token)
		if err != nil {
			d.log.WithError(err).Warn("failed to list gmb accounts")
			return []gmb.Account(nil), nil
		}
		if len(fetched) > 0 {
			if err := d.cache.Set(AccountCacheName, fetched, CacheTTL); err != nil {
				d.log.WithError(err).Warn("failed to cache gmb accounts")
			}
		}
		return fetched, nil
	})
	return v.([]gmb.Account)
}

// SelectedAccount returns the pinned account, else the first listed one,
// else "".
func (d *Directory) SelectedAccount(ctx context.Context) string {
	st, err := d.settings.Load()
	if err == nil && st.AccountName != "" {
		return st.AccountName
	}
	accounts := d.Accounts(ctx)
	if len(accounts) > 0 && accounts[0].Name != "" {
		return accounts[0].Name
	}
	return ""
}

// Locations returns the cached locations of the selected account. Any
// failure yields an empty list.
func (d *Directory) Locations(ctx context.Context) []gmb.Location {
	var locations []gmb.Location
	if err := d.cache.Get(LocationCacheName, &locations); err == nil && len(locations) > 0 {
		return locations
	}

	v, _, _ := d.group.Do("locations", func() (any, error) {
		account := d.SelectedAccount(ctx)
		if account == "" {
			return []gmb.Location(nil), nil
		}
		token, err := d.tokens.GetAccessToken(ctx)
		if err != nil {
			return []gmb.Location(nil), nil
		}
		fetched, err := d.api.ListLocations(ctx, token, account)
		if err != nil {
			d.log.WithError(err).WithField("account", account).Warn("failed to list gmb locations")
			return []gmb.Location(nil), nil
		}
		if len(fetched) > 0 {
			if err := d.cache.Set(LocationCacheName, fetched, CacheTTL); err != nil {
				d.log.WithError(err).Warn("failed to cache gmb locations")
			}
		}
		return fetched, nil
	})
	return v.([]gmb.Location)
}

// SavedLocations merges upstream locations into the saved preferences.
// Unknown locations are added with sharing enabled; nothing is ever removed
// and the record is written only when something was added.
func (d *Directory) SavedLocations(ctx context.Context) (map[string]settings.Location, error) {
	upstream := d.Locations(ctx)

	st, err := d.settings.Update(func(st *settings.Settings) error {
		added := 0
		for _, loc := range upstream {
			if loc.Name == "" {
				continue
			}
			if _, ok := st.Locations[loc.Name]; ok {
				continue
			}
			st.Locations[loc.Name] = settings.Location{
				LocationName:    loc.LocationName,
				StreetAddress:   loc.StreetAddress(),
				ShareToLocation: true,
			}
			added++
		}
		if added == 0 {
			return settings.ErrNoChange
		}
		d.log.WithField("added", added).Info("new gmb locations saved")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st.Locations, nil
}

// FullLocation returns the upstream record for one location.
func (d *Directory) FullLocation(ctx context.Context, name string) (gmb.Location, bool) {
	for _, loc := range d.Locations(ctx) {
		if loc.Name == name {
			return loc, true
		}
	}
	return gmb.Location{}, false
}

// ClearCache drops the cached account and location lists.
func (d *Directory) ClearCache() error {
	if err := d.cache.Delete(AccountCacheName); err != nil {
		return err
	}
	return d.cache.Delete(LocationCacheName)
}
