// Package api wires the admin HTTP surface: the posting triggers, read-only
// status endpoints, listing content management and the OAuth consent flow.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pysugar/gmb-autopost/internal/api/handlers"
	"github.com/pysugar/gmb-autopost/internal/api/middleware"
	"github.com/pysugar/gmb-autopost/internal/auth/google"
	"github.com/pysugar/gmb-autopost/internal/auth/token"
	"github.com/pysugar/gmb-autopost/internal/content"
	"github.com/pysugar/gmb-autopost/internal/directory"
	"github.com/pysugar/gmb-autopost/internal/monitor"
	"github.com/pysugar/gmb-autopost/internal/scheduler"
	"github.com/pysugar/gmb-autopost/internal/settings"
	"github.com/sirupsen/logrus"
)

// Deps are the services behind the admin API.
type Deps struct {
	Settings  *settings.Store
	Tokens    *token.Manager
	Directory *directory.Directory
	Scheduler *scheduler.Scheduler
	Listings  *content.Repository
	History   *monitor.History
	Metrics   *monitor.Metrics
	Nonces    *middleware.Nonces
	Log       *logrus.Logger

	AdminPassword string
	PostType      string

	// Google OAuth client; the consent routes are mounted only when both are set.
	GoogleClientID     string
	GoogleClientSecret string
}

// NewRouter builds the HTTP handler for the whole service.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	auth := handlers.Authenticator{Tokens: d.Tokens, Scheduler: d.Scheduler}
	adminAuth := middleware.AdminAuth(d.AdminPassword)

	if d.GoogleClientID != "" && d.GoogleClientSecret != "" {
		// The callback is protected by the OAuth state token instead.
		r.With(adminAuth).Get("/auth/google/login", google.HandleLogin(d.GoogleClientID, d.GoogleClientSecret))
		r.Get("/auth/google/callback", google.HandleCallback(d.GoogleClientID, d.GoogleClientSecret, auth, d.Log))
	}

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(adminAuth)

		r.Get("/version", handlers.VersionHandler())
		r.Get("/nonces/{action}", handlers.NonceHandler(d.Nonces))

		r.Route("/gmb", func(r chi.Router) {
			nonce := func(action string) chi.Router {
				return r.With(middleware.RequireNonce(d.Nonces, action))
			}

			nonce(handlers.ActionSetInitialTokens).Post("/initial-tokens", handlers.SetInitialTokensHandler(auth, d.Log))
			nonce(handlers.ActionClearSettings).Post("/clear-settings", handlers.ClearSettingsHandler(d.Settings, d.Tokens, d.Directory, d.Scheduler, d.Log))
			nonce(handlers.ActionUpdatePreferences).Post("/preferences", handlers.UpdatePreferencesHandler(d.Settings, d.Scheduler, d.Log))
			nonce(handlers.ActionResetNextPostTime).Post("/reset-next-post-time", handlers.ResetNextPostTimeHandler(d.Scheduler, d.Log))
			nonce(handlers.ActionPostNow).Post("/post-now", handlers.PostNowHandler(d.Scheduler, d.Log))
			nonce(handlers.ActionUpdateScheduled).Post("/scheduled-posts", handlers.UpdateScheduledPostsHandler(d.Settings, d.Log))
			nonce(handlers.ActionClearScheduled).Post("/scheduled-posts/clear", handlers.ClearScheduledPostsHandler(d.Settings, d.Log))
			nonce(handlers.ActionUpdateExclusions).Post("/exclusions", handlers.UpdateExclusionsHandler(d.Settings, d.Log))
			nonce(handlers.ActionClearLastPostStatus).Post("/clear-last-post-status", handlers.ClearLastPostStatusHandler(d.Settings, d.Log))

			r.Get("/status", handlers.StatusHandler(d.Settings, d.Scheduler, d.History))
			r.Get("/locations", handlers.LocationsHandler(d.Directory, d.Log))
			r.Get("/locations/*", handlers.LocationHandler(d.Directory))
			r.Get("/history", handlers.HistoryHandler(d.History))
			r.Delete("/history", handlers.ClearHistoryHandler(d.History))
		})

		r.Get("/listings", handlers.ListListingsHandler(d.Listings, d.PostType))
		r.Post("/listings", handlers.UpsertListingHandler(d.Listings, d.PostType))
		r.Get("/listings/{id}", handlers.GetListingHandler(d.Listings))
		r.Delete("/listings/{id}", handlers.DeleteListingHandler(d.Listings))
	})

	return r
}
