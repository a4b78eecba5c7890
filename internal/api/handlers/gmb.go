package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/pysugar/gmb-autopost/internal/api/middleware"
	"github.com/pysugar/gmb-autopost/internal/auth/token"
	"github.com/pysugar/gmb-autopost/internal/directory"
	"github.com/pysugar/gmb-autopost/internal/logging"
	"github.com/pysugar/gmb-autopost/internal/scheduler"
	"github.com/pysugar/gmb-autopost/internal/settings"
	"github.com/sirupsen/logrus"
)

// Nonce actions of the admin triggers.
const (
	ActionSetInitialTokens    = "wpl_gmb_set_initial_tokens"
	ActionClearSettings       = "wpl_clear_gmb_settings"
	ActionUpdatePreferences   = "wpl_update_gmb_settings"
	ActionResetNextPostTime   = "wpl_reset_next_post_time_request"
	ActionPostNow             = "wpl_post_next_scheduled_now"
	ActionUpdateScheduled     = "wpl_update_scheduled_posts"
	ActionClearScheduled      = "wpl_clear_scheduled_posts"
	ActionUpdateExclusions    = "wpl_update_exclusion_list"
	ActionClearLastPostStatus = "wpl_clear_last_post_status"
)

// Actions lists every action a nonce can be issued for.
var Actions = []string{
	ActionSetInitialTokens,
	ActionClearSettings,
	ActionUpdatePreferences,
	ActionResetNextPostTime,
	ActionPostNow,
	ActionUpdateScheduled,
	ActionClearScheduled,
	ActionUpdateExclusions,
	ActionClearLastPostStatus,
}

func success(w http.ResponseWriter) {
	middleware.WriteText(w, http.StatusOK, middleware.RespSuccess)
}

func requestFailed(w http.ResponseWriter) {
	middleware.WriteText(w, http.StatusBadRequest, middleware.RespRequestFailed)
}

func decode(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	return json.NewDecoder(r.Body).Decode(out)
}

// Authenticator stores tokens from a completed consent and arms the first post.
type Authenticator struct {
	Tokens    *token.Manager
	Scheduler *scheduler.Scheduler
}

// SaveInitialTokens implements google.TokenSink.
func (a Authenticator) SaveInitialTokens(ctx context.Context, accessToken, refreshToken string) error {
	if err := a.Tokens.SaveKeys(ctx, accessToken, refreshToken); err != nil {
		return err
	}
	return a.Scheduler.Arm(ctx)
}

// SetInitialTokensHandler handles POST /api/gmb/initial-tokens
func SetInitialTokensHandler(auth Authenticator, log *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AccessToken  *string `json:"access_token"`
			RefreshToken *string `json:"refresh_token"`
		}
		if err := decode(r, &req); err != nil || req.AccessToken == nil || req.RefreshToken == nil {
			requestFailed(w)
			return
		}

		access := strings.TrimSpace(*req.AccessToken)
		refresh := strings.TrimSpace(*req.RefreshToken)
		if err := auth.SaveInitialTokens(r.Context(), access, refresh); err != nil {
			logging.Entry(r.Context(), log).WithError(err).Error("failed to save initial tokens")
			requestFailed(w)
			return
		}
		success(w)
	}
}

// ClearSettingsHandler handles POST /api/gmb/clear-settings: the settings
// record, every cache entry and the posting event are removed.
func ClearSettingsHandler(store *settings.Store, tokens *token.Manager, dir *directory.Directory, sched *scheduler.Scheduler, log *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry := logging.Entry(r.Context(), log)
		steps := []struct {
			name string
			fn   func() error
		}{
			{"settings", store.Reset},
			{"token cache", tokens.ClearCache},
			{"directory cache", dir.ClearCache},
			{"posting event", func() error { return sched.Clear(r.Context()) }},
		}
		for _, step := range steps {
			if err := step.fn(); err != nil {
				entry.WithError(err).Errorf("failed to clear %s", step.name)
				requestFailed(w)
				return
			}
		}
		entry.Info("gmb integration reset")
		success(w)
	}
}

type preferencesRequest struct {
	Settings struct {
		PostingSettings *struct {
			PostingFrequency      string `json:"posting_frequency"`
			EmptyScheduleAutoPost bool   `json:"empty_schedule_auto_post"`
		} `json:"posting_settings"`
		PostingDefaults *struct {
			DefaultLink            *string `json:"default_link"`
			DefaultPhoto           *string `json:"default_photo"`
			DefaultSummary         *string `json:"default_summary"`
			DefaultLinkOverride    bool    `json:"default_link_override"`
			DefaultPhotoOverride   bool    `json:"default_photo_override"`
			DefaultSummaryOverride bool    `json:"default_summary_override"`
		} `json:"posting_defaults"`
		Locations map[string]struct {
			ShareToLocation bool `json:"share_to_location"`
		} `json:"locations"`
	} `json:"settings"`
}

// UpdatePreferencesHandler handles POST /api/gmb/preferences
func UpdatePreferencesHandler(store *settings.Store, sched *scheduler.Scheduler, log *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req preferencesRequest
		if err := decode(r, &req); err != nil {
			requestFailed(w)
			return
		}
		ps, pd := req.Settings.PostingSettings, req.Settings.PostingDefaults
		if ps == nil || pd == nil || req.Settings.Locations == nil {
			requestFailed(w)
			return
		}
		freq := strings.TrimSpace(ps.PostingFrequency)
		if freq != "" && !settings.ValidFrequency(freq) {
			requestFailed(w)
			return
		}

		saved, err := store.Update(func(st *settings.Settings) error {
			if freq != "" {
				st.PostingSettings.PostingFrequency = freq
			}
			st.PostingSettings.EmptyScheduleAutoPost = ps.EmptyScheduleAutoPost

			if pd.DefaultLink != nil {
				st.PostingDefaults.DefaultLink = strings.TrimSpace(*pd.DefaultLink)
			}
			if pd.DefaultPhoto != nil {
				st.PostingDefaults.DefaultPhoto = strings.TrimSpace(*pd.DefaultPhoto)
			}
			if pd.DefaultSummary != nil {
				st.PostingDefaults.DefaultSummary = strings.TrimSpace(*pd.DefaultSummary)
			}
			st.PostingDefaults.DefaultLinkOverride = pd.DefaultLinkOverride
			st.PostingDefaults.DefaultPhotoOverride = pd.DefaultPhotoOverride
			st.PostingDefaults.DefaultSummaryOverride = pd.DefaultSummaryOverride

			// Only locations already discovered can be toggled.
			for key, pref := range req.Settings.Locations {
				loc, ok := st.Locations[key]
				if !ok {
					continue
				}
				loc.ShareToLocation = pref.ShareToLocation
				st.Locations[key] = loc
			}
			return nil
		})
		if err != nil {
			logging.Entry(r.Context(), log).WithError(err).Error("failed to save preferences")
			requestFailed(w)
			return
		}

		// The posting event exists only once the integration is authenticated.
		if freq != "" && saved.Authenticated() {
			if err := sched.UpdateInterval(r.Context(), freq); err != nil {
				logging.Entry(r.Context(), log).WithError(err).Error("failed to update posting interval")
				requestFailed(w)
				return
			}
		}
		success(w)
	}
}

// ResetNextPostTimeHandler handles POST /api/gmb/reset-next-post-time. The
// next post moves to 12 hours from now and the body is the new date.
func ResetNextPostTimeHandler(sched *scheduler.Scheduler, log *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := sched.Reset(r.Context(), true); err != nil {
			logging.Entry(r.Context(), log).WithError(err).Error("failed to reset next post time")
			requestFailed(w)
			return
		}
		middleware.WriteText(w, http.StatusOK, sched.NextPostTime())
	}
}

// PostNowHandler handles POST /api/gmb/post-now. The posting outcome lands
// in the status message, not the response.
func PostNowHandler(sched *scheduler.Scheduler, log *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := sched.PostNow(r.Context())
		if err != nil {
			logging.Entry(r.Context(), log).WithError(err).Error("post now failed")
			requestFailed(w)
			return
		}
		logging.Entry(r.Context(), log).WithFields(logrus.Fields{
			"run_id":  res.RunID,
			"outcome": res.Outcome,
		}).Info("manual post finished")
		success(w)
	}
}

// UpdateScheduledPostsHandler handles POST /api/gmb/scheduled-posts
func UpdateScheduledPostsHandler(store *settings.Store, log *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ScheduledPosts []json.Number `json:"scheduled_posts"`
		}
		if err := decode(r, &req); err != nil {
			requestFailed(w)
			return
		}
		ids := make([]int64, 0, len(req.ScheduledPosts))
		for _, raw := range req.ScheduledPosts {
			id, err := raw.Int64()
			if err != nil || id <= 0 {
				requestFailed(w)
				return
			}
			ids = append(ids, id)
		}

		if _, err := store.Update(func(st *settings.Settings) error {
			st.PostingSettings.ScheduledPosts = ids
			return nil
		}); err != nil {
			logging.Entry(r.Context(), log).WithError(err).Error("failed to save scheduled posts")
			requestFailed(w)
			return
		}
		success(w)
	}
}

// ClearScheduledPostsHandler handles POST /api/gmb/scheduled-posts/clear
func ClearScheduledPostsHandler(store *settings.Store, log *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := store.Update(func(st *settings.Settings) error {
			st.PostingSettings.ScheduledPosts = []int64{}
			return nil
		}); err != nil {
			logging.Entry(r.Context(), log).WithError(err).Error("failed to clear scheduled posts")
			requestFailed(w)
			return
		}
		success(w)
	}
}

var errUnknownExclusion = errors.New("post is not excluded")

// UpdateExclusionsHandler handles POST /api/gmb/exclusions with update_type
// add, remove or clear.
func UpdateExclusionsHandler(store *settings.Store, log *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UpdateType string      `json:"update_type"`
			PostID     json.Number `json:"post_id"`
		}
		if err := decode(r, &req); err != nil {
			requestFailed(w)
			return
		}
		var id int64
		if req.PostID != "" {
			parsed, err := req.PostID.Int64()
			if err != nil {
				requestFailed(w)
				return
			}
			id = parsed
		}

		var apply func(*settings.Settings) error
		switch req.UpdateType {
		case "clear":
			apply = func(st *settings.Settings) error {
				st.PostingSettings.ExcludedPosts = []int64{}
				return nil
			}
		case "add":
			if id <= 0 {
				requestFailed(w)
				return
			}
			apply = func(st *settings.Settings) error {
				st.AddExclusion(id)
				return nil
			}
		case "remove":
			if id <= 0 {
				requestFailed(w)
				return
			}
			apply = func(st *settings.Settings) error {
				if !st.RemoveExclusion(id) {
					return errUnknownExclusion
				}
				return nil
			}
		default:
			requestFailed(w)
			return
		}

		if _, err := store.Update(apply); err != nil {
			if !errors.Is(err, errUnknownExclusion) {
				logging.Entry(r.Context(), log).WithError(err).Error("failed to update exclusions")
			}
			requestFailed(w)
			return
		}
		success(w)
	}
}

// ClearLastPostStatusHandler handles POST /api/gmb/clear-last-post-status
func ClearLastPostStatusHandler(store *settings.Store, log *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := store.SetStatus(""); err != nil {
			logging.Entry(r.Context(), log).WithError(err).Error("failed to clear status")
			requestFailed(w)
			return
		}
		success(w)
	}
}
