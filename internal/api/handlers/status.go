package handlers

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/gmb-autopost/internal/api/middleware"
	"github.com/pysugar/gmb-autopost/internal/directory"
	"github.com/pysugar/gmb-autopost/internal/logging"
	"github.com/pysugar/gmb-autopost/internal/monitor"
	"github.com/pysugar/gmb-autopost/internal/scheduler"
	"github.com/pysugar/gmb-autopost/internal/settings"
	"github.com/pysugar/gmb-autopost/internal/version"
	"github.com/sirupsen/logrus"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// queryInt reads a positive integer query parameter.
func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// NonceHandler issues a nonce for the action in the URL.
// GET /api/nonces/{action}
func NonceHandler(nonces *middleware.Nonces) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		action := chi.URLParam(r, "action")
		if !slices.Contains(Actions, action) {
			writeError(w, http.StatusNotFound, "unknown action")
			return
		}
		nonce, err := nonces.Issue(action)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to issue nonce")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"action": action,
			"nonce":  nonce,
		})
	}
}

// StatusHandler returns the settings with tokens redacted, the scheduler
// state and the next post time.
// GET /api/gmb/status
func StatusHandler(store *settings.Store, sched *scheduler.Scheduler, history *monitor.History) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := store.Load()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load settings")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"authenticated":  st.Authenticated(),
			"state":          sched.State(),
			"next_post_time": sched.NextPostTime(),
			"settings":       st.Redacted(),
			"stats":          history.Stats(),
		})
	}
}

// LocationsHandler returns the saved locations, merging any new ones.
// GET /api/gmb/locations
func LocationsHandler(dir *directory.Directory, log *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		locations, err := dir.SavedLocations(r.Context())
		if err != nil {
			logging.Entry(r.Context(), log).WithError(err).Error("failed to load locations")
			writeError(w, http.StatusInternalServerError, "failed to load locations")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"account":   dir.SelectedAccount(r.Context()),
			"locations": locations,
			"count":     len(locations),
		})
	}
}

// LocationHandler returns the upstream record of one location, e.g.
// GET /api/gmb/locations/accounts/1/locations/9
func LocationHandler(dir *directory.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := strings.Trim(chi.URLParam(r, "*"), "/")
		if name == "" {
			writeError(w, http.StatusNotFound, "location not found")
			return
		}
		loc, ok := dir.FullLocation(r.Context(), name)
		if !ok {
			writeError(w, http.StatusNotFound, "location not found")
			return
		}
		writeJSON(w, http.StatusOK, loc)
	}
}

// HistoryHandler returns posting attempts, paginated, newest first.
// GET /api/gmb/history?page=1&page_size=50&outcome=rejected
func HistoryHandler(history *monitor.History) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := queryInt(r, "page", 1)
		pageSize := queryInt(r, "page_size", 50)
		if pageSize > 500 {
			pageSize = 500
		}
		attempts, total := history.Page(page, pageSize, r.URL.Query().Get("outcome"))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"attempts":  attempts,
			"total":     total,
			"page":      page,
			"page_size": pageSize,
			"stats":     history.Stats(),
		})
	}
}

// ClearHistoryHandler handles DELETE /api/gmb/history
func ClearHistoryHandler(history *monitor.History) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := history.Clear(); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to clear history")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// VersionHandler returns version information as JSON
// GET /api/version
func VersionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version.Version,
			"commit":     version.Commit,
			"build_time": version.BuildTime,
		})
	}
}
