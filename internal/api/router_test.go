package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pysugar/gmb-autopost/internal/api/handlers"
	"github.com/pysugar/gmb-autopost/internal/api/middleware"
	"github.com/pysugar/gmb-autopost/internal/auth/token"
	"github.com/pysugar/gmb-autopost/internal/composer"
	"github.com/pysugar/gmb-autopost/internal/content"
	"github.com/pysugar/gmb-autopost/internal/db"
	"github.com/pysugar/gmb-autopost/internal/db/dbtest"
	"github.com/pysugar/gmb-autopost/internal/db/models"
	"github.com/pysugar/gmb-autopost/internal/directory"
	"github.com/pysugar/gmb-autopost/internal/gmb"
	"github.com/pysugar/gmb-autopost/internal/logging"
	"github.com/pysugar/gmb-autopost/internal/monitor"
	"github.com/pysugar/gmb-autopost/internal/publisher"
	"github.com/pysugar/gmb-autopost/internal/scheduler"
	"github.com/pysugar/gmb-autopost/internal/settings"
	"github.com/pysugar/gmb-autopost/internal/util"
)

const testPassword = "admin-pw"

// fakeGoogle serves the token relay and the GMB v4 endpoints.
type fakeGoogle struct {
	mu         sync.Mutex
	postStatus int
	posts      []gmb.LocalPost
	postPaths  []string
}

func (f *fakeGoogle) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/token-refresh":
		_, _ = io.WriteString(w, `{"body":{"access_token":"fresh-token"}}`)
	case r.URL.Path == "/v4/accounts":
		_, _ = io.WriteString(w, `{"accounts":[{"name":"accounts/1"}]}`)
	case r.URL.Path == "/v4/accounts/1/locations":
		_, _ = io.WriteString(w, `{"locations":[
			{"name":"accounts/1/locations/9","locationName":"Main Office","address":{"addressLines":["1 Main St"]}},
			{"name":"accounts/1/locations/3","locationName":"Annex","address":{"addressLines":["3 Side St"]}}
		]}`)
	case strings.HasSuffix(r.URL.Path, "/localPosts") && r.Method == http.MethodPost:
		var post gmb.LocalPost
		_ = json.NewDecoder(r.Body).Decode(&post)
		f.mu.Lock()
		f.posts = append(f.posts, post)
		f.postPaths = append(f.postPaths, r.URL.Path)
		status := f.postStatus
		f.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = io.WriteString(w, `{"error":{"code":400,"message":"Request contains an invalid argument."}}`)
			return
		}
		_, _ = io.WriteString(w, `{"name":"accounts/1/locations/9/localPosts/1"}`)
	default:
		http.NotFound(w, r)
	}
}

type testServer struct {
	t        *testing.T
	router   http.Handler
	google   *fakeGoogle
	store    *settings.Store
	listings *content.Repository
	sched    *scheduler.Scheduler
	events   *db.EventStore
	cache    *db.TransientStore
	clock    *util.FakeClock
	nonces   *middleware.Nonces
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	google := &fakeGoogle{}
	upstream := httptest.NewServer(google)
	t.Cleanup(upstream.Close)

	log := logging.Discard()
	gdb := dbtest.New(t)
	clock := util.NewFakeClock(time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC))
	store := settings.NewStore(db.NewOptionStore(gdb))
	cache := db.NewTransientStore(gdb, clock)
	events := db.NewEventStore(gdb)
	metrics := monitor.NewMetrics()
	history := monitor.NewHistory(gdb, clock, log)
	listings := content.NewRepository(gdb, clock)

	client := gmb.NewClientWithHTTPClient(upstream.URL, time.Second, 0, log, upstream.Client())
	tokens := token.NewManager(store, cache, token.NewRelayRefresher(upstream.URL+"/token-refresh", 0, upstream.Client()), metrics, log)
	dir := directory.New(client, tokens, store, cache, log)
	comp := composer.New(store, listings, nil, "listing", log)
	pub := publisher.New(client, tokens, dir, store, "en-US", publisher.Options{
		Clock: clock, History: history, Metrics: metrics, Log: log,
	})
	sched := scheduler.New(scheduler.Config{
		Events: events, Settings: store, Composer: comp, Publisher: pub,
		Listings: listings, Clock: clock, Metrics: metrics, Log: log,
	})
	pub.SetRetryHook(sched.Retry)

	nonces, err := middleware.NewNonces("test-secret", time.Hour, clock)
	if err != nil {
		t.Fatalf("NewNonces() error = %v", err)
	}

	return &testServer{
		t: t,
		router: NewRouter(Deps{
			Settings: store, Tokens: tokens, Directory: dir, Scheduler: sched,
			Listings: listings, History: history, Metrics: metrics, Nonces: nonces,
			Log: log, AdminPassword: testPassword, PostType: "listing",
		}),
		google:   google,
		store:    store,
		listings: listings,
		sched:    sched,
		events:   events,
		cache:    cache,
		clock:    clock,
		nonces:   nonces,
	}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.SetBasicAuth("admin", testPassword)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

// trigger posts body to a nonce-protected route with a fresh nonce.
func (s *testServer) trigger(path, action string, body map[string]any) *httptest.ResponseRecorder {
	s.t.Helper()
	nonce, err := s.nonces.Issue(action)
	if err != nil {
		s.t.Fatalf("Issue() error = %v", err)
	}
	if body == nil {
		body = map[string]any{}
	}
	body["nonce"] = nonce
	raw, _ := json.Marshal(body)
	return s.do(http.MethodPost, path, string(raw))
}

func (s *testServer) settings() settings.Settings {
	s.t.Helper()
	st, err := s.store.Load()
	if err != nil {
		s.t.Fatalf("Load() error = %v", err)
	}
	return st
}

func expectText(t *testing.T, rec *httptest.ResponseRecorder, want string) {
	t.Helper()
	if got := rec.Body.String(); got != want {
		t.Fatalf("body = %q (status %d), want %q", got, rec.Code, want)
	}
}

func TestAdminAuthAndNonce(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/gmb/post-now", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	expectText(t, rec, "check permissions")

	expectText(t, s.do(http.MethodPost, "/api/gmb/post-now", `{"nonce":"forged"}`), "request failed")

	// A nonce for one action does not open another.
	nonce, _ := s.nonces.Issue(handlers.ActionClearSettings)
	expectText(t, s.do(http.MethodPost, "/api/gmb/post-now", `{"nonce":"`+nonce+`"}`), "request failed")
}

func TestNonceEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/nonces/"+handlers.ActionClearScheduled, "")
	var out struct {
		Nonce string `json:"nonce"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil || out.Nonce == "" {
		t.Fatalf("decode nonce: %v (%d)", err, rec.Code)
	}
	if err := s.nonces.Verify(out.Nonce, handlers.ActionClearScheduled); err != nil {
		t.Fatalf("issued nonce does not verify: %v", err)
	}
	if rec := s.do(http.MethodGet, "/api/nonces/unknown", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown action status = %d", rec.Code)
	}
}

func TestInitialTokensArmAndPostNow(t *testing.T) {
	s := newTestServer(t)

	expectText(t, s.trigger("/api/gmb/initial-tokens", handlers.ActionSetInitialTokens, map[string]any{
		"access_token":  "initial-access",
		"refresh_token": "initial-refresh",
	}), "success")

	st := s.settings()
	if st.AccessToken != "initial-access" || st.RefreshToken != "initial-refresh" {
		t.Fatalf("tokens not saved: %+v", st)
	}
	ev, _ := s.sched.Event()
	if ev == nil || !ev.NextRun.Equal(s.clock.Now().Add(12*time.Hour)) || ev.Schedule != "weekly" {
		t.Fatalf("first post not armed: %+v", ev)
	}

	if err := s.listings.Upsert(&models.Listing{
		ID: 101, PostType: "listing", Content: "<p>Sunny <em>condo</em></p>", Permalink: "https://example.com/condo",
	}); err != nil {
		t.Fatalf("seed listing: %v", err)
	}
	expectText(t, s.trigger("/api/gmb/preferences", handlers.ActionUpdatePreferences, map[string]any{
		"settings": map[string]any{
			"posting_settings": map[string]any{"posting_frequency": "weekly", "empty_schedule_auto_post": true},
			"posting_defaults": map[string]any{"default_photo": "https://example.com/default.jpg"},
			"locations":        map[string]any{},
		},
	}), "success")

	expectText(t, s.trigger("/api/gmb/post-now", handlers.ActionPostNow, nil), "success")

	if len(s.google.posts) != 1 {
		t.Fatalf("expected one local post, got %d", len(s.google.posts))
	}
	// Locations are sorted; accounts/1/locations/3 comes first.
	if s.google.postPaths[0] != "/v4/accounts/1/locations/3/localPosts" {
		t.Fatalf("posted to %s", s.google.postPaths[0])
	}
	post := s.google.posts[0]
	if post.Summary != "Sunny condo" || post.CallToAction.URL != "https://example.com/condo" ||
		post.Media.SourceURL != "https://example.com/default.jpg" {
		t.Fatalf("unexpected post %+v", post)
	}

	st = s.settings()
	if st.PostingLogs.LastPostStatusMessage != "Post Successful" || !st.IsUsed(101) {
		t.Fatalf("posting log = %+v", st.PostingLogs)
	}
	if len(st.Locations) != 2 || !st.Locations["accounts/1/locations/9"].ShareToLocation {
		t.Fatalf("locations not merged: %+v", st.Locations)
	}

	rec := s.do(http.MethodGet, "/api/gmb/status", "")
	var status struct {
		State        string `json:"state"`
		NextPostTime string `json:"next_post_time"`
		Settings     struct {
			AccessToken string `json:"access_token"`
		} `json:"settings"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.State != "scheduled" || status.NextPostTime != "Monday, June 10" {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Settings.AccessToken == "initial-access" {
		t.Fatal("status must not expose tokens")
	}

	rec = s.do(http.MethodGet, "/api/gmb/history", "")
	var history struct {
		Total int64 `json:"total"`
	}
	_ = json.NewDecoder(rec.Body).Decode(&history)
	if history.Total != 1 {
		t.Fatalf("history total = %d", history.Total)
	}
}

func TestPreferences(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.store.Update(func(st *settings.Settings) error {
		st.RefreshToken = "refresh-1"
		st.Locations["accounts/1/locations/9"] = settings.Location{LocationName: "Main", ShareToLocation: true}
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_ = s.sched.Arm(t.Context())
	armed, _ := s.sched.Event()

	expectText(t, s.trigger("/api/gmb/preferences", handlers.ActionUpdatePreferences, map[string]any{
		"settings": map[string]any{
			"posting_settings": map[string]any{"posting_frequency": "monthly"},
			"posting_defaults": map[string]any{
				"default_link":          " https://example.com ",
				"default_link_override": true,
			},
			"locations": map[string]any{
				"accounts/1/locations/9":  map[string]any{"share_to_location": false},
				"accounts/1/locations/77": map[string]any{"share_to_location": true},
			},
		},
	}), "success")

	st := s.settings()
	if st.PostingSettings.PostingFrequency != "monthly" || st.PostingDefaults.DefaultLink != "https://example.com" ||
		!st.PostingDefaults.DefaultLinkOverride || st.PostingSettings.EmptyScheduleAutoPost {
		t.Fatalf("unexpected settings %+v", st)
	}
	if st.Locations["accounts/1/locations/9"].ShareToLocation {
		t.Fatal("sharing flag not updated")
	}
	if _, ok := st.Locations["accounts/1/locations/77"]; ok {
		t.Fatal("unknown location must not be created")
	}
	ev, _ := s.sched.Event()
	if ev.Schedule != "monthly" || !ev.NextRun.Equal(armed.NextRun) {
		t.Fatalf("interval change should keep the timestamp: %+v", ev)
	}

	expectText(t, s.trigger("/api/gmb/preferences", handlers.ActionUpdatePreferences, map[string]any{
		"settings": map[string]any{
			"posting_settings": map[string]any{"posting_frequency": "daily"},
			"posting_defaults": map[string]any{},
			"locations":        map[string]any{},
		},
	}), "request failed")

	expectText(t, s.trigger("/api/gmb/preferences", handlers.ActionUpdatePreferences, map[string]any{
		"settings": map[string]any{"posting_settings": map[string]any{}},
	}), "request failed")
}

func TestPreferences_UnauthenticatedKeepsUnscheduled(t *testing.T) {
	s := newTestServer(t)

	expectText(t, s.trigger("/api/gmb/preferences", handlers.ActionUpdatePreferences, map[string]any{
		"settings": map[string]any{
			"posting_settings": map[string]any{"posting_frequency": "biweekly"},
			"posting_defaults": map[string]any{},
			"locations":        map[string]any{},
		},
	}), "success")

	if got := s.settings().PostingSettings.PostingFrequency; got != "biweekly" {
		t.Fatalf("frequency = %q", got)
	}
	if ev, _ := s.sched.Event(); ev != nil {
		t.Fatalf("no posting event expected before authentication, got %+v", ev)
	}
	if s.sched.State() != scheduler.StateUnauthenticated {
		t.Fatalf("state = %s", s.sched.State())
	}
}

func TestLocationDetail(t *testing.T) {
	s := newTestServer(t)
	expectText(t, s.trigger("/api/gmb/initial-tokens", handlers.ActionSetInitialTokens, map[string]any{
		"access_token": "a", "refresh_token": "r",
	}), "success")

	rec := s.do(http.MethodGet, "/api/gmb/locations/accounts/1/locations/9", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var loc gmb.Location
	if err := json.NewDecoder(rec.Body).Decode(&loc); err != nil {
		t.Fatalf("decode location: %v", err)
	}
	if loc.Name != "accounts/1/locations/9" || loc.LocationName != "Main Office" || loc.StreetAddress() != "1 Main St" {
		t.Fatalf("unexpected location %+v", loc)
	}

	if rec := s.do(http.MethodGet, "/api/gmb/locations/accounts/1/locations/404", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown location status = %d", rec.Code)
	}
}

func TestScheduledPostsAndExclusions(t *testing.T) {
	s := newTestServer(t)

	expectText(t, s.trigger("/api/gmb/scheduled-posts", handlers.ActionUpdateScheduled, map[string]any{
		"scheduled_posts": []any{4, "8", 15},
	}), "success")
	if got := s.settings().PostingSettings.ScheduledPosts; len(got) != 3 || got[1] != 8 {
		t.Fatalf("scheduled posts = %v", got)
	}
	expectText(t, s.trigger("/api/gmb/scheduled-posts", handlers.ActionUpdateScheduled, map[string]any{
		"scheduled_posts": []any{"abc"},
	}), "request failed")

	expectText(t, s.trigger("/api/gmb/scheduled-posts/clear", handlers.ActionClearScheduled, nil), "success")
	if got := s.settings().PostingSettings.ScheduledPosts; len(got) != 0 {
		t.Fatalf("scheduled posts = %v", got)
	}

	for _, id := range []int{5, 6, 5} {
		expectText(t, s.trigger("/api/gmb/exclusions", handlers.ActionUpdateExclusions, map[string]any{
			"update_type": "add", "post_id": id,
		}), "success")
	}
	if got := s.settings().PostingSettings.ExcludedPosts; len(got) != 2 {
		t.Fatalf("exclusions should be deduplicated: %v", got)
	}
	expectText(t, s.trigger("/api/gmb/exclusions", handlers.ActionUpdateExclusions, map[string]any{
		"update_type": "remove", "post_id": 5,
	}), "success")
	expectText(t, s.trigger("/api/gmb/exclusions", handlers.ActionUpdateExclusions, map[string]any{
		"update_type": "remove", "post_id": 42,
	}), "request failed")
	expectText(t, s.trigger("/api/gmb/exclusions", handlers.ActionUpdateExclusions, map[string]any{
		"update_type": "toggle", "post_id": 6,
	}), "request failed")
	expectText(t, s.trigger("/api/gmb/exclusions", handlers.ActionUpdateExclusions, map[string]any{
		"update_type": "clear",
	}), "success")
	if got := s.settings().PostingSettings.ExcludedPosts; len(got) != 0 {
		t.Fatalf("exclusions = %v", got)
	}
}

func TestResetNextPostTimeAndClearStatus(t *testing.T) {
	s := newTestServer(t)
	_ = s.store.SetStatus("Oops! Post Unsuccessful - WP_Error returned.")

	// 2024-06-03 08:00 UTC + 12h
	expectText(t, s.trigger("/api/gmb/reset-next-post-time", handlers.ActionResetNextPostTime, nil), "Monday, June 3")
	if s.sched.State() != scheduler.StateUnauthenticated {
		t.Fatalf("state = %s", s.sched.State())
	}

	expectText(t, s.trigger("/api/gmb/clear-last-post-status", handlers.ActionClearLastPostStatus, nil), "success")
	if msg := s.settings().PostingLogs.LastPostStatusMessage; msg != "" {
		t.Fatalf("status = %q", msg)
	}
}

func TestClearSettings(t *testing.T) {
	s := newTestServer(t)
	expectText(t, s.trigger("/api/gmb/initial-tokens", handlers.ActionSetInitialTokens, map[string]any{
		"access_token": "a", "refresh_token": "r",
	}), "success")
	_ = s.cache.Set(directory.AccountCacheName, []gmb.Account{{Name: "accounts/1"}}, time.Hour)

	expectText(t, s.trigger("/api/gmb/clear-settings", handlers.ActionClearSettings, nil), "success")

	if st := s.settings(); st.Authenticated() || st.AccessToken != "" {
		t.Fatalf("settings not reset: %+v", st)
	}
	var cached string
	if err := s.cache.Get(token.AuthCacheName, &cached); err == nil {
		t.Fatal("token cache should be cleared")
	}
	var accounts []gmb.Account
	if err := s.cache.Get(directory.AccountCacheName, &accounts); err == nil {
		t.Fatal("account cache should be cleared")
	}
	if ev, _ := s.sched.Event(); ev != nil {
		t.Fatal("posting event should be cleared")
	}
	if s.sched.NextPostTime() != "Unscheduled" {
		t.Fatalf("next post time = %q", s.sched.NextPostTime())
	}
}

func TestListingsCRUD(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/listings", `{"id":12,"title":"Loft","content":"<p>Loft</p>","permalink":"https://example.com/loft"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert status = %d body=%s", rec.Code, rec.Body.String())
	}
	if rec := s.do(http.MethodPost, "/api/listings", `{"id":13,"status":"pending"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid status accepted: %d", rec.Code)
	}

	rec = s.do(http.MethodGet, "/api/listings/12", "")
	var listing models.Listing
	if err := json.NewDecoder(rec.Body).Decode(&listing); err != nil || listing.Title != "Loft" || listing.Status != "publish" || listing.PostType != "listing" {
		t.Fatalf("unexpected listing %+v err=%v", listing, err)
	}

	rec = s.do(http.MethodGet, "/api/listings", "")
	var list struct {
		Total int64 `json:"total"`
	}
	_ = json.NewDecoder(rec.Body).Decode(&list)
	if list.Total != 1 {
		t.Fatalf("total = %d", list.Total)
	}

	if rec := s.do(http.MethodDelete, "/api/listings/12", ""); rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := s.do(http.MethodGet, "/api/listings/12", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete = %d", rec.Code)
	}
	if rec := s.do(http.MethodDelete, "/api/listings/abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d", rec.Code)
	}
}

func TestMetricsAndVersion(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("metrics status = %d", rec.Code)
	}

	rec = s.do(http.MethodGet, "/api/version", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"version"`) {
		t.Fatalf("version = %d %s", rec.Code, rec.Body.String())
	}
}
