package composer

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/pysugar/gmb-autopost/internal/content"
	"github.com/pysugar/gmb-autopost/internal/db"
	"github.com/pysugar/gmb-autopost/internal/db/dbtest"
	"github.com/pysugar/gmb-autopost/internal/db/models"
	"github.com/pysugar/gmb-autopost/internal/gmb"
	"github.com/pysugar/gmb-autopost/internal/logging"
	"github.com/pysugar/gmb-autopost/internal/settings"
	"github.com/pysugar/gmb-autopost/internal/util"
)

type proberFunc func(ctx context.Context, url string) (ImageInfo, error)

func (f proberFunc) Probe(ctx context.Context, url string) (ImageInfo, error) { return f(ctx, url) }

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type fixture struct {
	store    *settings.Store
	listings *content.Repository
	base     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := dbtest.New(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &fixture{
		store:    settings.NewStore(db.NewOptionStore(gdb)),
		listings: content.NewRepository(gdb, util.NewFakeClock(base)),
		base:     base,
	}
}

func (f *fixture) addListings(t *testing.T, ids ...int64) {
	t.Helper()
	for i, id := range ids {
		// later ids in the argument list are newer
		l := &models.Listing{
			ID:          id,
			PostType:    "listing",
			Status:      models.ListingStatusPublish,
			Content:     "<p>Listing body</p>",
			Permalink:   "https://example.com/listings/" + string(rune('a'+i)),
			PublishedAt: f.base.Add(time.Duration(i) * time.Hour),
		}
		if err := f.listings.Upsert(l); err != nil {
			t.Fatalf("seed listing: %v", err)
		}
	}
}

func (f *fixture) composer(prober ImageProber) *Composer {
	return New(f.store, f.listings, prober, "listing", logging.Discard())
}

func (f *fixture) update(t *testing.T, fn func(*settings.Settings)) {
	t.Helper()
	if _, err := f.store.Update(func(st *settings.Settings) error { fn(st); return nil }); err != nil {
		t.Fatalf("update settings: %v", err)
	}
}

func TestStripTagsAndSummarize(t *testing.T) {
	in := "<div><h2>Open house</h2><p>Three&nbsp;beds, <b>two</b> baths.</p><script>alert(1)</script></div>"
	if got := StripTags(in); got != "Open house Three beds, two baths." {
		t.Fatalf("StripTags() = %q", got)
	}

	escaped := "<p>Great home &lt;script&gt;alert(1)&lt;/script&gt; &lt;b&gt;bold&lt;/b&gt; &amp; more</p>"
	want := "Great home &lt;script&gt;alert(1)&lt;/script&gt; &lt;b&gt;bold&lt;/b&gt; & more"
	if got := Summarize(escaped); got != want {
		t.Fatalf("Summarize(escaped markup) = %q, want %q", got, want)
	}

	long := "<p>" + strings.Repeat("é<b>x</b>", 1000) + "</p>"
	got := Summarize(long)
	if utf8.RuneCountInString(got) > MaxSummaryLength {
		t.Fatalf("summary has %d characters", utf8.RuneCountInString(got))
	}
	if strings.ContainsAny(got, "<>") {
		t.Fatalf("summary still has markup: %q", got[:40])
	}
	if !utf8.ValidString(got) {
		t.Fatal("truncation split a UTF-8 sequence")
	}
}

func TestPrepare(t *testing.T) {
	tests := []struct {
		name    string
		post    Post
		wantErr bool
	}{
		{"complete", Post{Summary: "<p>hi</p>", PhotoURL: "https://x.test/a.jpg", PageURL: "http://x.test/p"}, false},
		{"empty summary after strip", Post{Summary: "<p> </p>", PhotoURL: "https://x.test/a.jpg", PageURL: "https://x.test/p"}, true},
		{"relative photo", Post{Summary: "hi", PhotoURL: "/a.jpg", PageURL: "https://x.test/p"}, true},
		{"ftp page", Post{Summary: "hi", PhotoURL: "https://x.test/a.jpg", PageURL: "ftp://x.test/p"}, true},
		{"missing page", Post{Summary: "hi", PhotoURL: "https://x.test/a.jpg"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Prepare(tt.post)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Prepare() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if gmb.StatusMessage(err) != gmb.MsgValidationFailed {
					t.Fatalf("unexpected message %q", gmb.StatusMessage(err))
				}
				return
			}
			if got.Summary != "hi" {
				t.Fatalf("summary not stripped: %q", got.Summary)
			}
		})
	}
}

func TestResolve_ListingWithOverrides(t *testing.T) {
	f := newFixture(t)
	f.addListings(t, 7)
	f.update(t, func(st *settings.Settings) {
		st.PostingDefaults = settings.PostingDefaults{
			DefaultLink:            "https://example.com/",
			DefaultLinkOverride:    true,
			DefaultSummary:         "Default summary",
			DefaultSummaryOverride: false,
			DefaultPhoto:           "https://example.com/default.jpg",
		}
	})

	post, err := f.composer(nil).Resolve(context.Background(), ForListing(7))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if post.Summary != "<p>Listing body</p>" {
		t.Fatalf("summary should come from the listing, got %q", post.Summary)
	}
	if post.PageURL != "https://example.com/" {
		t.Fatalf("link override ignored: %q", post.PageURL)
	}
	if post.PhotoURL != "https://example.com/default.jpg" {
		t.Fatalf("expected default photo without thumbnail, got %q", post.PhotoURL)
	}
	if post.ListingID == nil || *post.ListingID != 7 {
		t.Fatalf("listing id not carried: %v", post.ListingID)
	}
}

func TestResolve_ThumbnailAcceptance(t *testing.T) {
	tests := []struct {
		name   string
		info   ImageInfo
		err    error
		accept bool
	}{
		{"large enough", ImageInfo{Width: 800, Height: 600, Bytes: 200_000}, nil, true},
		{"too narrow", ImageInfo{Width: 250, Height: 600, Bytes: 200_000}, nil, false},
		{"too small file", ImageInfo{Width: 800, Height: 600, Bytes: 10240}, nil, false},
		{"too large file", ImageInfo{Width: 800, Height: 600, Bytes: 5242880}, nil, false},
		{"probe failure", ImageInfo{}, errors.New("timeout"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if err := f.listings.Upsert(&models.Listing{
				ID: 1, PostType: "listing", Permalink: "https://example.com/l",
				ThumbnailURL: "https://cdn.test/small.jpg", ThumbnailFullURL: "https://cdn.test/full.jpg",
			}); err != nil {
				t.Fatalf("seed: %v", err)
			}
			f.update(t, func(st *settings.Settings) { st.PostingDefaults.DefaultPhoto = "https://example.com/default.jpg" })

			var probed string
			prober := proberFunc(func(ctx context.Context, url string) (ImageInfo, error) {
				probed = url
				return tt.info, tt.err
			})
			post, err := f.composer(prober).Resolve(context.Background(), ForListing(1))
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if probed != "https://cdn.test/full.jpg" {
				t.Fatalf("full size thumbnail should be probed, got %q", probed)
			}
			want := "https://example.com/default.jpg"
			if tt.accept {
				want = "https://cdn.test/full.jpg"
			}
			if post.PhotoURL != want {
				t.Fatalf("photo = %q, want %q", post.PhotoURL, want)
			}
		})
	}
}

func TestResolve_PhotoOverrideSkipsProbe(t *testing.T) {
	f := newFixture(t)
	if err := f.listings.Upsert(&models.Listing{ID: 1, PostType: "listing", ThumbnailURL: "https://cdn.test/a.jpg"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	f.update(t, func(st *settings.Settings) {
		st.PostingDefaults.DefaultPhoto = "https://example.com/default.jpg"
		st.PostingDefaults.DefaultPhotoOverride = true
	})
	prober := proberFunc(func(ctx context.Context, url string) (ImageInfo, error) {
		t.Fatal("probe must not run with photo override")
		return ImageInfo{}, nil
	})
	post, err := f.composer(prober).Resolve(context.Background(), ForListing(1))
	if err != nil || post.PhotoURL != "https://example.com/default.jpg" {
		t.Fatalf("unexpected post %+v err=%v", post, err)
	}
}

func TestResolve_MissingListingAndQueue(t *testing.T) {
	f := newFixture(t)
	c := f.composer(nil)

	_, err := c.Resolve(context.Background(), ForListing(404))
	var ve *gmb.ValidationError
	if !errors.As(err, &ve) || ve.Msg != gmb.MsgListingNotFound {
		t.Fatalf("expected listing-not-found, got %v", err)
	}

	if _, err := c.Resolve(context.Background(), NextInQueue()); !errors.As(err, &ve) {
		t.Fatalf("empty queue should fail validation, got %v", err)
	}

	f.addListings(t, 3)
	f.update(t, func(st *settings.Settings) { st.PostingSettings.ScheduledPosts = []int64{3} })
	post, err := c.Resolve(context.Background(), NextInQueue())
	if err != nil || post.ListingID == nil || *post.ListingID != 3 {
		t.Fatalf("expected queue head, got %+v err=%v", post, err)
	}
}

func TestResolve_Defaults(t *testing.T) {
	f := newFixture(t)
	f.update(t, func(st *settings.Settings) {
		st.PostingDefaults.DefaultSummary = "S"
		st.PostingDefaults.DefaultLink = "https://l.test"
		st.PostingDefaults.DefaultPhoto = "https://p.test/x.jpg"
	})
	post, err := f.composer(nil).Resolve(context.Background(), DefaultsOnly())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if post.Summary != "S" || post.PageURL != "https://l.test" || post.PhotoURL != "https://p.test/x.jpg" || post.ListingID != nil {
		t.Fatalf("unexpected defaults post %+v", post)
	}
}

func TestPickNextCandidate(t *testing.T) {
	ctx := context.Background()

	t.Run("no listings falls back to defaults", func(t *testing.T) {
		f := newFixture(t)
		src, err := f.composer(nil).PickNextCandidate(ctx)
		if err != nil || !src.IsDefaults() {
			t.Fatalf("expected defaults, got %v err=%v", src, err)
		}
	})

	t.Run("newest unused listing", func(t *testing.T) {
		f := newFixture(t)
		f.addListings(t, 1, 2, 3)
		f.update(t, func(st *settings.Settings) { st.AddUsedPostID(3) })
		src, err := f.composer(nil).PickNextCandidate(ctx)
		if id, ok := src.ListingID(); err != nil || !ok || id != 2 {
			t.Fatalf("expected listing 2, got %v err=%v", src, err)
		}
	})

	t.Run("excluded listings are skipped", func(t *testing.T) {
		f := newFixture(t)
		f.addListings(t, 1, 2, 3)
		f.update(t, func(st *settings.Settings) { st.AddExclusion(3) })
		src, _ := f.composer(nil).PickNextCandidate(ctx)
		if id, _ := src.ListingID(); id != 2 {
			t.Fatalf("expected listing 2, got %v", src)
		}
	})

	t.Run("all excluded falls back to defaults", func(t *testing.T) {
		f := newFixture(t)
		f.addListings(t, 1)
		f.update(t, func(st *settings.Settings) { st.AddExclusion(1) })
		src, _ := f.composer(nil).PickNextCandidate(ctx)
		if !src.IsDefaults() {
			t.Fatalf("expected defaults, got %v", src)
		}
	})

	t.Run("exhausted list resets and restarts from newest", func(t *testing.T) {
		f := newFixture(t)
		f.addListings(t, 1, 2, 3)
		f.update(t, func(st *settings.Settings) {
			st.AddUsedPostID(1)
			st.AddUsedPostID(2)
			st.AddUsedPostID(3)
		})
		src, err := f.composer(nil).PickNextCandidate(ctx)
		if id, _ := src.ListingID(); err != nil || id != 3 {
			t.Fatalf("expected newest listing 3, got %v err=%v", src, err)
		}
		st, _ := f.store.Load()
		if len(st.PostingLogs.UsedPostIDs) != 0 {
			t.Fatalf("used ids should be cleared, got %v", st.PostingLogs.UsedPostIDs)
		}
	})
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestHTTPProber(t *testing.T) {
	img := pngBytes(t, 300, 400)

	tests := []struct {
		name       string
		headStatus int
		headLength int64
		getStatus  int
		getLength  int64
		wantBytes  int64
		wantErr    bool
	}{
		{name: "size from HEAD", headStatus: 200, headLength: 20_000, getStatus: 200, getLength: -1, wantBytes: 20_000},
		{name: "unknown size assumed", headStatus: 200, headLength: -1, getStatus: 200, getLength: -1, wantBytes: MinImageBytes + 1},
		{name: "HEAD refused, size from GET", headStatus: 405, headLength: -1, getStatus: 200, getLength: 30_000, wantBytes: 30_000},
		{name: "HEAD forbidden, size unknown", headStatus: 403, headLength: 0, getStatus: 200, getLength: -1, wantBytes: MinImageBytes + 1},
		{name: "image missing", headStatus: 200, headLength: 20_000, getStatus: 404, getLength: -1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
				if r.Method == http.MethodHead {
					return &http.Response{StatusCode: tt.headStatus, ContentLength: tt.headLength, Body: http.NoBody}, nil
				}
				return &http.Response{StatusCode: tt.getStatus, ContentLength: tt.getLength, Body: io.NopCloser(bytes.NewReader(img))}, nil
			})}

			info, err := NewHTTPProber(time.Second, client).Probe(context.Background(), "https://cdn.test/a.png")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Probe() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if info.Width != 300 || info.Height != 400 || info.Bytes != tt.wantBytes {
				t.Fatalf("unexpected info %+v", info)
			}
		})
	}
}

func TestHTTPProber_HeadNotAllowed(t *testing.T) {
	img := pngBytes(t, 300, 300)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(img)))
		_, _ = w.Write(img)
	}))
	defer srv.Close()

	info, err := NewHTTPProber(time.Second, srv.Client()).Probe(context.Background(), srv.URL+"/photo.png")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if info.Width != 300 || info.Height != 300 || info.Bytes != int64(len(img)) {
		t.Fatalf("unexpected info %+v", info)
	}
}

// webpHeader is a lossless WebP stream holding only the 300x300 image header.
var webpHeader = []byte{
	'R', 'I', 'F', 'F', 18, 0, 0, 0, 'W', 'E', 'B', 'P',
	'V', 'P', '8', 'L', 5, 0, 0, 0,
	0x2f, 0x2b, 0xc1, 0x4a, 0x00, 0x00,
}

func TestHTTPProber_WebP(t *testing.T) {
	client := &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, ContentLength: 40_000, Body: io.NopCloser(bytes.NewReader(webpHeader))}, nil
	})}

	info, err := NewHTTPProber(time.Second, client).Probe(context.Background(), "https://cdn.test/a.webp")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if info.Width != 300 || info.Height != 300 || !info.Acceptable() {
		t.Fatalf("unexpected info %+v", info)
	}
}
