// Package settings holds the persisted GMB integration record: tokens,
// locations with sharing flags, posting preferences and the posting log.
package settings

import (
	"slices"
	"sort"
)

// OptionName is the fixed option row the record is stored under.
const OptionName = "wp_listings_google_my_business_options"

// MaxUsedPostIDs bounds the used-post log; the oldest entry is evicted first.
const MaxUsedPostIDs = 50

// Posting frequencies.
const (
	FrequencyWeekly   = "weekly"
	FrequencyBiweekly = "biweekly"
	FrequencyMonthly  = "monthly"
)

// ValidFrequency reports whether f names a supported posting interval.
func ValidFrequency(f string) bool {
	switch f {
	case FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly:
		return true
	}
	return false
}

type Location struct {
	LocationName    string `json:"location_name"`
	StreetAddress   string `json:"street_address"`
	ShareToLocation bool   `json:"share_to_location"`
}

type PostingSettings struct {
	PostingFrequency      string  `json:"posting_frequency"`
	EmptyScheduleAutoPost bool    `json:"empty_schedule_auto_post"`
	ScheduledPosts        []int64 `json:"scheduled_posts"`
	ExcludedPosts         []int64 `json:"excluded_posts"`
}

type PostingDefaults struct {
	DefaultLink            string `json:"default_link"`
	DefaultLinkOverride    bool   `json:"default_link_override"`
	DefaultSummary         string `json:"default_summary"`
	DefaultSummaryOverride bool   `json:"default_summary_override"`
	DefaultPhoto           string `json:"default_photo"`
	DefaultPhotoOverride   bool   `json:"default_photo_override"`
}

type PostingLogs struct {
	LastPostStatusMessage string  `json:"last_post_status_message"`
	UsedPostIDs           []int64 `json:"used_post_ids"`
	LastPostTimestamp     string  `json:"last_post_timestamp"`
}

// Settings is the whole integration record. An empty AccessToken and
// RefreshToken means the integration is not authenticated.
type Settings struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	// AccountName pins the account used for posting; empty means first account.
	AccountName string `json:"account_name,omitempty"`

	Locations       map[string]Location `json:"locations"`
	PostingSettings PostingSettings     `json:"posting_settings"`
	PostingDefaults PostingDefaults     `json:"posting_defaults"`
	PostingLogs     PostingLogs         `json:"posting_logs"`
}

// Defaults returns the record of a fresh, unauthenticated install.
func Defaults() Settings {
	return Settings{
		Locations: map[string]Location{},
		PostingSettings: PostingSettings{
			PostingFrequency: FrequencyWeekly,
			ScheduledPosts:   []int64{},
			ExcludedPosts:    []int64{},
		},
		PostingLogs: PostingLogs{
			UsedPostIDs: []int64{},
		},
	}
}

// normalize replaces nil collections so the JSON shape stays stable.
func (s *Settings) normalize() {
	if s.Locations == nil {
		s.Locations = map[string]Location{}
	}
	if s.PostingSettings.ScheduledPosts == nil {
		s.PostingSettings.ScheduledPosts = []int64{}
	}
	if s.PostingSettings.ExcludedPosts == nil {
		s.PostingSettings.ExcludedPosts = []int64{}
	}
	if s.PostingLogs.UsedPostIDs == nil {
		s.PostingLogs.UsedPostIDs = []int64{}
	}
	if s.PostingSettings.PostingFrequency == "" {
		s.PostingSettings.PostingFrequency = FrequencyWeekly
	}
}

// Authenticated reports whether a refresh token has been stored.
func (s *Settings) Authenticated() bool {
	return s.RefreshToken != ""
}

// AddUsedPostID appends id to the used log, evicting from the front past MaxUsedPostIDs.
func (s *Settings) AddUsedPostID(id int64) {
	s.PostingLogs.UsedPostIDs = append(s.PostingLogs.UsedPostIDs, id)
	if n := len(s.PostingLogs.UsedPostIDs); n > MaxUsedPostIDs {
		s.PostingLogs.UsedPostIDs = slices.Clone(s.PostingLogs.UsedPostIDs[n-MaxUsedPostIDs:])
	}
}

func (s *Settings) ClearUsedPostIDs() {
	s.PostingLogs.UsedPostIDs = []int64{}
}

func (s *Settings) IsUsed(id int64) bool {
	return slices.Contains(s.PostingLogs.UsedPostIDs, id)
}

func (s *Settings) IsExcluded(id int64) bool {
	return slices.Contains(s.PostingSettings.ExcludedPosts, id)
}

// RemoveScheduledPost drops the first occurrence of id from the queue.
func (s *Settings) RemoveScheduledPost(id int64) bool {
	i := slices.Index(s.PostingSettings.ScheduledPosts, id)
	if i < 0 {
		return false
	}
	s.PostingSettings.ScheduledPosts = slices.Delete(s.PostingSettings.ScheduledPosts, i, i+1)
	return true
}

// QueueHead returns the first scheduled post id.
func (s *Settings) QueueHead() (int64, bool) {
	if len(s.PostingSettings.ScheduledPosts) == 0 {
		return 0, false
	}
	return s.PostingSettings.ScheduledPosts[0], true
}

// AddExclusion adds id to the exclusion set; duplicates are collapsed.
func (s *Settings) AddExclusion(id int64) {
	if !s.IsExcluded(id) {
		s.PostingSettings.ExcludedPosts = append(s.PostingSettings.ExcludedPosts, id)
	}
}

// RemoveExclusion reports whether id was present.
func (s *Settings) RemoveExclusion(id int64) bool {
	i := slices.Index(s.PostingSettings.ExcludedPosts, id)
	if i < 0 {
		return false
	}
	s.PostingSettings.ExcludedPosts = slices.Delete(s.PostingSettings.ExcludedPosts, i, i+1)
	return true
}

// SharedLocations returns the keys of locations enabled for sharing, sorted.
func (s *Settings) SharedLocations() []string {
	return SharedKeys(s.Locations)
}

// SharedKeys returns the keys of locations enabled for sharing, sorted.
func SharedKeys(locations map[string]Location) []string {
	keys := []string{}
	for key, loc := range locations {
		if loc.ShareToLocation {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Redacted returns a copy with token values masked, for status views.
func (s Settings) Redacted() Settings {
	mask := func(v string) string {
		if v == "" {
			return ""
		}
		return "********"
	}
	s.AccessToken = mask(s.AccessToken)
	s.RefreshToken = mask(s.RefreshToken)
	return s
}
