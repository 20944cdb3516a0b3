package watch

import (
	"regexp"
	"time"
)

// Channel is a registered subreddit and its crossing settings.
type Channel struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	UpvoteThreshold int64         `json:"upvote_threshold"`
	TimeCutoff      time.Duration `json:"-"`
}

// CutoffSeconds reports the cutoff window in whole seconds, the unit it is persisted in.
func (c Channel) CutoffSeconds() int64 {
	return int64(c.TimeCutoff / time.Second)
}

// Post is one listing item as delivered by the upstream API.
type Post struct {
	Kind      string
	ID        string
	Title     string
	Score     int64
	Permalink string
	URL       string
	CreatedAt time.Time
}

// Fullname returns the "{kind}_{id}" token used as the pagination cursor.
func (p Post) Fullname() string {
	return p.Kind + "_" + p.ID
}

// PostRecord is the persisted state of a post observed for a channel.
type PostRecord struct {
	UpstreamID          string
	ChannelID           string
	Kind                string
	Title               string
	URL                 string
	Permalink           string
	CreatedAt           time.Time
	LastScore           int64
	ThresholdCrossingAt *time.Time
}

// NewPostRecord builds the record inserted on first sighting of p.
func NewPostRecord(channelID string, p Post) PostRecord {
	return PostRecord{
		UpstreamID: p.ID,
		ChannelID:  channelID,
		Kind:       p.Kind,
		Title:      p.Title,
		URL:        p.URL,
		Permalink:  p.Permalink,
		CreatedAt:  p.CreatedAt.UTC().Truncate(time.Second),
		LastScore:  p.Score,
	}
}

// Crossed reports whether a threshold crossing has been recorded.
func (r PostRecord) Crossed() bool {
	return r.ThresholdCrossingAt != nil
}

// CrossingEvent describes a post that just met its channel's threshold.
type CrossingEvent struct {
	ChannelID   string    `json:"channel_id"`
	ChannelName string    `json:"channel"`
	UpstreamID  string    `json:"upstream_id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Permalink   string    `json:"permalink"`
	Score       int64     `json:"score"`
	Threshold   int64     `json:"threshold"`
	CrossedAt   time.Time `json:"crossed_at"`
}

var channelNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

// ValidChannelName reports whether name is an acceptable subreddit name.
func ValidChannelName(name string) bool {
	return channelNamePattern.MatchString(name)
}
