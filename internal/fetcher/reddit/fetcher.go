// Package reddit implements watch.Fetcher against Reddit's JSON listing API.
package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mattyhall/rexml/internal/apperrors"
	"github.com/mattyhall/rexml/internal/metrics"
	"github.com/mattyhall/rexml/internal/watch"
)

const (
	defaultBaseURL   = "https://reddit.com"
	defaultUserAgent = "rexml/0.1"
	defaultTimeout   = 30 * time.Second
	maxBodyBytes     = 8 << 20
)

// Config controls the listing client.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	// PageLimit is sent as the listing "limit" parameter when positive.
	PageLimit int
}

// Limiter paces outbound requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher requests one listing page per call.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	limiter Limiter
	logger  *zap.Logger
}

// New creates a Fetcher. A nil client gets one with cfg.Timeout; a nil limiter disables pacing.
func New(cfg Config, client *http.Client, limiter Limiter, logger *zap.Logger) *Fetcher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, client: client, limiter: limiter, logger: logger}
}

// FetchPage returns the posts of one /new listing page, newest first.
func (f *Fetcher) FetchPage(ctx context.Context, channelName, cursor string) ([]watch.Post, error) {
	if strings.TrimSpace(channelName) == "" {
		return nil, apperrors.New(apperrors.KindInvalidArgument, "channel name is required")
	}
	endpoint := f.pageURL(channelName, cursor)

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, endpoint); err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindUpstream, "wait for upstream slot")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindInternal, "create request")
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	f.logger.Debug("requesting listing page",
		zap.String("channel", channelName),
		zap.String("cursor", cursor),
	)
	resp, err := f.client.Do(req)
	if err != nil {
		metrics.ObserveUpstreamRequest(0)
		return nil, apperrors.Wrap(err, apperrors.KindUpstream, "fetch r/"+channelName)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.logger.Debug("close listing body", zap.Error(cerr))
		}
	}()
	metrics.ObserveUpstreamRequest(resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperrors.Newf(apperrors.KindUpstream, "r/%s: status %d", channelName, resp.StatusCode)
	}

	var page listing
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&page); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindUpstream, "decode r/"+channelName)
	}
	posts, err := page.posts()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindUpstream, "parse r/"+channelName)
	}
	f.logger.Debug("listing page parsed",
		zap.String("channel", channelName),
		zap.Int("posts", len(posts)),
	)
	return posts, nil
}

func (f *Fetcher) pageURL(channelName, cursor string) string {
	q := url.Values{}
	if cursor != "" {
		q.Set("after", cursor)
	}
	if f.cfg.PageLimit > 0 {
		q.Set("limit", strconv.Itoa(f.cfg.PageLimit))
	}
	endpoint := fmt.Sprintf("%s/r/%s/new.json", f.cfg.BaseURL, url.PathEscape(channelName))
	if encoded := q.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	return endpoint
}

type listing struct {
	Kind string `json:"kind"`
	Data struct {
		After    *string `json:"after"`
		Children []child `json:"children"`
	} `json:"data"`
}

type child struct {
	Kind string   `json:"kind"`
	Data postData `json:"data"`
}

type postData struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Score      int64   `json:"score"`
	Permalink  string  `json:"permalink"`
	URL        string  `json:"url"`
	CreatedUTC float64 `json:"created_utc"`
	Created    float64 `json:"created"`
}

func (l listing) posts() ([]watch.Post, error) {
	posts := make([]watch.Post, 0, len(l.Data.Children))
	for i, c := range l.Data.Children {
		if c.Kind == "" || c.Data.ID == "" {
			return nil, fmt.Errorf("child %d: missing kind or id", i)
		}
		created := c.Data.CreatedUTC
		if created == 0 {
			created = c.Data.Created
		}
		posts = append(posts, watch.Post{
			Kind:      c.Kind,
			ID:        c.Data.ID,
			Title:     c.Data.Title,
			Score:     c.Data.Score,
			Permalink: c.Data.Permalink,
			URL:       c.Data.URL,
			CreatedAt: time.Unix(int64(math.Floor(created)), 0).UTC(),
		})
	}
	return posts, nil
}
