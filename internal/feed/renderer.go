// Package feed renders a channel's crossed posts as an Atom document.
package feed

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/mattyhall/rexml/internal/watch"
)

const defaultLimit = 50

// Source is the read side of the store the renderer needs.
type Source interface {
	GetChannel(ctx context.Context, name string) (watch.Channel, error)
	ListCrossedPosts(ctx context.Context, channelID string, limit int) ([]watch.PostRecord, error)
}

// Config shapes the rendered document.
type Config struct {
	BaseURL string
	Limit   int
}

// Renderer builds feeds from stored crossings.
type Renderer struct {
	source  Source
	baseURL string
	limit   int
}

// NewRenderer constructs a Renderer.
func NewRenderer(source Source, cfg Config) *Renderer {
	limit := cfg.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	return &Renderer{
		source:  source,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		limit:   limit,
	}
}

// Render returns the feed for channelName. Unknown channels surface the
// store's not-found error; a channel with no crossings yields an empty feed.
func (r *Renderer) Render(ctx context.Context, channelName string) ([]byte, error) {
	channel, err := r.source.GetChannel(ctx, channelName)
	if err != nil {
		return nil, fmt.Errorf("get channel %s: %w", channelName, err)
	}
	posts, err := r.source.ListCrossedPosts(ctx, channel.ID, r.limit)
	if err != nil {
		return nil, fmt.Errorf("list crossed posts for %s: %w", channelName, err)
	}
	posts = lo.Filter(posts, func(p watch.PostRecord, _ int) bool { return p.Crossed() })

	self := r.baseURL + "/" + channel.Name
	doc := atomFeed{
		ID:    self,
		Title: channel.Name + " posts",
		Link:  atomLink{Href: self, Rel: "self"},
		Entries: lo.Map(posts, func(p watch.PostRecord, _ int) atomEntry {
			return atomEntry{
				ID:      p.URL,
				Title:   p.Title,
				Link:    atomLink{Href: p.URL},
				Updated: formatTime(*p.ThresholdCrossingAt),
			}
		}),
	}
	if len(posts) > 0 {
		newest := lo.MaxBy(posts, func(a, b watch.PostRecord) bool {
			return a.ThresholdCrossingAt.After(*b.ThresholdCrossingAt)
		})
		doc.Updated = formatTime(*newest.ThresholdCrossingAt)
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal feed: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
