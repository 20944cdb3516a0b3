// Package scanner walks one channel's newest posts and records threshold crossings.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mattyhall/rexml/internal/metrics"
	"github.com/mattyhall/rexml/internal/watch"
)

// Result summarizes a single channel scan.
type Result struct {
	Pages    int
	Observed int
	Inserted int
	Crossed  int
}

// Scanner runs the fetch loop and the dedup/crossing step for a channel.
type Scanner struct {
	store    watch.PostStore
	fetcher  watch.Fetcher
	clock    watch.Clock
	notifier watch.Notifier
	logger   *zap.Logger
}

// New constructs a Scanner. A nil notifier disables crossing notifications.
func New(
	store watch.PostStore,
	fetcher watch.Fetcher,
	clock watch.Clock,
	notifier watch.Notifier,
	logger *zap.Logger,
) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		store:    store,
		fetcher:  fetcher,
		clock:    clock,
		notifier: notifier,
		logger:   logger,
	}
}

// errStop ends a scan early without it counting as a failure.
var errStop = errors.New("scan stopped")

// Scan pages through channel's newest posts until a page comes back empty or
// a post older than the channel's cutoff is reached.
func (s *Scanner) Scan(ctx context.Context, channel watch.Channel) (Result, error) {
	start := time.Now()
	res, err := s.scan(ctx, channel)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ObserveScan(channel.Name, outcome, time.Since(start))
	return res, err
}

func (s *Scanner) scan(ctx context.Context, channel watch.Channel) (Result, error) {
	var res Result
	cutoff := s.clock.Now().Add(-channel.TimeCutoff)
	cursor := ""
	for {
		posts, err := s.fetcher.FetchPage(ctx, channel.Name, cursor)
		if err != nil {
			return res, fmt.Errorf("fetch page after %q: %w", cursor, err)
		}
		if len(posts) == 0 {
			return res, nil
		}
		res.Pages++

		err = s.scanPage(ctx, channel, posts, cutoff, &res)
		if errors.Is(err, errStop) {
			return res, nil
		}
		if err != nil {
			return res, err
		}
		cursor = posts[len(posts)-1].Fullname()
	}
}

func (s *Scanner) scanPage(
	ctx context.Context,
	channel watch.Channel,
	posts []watch.Post,
	cutoff time.Time,
	res *Result,
) error {
	for _, post := range posts {
		if post.CreatedAt.Before(cutoff) {
			s.logger.Debug("reached cutoff",
				zap.String("channel", channel.Name),
				zap.String("post_id", post.ID),
				zap.Time("created_at", post.CreatedAt),
			)
			return errStop
		}
		res.Observed++
		if err := s.observe(ctx, channel, post, res); err != nil {
			return fmt.Errorf("observe post %s: %w", post.ID, err)
		}
	}
	return nil
}

// observe applies the dedup and threshold-crossing step to one post. The
// stored score is only refreshed when a crossing is recorded.
func (s *Scanner) observe(ctx context.Context, channel watch.Channel, post watch.Post, res *Result) error {
	existing, found, err := s.store.LookupPost(ctx, channel.ID, post.ID)
	if err != nil {
		return err
	}
	if !found {
		if err := s.store.InsertPost(ctx, watch.NewPostRecord(channel.ID, post)); err != nil {
			return err
		}
		res.Inserted++
	}
	metrics.ObservePost(channel.Name, !found)

	previouslyBelow := !found || existing.LastScore < channel.UpvoteThreshold
	if post.Score < channel.UpvoteThreshold || !previouslyBelow {
		return nil
	}

	now := s.clock.Now()
	if err := s.store.RecordCrossing(ctx, channel.ID, post.ID, post.Score, now); err != nil {
		return err
	}
	res.Crossed++
	metrics.ObserveCrossing(channel.Name)
	s.logger.Info("threshold crossed",
		zap.String("channel", channel.Name),
		zap.String("post_id", post.ID),
		zap.Int64("score", post.Score),
		zap.Int64("threshold", channel.UpvoteThreshold),
	)
	s.notify(ctx, channel, post, now)
	return nil
}

func (s *Scanner) notify(ctx context.Context, channel watch.Channel, post watch.Post, at time.Time) {
	if s.notifier == nil {
		return
	}
	event := watch.CrossingEvent{
		ChannelID:   channel.ID,
		ChannelName: channel.Name,
		UpstreamID:  post.ID,
		Title:       post.Title,
		URL:         post.URL,
		Permalink:   post.Permalink,
		Score:       post.Score,
		Threshold:   channel.UpvoteThreshold,
		CrossedAt:   at,
	}
	if err := s.notifier.NotifyCrossing(ctx, event); err != nil {
		s.logger.Warn("crossing notification failed",
			zap.String("channel", channel.Name),
			zap.String("post_id", post.ID),
			zap.Error(err),
		)
	}
}
