// Package memory provides an in-memory watch.Store for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mattyhall/rexml/internal/apperrors"
	"github.com/mattyhall/rexml/internal/watch"
)

type postKey struct {
	channelID  string
	upstreamID string
}

// Store keeps channels and posts in maps guarded by a single mutex, which
// gives it the same single-writer behavior as the SQL backends.
type Store struct {
	mu       sync.RWMutex
	channels map[string]watch.Channel // by name
	order    []string
	posts    map[postKey]watch.PostRecord
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		channels: make(map[string]watch.Channel),
		posts:    make(map[postKey]watch.PostRecord),
	}
}

// CreateChannel registers a channel; duplicate names are a conflict.
func (s *Store) CreateChannel(_ context.Context, channel watch.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.channels[channel.Name]; exists {
		return apperrors.Newf(apperrors.KindConflict, "channel %q already registered", channel.Name)
	}
	s.channels[channel.Name] = channel
	s.order = append(s.order, channel.Name)
	return nil
}

// GetChannel looks a channel up by name.
func (s *Store) GetChannel(_ context.Context, name string) (watch.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	channel, ok := s.channels[name]
	if !ok {
		return watch.Channel{}, apperrors.Newf(apperrors.KindNotFound, "channel %q not found", name)
	}
	return channel, nil
}

// ListChannels returns channels in registration order.
func (s *Store) ListChannels(_ context.Context) ([]watch.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]watch.Channel, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.channels[name])
	}
	return out, nil
}

// LookupPost returns the stored record and whether it exists.
func (s *Store) LookupPost(_ context.Context, channelID, upstreamID string) (watch.PostRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.posts[postKey{channelID, upstreamID}]
	if !ok {
		return watch.PostRecord{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

// InsertPost stores record unless one already exists for its key.
func (s *Store) InsertPost(_ context.Context, record watch.PostRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := postKey{record.ChannelID, record.UpstreamID}
	if _, exists := s.posts[key]; exists {
		return nil
	}
	s.posts[key] = cloneRecord(record)
	return nil
}

// RecordCrossing sets the score and crossing time of an existing record.
func (s *Store) RecordCrossing(_ context.Context, channelID, upstreamID string, score int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := postKey{channelID, upstreamID}
	rec, ok := s.posts[key]
	if !ok {
		return apperrors.Newf(apperrors.KindNotFound, "post %s not recorded for channel %s", upstreamID, channelID)
	}
	crossed := at.UTC()
	rec.LastScore = score
	rec.ThresholdCrossingAt = &crossed
	s.posts[key] = rec
	return nil
}

// ListCrossedPosts returns up to limit crossed posts, most recent crossing first.
func (s *Store) ListCrossedPosts(_ context.Context, channelID string, limit int) ([]watch.PostRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []watch.PostRecord
	for key, rec := range s.posts {
		if key.channelID == channelID && rec.Crossed() {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := *out[i].ThresholdCrossingAt, *out[j].ThresholdCrossingAt
		if ti.Equal(tj) {
			return out[i].UpstreamID > out[j].UpstreamID
		}
		return ti.After(tj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func cloneRecord(rec watch.PostRecord) watch.PostRecord {
	if rec.ThresholdCrossingAt != nil {
		at := *rec.ThresholdCrossingAt
		rec.ThresholdCrossingAt = &at
	}
	return rec
}
