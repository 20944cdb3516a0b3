package watch

import (
	"context"
	"io"
	"time"
)

// ChannelStore persists registered channels.
type ChannelStore interface {
	CreateChannel(ctx context.Context, channel Channel) error
	GetChannel(ctx context.Context, name string) (Channel, error)
	ListChannels(ctx context.Context) ([]Channel, error)
}

// PostStore persists observed posts and their crossing bookkeeping.
type PostStore interface {
	LookupPost(ctx context.Context, channelID, upstreamID string) (PostRecord, bool, error)
	InsertPost(ctx context.Context, record PostRecord) error
	RecordCrossing(ctx context.Context, channelID, upstreamID string, score int64, at time.Time) error
	ListCrossedPosts(ctx context.Context, channelID string, limit int) ([]PostRecord, error)
}

// Store is the full persistence surface. Implementations serialize writes.
type Store interface {
	ChannelStore
	PostStore
	Close() error
}

// Fetcher retrieves one page of a channel's newest posts, newest first.
// An empty cursor requests the first page; an empty result means no more pages.
type Fetcher interface {
	FetchPage(ctx context.Context, channelName, cursor string) ([]Post, error)
}

// Notifier receives threshold crossing events.
type Notifier interface {
	NotifyCrossing(ctx context.Context, event CrossingEvent) error
}

// BlobStore writes exported artifacts and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces channel IDs.
type IDGenerator interface {
	NewID() (string, error)
}
