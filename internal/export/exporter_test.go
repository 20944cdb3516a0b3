package export

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mattyhall/rexml/internal/export/memory"
	"github.com/mattyhall/rexml/internal/feed"
	memstore "github.com/mattyhall/rexml/internal/storage/memory"
	"github.com/mattyhall/rexml/internal/watch"
)

type stubRenderer struct {
	fail map[string]bool
}

func (s stubRenderer) Render(_ context.Context, name string) ([]byte, error) {
	if s.fail[name] {
		return nil, errors.New("render failed")
	}
	return []byte("<feed>" + name + "</feed>"), nil
}

func TestObjectPath(t *testing.T) {
	t.Parallel()
	require.Equal(t, "feeds/golang.xml", ObjectPath("feeds", "golang"))
	require.Equal(t, "feeds/golang.xml", ObjectPath("feeds/", "golang"))
	require.Equal(t, "golang.xml", ObjectPath("", "golang"))
}

func TestAfterCycleWritesEachChannel(t *testing.T) {
	t.Parallel()
	blobs := memory.New()
	e := New(stubRenderer{fail: map[string]bool{"broken": true}}, blobs, "feeds", zap.NewNop())

	e.AfterCycle(context.Background(), []watch.Channel{{Name: "golang"}, {Name: "broken"}, {Name: "rust"}})

	body, contentType, ok := blobs.Get("feeds/golang.xml")
	require.True(t, ok)
	require.Equal(t, feed.ContentType, contentType)
	require.Equal(t, "<feed>golang</feed>", string(body))
	_, _, ok = blobs.Get("feeds/rust.xml")
	require.True(t, ok)
	_, _, ok = blobs.Get("feeds/broken.xml")
	require.False(t, ok)
}

type countingBlobs struct {
	*memory.BlobStore
	puts int
}

func (c *countingBlobs) PutObject(ctx context.Context, path, contentType string, data io.Reader) (string, error) {
	c.puts++
	return c.BlobStore.PutObject(ctx, path, contentType, data)
}

func TestExportSkipsUnchangedFeeds(t *testing.T) {
	t.Parallel()
	blobs := &countingBlobs{BlobStore: memory.New()}
	e := New(stubRenderer{}, blobs, "feeds", zap.NewNop())

	uri, err := e.ExportChannel(context.Background(), "golang")
	require.NoError(t, err)
	require.NotEmpty(t, uri)
	uri, err = e.ExportChannel(context.Background(), "golang")
	require.NoError(t, err)
	require.Empty(t, uri)
	require.Equal(t, 1, blobs.puts)

	_, err = e.ExportChannel(context.Background(), "rust")
	require.NoError(t, err)
	require.Equal(t, 2, blobs.puts)
}

func TestExportChannelWithRealRenderer(t *testing.T) {
	t.Parallel()
	store := memstore.NewStore()
	require.NoError(t, store.CreateChannel(context.Background(), watch.Channel{ID: "c1", Name: "golang", UpvoteThreshold: 1, TimeCutoff: time.Hour}))
	blobs := memory.New()
	e := New(feed.NewRenderer(store, feed.Config{BaseURL: "http://rexml.example"}), blobs, "feeds", nil)

	uri, err := e.ExportChannel(context.Background(), "golang")
	require.NoError(t, err)
	require.Equal(t, "memory://feeds/golang.xml", uri)

	body, _, ok := blobs.Get("feeds/golang.xml")
	require.True(t, ok)
	require.Contains(t, string(body), "<title>golang posts</title>")
}
