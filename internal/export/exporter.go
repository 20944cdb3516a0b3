// Package export mirrors rendered feeds into a blob store after each scan cycle.
package export

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"

	"go.uber.org/zap"

	"github.com/mattyhall/rexml/internal/feed"
	"github.com/mattyhall/rexml/internal/hash/sha256"
	"github.com/mattyhall/rexml/internal/watch"
)

// Renderer produces a channel's feed document.
type Renderer interface {
	Render(ctx context.Context, channelName string) ([]byte, error)
}

// Exporter writes every channel's feed to {prefix}/{channel}.xml, skipping
// channels whose feed is unchanged since the last successful upload.
type Exporter struct {
	renderer Renderer
	blobs    watch.BlobStore
	prefix   string
	logger   *zap.Logger

	mu       sync.Mutex
	uploaded map[string]string
}

// New constructs an Exporter.
func New(renderer Renderer, blobs watch.BlobStore, prefix string, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		renderer: renderer,
		blobs:    blobs,
		prefix:   prefix,
		logger:   logger,
		uploaded: make(map[string]string),
	}
}

// ObjectPath is where channel's feed is written.
func ObjectPath(prefix, channel string) string {
	return path.Join(prefix, channel+".xml")
}

// AfterCycle exports each channel, logging failures.
func (e *Exporter) AfterCycle(ctx context.Context, channels []watch.Channel) {
	for _, channel := range channels {
		uri, err := e.ExportChannel(ctx, channel.Name)
		if err != nil {
			e.logger.Warn("feed export failed", zap.String("channel", channel.Name), zap.Error(err))
			continue
		}
		if uri != "" {
			e.logger.Debug("feed exported", zap.String("channel", channel.Name), zap.String("uri", uri))
		}
	}
}

// ExportChannel renders and uploads one channel's feed, returning its URI.
// An unchanged feed is not uploaded and yields an empty URI.
func (e *Exporter) ExportChannel(ctx context.Context, channel string) (string, error) {
	body, err := e.renderer.Render(ctx, channel)
	if err != nil {
		return "", err
	}
	objectPath := ObjectPath(e.prefix, channel)
	digest := sha256.Sum(body)
	e.mu.Lock()
	unchanged := e.uploaded[channel] == digest
	e.mu.Unlock()
	if unchanged {
		return "", nil
	}

	uri, err := e.blobs.PutObject(ctx, objectPath, feed.ContentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("put feed %s: %w", channel, err)
	}
	e.mu.Lock()
	e.uploaded[channel] = digest
	e.mu.Unlock()
	return uri, nil
}
