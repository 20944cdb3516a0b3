// Package gcs mirrors exported feeds into a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/mattyhall/rexml/internal/feed"
)

const generatorMetadata = "rexml"

// Config names the destination bucket and how long readers may cache a feed.
type Config struct {
	Bucket string
	// CacheMaxAge is the public max-age of each feed object. Zero disables caching.
	CacheMaxAge time.Duration
}

// BlobStore writes feed objects to a single bucket.
type BlobStore struct {
	client *storage.Client
	cfg    Config
}

// New wraps client for cfg.Bucket.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.CacheMaxAge < 0 {
		return nil, fmt.Errorf("cache max age must be >= 0")
	}
	return &BlobStore{client: client, cfg: cfg}, nil
}

// NewFromEnv dials GCS with application default credentials.
func NewFromEnv(ctx context.Context, cfg Config) (*BlobStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	store, err := New(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return store, nil
}

// PutObject uploads a feed document and returns its gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, name string, contentType string, r io.Reader) (string, error) {
	attrs, err := objectAttrs(s.cfg, name, contentType)
	if err != nil {
		return "", err
	}
	writer := s.client.Bucket(s.cfg.Bucket).Object(attrs.Name).NewWriter(ctx)
	writer.ContentType = attrs.ContentType
	writer.CacheControl = attrs.CacheControl
	writer.Metadata = attrs.Metadata
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("upload %s: %w (close writer: %v)", attrs.Name, err, closeErr)
		}
		return "", fmt.Errorf("upload %s: %w", attrs.Name, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", attrs.Name, err)
	}
	return URI(s.cfg.Bucket, attrs.Name), nil
}

// Close releases the client.
func (s *BlobStore) Close() error {
	return s.client.Close()
}

// URI formats the gs:// address of an object.
func URI(bucket, name string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, name)
}

// objectAttrs derives the stored attributes of a feed object. Names are
// bucket-relative and must stay within the export prefix they were built from.
func objectAttrs(cfg Config, name, contentType string) (storage.ObjectAttrs, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return storage.ObjectAttrs{}, fmt.Errorf("object name is required")
	}
	if strings.HasPrefix(name, "/") || path.Clean(name) != name || strings.HasPrefix(name, "../") || name == ".." {
		return storage.ObjectAttrs{}, fmt.Errorf("object name %q is not a clean relative path", name)
	}
	if contentType == "" {
		contentType = feed.ContentType
	}
	cacheControl := "no-cache, max-age=0"
	if cfg.CacheMaxAge > 0 {
		cacheControl = fmt.Sprintf("public, max-age=%d", int64(cfg.CacheMaxAge/time.Second))
	}
	return storage.ObjectAttrs{
		Bucket:       cfg.Bucket,
		Name:         name,
		ContentType:  contentType,
		CacheControl: cacheControl,
		Metadata: map[string]string{
			"generator": generatorMetadata,
			"channel":   strings.TrimSuffix(path.Base(name), ".xml"),
		},
	}, nil
}
