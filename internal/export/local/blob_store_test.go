package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattyhall/rexml/internal/export/local"
)

func TestNew(t *testing.T) {
	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "feeds")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.NotNil(t, store)
		assert.DirExists(t, dir)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsAFile", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("WritesAndReplaces", func(t *testing.T) {
		uri, err := store.PutObject(ctx, "feeds/golang.xml", "application/atom+xml", strings.NewReader("first"))
		require.NoError(t, err)
		expected := filepath.Join(dir, "feeds", "golang.xml")
		assert.Equal(t, "file://"+expected, uri)

		_, err = store.PutObject(ctx, "feeds/golang.xml", "application/atom+xml", strings.NewReader("second"))
		require.NoError(t, err)
		content, err := os.ReadFile(expected)
		require.NoError(t, err)
		assert.Equal(t, "second", string(content))

		entries, err := os.ReadDir(filepath.Join(dir, "feeds"))
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(ctx, " ", "", strings.NewReader("x"))
		assert.Error(t, err)
	})

	t.Run("PathTraversal", func(t *testing.T) {
		_, err := store.PutObject(ctx, "../escape.xml", "", strings.NewReader("x"))
		assert.Error(t, err)
	})
}
