package server

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mattyhall/rexml/internal/config"
	"github.com/mattyhall/rexml/internal/watch"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func testConfig(t *testing.T, upstream string) *config.Config {
	t.Helper()
	return &config.Config{
		Feed:      config.FeedConfig{Port: freePort(t), BaseURL: "http://rexml.example", Limit: 50},
		Admin:     config.AdminConfig{Port: freePort(t)},
		Scheduler: config.SchedulerConfig{Interval: time.Hour},
		Upstream:  config.UpstreamConfig{BaseURL: upstream, UserAgent: "rexml-test", Timeout: time.Second},
		DB:        config.DBConfig{Driver: "memory"},
		Notify:    config.NotifyConfig{Backend: "memory"},
		Export: config.ExportConfig{
			Backend: "local",
			Prefix:  "feeds",
			Local:   config.LocalExportConfig{BaseDir: t.TempDir()},
		},
	}
}

func emptyListing() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"kind":"Listing","data":{"children":[],"after":null}}`))
	}))
}

func TestBuildUnknownDriver(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, "http://127.0.0.1")
	cfg.DB.Driver = "oracle"
	_, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
}

func TestRunOnceExportsFeeds(t *testing.T) {
	t.Parallel()
	upstream := emptyListing()
	defer upstream.Close()
	cfg := testConfig(t, upstream.URL)

	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer app.Close()

	require.NoError(t, app.Store().CreateChannel(context.Background(), watch.Channel{
		ID: "c1", Name: "golang", UpvoteThreshold: 10, TimeCutoff: time.Hour,
	}))
	require.NoError(t, app.Scheduler().RunOnce(context.Background()))

	body, err := os.ReadFile(filepath.Join(cfg.Export.Local.BaseDir, "feeds", "golang.xml"))
	require.NoError(t, err)
	require.Contains(t, string(body), "<title>golang posts</title>")
}

func TestRunServesBothListeners(t *testing.T) {
	t.Parallel()
	upstream := emptyListing()
	defer upstream.Close()
	cfg := testConfig(t, upstream.URL)
	cfg.Export.Backend = "none"

	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	adminURL := "http://127.0.0.1:" + strconv.Itoa(cfg.Admin.Port)
	feedURL := "http://127.0.0.1:" + strconv.Itoa(cfg.Feed.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(adminURL + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	resp, err := http.Post(adminURL+"/golang", "application/json",
		bytes.NewBufferString(`{"upvote_threshold":10,"time_cutoff_seconds":3600}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(feedURL + "/golang")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/atom+xml", resp.Header.Get("Content-Type"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("app did not shut down")
	}
}
