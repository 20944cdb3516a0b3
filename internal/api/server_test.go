package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mattyhall/rexml/internal/apperrors"
	"github.com/mattyhall/rexml/internal/config"
	"github.com/mattyhall/rexml/internal/feed"
	"github.com/mattyhall/rexml/internal/id/uuid"
	"github.com/mattyhall/rexml/internal/storage/memory"
	"github.com/mattyhall/rexml/internal/watch"
)

type countingWake struct {
	signals atomic.Int64
}

func (c *countingWake) Signal() {
	c.signals.Add(1)
}

type brokenStore struct {
	*memory.Store
}

func (brokenStore) CreateChannel(context.Context, watch.Channel) error {
	return apperrors.New(apperrors.KindStorage, "disk full")
}

func (brokenStore) ListChannels(context.Context) ([]watch.Channel, error) {
	return nil, apperrors.New(apperrors.KindStorage, "disk full")
}

type panicRenderer struct{}

func (panicRenderer) Render(context.Context, string) ([]byte, error) {
	panic("boom")
}

type testServer struct {
	server *Server
	store  *memory.Store
	wake   *countingWake
}

func newTestServer(t *testing.T, cfg config.Config) testServer {
	t.Helper()
	store := memory.NewStore()
	wake := &countingWake{}
	renderer := feed.NewRenderer(store, feed.Config{BaseURL: "http://rexml.example"})
	return testServer{
		server: NewServer(store, renderer, wake, uuid.New(), cfg, zap.NewNop()),
		store:  store,
		wake:   wake,
	}
}

func do(h http.Handler, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRegisterChannel(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, config.Config{})
	admin := ts.server.AdminHandler()

	rec := do(admin, http.MethodPost, "/golang", `{"upvote_threshold":100,"time_cutoff_seconds":86400}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	require.Equal(t, int64(1), ts.wake.signals.Load())

	ch, err := ts.store.GetChannel(context.Background(), "golang")
	require.NoError(t, err)
	require.Equal(t, int64(100), ch.UpvoteThreshold)
	require.Equal(t, 24*time.Hour, ch.TimeCutoff)
	require.NotEmpty(t, ch.ID)

	rec = do(admin, http.MethodPost, "/golang", `{"upvote_threshold":5,"time_cutoff_seconds":60}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, int64(1), ts.wake.signals.Load())
}

func TestRegisterChannelValidation(t *testing.T) {
	t.Parallel()
	cases := map[string]struct {
		path string
		body string
	}{
		"invalid json":       {"/golang", `{`},
		"missing threshold":  {"/golang", `{"time_cutoff_seconds":60}`},
		"missing cutoff":     {"/golang", `{"upvote_threshold":1}`},
		"zero cutoff":        {"/golang", `{"upvote_threshold":1,"time_cutoff_seconds":0}`},
		"cutoff overflows":   {"/golang", `{"upvote_threshold":1,"time_cutoff_seconds":10000000000}`},
		"negative threshold": {"/golang", `{"upvote_threshold":-1,"time_cutoff_seconds":60}`},
		"bad name":           {"/go-lang", `{"upvote_threshold":1,"time_cutoff_seconds":60}`},
		"name too long":      {"/" + strings.Repeat("a", 65), `{"upvote_threshold":1,"time_cutoff_seconds":60}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ts := newTestServer(t, config.Config{})
			rec := do(ts.server.AdminHandler(), http.MethodPost, tc.path, tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Zero(t, ts.wake.signals.Load())
		})
	}
}

func TestRegisterChannelLargestCutoff(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, config.Config{})
	body := fmt.Sprintf(`{"upvote_threshold":1,"time_cutoff_seconds":%d}`, maxCutoffSeconds)

	rec := do(ts.server.AdminHandler(), http.MethodPost, "/golang", body)
	require.Equal(t, http.StatusOK, rec.Code)

	ch, err := ts.store.GetChannel(context.Background(), "golang")
	require.NoError(t, err)
	require.Positive(t, ch.TimeCutoff)
	require.Equal(t, maxCutoffSeconds, ch.CutoffSeconds())
}

func TestRegisterChannelStorageFailure(t *testing.T) {
	t.Parallel()
	s := NewServer(brokenStore{memory.NewStore()}, nil, &countingWake{}, uuid.New(), config.Config{}, zap.NewNop())

	rec := do(s.AdminHandler(), http.MethodPost, "/golang", `{"upvote_threshold":1,"time_cutoff_seconds":60}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = do(s.AdminHandler(), http.MethodGet, "/channels", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestListChannels(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, config.Config{})
	admin := ts.server.AdminHandler()
	require.Equal(t, http.StatusOK, do(admin, http.MethodPost, "/rust", `{"upvote_threshold":5,"time_cutoff_seconds":60}`).Code)
	require.Equal(t, http.StatusOK, do(admin, http.MethodPost, "/golang", `{"upvote_threshold":10,"time_cutoff_seconds":3600}`).Code)

	rec := do(admin, http.MethodGet, "/channels", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []channelResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.ElementsMatch(t, []channelResponse{
		{Name: "golang", UpvoteThreshold: 10, TimeCutoffSeconds: 3600},
		{Name: "rust", UpvoteThreshold: 5, TimeCutoffSeconds: 60},
	}, got)
}

func TestAdminAPIKey(t *testing.T) {
	t.Parallel()
	cfg := config.Config{Admin: config.AdminConfig{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}}
	ts := newTestServer(t, cfg)
	admin := ts.server.AdminHandler()

	rec := do(admin, http.MethodPost, "/golang", `{"upvote_threshold":1,"time_cutoff_seconds":60}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(admin, http.MethodPost, "/golang", `{"upvote_threshold":1,"time_cutoff_seconds":60}`, "X-API-Key", "secret")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(admin, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzAndMetrics(t *testing.T) {
	t.Parallel()
	admin := newTestServer(t, config.Config{}).server.AdminHandler()

	rec := do(admin, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(admin, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestGetFeed(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, config.Config{})
	ctx := context.Background()
	require.NoError(t, ts.store.CreateChannel(ctx, watch.Channel{ID: "c1", Name: "golang", UpvoteThreshold: 100, TimeCutoff: time.Hour}))
	require.NoError(t, ts.store.InsertPost(ctx, watch.PostRecord{
		UpstreamID: "a", ChannelID: "c1", Kind: "t3", Title: "Go 1.23 released",
		URL: "https://go.dev/blog/go1.23", CreatedAt: time.Date(2024, 8, 13, 0, 0, 0, 0, time.UTC), LastScore: 90,
	}))
	crossed := time.Date(2024, 8, 13, 1, 0, 0, 0, time.UTC)
	require.NoError(t, ts.store.RecordCrossing(ctx, "c1", "a", 150, crossed))

	rec := do(ts.server.FeedHandler(), http.MethodGet, "/golang", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, feed.ContentType, rec.Header().Get("Content-Type"))

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	require.Equal(t, "golang posts", parsed.Title)
	require.Len(t, parsed.Items, 1)
	require.Equal(t, "Go 1.23 released", parsed.Items[0].Title)
	require.Equal(t, "https://go.dev/blog/go1.23", parsed.Items[0].Link)
	require.NotNil(t, parsed.Items[0].UpdatedParsed)
	require.True(t, crossed.Equal(*parsed.Items[0].UpdatedParsed))
}

func TestGetFeedConditional(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, config.Config{})
	require.NoError(t, ts.store.CreateChannel(context.Background(), watch.Channel{ID: "c1", Name: "golang", UpvoteThreshold: 1, TimeCutoff: time.Hour}))
	feeds := ts.server.FeedHandler()

	rec := do(feeds, http.MethodGet, "/golang", "")
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	rec = do(feeds, http.MethodGet, "/golang", "", "If-None-Match", etag)
	require.Equal(t, http.StatusNotModified, rec.Code)
	require.Empty(t, rec.Body.String())

	rec = do(feeds, http.MethodGet, "/golang", "", "If-None-Match", `"stale"`)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetFeedUnknownChannel(t *testing.T) {
	t.Parallel()
	feeds := newTestServer(t, config.Config{}).server.FeedHandler()

	require.Equal(t, http.StatusNotFound, do(feeds, http.MethodGet, "/nope", "").Code)
	require.Equal(t, http.StatusNotFound, do(feeds, http.MethodGet, "/not-a-name", "").Code)
}

func TestGetFeedPanicRecovered(t *testing.T) {
	t.Parallel()
	s := NewServer(memory.NewStore(), panicRenderer{}, nil, uuid.New(), config.Config{}, zap.NewNop())

	rec := do(s.FeedHandler(), http.MethodGet, "/golang", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want int
	}{
		{apperrors.New(apperrors.KindNotFound, "x"), http.StatusNotFound},
		{apperrors.New(apperrors.KindConflict, "x"), http.StatusConflict},
		{apperrors.New(apperrors.KindInvalidArgument, "x"), http.StatusBadRequest},
		{apperrors.New(apperrors.KindUpstream, "x"), http.StatusBadGateway},
		{apperrors.New(apperrors.KindStorage, "x"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
