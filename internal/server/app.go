// Package server assembles the rexml service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mattyhall/rexml/internal/api"
	"github.com/mattyhall/rexml/internal/clock/system"
	"github.com/mattyhall/rexml/internal/config"
	"github.com/mattyhall/rexml/internal/export"
	gcsexport "github.com/mattyhall/rexml/internal/export/gcs"
	localexport "github.com/mattyhall/rexml/internal/export/local"
	"github.com/mattyhall/rexml/internal/feed"
	"github.com/mattyhall/rexml/internal/fetcher/reddit"
	"github.com/mattyhall/rexml/internal/id/uuid"
	"github.com/mattyhall/rexml/internal/logging"
	"github.com/mattyhall/rexml/internal/metrics"
	"github.com/mattyhall/rexml/internal/notify"
	memorynotify "github.com/mattyhall/rexml/internal/notify/memory"
	pubsubnotify "github.com/mattyhall/rexml/internal/notify/pubsub"
	"github.com/mattyhall/rexml/internal/policy/ratelimit"
	"github.com/mattyhall/rexml/internal/scanner"
	"github.com/mattyhall/rexml/internal/scheduler"
	"github.com/mattyhall/rexml/internal/storage"
	"github.com/mattyhall/rexml/internal/watch"
)

const shutdownTimeout = 10 * time.Second

// App holds the wired service.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     watch.Store
	wake      *scheduler.Wake
	scheduler *scheduler.Scheduler
	api       *api.Server
	closers   []namedCloser
}

type namedCloser struct {
	name   string
	closer io.Closer
}

// Build creates every dependency described by cfg.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()
	app := &App{cfg: cfg, logger: logger, wake: scheduler.NewWake()}
	logger.Info("building application",
		zap.Int("feed_port", cfg.Feed.Port),
		zap.Int("admin_port", cfg.Admin.Port),
		zap.String("db_driver", cfg.DB.Driver),
	)

	store, err := storage.Open(ctx, cfg.DB, logger.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}
	app.store = store
	app.closers = append(app.closers, namedCloser{"store", store})

	notifier, err := app.setupNotifier(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}
	renderer := feed.NewRenderer(store, feed.Config{BaseURL: cfg.Feed.BaseURL, Limit: cfg.Feed.Limit})
	hooks, err := app.setupExport(ctx, renderer)
	if err != nil {
		app.Close()
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.Upstream.RequestsPerSecond,
		Burst:             cfg.Upstream.Burst,
	})
	fetcher := reddit.New(reddit.Config{
		BaseURL:   cfg.Upstream.BaseURL,
		UserAgent: cfg.Upstream.UserAgent,
		Timeout:   cfg.Upstream.Timeout,
		PageLimit: cfg.Upstream.PageLimit,
	}, nil, limiter, logger.Named("fetcher"))
	clock := system.New()

	scan := scanner.New(store, fetcher, clock, notifier, logger.Named("scanner"))
	app.scheduler = scheduler.New(store, scan, app.wake, scheduler.Config{
		Interval:    cfg.Scheduler.Interval,
		Concurrency: cfg.Scheduler.Concurrency,
	}, logger.Named("scheduler"), hooks...)

	app.api = api.NewServer(store, renderer, app.wake, uuid.New(), *cfg, logger.Named("api"))
	return app, nil
}

func (a *App) setupNotifier(ctx context.Context) (watch.Notifier, error) {
	switch a.cfg.Notify.Backend {
	case "pubsub":
		n, err := pubsubnotify.New(ctx, pubsubnotify.Config{
			ProjectID: a.cfg.Notify.PubSub.ProjectID,
			Topic:     a.cfg.Notify.PubSub.Topic,
		})
		if err != nil {
			return nil, fmt.Errorf("pubsub notifier init failed: %w", err)
		}
		a.closers = append(a.closers, namedCloser{"pubsub notifier", n})
		a.logger.Info("Pub/Sub notifier initialized",
			zap.String("project", a.cfg.Notify.PubSub.ProjectID),
			zap.String("topic", a.cfg.Notify.PubSub.Topic),
		)
		return n, nil
	case "memory":
		a.logger.Info("using in-memory crossing notifier")
		return memorynotify.New(), nil
	default:
		return notify.Nop{}, nil
	}
}

func (a *App) setupExport(ctx context.Context, renderer *feed.Renderer) ([]scheduler.Hook, error) {
	var blobs watch.BlobStore
	switch a.cfg.Export.Backend {
	case "local":
		store, err := localexport.New(localexport.Config{BaseDir: a.cfg.Export.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local export init failed: %w", err)
		}
		blobs = store
		a.logger.Info("exporting feeds to local directory", zap.String("path", a.cfg.Export.Local.BaseDir))
	case "gcs":
		store, err := gcsexport.NewFromEnv(ctx, gcsexport.Config{
			Bucket:      a.cfg.Export.GCS.Bucket,
			CacheMaxAge: a.cfg.Export.GCS.CacheMaxAge,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs export init failed: %w", err)
		}
		a.closers = append(a.closers, namedCloser{"gcs client", store})
		blobs = store
		a.logger.Info("exporting feeds to GCS", zap.String("bucket", a.cfg.Export.GCS.Bucket))
	default:
		return nil, nil
	}
	return []scheduler.Hook{export.New(renderer, blobs, a.cfg.Export.Prefix, a.logger.Named("export"))}, nil
}

// Store exposes the opened store to CLI commands.
func (a *App) Store() watch.Store {
	return a.store
}

// Scheduler exposes the scheduler to CLI commands.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run serves both listeners and runs the scheduler until ctx is cancelled
// or a termination signal arrives, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	servers := []*http.Server{
		a.newHTTPServer(a.cfg.Feed.Port, a.api.FeedHandler()),
		a.newHTTPServer(a.cfg.Admin.Port, a.api.AdminHandler()),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			a.logger.Info("http server started", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		a.logger.Info("scheduler started", zap.Duration("interval", a.cfg.Scheduler.Interval))
		return a.scheduler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("server shutdown error", zap.String("addr", srv.Addr), zap.Error(err))
			}
		}
		return nil
	})

	err := g.Wait()
	a.Close()
	return err
}

func (a *App) newHTTPServer(port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Close releases infrastructure in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.closer.Close(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	a.logger.Info("shutdown complete")
}
