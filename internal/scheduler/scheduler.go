// Package scheduler runs scan cycles over every registered channel.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mattyhall/rexml/internal/metrics"
	"github.com/mattyhall/rexml/internal/scanner"
	"github.com/mattyhall/rexml/internal/watch"
)

const defaultInterval = 5 * time.Minute

// Cycle triggers, used as the metrics label.
const (
	TriggerStartup  = "startup"
	TriggerInterval = "interval"
	TriggerWake     = "wake"
	TriggerManual   = "manual"
)

// ChannelScanner scans a single channel.
type ChannelScanner interface {
	Scan(ctx context.Context, channel watch.Channel) (scanner.Result, error)
}

// Hook runs after every completed cycle with the channels that were scanned.
type Hook interface {
	AfterCycle(ctx context.Context, channels []watch.Channel)
}

// Config controls cycle pacing.
type Config struct {
	Interval    time.Duration
	Concurrency int
}

// Scheduler fans scans out across channels once per cycle.
type Scheduler struct {
	channels watch.ChannelStore
	scanner  ChannelScanner
	wake     *Wake
	hooks    []Hook
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Scheduler. A nil wake means cycles only follow the interval.
func New(
	channels watch.ChannelStore,
	scanner ChannelScanner,
	wake *Wake,
	cfg Config,
	logger *zap.Logger,
	hooks ...Hook,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if wake == nil {
		wake = NewWake()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		channels: channels,
		scanner:  scanner,
		wake:     wake,
		hooks:    hooks,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run cycles until ctx is cancelled: one cycle immediately, then one per
// interval or per wake signal, whichever comes first.
func (s *Scheduler) Run(ctx context.Context) error {
	trigger := TriggerStartup
	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()
	for {
		if err := s.cycle(ctx, trigger); err != nil {
			s.logger.Error("scan cycle skipped", zap.String("trigger", trigger), zap.Error(err))
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.cfg.Interval)

		select {
		case <-ctx.Done():
			return nil
		case <-s.wake.C():
			trigger = TriggerWake
		case <-timer.C:
			trigger = TriggerInterval
		}
	}
}

// RunOnce runs a single cycle.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	return s.cycle(ctx, TriggerManual)
}

func (s *Scheduler) cycle(ctx context.Context, trigger string) error {
	start := time.Now()
	channels, err := s.channels.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	s.logger.Debug("scan cycle started",
		zap.String("trigger", trigger),
		zap.Strings("channels", lo.Map(channels, func(c watch.Channel, _ int) string { return c.Name })),
	)

	var (
		g      errgroup.Group
		failed atomic.Int64
	)
	if s.cfg.Concurrency > 0 {
		g.SetLimit(s.cfg.Concurrency)
	}
	for _, channel := range channels {
		g.Go(func() error {
			res, err := s.scanner.Scan(ctx, channel)
			if err != nil {
				failed.Add(1)
				s.logger.Error("channel scan failed", zap.String("channel", channel.Name), zap.Error(err))
				return nil
			}
			s.logger.Debug("channel scanned",
				zap.String("channel", channel.Name),
				zap.Int("pages", res.Pages),
				zap.Int("observed", res.Observed),
				zap.Int("inserted", res.Inserted),
				zap.Int("crossed", res.Crossed),
			)
			return nil
		})
	}
	_ = g.Wait()

	for _, hook := range s.hooks {
		hook.AfterCycle(ctx, channels)
	}

	elapsed := time.Since(start)
	metrics.ObserveCycle(trigger, elapsed)
	s.logger.Info("scan cycle finished",
		zap.String("trigger", trigger),
		zap.Int("channels", len(channels)),
		zap.Int64("failed", failed.Load()),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}
