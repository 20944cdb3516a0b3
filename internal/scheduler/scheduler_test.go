package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mattyhall/rexml/internal/scanner"
	"github.com/mattyhall/rexml/internal/storage/memory"
	"github.com/mattyhall/rexml/internal/watch"
)

type fakeScanner struct {
	mu      sync.Mutex
	scanned []string
	fail    map[string]bool
}

func (f *fakeScanner) Scan(_ context.Context, channel watch.Channel) (scanner.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanned = append(f.scanned, channel.Name)
	if f.fail[channel.Name] {
		return scanner.Result{}, errors.New("upstream down")
	}
	return scanner.Result{Pages: 1}, nil
}

func (f *fakeScanner) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.scanned...)
}

// blockingScanner counts scans and parks each one until released.
type blockingScanner struct {
	calls   atomic.Int64
	release chan struct{}
}

func (b *blockingScanner) Scan(ctx context.Context, _ watch.Channel) (scanner.Result, error) {
	b.calls.Add(1)
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return scanner.Result{}, nil
}

type recordingHook struct {
	mu    sync.Mutex
	calls [][]watch.Channel
}

func (h *recordingHook) AfterCycle(_ context.Context, channels []watch.Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, channels)
}

type brokenChannels struct {
	*memory.Store
}

func (brokenChannels) ListChannels(context.Context) ([]watch.Channel, error) {
	return nil, errors.New("database locked")
}

func seed(t *testing.T, names ...string) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	for _, name := range names {
		require.NoError(t, store.CreateChannel(context.Background(), watch.Channel{
			ID: "id-" + name, Name: name, UpvoteThreshold: 10, TimeCutoff: time.Hour,
		}))
	}
	return store
}

func TestWakeSignalNeverBlocks(t *testing.T) {
	t.Parallel()
	w := NewWake()
	for i := 0; i < 10; i++ {
		w.Signal()
	}
	<-w.C()
	select {
	case <-w.C():
		t.Fatal("signals should coalesce into one")
	default:
	}
}

func TestRunOnceScansEveryChannelDespiteFailures(t *testing.T) {
	t.Parallel()
	store := seed(t, "golang", "rust", "zig")
	scan := &fakeScanner{fail: map[string]bool{"rust": true}}
	hook := &recordingHook{}
	s := New(store, scan, nil, Config{Concurrency: 2}, zap.NewNop(), hook)

	require.NoError(t, s.RunOnce(context.Background()))
	require.ElementsMatch(t, []string{"golang", "rust", "zig"}, scan.names())
	require.Len(t, hook.calls, 1)
	require.Len(t, hook.calls[0], 3)
}

func TestRunOnceScansChannelsConcurrently(t *testing.T) {
	t.Parallel()
	store := seed(t, "golang", "rust")
	scan := &blockingScanner{release: make(chan struct{})}
	s := New(store, scan, nil, Config{}, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- s.RunOnce(context.Background()) }()

	require.Eventually(t, func() bool { return scan.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(scan.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("cycle did not finish")
	}
}

func TestRunOnceHonoursConcurrencyLimit(t *testing.T) {
	t.Parallel()
	store := seed(t, "golang", "rust")
	scan := &blockingScanner{release: make(chan struct{})}
	s := New(store, scan, nil, Config{Concurrency: 1}, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- s.RunOnce(context.Background()) }()

	require.Eventually(t, func() bool { return scan.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return scan.calls.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	close(scan.release)
	require.NoError(t, <-done)
	require.Equal(t, int64(2), scan.calls.Load())
}

func TestRunOnceChannelListFailure(t *testing.T) {
	t.Parallel()
	scan := &fakeScanner{}
	hook := &recordingHook{}
	s := New(brokenChannels{memory.NewStore()}, scan, nil, Config{}, zap.NewNop(), hook)

	require.Error(t, s.RunOnce(context.Background()))
	require.Empty(t, scan.names())
	require.Empty(t, hook.calls)
}

func TestRunCoalescesWakesDuringCycle(t *testing.T) {
	t.Parallel()
	store := seed(t, "golang")
	scan := &blockingScanner{release: make(chan struct{})}
	wake := NewWake()
	s := New(store, scan, wake, Config{Interval: time.Hour}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return scan.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	wake.Signal()
	wake.Signal()
	wake.Signal()
	scan.release <- struct{}{}

	require.Eventually(t, func() bool { return scan.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	scan.release <- struct{}{}
	require.Never(t, func() bool { return scan.calls.Load() > 2 }, 100*time.Millisecond, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRunFollowsInterval(t *testing.T) {
	t.Parallel()
	store := seed(t, "golang")
	scan := &fakeScanner{}
	s := New(store, scan, nil, Config{Interval: 20 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(scan.names()) >= 3 }, time.Second, 5*time.Millisecond)
}
