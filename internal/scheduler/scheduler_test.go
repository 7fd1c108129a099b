package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-feeds/api/schemas"
	"github.com/xkilldash9x/scalpel-feeds/internal/config"
	"github.com/xkilldash9x/scalpel-feeds/internal/feeds"
	"github.com/xkilldash9x/scalpel-feeds/internal/registry"
	"github.com/xkilldash9x/scalpel-feeds/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeFeed records every watermark it is run with.
type fakeFeed struct {
	def   feeds.Definition
	runFn func(ctx context.Context, watermark time.Time) (feeds.Result, error)

	mu    sync.Mutex
	calls []time.Time
	runs  atomic.Int32
}

func (f *fakeFeed) Definition() feeds.Definition { return f.def }

func (f *fakeFeed) Run(ctx context.Context, watermark time.Time) (feeds.Result, error) {
	f.runs.Add(1)
	f.mu.Lock()
	f.calls = append(f.calls, watermark)
	f.mu.Unlock()
	return f.runFn(ctx, watermark)
}

func advancingFeed(name string, frequency time.Duration, to time.Time) *fakeFeed {
	return &fakeFeed{
		def: feeds.Definition{Name: name, Frequency: frequency},
		runFn: func(ctx context.Context, watermark time.Time) (feeds.Result, error) {
			return feeds.Result{Feed: name, Watermark: to, Processed: 1, Advanced: to.After(watermark)}, nil
		},
	}
}

func newTestScheduler(t *testing.T, maxConcurrent int, feedList ...feeds.Runner) (*Scheduler, *store.MemoryStore, *fakeClock) {
	t.Helper()
	reg := registry.New()
	for _, f := range feedList {
		require.NoError(t, reg.Register(f))
	}
	states := store.NewMemoryStore()
	cfg := config.SchedulerConfig{TickInterval: 10 * time.Millisecond, MaxConcurrentFeeds: maxConcurrent, StateTimeout: time.Second}
	s := New(reg, states, cfg, zap.NewNop())
	clock := &fakeClock{now: t0}
	s.now = clock.Now
	require.NoError(t, s.Init(context.Background()))
	return s, states, clock
}

func TestTick_DueSemantics(t *testing.T) {
	ctx := context.Background()
	wm := t0.Add(-time.Hour)
	feed := advancingFeed("hourly", time.Hour, wm)
	s, states, clock := newTestScheduler(t, 2, feed)

	assert.Equal(t, []string{"hourly"}, s.Tick(ctx), "never-run feeds are due")
	s.Wait()

	state, err := states.GetState(ctx, "hourly")
	require.NoError(t, err)
	assert.Equal(t, schemas.RunStatusSuccess, state.LastStatus)
	assert.Equal(t, wm, state.Watermark)
	assert.Equal(t, t0, state.LastRun)

	clock.Advance(59 * time.Minute)
	assert.Empty(t, s.Tick(ctx), "not due before the frequency has elapsed")

	clock.Advance(time.Minute)
	assert.Equal(t, []string{"hourly"}, s.Tick(ctx), "due exactly at the frequency")
	s.Wait()

	feed.mu.Lock()
	defer feed.mu.Unlock()
	require.Len(t, feed.calls, 2)
	assert.True(t, feed.calls[0].IsZero())
	assert.Equal(t, wm, feed.calls[1], "the committed watermark is passed to the next run")
}

func TestTick_SingleFlight(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	feed := &fakeFeed{
		def: feeds.Definition{Name: "slow", Frequency: time.Nanosecond},
		runFn: func(ctx context.Context, watermark time.Time) (feeds.Result, error) {
			started <- struct{}{}
			<-release
			return feeds.Result{Feed: "slow", Watermark: watermark}, nil
		},
	}
	s, _, clock := newTestScheduler(t, 4, feed)

	require.Equal(t, []string{"slow"}, s.Tick(ctx))
	<-started
	assert.True(t, s.InFlight("slow"))

	clock.Advance(time.Hour)
	assert.Empty(t, s.Tick(ctx), "a running feed is never started twice")
	_, err := s.RunOnce(ctx, "slow")
	assert.ErrorIs(t, err, ErrInFlight)

	close(release)
	s.Wait()
	assert.False(t, s.InFlight("slow"))
	assert.Equal(t, int32(1), feed.runs.Load())
}

func TestTick_ConcurrencyLimit(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	blocking := func(name string) *fakeFeed {
		return &fakeFeed{
			def: feeds.Definition{Name: name, Frequency: time.Hour},
			runFn: func(ctx context.Context, watermark time.Time) (feeds.Result, error) {
				<-release
				return feeds.Result{Feed: name}, nil
			},
		}
	}
	a, b := blocking("a"), blocking("b")
	s, _, _ := newTestScheduler(t, 1, a, b)

	assert.Equal(t, []string{"a"}, s.Tick(ctx))
	assert.Empty(t, s.Tick(ctx), "b stays due but waits for a slot")

	close(release)
	s.Wait()
	assert.Equal(t, []string{"b"}, s.Tick(ctx))
	s.Wait()
}

func TestTick_FailureIsolation(t *testing.T) {
	ctx := context.Background()
	good := advancingFeed("good", time.Hour, t0)
	bad := &fakeFeed{
		def: feeds.Definition{Name: "bad", Frequency: time.Hour},
		runFn: func(ctx context.Context, watermark time.Time) (feeds.Result, error) {
			return feeds.Result{Feed: "bad", Watermark: watermark}, errors.New("upstream 503")
		},
	}
	panicky := &fakeFeed{
		def: feeds.Definition{Name: "panicky", Frequency: time.Hour},
		runFn: func(ctx context.Context, watermark time.Time) (feeds.Result, error) {
			panic("nil map write")
		},
	}
	s, states, _ := newTestScheduler(t, 4, good, bad, panicky)

	assert.Len(t, s.Tick(ctx), 3)
	s.Wait()

	goodState, err := states.GetState(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, schemas.RunStatusSuccess, goodState.LastStatus)
	assert.Equal(t, t0, goodState.Watermark)

	badState, err := states.GetState(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, schemas.RunStatusFailed, badState.LastStatus)
	assert.Contains(t, badState.LastError, "upstream 503")
	assert.True(t, badState.Watermark.IsZero())

	panicState, err := states.GetState(ctx, "panicky")
	require.NoError(t, err)
	assert.Equal(t, schemas.RunStatusFailed, panicState.LastStatus)
	assert.Contains(t, panicState.LastError, "panicked")
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	first := t0.Add(-2 * time.Hour)
	feed := advancingFeed("manual", 24*time.Hour, first)
	s, states, _ := newTestScheduler(t, 1, feed)

	res, err := s.RunOnce(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, first, res.Watermark)

	// Forced runs ignore the frequency.
	feed.runFn = func(ctx context.Context, watermark time.Time) (feeds.Result, error) {
		// A misbehaving feed returning an older watermark must not rewind the state.
		return feeds.Result{Feed: "manual", Watermark: watermark.Add(-time.Hour)}, nil
	}
	res, err = s.RunOnce(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, first, res.Watermark)

	state, err := states.GetState(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, first, state.Watermark)

	_, err = s.RunOnce(ctx, "missing")
	assert.ErrorIs(t, err, schemas.ErrNotFound)
}

func TestStart_StopsOnCancel(t *testing.T) {
	feed := advancingFeed("looping", time.Nanosecond, t0)
	s, _, clock := newTestScheduler(t, 1, feed)
	s.now = func() time.Time {
		clock.Advance(time.Second)
		return clock.Now()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return feed.runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}

func TestStates(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1, advancingFeed("b", time.Hour, t0), advancingFeed("a", time.Hour, t0))
	states, err := s.States(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "a", states[0].Name)
	assert.Equal(t, schemas.RunStatusNever, states[0].LastStatus)
}
