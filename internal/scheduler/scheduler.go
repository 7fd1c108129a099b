// Package scheduler decides when each registered feed runs and commits the
// outcome of every cycle to the feed state store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/scalpel-feeds/api/schemas"
	"github.com/xkilldash9x/scalpel-feeds/internal/config"
	"github.com/xkilldash9x/scalpel-feeds/internal/feeds"
	"github.com/xkilldash9x/scalpel-feeds/internal/observability"
	"github.com/xkilldash9x/scalpel-feeds/internal/registry"
)

// ErrInFlight is returned by RunOnce when the feed is already running.
var ErrInFlight = errors.New("feed cycle already in flight")

// StateStore persists per-feed bookkeeping. Implementations must never move
// a watermark backwards.
type StateStore interface {
	EnsureFeed(ctx context.Context, name, description string, frequency time.Duration) (schemas.FeedState, error)
	GetState(ctx context.Context, name string) (schemas.FeedState, error)
	ListStates(ctx context.Context) ([]schemas.FeedState, error)
	RecordSuccess(ctx context.Context, name string, ranAt, watermark time.Time) error
	RecordFailure(ctx context.Context, name string, ranAt time.Time, cause error) error
}

// Scheduler runs due feeds. A feed never has two cycles in flight; different
// feeds run concurrently up to the configured limit.
type Scheduler struct {
	registry *registry.Registry
	states   StateStore
	cfg      config.SchedulerConfig
	sem      *semaphore.Weighted
	log      *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// New creates a scheduler over the feeds in reg.
func New(reg *registry.Registry, states StateStore, cfg config.SchedulerConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrentFeeds <= 0 {
		cfg.MaxConcurrentFeeds = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.StateTimeout <= 0 {
		cfg.StateTimeout = 15 * time.Second
	}
	return &Scheduler{
		registry: reg,
		states:   states,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentFeeds)),
		log:      logger.Named("scheduler"),
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// Init registers every feed with the state store. Stored watermarks survive.
func (s *Scheduler) Init(ctx context.Context) error {
	for _, feed := range s.registry.All() {
		def := feed.Definition()
		state, err := s.states.EnsureFeed(ctx, def.Name, def.Description, def.Frequency)
		if err != nil {
			return fmt.Errorf("failed to register feed %s: %w", def.Name, err)
		}
		s.log.Info("Feed registered",
			zap.String("feed", def.Name), zap.Duration("frequency", def.Frequency),
			zap.Time("watermark", state.Watermark), zap.String("last_status", string(state.LastStatus)))
	}
	return nil
}

// Start runs Tick every tick interval until ctx is cancelled, then waits for
// in-flight cycles to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Init(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.log.Info("Scheduler started",
		zap.Int("feeds", s.registry.Len()), zap.Duration("tick", s.cfg.TickInterval),
		zap.Int("max_concurrent", s.cfg.MaxConcurrentFeeds))
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Scheduler stopping, waiting for in-flight feeds")
			s.Wait()
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts a cycle for every due feed that is not already running and
// returns the names it started. Feeds that are due but over the concurrency
// limit stay due and are picked up by a later tick.
func (s *Scheduler) Tick(ctx context.Context) []string {
	var started []string
	now := s.now()

	for _, feed := range s.registry.All() {
		name := feed.Definition().Name
		if ctx.Err() != nil {
			break
		}

		state, err := s.state(ctx, feed)
		if err != nil {
			s.log.Error("Failed to load feed state", zap.String("feed", name), zap.Error(err))
			continue
		}
		if !state.Due(now) {
			continue
		}
		if !s.claim(name) {
			s.log.Debug("Feed still running, not starting again", zap.String("feed", name))
			continue
		}
		if !s.sem.TryAcquire(1) {
			s.release(name)
			s.log.Debug("Concurrency limit reached, deferring feed", zap.String("feed", name))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			defer s.release(name)
			_, _ = s.cycle(ctx, feed, state)
		}()
		started = append(started, name)
	}
	return started
}

// RunOnce runs a feed now, whether due or not, and blocks until the cycle
// has been committed.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (feeds.Result, error) {
	feed, err := s.registry.Get(name)
	if err != nil {
		return feeds.Result{}, err
	}
	if !s.claim(name) {
		return feeds.Result{}, fmt.Errorf("feed %s: %w", name, ErrInFlight)
	}
	defer s.release(name)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return feeds.Result{}, err
	}
	defer s.sem.Release(1)

	state, err := s.state(ctx, feed)
	if err != nil {
		return feeds.Result{}, err
	}
	return s.cycle(ctx, feed, state)
}

// Wait blocks until all cycles started by Tick have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// InFlight reports whether a cycle of the named feed is running.
func (s *Scheduler) InFlight(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[name]
	return ok
}

// States returns the stored bookkeeping of all feeds.
func (s *Scheduler) States(ctx context.Context) ([]schemas.FeedState, error) {
	return s.states.ListStates(ctx)
}

func (s *Scheduler) state(ctx context.Context, feed feeds.Runner) (schemas.FeedState, error) {
	def := feed.Definition()
	state, err := s.states.GetState(ctx, def.Name)
	if errors.Is(err, schemas.ErrNotFound) {
		return s.states.EnsureFeed(ctx, def.Name, def.Description, def.Frequency)
	}
	if err != nil {
		return schemas.FeedState{}, err
	}
	// The running definition is authoritative for the cadence.
	state.Frequency = def.Frequency
	return state, nil
}

func (s *Scheduler) claim(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[name]; busy {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, name)
}

// cycle runs the feed and commits the outcome. The commit uses a context
// detached from ctx so a shutdown still records how the cycle ended.
func (s *Scheduler) cycle(ctx context.Context, feed feeds.Runner, state schemas.FeedState) (feeds.Result, error) {
	name := feed.Definition().Name
	ranAt := s.now()
	start := time.Now()

	res, runErr := s.execute(ctx, feed, state.Watermark)
	observability.FeedCycleDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StateTimeout)
	defer cancel()

	if runErr != nil {
		observability.FeedCycles.WithLabelValues(name, string(schemas.RunStatusFailed)).Inc()
		s.log.Warn("Feed cycle failed", zap.String("feed", name), zap.Error(runErr))
		if err := s.states.RecordFailure(commitCtx, name, ranAt, runErr); err != nil {
			s.log.Error("Failed to record feed failure", zap.String("feed", name), zap.Error(err))
		}
		return res, runErr
	}

	if res.Watermark.Before(state.Watermark) {
		// A task must never hand back an older watermark; keep the stored one.
		s.log.Warn("Feed returned an older watermark, ignoring it",
			zap.String("feed", name), zap.Time("stored", state.Watermark), zap.Time("returned", res.Watermark))
		res.Watermark = state.Watermark
		res.Advanced = false
	}
	if err := s.states.RecordSuccess(commitCtx, name, ranAt, res.Watermark); err != nil {
		observability.FeedCycles.WithLabelValues(name, string(schemas.RunStatusFailed)).Inc()
		s.log.Error("Failed to commit feed watermark", zap.String("feed", name), zap.Error(err))
		return res, fmt.Errorf("feed %s: failed to commit watermark: %w", name, err)
	}

	observability.FeedCycles.WithLabelValues(name, string(schemas.RunStatusSuccess)).Inc()
	if !res.Watermark.IsZero() {
		observability.FeedWatermark.WithLabelValues(name).Set(float64(res.Watermark.Unix()))
	}
	s.log.Info("Feed cycle finished",
		zap.String("feed", name), zap.Int("processed", res.Processed), zap.Int("skipped", res.Skipped),
		zap.Time("watermark", res.Watermark), zap.Bool("advanced", res.Advanced))
	return res, nil
}

// execute runs the feed, turning a panic into an error so one broken feed
// cannot take the scheduler down.
func (s *Scheduler) execute(ctx context.Context, feed feeds.Runner, watermark time.Time) (res feeds.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			name := feed.Definition().Name
			s.log.Error("Feed panicked", zap.String("feed", name), zap.Any("panic", r), zap.Stack("stack"))
			res = feeds.Result{Feed: name, Watermark: watermark}
			err = fmt.Errorf("feed %s panicked: %v", name, r)
		}
	}()
	return feed.Run(ctx, watermark)
}
