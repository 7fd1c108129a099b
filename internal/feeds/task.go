package feeds

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-feeds/api/schemas"
	"github.com/xkilldash9x/scalpel-feeds/internal/observability"
)

// DefaultFetchTimeout bounds the fetch step when no option overrides it.
const DefaultFetchTimeout = 60 * time.Second

// Option customises a Task.
type Option func(*taskOptions)

type taskOptions struct {
	logger       *zap.Logger
	fetchTimeout time.Duration
	source       string
	frequency    time.Duration
}

// WithLogger sets the task's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *taskOptions) { o.logger = logger }
}

// WithFetchTimeout bounds the fetch step. Non-positive values are ignored.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *taskOptions) {
		if d > 0 {
			o.fetchTimeout = d
		}
	}
}

// WithSource overrides the definition's source URL.
func WithSource(url string) Option {
	return func(o *taskOptions) { o.source = url }
}

// WithFrequency overrides the definition's polling frequency.
func WithFrequency(d time.Duration) Option {
	return func(o *taskOptions) {
		if d > 0 {
			o.frequency = d
		}
	}
}

// Task runs the fetch, decode, filter and analyze pipeline of one feed.
// It holds no state between runs; the watermark is passed in and returned.
type Task[R Record] struct {
	def          Definition
	fetcher      Fetcher
	decode       Decoder[R]
	analyzer     Analyzer[R]
	fetchTimeout time.Duration
	log          *zap.Logger
}

var _ Runner = (*Task[Record])(nil)

// NewTask assembles a feed task.
func NewTask[R Record](def Definition, fetcher Fetcher, decode Decoder[R], analyzer Analyzer[R], opts ...Option) *Task[R] {
	o := taskOptions{fetchTimeout: DefaultFetchTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.source != "" {
		def.Source = o.source
	}
	if o.frequency > 0 {
		def.Frequency = o.frequency
	}
	def.Tags = slices.Clone(def.Tags)

	return &Task[R]{
		def:          def,
		fetcher:      fetcher,
		decode:       decode,
		analyzer:     analyzer,
		fetchTimeout: o.fetchTimeout,
		log:          o.logger.Named("feed").With(zap.String("feed", def.Name)),
	}
}

// Definition returns a copy of the task's definition.
func (t *Task[R]) Definition() Definition {
	def := t.def
	def.Tags = slices.Clone(t.def.Tags)
	return def
}

// FilterByTime keeps the records strictly newer than watermark, in order.
func FilterByTime[R Record](records []R, watermark time.Time) []R {
	out := make([]R, 0, len(records))
	for _, rec := range records {
		if rec.Timestamp().After(watermark) {
			out = append(out, rec)
		}
	}
	return out
}

// Run executes one cycle. On error the returned result carries the input
// watermark, so a caller committing it would change nothing.
func (t *Task[R]) Run(ctx context.Context, watermark time.Time) (Result, error) {
	name := t.def.Name
	res := Result{Feed: name, Watermark: watermark}

	t.log.Debug("Fetching feed", zap.String("phase", string(PhaseFetching)), zap.String("source", t.def.Source))
	raw, err := t.fetch(ctx)
	if err != nil {
		return t.fail(res, fmt.Errorf("%w: feed %s: %w", schemas.ErrFetch, name, err))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		t.log.Info("Feed returned an empty payload", zap.String("phase", string(PhaseCommitted)))
		return res, nil
	}

	records, err := t.decode(raw)
	if err != nil {
		return t.fail(res, fmt.Errorf("%w: feed %s: %w", schemas.ErrDecode, name, err))
	}
	res.Fetched = len(records)
	observability.FeedRecords.WithLabelValues(name, "decoded").Add(float64(len(records)))

	// Invalid records are dropped before filtering since their timestamp
	// cannot be trusted to decide freshness.
	valid := make([]R, 0, len(records))
	for i, rec := range records {
		if err := validate(rec); err != nil {
			res.Skipped++
			observability.FeedRecords.WithLabelValues(name, "skipped").Inc()
			t.log.Debug("Skipping invalid record", zap.Int("index", i), zap.Error(err))
			continue
		}
		valid = append(valid, rec)
	}

	fresh := FilterByTime(valid, watermark)
	res.Filtered = len(valid) - len(fresh)
	observability.FeedRecords.WithLabelValues(name, "filtered").Add(float64(res.Filtered))
	t.log.Debug("Filtered records against watermark",
		zap.String("phase", string(PhaseFiltering)), zap.Time("watermark", watermark),
		zap.Int("decoded", len(records)), zap.Int("fresh", len(fresh)))

	next := watermark
	for i, rec := range fresh {
		if err := ctx.Err(); err != nil {
			return t.fail(res, fmt.Errorf("feed %s interrupted after %d records: %w", name, i, err))
		}

		if err := t.analyzer.Analyze(ctx, rec); err != nil {
			if ctx.Err() == nil && schemas.IsRecordError(err) {
				res.Skipped++
				observability.FeedRecords.WithLabelValues(name, "skipped").Inc()
				t.log.Debug("Skipping record", zap.Int("index", i), zap.Error(err))
				continue
			}
			return t.fail(res, fmt.Errorf("feed %s record %d: %w", name, i, err))
		}

		res.Processed++
		observability.FeedRecords.WithLabelValues(name, "processed").Inc()
		if ts := rec.Timestamp(); ts.After(next) {
			next = ts
		}
	}

	res.Watermark = next
	res.Advanced = next.After(watermark)
	t.log.Info("Feed cycle committed",
		zap.String("phase", string(PhaseCommitted)),
		zap.Int("processed", res.Processed), zap.Int("skipped", res.Skipped),
		zap.Int("filtered", res.Filtered), zap.Time("watermark", res.Watermark))
	return res, nil
}

func (t *Task[R]) fetch(ctx context.Context) ([]byte, error) {
	if t.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.fetchTimeout)
		defer cancel()
	}
	return t.fetcher.Fetch(ctx, t.def.Source)
}

// validate runs the record's own checks, if it has any. Failures are
// always record errors.
func validate[R Record](rec R) error {
	v, ok := any(rec).(Validator)
	if !ok {
		return nil
	}
	err := v.Validate()
	if err == nil || schemas.IsRecordError(err) {
		return err
	}
	return fmt.Errorf("%w: %w", schemas.ErrValidation, err)
}

func (t *Task[R]) fail(res Result, err error) (Result, error) {
	t.log.Warn("Feed cycle failed", zap.String("phase", string(PhaseFailed)), zap.Error(err))
	return res, err
}
