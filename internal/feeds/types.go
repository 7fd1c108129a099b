// Package feeds contains the feed task framework: fetch a payload, decode it
// into records, drop what the watermark says was already seen and hand the
// rest to an analyzer that writes into the knowledge graph.
package feeds

import (
	"context"
	"time"

	"github.com/xkilldash9x/scalpel-feeds/api/schemas"
)

// Record is one decoded entry of a feed. Timestamp is compared against the
// feed's watermark.
type Record interface {
	Timestamp() time.Time
}

// Validator is implemented by records that can check themselves before
// analysis. A failing record is skipped, not fatal.
type Validator interface {
	Validate() error
}

// Fetcher retrieves a raw payload.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, url string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, url string) ([]byte, error) { return f(ctx, url) }

// Decoder turns a raw payload into records, preserving source order.
type Decoder[R Record] func(raw []byte) ([]R, error)

// Analyzer applies one record to the graph. Errors matching
// schemas.IsRecordError skip the record; anything else fails the batch.
type Analyzer[R Record] interface {
	Analyze(ctx context.Context, rec R) error
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc[R Record] func(ctx context.Context, rec R) error

func (f AnalyzerFunc[R]) Analyze(ctx context.Context, rec R) error { return f(ctx, rec) }

// ObservableStore is what analyzers need from the observable store.
type ObservableStore interface {
	Upsert(ctx context.Context, t schemas.ObservableType, value string) (schemas.Observable, error)
	AddContext(ctx context.Context, obs schemas.Observable, source string, data map[string]any) (schemas.Observable, error)
	Tag(ctx context.Context, obs schemas.Observable, tags ...string) (schemas.Observable, error)
}

// RelationshipStore is what analyzers need from the relationship store.
type RelationshipStore interface {
	Link(ctx context.Context, from, to schemas.Observable, t schemas.RelationshipType, source string) (schemas.Relationship, bool, error)
}

// Definition describes a feed independently of its record type.
type Definition struct {
	Name        string
	Description string
	Source      string
	Frequency   time.Duration
	Tags        []string
}

// Result summarises one feed cycle.
type Result struct {
	Feed      string
	Fetched   int // records decoded from the payload
	Filtered  int // records dropped by the watermark
	Processed int
	Skipped   int
	// Watermark is the value to commit: the newest processed record's
	// timestamp, or the input watermark if nothing newer was processed.
	Watermark time.Time
	Advanced  bool
}

// Runner is the record-type-erased view of a task that the registry and the
// scheduler work with.
type Runner interface {
	Definition() Definition
	Run(ctx context.Context, watermark time.Time) (Result, error)
}

// Phase names the steps of a cycle for logs and metrics.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseFetching  Phase = "fetching"
	PhaseFiltering Phase = "filtering"
	PhaseAnalyzing Phase = "analyzing"
	PhaseCommitted Phase = "committed"
	PhaseFailed    Phase = "failed"
)
