package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-feeds/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Schema creates the table holding per-feed bookkeeping.
const Schema = `
CREATE TABLE IF NOT EXISTS feed_states (
	name         TEXT PRIMARY KEY,
	description  TEXT NOT NULL DEFAULT '',
	frequency_ms BIGINT NOT NULL,
	watermark    TIMESTAMPTZ,
	last_run     TIMESTAMPTZ,
	last_status  TEXT NOT NULL DEFAULT 'never',
	last_error   TEXT NOT NULL DEFAULT ''
);
`

const (
	sqlFeedStateColumns = `name, description, frequency_ms, watermark, last_run, last_status, last_error`

	sqlEnsureFeed = `
        INSERT INTO feed_states (name, description, frequency_ms)
        VALUES ($1, $2, $3)
        ON CONFLICT (name) DO UPDATE SET
            description = EXCLUDED.description,
            frequency_ms = EXCLUDED.frequency_ms
        RETURNING ` + sqlFeedStateColumns + `;`

	sqlGetFeed = `SELECT ` + sqlFeedStateColumns + ` FROM feed_states WHERE name = $1;`

	sqlListFeeds = `SELECT ` + sqlFeedStateColumns + ` FROM feed_states ORDER BY name;`

	// GREATEST ignores NULL arguments, so a nil watermark keeps the stored one.
	sqlRecordSuccess = `
        UPDATE feed_states SET
            watermark = GREATEST(watermark, $2),
            last_run = $3,
            last_status = 'success',
            last_error = ''
        WHERE name = $1;`

	sqlRecordFailure = `
        UPDATE feed_states SET
            last_run = $2,
            last_status = 'failed',
            last_error = $3
        WHERE name = $1;`
)

// Store provides a PostgreSQL implementation of the feed state repository.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the feed state table if needed.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create feed state schema: %w", err)
	}
	return nil
}

// EnsureFeed registers a feed. Existing rows keep their watermark and run
// history; only the description and frequency follow the current definition.
func (s *Store) EnsureFeed(ctx context.Context, name, description string, frequency time.Duration) (schemas.FeedState, error) {
	row := s.pool.QueryRow(ctx, sqlEnsureFeed, name, description, frequency.Milliseconds())
	state, err := scanFeedState(row)
	if err != nil {
		return schemas.FeedState{}, fmt.Errorf("failed to register feed %s: %w", name, err)
	}
	return state, nil
}

// GetState returns the bookkeeping of one feed.
func (s *Store) GetState(ctx context.Context, name string) (schemas.FeedState, error) {
	state, err := scanFeedState(s.pool.QueryRow(ctx, sqlGetFeed, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return schemas.FeedState{}, fmt.Errorf("feed %s: %w", name, schemas.ErrNotFound)
	}
	if err != nil {
		return schemas.FeedState{}, fmt.Errorf("failed to load feed %s: %w", name, err)
	}
	return state, nil
}

// ListStates returns the bookkeeping of every registered feed ordered by name.
func (s *Store) ListStates(ctx context.Context) ([]schemas.FeedState, error) {
	rows, err := s.pool.Query(ctx, sqlListFeeds)
	if err != nil {
		return nil, fmt.Errorf("failed to query feed states: %w", err)
	}
	defer rows.Close()

	var states []schemas.FeedState
	for rows.Next() {
		state, err := scanFeedState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feed state row: %w", err)
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return states, nil
}

// RecordSuccess stores a successful run. The watermark never moves backwards;
// a zero watermark leaves the stored one as it is.
func (s *Store) RecordSuccess(ctx context.Context, name string, ranAt, watermark time.Time) error {
	var wm *time.Time
	if !watermark.IsZero() {
		utc := watermark.UTC()
		wm = &utc
	}
	tag, err := s.pool.Exec(ctx, sqlRecordSuccess, name, wm, ranAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record success for feed %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("feed %s: %w", name, schemas.ErrNotFound)
	}
	return nil
}

// RecordFailure stores a failed run. The watermark is left untouched.
func (s *Store) RecordFailure(ctx context.Context, name string, ranAt time.Time, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	tag, err := s.pool.Exec(ctx, sqlRecordFailure, name, ranAt.UTC(), msg)
	if err != nil {
		return fmt.Errorf("failed to record failure for feed %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("feed %s: %w", name, schemas.ErrNotFound)
	}
	return nil
}

func scanFeedState(row pgx.Row) (schemas.FeedState, error) {
	var (
		state       schemas.FeedState
		frequencyMS int64
		watermark   *time.Time
		lastRun     *time.Time
		status      string
	)
	if err := row.Scan(&state.Name, &state.Description, &frequencyMS, &watermark, &lastRun, &status, &state.LastError); err != nil {
		return schemas.FeedState{}, err
	}
	state.Frequency = time.Duration(frequencyMS) * time.Millisecond
	if watermark != nil {
		state.Watermark = watermark.UTC()
	}
	if lastRun != nil {
		state.LastRun = lastRun.UTC()
	}
	state.LastStatus = schemas.RunStatus(status)
	return state, nil
}
