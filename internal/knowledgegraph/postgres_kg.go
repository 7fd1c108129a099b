package knowledgegraph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/scalpel-feeds/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// pgForeignKeyViolation is the SQLSTATE raised when an edge endpoint is missing.
const pgForeignKeyViolation = "23503"

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Schema creates the tables backing PostgresKG. The unique constraints are
// what make concurrent identical-key writes from several processes safe.
const Schema = `
CREATE TABLE IF NOT EXISTS observables (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	value      TEXT NOT NULL,
	tags       JSONB NOT NULL DEFAULT '[]',
	context    JSONB NOT NULL DEFAULT '[]',
	version    BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (type, value)
);

CREATE TABLE IF NOT EXISTS relationships (
	id         TEXT PRIMARY KEY,
	from_id    TEXT NOT NULL REFERENCES observables(id),
	to_id      TEXT NOT NULL REFERENCES observables(id),
	type       TEXT NOT NULL,
	source     TEXT NOT NULL,
	attributes JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (from_id, to_id, type, source)
);

CREATE INDEX IF NOT EXISTS idx_relationships_from ON relationships(from_id);
`

const (
	sqlSelectObservable = `
		SELECT id, type, value, tags, context, version, created_at, updated_at
		FROM observables`

	sqlInsertObservable = `
		INSERT INTO observables (id, type, value, tags, context, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $6)
		ON CONFLICT (type, value) DO NOTHING;`

	sqlUpdateObservable = `
		UPDATE observables
		SET tags = $1, context = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5;`

	sqlSelectRelationship = `
		SELECT id, from_id, to_id, type, source, attributes, created_at
		FROM relationships`

	sqlInsertRelationship = `
		INSERT INTO relationships (id, from_id, to_id, type, source, attributes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (from_id, to_id, type, source) DO NOTHING;`
)

// PostgresKG provides a persistent implementation of the GraphConnector
// interface using a PostgreSQL backend.
type PostgresKG struct {
	pool DBPool
	now  func() time.Time
}

var _ schemas.GraphConnector = (*PostgresKG)(nil)

// NewPostgresKG wraps a connection pool.
func NewPostgresKG(pool DBPool) *PostgresKG {
	return &PostgresKG{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// EnsureSchema creates the graph tables if they do not exist yet.
func (p *PostgresKG) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create graph schema: %w", err)
	}
	return nil
}

// FindByKey retrieves an observable by (type, value).
func (p *PostgresKG) FindByKey(ctx context.Context, key schemas.ObservableKey) (schemas.Observable, error) {
	row := p.pool.QueryRow(ctx, sqlSelectObservable+` WHERE type = $1 AND value = $2;`, string(key.Type), key.Value)
	obs, err := scanObservable(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return schemas.Observable{}, fmt.Errorf("observable %s: %w", key, schemas.ErrNotFound)
	}
	return obs, err
}

// GetByID retrieves a single observable by its ID.
func (p *PostgresKG) GetByID(ctx context.Context, id string) (schemas.Observable, error) {
	row := p.pool.QueryRow(ctx, sqlSelectObservable+` WHERE id = $1;`, id)
	obs, err := scanObservable(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return schemas.Observable{}, fmt.Errorf("observable with id '%s': %w", id, schemas.ErrNotFound)
	}
	return obs, err
}

// Create inserts the observable. ON CONFLICT DO NOTHING turns a lost race on
// the (type, value) constraint into zero affected rows instead of an error.
func (p *PostgresKG) Create(ctx context.Context, obs schemas.Observable) (schemas.Observable, error) {
	stored := obs.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Tags == nil {
		stored.Tags = []string{}
	}
	if stored.Context == nil {
		stored.Context = []schemas.ContextBlock{}
	}

	tags, contextBlocks, err := marshalObservable(stored)
	if err != nil {
		return schemas.Observable{}, err
	}

	now := p.now()
	tag, err := p.pool.Exec(ctx, sqlInsertObservable, stored.ID, string(stored.Type), stored.Value, tags, contextBlocks, now)
	if err != nil {
		return schemas.Observable{}, fmt.Errorf("failed to insert observable %s: %w", stored.Key(), err)
	}
	if tag.RowsAffected() == 0 {
		return schemas.Observable{}, fmt.Errorf("observable %s: %w", stored.Key(), schemas.ErrAlreadyExists)
	}

	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	return stored, nil
}

// Update writes tags and context guarded by the version column.
func (p *PostgresKG) Update(ctx context.Context, obs schemas.Observable) (schemas.Observable, error) {
	tags, contextBlocks, err := marshalObservable(obs)
	if err != nil {
		return schemas.Observable{}, err
	}

	now := p.now()
	tag, err := p.pool.Exec(ctx, sqlUpdateObservable, tags, contextBlocks, now, obs.ID, obs.Version)
	if err != nil {
		return schemas.Observable{}, fmt.Errorf("failed to update observable %s: %w", obs.Key(), err)
	}
	if tag.RowsAffected() == 0 {
		// Either the row moved on or it never existed; the caller re-reads to tell.
		return schemas.Observable{}, fmt.Errorf("observable %s at version %d: %w", obs.Key(), obs.Version, schemas.ErrConflict)
	}

	updated := obs.Clone()
	updated.Version = obs.Version + 1
	updated.UpdatedAt = now
	return updated, nil
}

// List returns all observables of a type ordered by value.
func (p *PostgresKG) List(ctx context.Context, t schemas.ObservableType) ([]schemas.Observable, error) {
	rows, err := p.pool.Query(ctx, sqlSelectObservable+` WHERE type = $1 ORDER BY value;`, string(t))
	if err != nil {
		return nil, fmt.Errorf("failed to query observables: %w", err)
	}
	defer rows.Close()

	out := make([]schemas.Observable, 0)
	for rows.Next() {
		obs, err := scanObservable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

// CreateEdge inserts the edge if its identity key is new. A missing endpoint
// surfaces from the foreign keys as ErrNotFound.
func (p *PostgresKG) CreateEdge(ctx context.Context, rel schemas.Relationship) (schemas.Relationship, bool, error) {
	stored := cloneRelationship(rel)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Attributes == nil {
		stored.Attributes = map[string]any{}
	}
	attrs, err := json.Marshal(stored.Attributes)
	if err != nil {
		return schemas.Relationship{}, false, fmt.Errorf("failed to marshal edge attributes: %w", err)
	}

	stored.CreatedAt = p.now()
	tag, err := p.pool.Exec(ctx, sqlInsertRelationship,
		stored.ID, stored.From, stored.To, string(stored.Type), stored.Source, attrs, stored.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return schemas.Relationship{}, false, fmt.Errorf("edge %s -> %s endpoint: %w", rel.From, rel.To, schemas.ErrNotFound)
		}
		return schemas.Relationship{}, false, fmt.Errorf("failed to insert edge: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return stored, true, nil
	}

	// The edge already exists; hand back the stored copy.
	row := p.pool.QueryRow(ctx, sqlSelectRelationship+` WHERE from_id = $1 AND to_id = $2 AND type = $3 AND source = $4;`,
		rel.From, rel.To, string(rel.Type), rel.Source)
	existing, err := scanRelationship(row)
	if err != nil {
		return schemas.Relationship{}, false, fmt.Errorf("failed to load existing edge: %w", err)
	}
	return existing, false, nil
}

// EdgesFrom retrieves all outgoing edges from a specific observable.
func (p *PostgresKG) EdgesFrom(ctx context.Context, id string) ([]schemas.Relationship, error) {
	rows, err := p.pool.Query(ctx, sqlSelectRelationship+` WHERE from_id = $1 ORDER BY created_at;`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	edges := make([]schemas.Relationship, 0)
	for rows.Next() {
		edge, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

func marshalObservable(obs schemas.Observable) (tags, contextBlocks []byte, err error) {
	if tags, err = json.Marshal(obs.Tags); err != nil {
		return nil, nil, fmt.Errorf("failed to marshal tags: %w", err)
	}
	if contextBlocks, err = json.Marshal(obs.Context); err != nil {
		return nil, nil, fmt.Errorf("failed to marshal context: %w", err)
	}
	return tags, contextBlocks, nil
}

func scanObservable(row pgx.Row) (schemas.Observable, error) {
	var (
		obs                 schemas.Observable
		obsType             string
		tags, contextBlocks []byte
	)
	if err := row.Scan(&obs.ID, &obsType, &obs.Value, &tags, &contextBlocks, &obs.Version, &obs.CreatedAt, &obs.UpdatedAt); err != nil {
		return schemas.Observable{}, err
	}
	obs.Type = schemas.ObservableType(obsType)
	if err := json.Unmarshal(tags, &obs.Tags); err != nil {
		return schemas.Observable{}, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	if err := json.Unmarshal(contextBlocks, &obs.Context); err != nil {
		return schemas.Observable{}, fmt.Errorf("failed to unmarshal context: %w", err)
	}
	return obs, nil
}

func scanRelationship(row pgx.Row) (schemas.Relationship, error) {
	var (
		rel     schemas.Relationship
		relType string
		attrs   []byte
	)
	if err := row.Scan(&rel.ID, &rel.From, &rel.To, &relType, &rel.Source, &attrs, &rel.CreatedAt); err != nil {
		return schemas.Relationship{}, err
	}
	rel.Type = schemas.RelationshipType(relType)
	if err := json.Unmarshal(attrs, &rel.Attributes); err != nil {
		return schemas.Relationship{}, fmt.Errorf("failed to unmarshal edge attributes: %w", err)
	}
	return rel, nil
}
