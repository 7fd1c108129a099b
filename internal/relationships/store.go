package relationships

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-feeds/api/schemas"
	"github.com/xkilldash9x/scalpel-feeds/internal/observability"
)

// endpoints lists, per edge type, the observable types it may join.
var endpoints = map[schemas.RelationshipType]struct{ from, to schemas.ObservableType }{
	schemas.RelationshipASNIP:      {schemas.ObservableASN, schemas.ObservableIPv4},
	schemas.RelationshipResolvesTo: {schemas.ObservableHostname, schemas.ObservableIPv4},
}

// Store writes source attributed edges between stored observables.
type Store struct {
	graph schemas.GraphConnector
	log   *zap.Logger
}

// New creates a relationship store over the given connector.
func New(graph schemas.GraphConnector, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{graph: graph, log: logger.Named("relationships")}
}

// Link asserts the edge from -> to of type t on behalf of source. The second
// return value is true only when the edge did not exist before. An endpoint
// unknown to the graph, or of the wrong type for t, yields ErrReference.
func (s *Store) Link(ctx context.Context, from, to schemas.Observable, t schemas.RelationshipType, source string) (schemas.Relationship, bool, error) {
	return s.LinkWithAttributes(ctx, from, to, t, source, nil)
}

// LinkWithAttributes is Link with attributes recorded on first creation.
// Re-asserting an existing edge never changes its attributes.
func (s *Store) LinkWithAttributes(ctx context.Context, from, to schemas.Observable, t schemas.RelationshipType, source string, attrs map[string]any) (schemas.Relationship, bool, error) {
	source = strings.TrimSpace(source)
	if t == "" {
		return schemas.Relationship{}, false, fmt.Errorf("relationship type is empty: %w", schemas.ErrValidation)
	}
	if source == "" {
		return schemas.Relationship{}, false, fmt.Errorf("relationship source is empty: %w", schemas.ErrValidation)
	}
	ends, ok := endpoints[t]
	if !ok {
		return schemas.Relationship{}, false, fmt.Errorf("unknown relationship type %q: %w", t, schemas.ErrValidation)
	}
	if from.Type != ends.from || to.Type != ends.to {
		return schemas.Relationship{}, false, fmt.Errorf("%s edge cannot join %s -> %s: %w", t, from.Type, to.Type, schemas.ErrReference)
	}
	if from.ID == "" || to.ID == "" {
		return schemas.Relationship{}, false, fmt.Errorf("edge %s -> %s has an unsaved endpoint: %w", from.Key(), to.Key(), schemas.ErrReference)
	}

	rel, created, err := s.graph.CreateEdge(ctx, schemas.Relationship{
		From:       from.ID,
		To:         to.ID,
		Type:       t,
		Source:     source,
		Attributes: attrs,
	})
	if err != nil {
		observability.GraphMutations.WithLabelValues("link", "error").Inc()
		if errors.Is(err, schemas.ErrNotFound) {
			return schemas.Relationship{}, false, fmt.Errorf("edge %s -> %s: %v: %w", from.Key(), to.Key(), err, schemas.ErrReference)
		}
		return schemas.Relationship{}, false, fmt.Errorf("failed to link %s -> %s: %w", from.Key(), to.Key(), err)
	}

	if created {
		observability.GraphMutations.WithLabelValues("link", "created").Inc()
		s.log.Debug("Edge created",
			zap.String("type", string(t)), zap.Stringer("from", from.Key()), zap.Stringer("to", to.Key()), zap.String("source", source))
	} else {
		observability.GraphMutations.WithLabelValues("link", "existing").Inc()
	}
	return rel, created, nil
}

// Edges returns the outgoing edges of obs.
func (s *Store) Edges(ctx context.Context, obs schemas.Observable) ([]schemas.Relationship, error) {
	edges, err := s.graph.EdgesFrom(ctx, obs.ID)
	if errors.Is(err, schemas.ErrNotFound) {
		return nil, fmt.Errorf("observable %s: %v: %w", obs.Key(), err, schemas.ErrReference)
	}
	return edges, err
}
