package knowledgegraph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-feeds/api/schemas"
)

// InMemoryKG provides a fast, ephemeral, in-memory implementation of the GraphConnector interface.
// It's great for testing and one-shot runs where persistence isn't required.
type InMemoryKG struct {
	observables   map[string]schemas.Observable      // Key: observable ID
	keys          map[schemas.ObservableKey]string   // Identity key -> observable ID
	edges         map[string]schemas.Relationship    // Key: edge ID
	edgeKeys      map[schemas.RelationshipKey]string // Identity key -> edge ID
	outgoingEdges map[string][]string                // Key: observable ID, Value: slice of edge IDs
	mu            sync.RWMutex
	log           *zap.Logger
	now           func() time.Time
}

// Ensures InMemoryKG correctly implements the GraphConnector interface at compile time.
var _ schemas.GraphConnector = (*InMemoryKG)(nil)

// NewInMemoryKG creates a new, empty in-memory knowledge graph.
func NewInMemoryKG(logger *zap.Logger) *InMemoryKG {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryKG{
		observables:   make(map[string]schemas.Observable),
		keys:          make(map[schemas.ObservableKey]string),
		edges:         make(map[string]schemas.Relationship),
		edgeKeys:      make(map[schemas.RelationshipKey]string),
		outgoingEdges: make(map[string][]string),
		log:           logger.Named("InMemoryKG"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// FindByKey looks an observable up by its identity key.
func (kg *InMemoryKG) FindByKey(ctx context.Context, key schemas.ObservableKey) (schemas.Observable, error) {
	kg.mu.RLock()
	defer kg.mu.RUnlock()

	id, ok := kg.keys[key]
	if !ok {
		return schemas.Observable{}, fmt.Errorf("observable %s: %w", key, schemas.ErrNotFound)
	}
	return kg.observables[id].Clone(), nil
}

// GetByID retrieves an observable by its opaque ID.
func (kg *InMemoryKG) GetByID(ctx context.Context, id string) (schemas.Observable, error) {
	kg.mu.RLock()
	defer kg.mu.RUnlock()

	obs, ok := kg.observables[id]
	if !ok {
		return schemas.Observable{}, fmt.Errorf("observable with id '%s': %w", id, schemas.ErrNotFound)
	}
	return obs.Clone(), nil
}

// Create inserts a new observable. The key check and the insert happen under
// one write lock, so concurrent creates of the same key yield exactly one winner.
func (kg *InMemoryKG) Create(ctx context.Context, obs schemas.Observable) (schemas.Observable, error) {
	kg.mu.Lock()
	defer kg.mu.Unlock()

	key := obs.Key()
	if _, exists := kg.keys[key]; exists {
		return schemas.Observable{}, fmt.Errorf("observable %s: %w", key, schemas.ErrAlreadyExists)
	}

	stored := obs.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := kg.now()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now

	kg.observables[stored.ID] = stored
	kg.keys[key] = stored.ID

	kg.log.Debug("Observable created", zap.String("ID", stored.ID), zap.Stringer("key", key))
	return stored.Clone(), nil
}

// Update replaces tags and context of an existing observable if the caller's
// version matches the stored one.
func (kg *InMemoryKG) Update(ctx context.Context, obs schemas.Observable) (schemas.Observable, error) {
	kg.mu.Lock()
	defer kg.mu.Unlock()

	current, ok := kg.observables[obs.ID]
	if !ok {
		return schemas.Observable{}, fmt.Errorf("observable with id '%s': %w", obs.ID, schemas.ErrNotFound)
	}
	if current.Version != obs.Version {
		return schemas.Observable{}, fmt.Errorf("observable %s at version %d, have %d: %w",
			current.Key(), current.Version, obs.Version, schemas.ErrConflict)
	}

	// Identity and creation time are immutable.
	updated := current
	updated.Tags = obs.Clone().Tags
	updated.Context = obs.Clone().Context
	updated.Version = current.Version + 1
	updated.UpdatedAt = kg.now()
	kg.observables[obs.ID] = updated

	kg.log.Debug("Observable updated", zap.String("ID", obs.ID), zap.Int64("version", updated.Version))
	return updated.Clone(), nil
}

// List returns all observables of a type sorted by value.
func (kg *InMemoryKG) List(ctx context.Context, t schemas.ObservableType) ([]schemas.Observable, error) {
	kg.mu.RLock()
	defer kg.mu.RUnlock()

	out := make([]schemas.Observable, 0)
	for _, obs := range kg.observables {
		if obs.Type == t {
			out = append(out, obs.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out, nil
}

// CreateEdge inserts an edge unless one with the same identity key exists.
func (kg *InMemoryKG) CreateEdge(ctx context.Context, rel schemas.Relationship) (schemas.Relationship, bool, error) {
	kg.mu.Lock()
	defer kg.mu.Unlock()

	// 1. Validate existence of source and destination observables.
	if _, exists := kg.observables[rel.From]; !exists {
		return schemas.Relationship{}, false, fmt.Errorf("source observable with id '%s' for edge: %w", rel.From, schemas.ErrNotFound)
	}
	if _, exists := kg.observables[rel.To]; !exists {
		return schemas.Relationship{}, false, fmt.Errorf("destination observable with id '%s' for edge: %w", rel.To, schemas.ErrNotFound)
	}

	// 2. Re-asserting an existing edge is a no-op; attributes are first write only.
	key := rel.Key()
	if id, exists := kg.edgeKeys[key]; exists {
		return cloneRelationship(kg.edges[id]), false, nil
	}

	// 3. Store the edge and index it by its source node.
	stored := cloneRelationship(rel)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.CreatedAt = kg.now()
	kg.edges[stored.ID] = stored
	kg.edgeKeys[key] = stored.ID
	kg.outgoingEdges[stored.From] = append(kg.outgoingEdges[stored.From], stored.ID)

	kg.log.Debug("Edge created", zap.String("ID", stored.ID), zap.String("From", rel.From), zap.String("To", rel.To))
	return cloneRelationship(stored), true, nil
}

// EdgesFrom retrieves all outgoing edges of an observable in creation order.
func (kg *InMemoryKG) EdgesFrom(ctx context.Context, id string) ([]schemas.Relationship, error) {
	kg.mu.RLock()
	defer kg.mu.RUnlock()

	if _, ok := kg.observables[id]; !ok {
		return nil, fmt.Errorf("observable with id '%s': %w", id, schemas.ErrNotFound)
	}

	edgeIDs := kg.outgoingEdges[id]
	edges := make([]schemas.Relationship, 0, len(edgeIDs))
	for _, edgeID := range edgeIDs {
		edge, ok := kg.edges[edgeID]
		if !ok {
			kg.log.Warn("Inconsistency found: edge ID in index but not in edges map", zap.String("edge_id", edgeID))
			continue
		}
		edges = append(edges, cloneRelationship(edge))
	}
	return edges, nil
}

// Stats reports the number of stored observables and edges.
func (kg *InMemoryKG) Stats() (observables, edges int) {
	kg.mu.RLock()
	defer kg.mu.RUnlock()
	return len(kg.observables), len(kg.edges)
}

func cloneRelationship(rel schemas.Relationship) schemas.Relationship {
	out := rel
	if rel.Attributes != nil {
		out.Attributes = make(map[string]any, len(rel.Attributes))
		for k, v := range rel.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}
