package schemas

import (
	"context"
	"slices"
	"time"
)

// -- Canonical Knowledge Graph Data Model --

// ObservableType represents the kind of indicator an observable node holds.
// Together with the normalized value it forms the node's identity.
type ObservableType string

const (
	ObservableIPv4     ObservableType = "ipv4"
	ObservableASN      ObservableType = "asn"
	ObservableHostname ObservableType = "hostname"
	ObservableURL      ObservableType = "url"
)

// RelationshipType defines the semantic type of a directed edge between two
// observables.
type RelationshipType string

const (
	RelationshipASNIP      RelationshipType = "ASN_IP"      // e.g., an ASN announces an IPv4 address.
	RelationshipResolvesTo RelationshipType = "RESOLVES_TO" // e.g., a HOSTNAME resolves to an IPv4 address.
)

// ObservableKey is the identity of an observable. Two observables with the
// same key are the same entity, no matter which feed produced them.
type ObservableKey struct {
	Type  ObservableType `json:"type"`
	Value string         `json:"value"`
}

func (k ObservableKey) String() string {
	return string(k.Type) + ":" + k.Value
}

// ContextBlock is a structured annotation contributed by a single source.
// An observable holds at most one block per source.
type ContextBlock struct {
	Source    string         `json:"source"`
	Data      map[string]any `json:"data"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Observable is a typed indicator node in the knowledge graph. ID is an
// opaque handle used for edge endpoints; deduplication is always done on
// (Type, Value).
type Observable struct {
	ID        string         `json:"id"`
	Type      ObservableType `json:"type"`
	Value     string         `json:"value"`
	Tags      []string       `json:"tags"`
	Context   []ContextBlock `json:"context"`
	Version   int64          `json:"version"` // Bumped on every update, used for compare-and-set.
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Key returns the identity key of the observable.
func (o Observable) Key() ObservableKey {
	return ObservableKey{Type: o.Type, Value: o.Value}
}

// ContextFor returns the block contributed by source, if any.
func (o Observable) ContextFor(source string) (ContextBlock, bool) {
	for _, block := range o.Context {
		if block.Source == source {
			return block, true
		}
	}
	return ContextBlock{}, false
}

// HasTag reports whether the tag is present on the observable.
func (o Observable) HasTag(tag string) bool {
	return slices.Contains(o.Tags, tag)
}

// Clone returns a deep copy so callers can mutate tags and context without
// touching shared state.
func (o Observable) Clone() Observable {
	out := o
	out.Tags = slices.Clone(o.Tags)
	if o.Context != nil {
		out.Context = make([]ContextBlock, len(o.Context))
		for i, block := range o.Context {
			out.Context[i] = block.Clone()
		}
	}
	return out
}

// Clone returns a copy of the block with its own top level data map.
func (b ContextBlock) Clone() ContextBlock {
	out := b
	if b.Data != nil {
		out.Data = make(map[string]any, len(b.Data))
		for k, v := range b.Data {
			out.Data[k] = v
		}
	}
	return out
}

// RelationshipKey identifies an edge. The source is part of the identity so
// the same fact asserted by two feeds is kept as two attributed edges.
type RelationshipKey struct {
	From   string           `json:"from"`
	To     string           `json:"to"`
	Type   RelationshipType `json:"type"`
	Source string           `json:"source"`
}

// Relationship is a directed, typed, source attributed edge between two
// observables. Attributes are written once, on creation.
type Relationship struct {
	ID         string           `json:"id"`
	From       string           `json:"from"` // The ID of the source observable.
	To         string           `json:"to"`   // The ID of the target observable.
	Type       RelationshipType `json:"type"`
	Source     string           `json:"source"`
	Attributes map[string]any   `json:"attributes"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Key returns the identity key of the edge.
func (r Relationship) Key() RelationshipKey {
	return RelationshipKey{From: r.From, To: r.To, Type: r.Type, Source: r.Source}
}

// GraphConnector is the contract the ingestion layer needs from a graph
// backend. Every method is either atomic or safe to retry under concurrent
// calls with the same key.
type GraphConnector interface {
	// FindByKey returns ErrNotFound when no observable has the key.
	FindByKey(ctx context.Context, key ObservableKey) (Observable, error)
	// GetByID returns ErrNotFound when the ID is unknown.
	GetByID(ctx context.Context, id string) (Observable, error)
	// Create inserts a new observable and returns ErrAlreadyExists when the
	// key is already taken.
	Create(ctx context.Context, obs Observable) (Observable, error)
	// Update persists tags and context if obs.Version still matches the
	// stored version, otherwise it returns ErrConflict.
	Update(ctx context.Context, obs Observable) (Observable, error)
	// List returns all observables of a type ordered by value.
	List(ctx context.Context, t ObservableType) ([]Observable, error)
	// CreateEdge inserts the edge unless one with the same key exists, in
	// which case the stored edge is returned with created == false. It
	// returns ErrNotFound when an endpoint does not exist.
	CreateEdge(ctx context.Context, rel Relationship) (stored Relationship, created bool, err error)
	// EdgesFrom lists the outgoing edges of an observable.
	EdgesFrom(ctx context.Context, id string) ([]Relationship, error)
}
