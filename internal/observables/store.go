// Package observables implements the observable store: idempotent upsert of
// typed indicator nodes and the merge rules for their tags and per source
// context blocks.
package observables

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/google/go-cmp/cmp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/scalpel-feeds/api/schemas"
	"github.com/xkilldash9x/scalpel-feeds/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultMaxRetries is used when the store is built with a non-positive retry limit.
const DefaultMaxRetries = 8

var tagPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.:-]*$`)

// Store upserts observables through a GraphConnector. It is safe for
// concurrent use; identical-key upserts in flight at the same time share a
// single round trip to the graph.
type Store struct {
	graph      schemas.GraphConnector
	maxRetries int
	group      singleflight.Group
	validate   *validator.Validate
	log        *zap.Logger
	now        func() time.Time
}

// New creates an observable store. maxRetries bounds the compare-and-set
// loop used by AddContext and Tag.
func New(graph schemas.GraphConnector, maxRetries int, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	_ = validate.RegisterValidation("obstag", func(fl validator.FieldLevel) bool {
		return tagPattern.MatchString(fl.Field().String())
	})

	return &Store{
		graph:      graph,
		maxRetries: maxRetries,
		validate:   validate,
		log:        logger.Named("observables"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Normalize canonicalises a raw value for the given type. The result is the
// value part of the observable's identity key.
func Normalize(t schemas.ObservableType, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("empty %s value: %w", t, schemas.ErrValidation)
	}

	switch t {
	case schemas.ObservableIPv4:
		addr, err := netip.ParseAddr(value)
		if err != nil || !addr.Is4() {
			return "", fmt.Errorf("invalid ipv4 address %q: %w", value, schemas.ErrValidation)
		}
		return addr.String(), nil
	case schemas.ObservableASN:
		digits := value
		if len(digits) > 2 && strings.EqualFold(digits[:2], "as") {
			digits = digits[2:]
		}
		if digits == "" || strings.TrimLeft(digits, "0123456789") != "" {
			return "", fmt.Errorf("invalid asn %q: %w", value, schemas.ErrValidation)
		}
		// Drop leading zeros so "AS064500" and "64500" collide.
		if trimmed := strings.TrimLeft(digits, "0"); trimmed != "" {
			digits = trimmed
		} else {
			digits = "0"
		}
		return digits, nil
	case schemas.ObservableHostname:
		host := strings.TrimRight(strings.ToLower(value), ".")
		if host == "" || strings.ContainsRune(host, '/') || strings.IndexFunc(host, unicode.IsSpace) >= 0 {
			return "", fmt.Errorf("invalid hostname %q: %w", value, schemas.ErrValidation)
		}
		return host, nil
	case schemas.ObservableURL:
		return value, nil
	default:
		return "", fmt.Errorf("unknown observable type %q: %w", t, schemas.ErrValidation)
	}
}

// Upsert returns the observable with the given identity, creating it if it
// does not exist yet. Calling it any number of times leaves exactly one node.
func (s *Store) Upsert(ctx context.Context, t schemas.ObservableType, value string) (schemas.Observable, error) {
	normalized, err := Normalize(t, value)
	if err != nil {
		return schemas.Observable{}, err
	}
	key := schemas.ObservableKey{Type: t, Value: normalized}

	// The flight is shared with callers from other feeds, so it must not die
	// with the first caller's context. Each caller still honours its own.
	ch := s.group.DoChan(key.String(), func() (interface{}, error) {
		return s.findOrCreate(context.WithoutCancel(ctx), key)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return schemas.Observable{}, ctx.Err()
	}
	if res.Err != nil {
		observability.GraphMutations.WithLabelValues("upsert", "error").Inc()
		return schemas.Observable{}, res.Err
	}
	// The result is shared between singleflight callers.
	return res.Val.(schemas.Observable).Clone(), nil
}

func (s *Store) findOrCreate(ctx context.Context, key schemas.ObservableKey) (schemas.Observable, error) {
	obs, err := s.graph.FindByKey(ctx, key)
	if err == nil {
		observability.GraphMutations.WithLabelValues("upsert", "existing").Inc()
		return obs, nil
	}
	if !errors.Is(err, schemas.ErrNotFound) {
		return schemas.Observable{}, fmt.Errorf("failed to look up %s: %w", key, err)
	}

	obs, err = s.graph.Create(ctx, schemas.Observable{Type: key.Type, Value: key.Value, Tags: []string{}})
	switch {
	case err == nil:
		observability.GraphMutations.WithLabelValues("upsert", "created").Inc()
		s.log.Debug("Observable created", zap.Stringer("key", key), zap.String("id", obs.ID))
		return obs, nil
	case errors.Is(err, schemas.ErrAlreadyExists):
		// Another writer won the race; its node is the one we want.
		obs, err = s.graph.FindByKey(ctx, key)
		if err != nil {
			return schemas.Observable{}, fmt.Errorf("failed to re-read %s after create race: %w", key, err)
		}
		observability.GraphMutations.WithLabelValues("upsert", "existing").Inc()
		return obs, nil
	default:
		return schemas.Observable{}, fmt.Errorf("failed to create %s: %w", key, err)
	}
}

// AddContext stores data as the context block of source, replacing any block
// the same source submitted before. Blocks of other sources are untouched.
func (s *Store) AddContext(ctx context.Context, obs schemas.Observable, source string, data map[string]any) (schemas.Observable, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return schemas.Observable{}, fmt.Errorf("context source is empty: %w", schemas.ErrValidation)
	}
	block, err := canonicalBlock(data)
	if err != nil {
		return schemas.Observable{}, err
	}

	return s.mutate(ctx, "add_context", obs, func(next *schemas.Observable) bool {
		if existing, ok := next.ContextFor(source); ok && cmp.Equal(existing.Data, block) {
			return false
		}
		replaced := schemas.ContextBlock{Source: source, Data: block, UpdatedAt: s.now()}
		for i := range next.Context {
			if next.Context[i].Source == source {
				next.Context[i] = replaced
				return true
			}
		}
		next.Context = append(next.Context, replaced)
		return true
	})
}

// NormalizeTag returns tag in the form it is stored in.
func NormalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// Tag adds tags to the observable's tag set. Tags are trimmed and lower-cased;
// if any of them is malformed nothing is written.
func (s *Store) Tag(ctx context.Context, obs schemas.Observable, tags ...string) (schemas.Observable, error) {
	normalized := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = NormalizeTag(tag)
		if err := s.validate.Var(tag, "required,max=128,obstag"); err != nil {
			return schemas.Observable{}, fmt.Errorf("invalid tag %q: %w", tag, schemas.ErrValidation)
		}
		normalized = append(normalized, tag)
	}
	if len(normalized) == 0 {
		return obs, nil
	}

	return s.mutate(ctx, "tag", obs, func(next *schemas.Observable) bool {
		before := len(next.Tags)
		merged := append(slices.Clone(next.Tags), normalized...)
		slices.Sort(merged)
		merged = slices.Compact(merged)
		if len(merged) == before {
			return false
		}
		next.Tags = merged
		return true
	})
}

// Get returns the observable with the given identity.
func (s *Store) Get(ctx context.Context, t schemas.ObservableType, value string) (schemas.Observable, error) {
	normalized, err := Normalize(t, value)
	if err != nil {
		return schemas.Observable{}, err
	}
	return s.graph.FindByKey(ctx, schemas.ObservableKey{Type: t, Value: normalized})
}

// List returns all observables of a type ordered by value.
func (s *Store) List(ctx context.Context, t schemas.ObservableType) ([]schemas.Observable, error) {
	return s.graph.List(ctx, t)
}

// mutate applies change to a copy of obs and writes it with compare-and-set.
// On a version conflict the latest stored copy is re-read and change is
// applied again. change reports whether it modified anything.
func (s *Store) mutate(ctx context.Context, op string, obs schemas.Observable, change func(*schemas.Observable) bool) (schemas.Observable, error) {
	if obs.ID == "" {
		return schemas.Observable{}, fmt.Errorf("observable %s has no id: %w", obs.Key(), schemas.ErrValidation)
	}

	current := obs
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return schemas.Observable{}, err
		}

		next := current.Clone()
		if !change(&next) {
			return current, nil
		}

		updated, err := s.graph.Update(ctx, next)
		if err == nil {
			observability.GraphMutations.WithLabelValues(op, "updated").Inc()
			return updated, nil
		}
		if !errors.Is(err, schemas.ErrConflict) {
			observability.GraphMutations.WithLabelValues(op, "error").Inc()
			return schemas.Observable{}, fmt.Errorf("failed to %s on %s: %w", op, obs.Key(), err)
		}

		observability.GraphConflicts.WithLabelValues(op).Inc()
		s.log.Debug("Version conflict, retrying",
			zap.String("op", op), zap.Stringer("key", obs.Key()), zap.Int("attempt", attempt+1))

		current, err = s.graph.GetByID(ctx, obs.ID)
		if err != nil {
			return schemas.Observable{}, fmt.Errorf("failed to reload %s: %w", obs.Key(), err)
		}
	}

	observability.GraphMutations.WithLabelValues(op, "error").Inc()
	return schemas.Observable{}, fmt.Errorf("%s on %s gave up after %d retries: %w", op, obs.Key(), s.maxRetries, schemas.ErrConflict)
}

// canonicalBlock round trips data through JSON so that what is compared and
// stored matches what a persistent backend reads back.
func canonicalBlock(data map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("context block is not serializable: %v: %w", err, schemas.ErrValidation)
	}
	block := make(map[string]any)
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, fmt.Errorf("context block is not an object: %v: %w", err, schemas.ErrValidation)
	}
	return block, nil
}
