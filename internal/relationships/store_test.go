package relationships

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-feeds/api/schemas"
	"github.com/xkilldash9x/scalpel-feeds/internal/knowledgegraph"
	"github.com/xkilldash9x/scalpel-feeds/internal/observables"
)

type fixture struct {
	kg   *knowledgegraph.InMemoryKG
	rel  *Store
	asn  schemas.Observable
	ipv4 schemas.Observable
}

func setup(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	kg := knowledgegraph.NewInMemoryKG(zap.NewNop())
	obs := observables.New(kg, 0, zap.NewNop())

	asn, err := obs.Upsert(ctx, schemas.ObservableASN, "AS64500")
	require.NoError(t, err)
	ip, err := obs.Upsert(ctx, schemas.ObservableIPv4, "1.2.3.4")
	require.NoError(t, err)

	return fixture{kg: kg, rel: New(kg, zap.NewNop()), asn: asn, ipv4: ip}
}

func TestLink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("should be idempotent for the same source", func(t *testing.T) {
		t.Parallel()
		f := setup(t)

		first, created, err := f.rel.Link(ctx, f.asn, f.ipv4, schemas.RelationshipASNIP, "feedA")
		require.NoError(t, err)
		assert.True(t, created)

		second, created, err := f.rel.Link(ctx, f.asn, f.ipv4, schemas.RelationshipASNIP, "feedA")
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)

		_, edges := f.kg.Stats()
		assert.Equal(t, 1, edges)
	})

	t.Run("should keep a distinct edge per source", func(t *testing.T) {
		t.Parallel()
		f := setup(t)

		_, _, err := f.rel.Link(ctx, f.asn, f.ipv4, schemas.RelationshipASNIP, "feedA")
		require.NoError(t, err)
		_, created, err := f.rel.Link(ctx, f.asn, f.ipv4, schemas.RelationshipASNIP, "feedB")
		require.NoError(t, err)
		assert.True(t, created)

		edges, err := f.rel.Edges(ctx, f.asn)
		require.NoError(t, err)
		require.Len(t, edges, 2)
		assert.Equal(t, "feedA", edges[0].Source)
		assert.Equal(t, "feedB", edges[1].Source)
		for _, e := range edges {
			assert.Equal(t, f.ipv4.ID, e.To)
			assert.Equal(t, schemas.RelationshipASNIP, e.Type)
		}
	})

	t.Run("should keep the attributes of the first write", func(t *testing.T) {
		t.Parallel()
		f := setup(t)

		_, _, err := f.rel.LinkWithAttributes(ctx, f.asn, f.ipv4, schemas.RelationshipASNIP, "feedA", map[string]any{"seen": 1})
		require.NoError(t, err)
		rel, created, err := f.rel.LinkWithAttributes(ctx, f.asn, f.ipv4, schemas.RelationshipASNIP, "feedA", map[string]any{"seen": 2})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, 1, rel.Attributes["seen"])
	})

	t.Run("should report missing endpoints as reference errors", func(t *testing.T) {
		t.Parallel()
		f := setup(t)
		ghost := schemas.Observable{ID: "ghost", Type: schemas.ObservableIPv4, Value: "9.9.9.9"}

		_, _, err := f.rel.Link(ctx, f.asn, ghost, schemas.RelationshipASNIP, "feedA")
		assert.ErrorIs(t, err, schemas.ErrReference)
		assert.True(t, schemas.IsRecordError(err))

		_, _, err = f.rel.Link(ctx, f.asn, schemas.Observable{Type: schemas.ObservableIPv4, Value: "9.9.9.9"}, schemas.RelationshipASNIP, "feedA")
		assert.ErrorIs(t, err, schemas.ErrReference)

		_, err = f.rel.Edges(ctx, ghost)
		assert.ErrorIs(t, err, schemas.ErrReference)
	})

	t.Run("should reject endpoints of the wrong type", func(t *testing.T) {
		t.Parallel()
		f := setup(t)

		_, _, err := f.rel.Link(ctx, f.ipv4, f.asn, schemas.RelationshipASNIP, "feedA")
		assert.ErrorIs(t, err, schemas.ErrReference, "ASN_IP runs from the ASN to the address")
		_, _, err = f.rel.Link(ctx, f.asn, f.ipv4, schemas.RelationshipResolvesTo, "feedA")
		assert.ErrorIs(t, err, schemas.ErrReference)

		_, edges := f.kg.Stats()
		assert.Zero(t, edges)
	})

	t.Run("should validate type and source", func(t *testing.T) {
		t.Parallel()
		f := setup(t)

		_, _, err := f.rel.Link(ctx, f.asn, f.ipv4, "", "feedA")
		assert.ErrorIs(t, err, schemas.ErrValidation)
		_, _, err = f.rel.Link(ctx, f.asn, f.ipv4, "PEERS_WITH", "feedA")
		assert.ErrorIs(t, err, schemas.ErrValidation)
		_, _, err = f.rel.Link(ctx, f.asn, f.ipv4, schemas.RelationshipASNIP, " ")
		assert.ErrorIs(t, err, schemas.ErrValidation)

		_, edges := f.kg.Stats()
		assert.Zero(t, edges)
	})
}
