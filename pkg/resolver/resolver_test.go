package resolver_test

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/document"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/faults"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResolver() (*resolver.Resolver, *resolver.MemoryStore) {
	store := resolver.NewMemoryStore()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return resolver.New(store, expressions.NewEvaluator(), logger), store
}

func listingTarget(rowDiff bool) resolver.Target {
	return resolver.Target{
		Schema:    "org_acme",
		Table:     "listings",
		RemoteKey: schema.Column{Name: "rentals_id", Type: schema.Text, Path: "id"},
		Columns: []schema.Column{
			{Name: "name", Type: schema.Text},
			{Name: "apt", Type: schema.Text},
			{Name: "updated_at", Type: schema.Timestamp},
		},
		RecencyColumn:   "updated_at",
		SupportsRowDiff: rowDiff,
		IgnoreFields:    []string{"synced_at"},
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	r, store := newResolver()
	target := listingTarget(true)
	doc := document.Document{"id": "L1", "name": "Casa Armadillo", "updated_at": "2024-03-01T00:00:00Z"}

	first, err := r.Upsert(context.Background(), target, doc)
	require.NoError(t, err)
	assert.Equal(t, resolver.ActionInserted, first.Action)
	assert.True(t, first.Changed())

	second, err := r.Upsert(context.Background(), target, doc)
	require.NoError(t, err)
	assert.Equal(t, resolver.ActionUnchanged, second.Action)
	assert.False(t, second.Changed())

	assert.Len(t, store.Rows(target), 1)
}

func TestUpsertMergePatch(t *testing.T) {
	r, store := newResolver()
	target := listingTarget(true)

	_, err := r.Upsert(context.Background(), target, document.Document{"id": "L1", "name": "Casa Armadillo", "apt": "S123"})
	require.NoError(t, err)

	res, err := r.Upsert(context.Background(), target, document.Document{"id": "L1", "apt": "X555"})
	require.NoError(t, err)
	assert.Equal(t, resolver.ActionUpdated, res.Action)
	assert.Equal(t, []string{"apt"}, res.ChangedFields)

	rows := store.Rows(target)
	require.Len(t, rows, 1)
	assert.Equal(t, "Casa Armadillo", rows[0].Data["name"])
	assert.Equal(t, "X555", rows[0].Data["apt"])
	assert.Equal(t, "Casa Armadillo", rows[0].Columns["name"])
	assert.Equal(t, "X555", rows[0].Columns["apt"])
}

func TestUpsertRecency(t *testing.T) {
	ctx := context.Background()
	newer := document.Document{"id": "L1", "name": "Newer", "updated_at": "2024-03-02T00:00:00Z"}
	older := document.Document{"id": "L1", "name": "Older", "updated_at": "2024-03-01T00:00:00Z"}

	t.Run("row diff keeps the newer row", func(t *testing.T) {
		r, store := newResolver()
		target := listingTarget(true)

		_, err := r.Upsert(ctx, target, newer)
		require.NoError(t, err)
		res, err := r.Upsert(ctx, target, older)
		require.NoError(t, err)

		assert.Equal(t, resolver.ActionStale, res.Action)
		assert.False(t, res.Changed())
		assert.Equal(t, "Newer", store.Rows(target)[0].Data["name"])
	})

	t.Run("without row diff the last write wins", func(t *testing.T) {
		r, store := newResolver()
		target := listingTarget(false)

		_, err := r.Upsert(ctx, target, newer)
		require.NoError(t, err)
		res, err := r.Upsert(ctx, target, older)
		require.NoError(t, err)

		assert.Equal(t, resolver.ActionUpdated, res.Action)
		assert.Equal(t, "Older", store.Rows(target)[0].Data["name"])
	})

	t.Run("missing incoming recency is not older", func(t *testing.T) {
		r, store := newResolver()
		target := listingTarget(true)

		_, err := r.Upsert(ctx, target, newer)
		require.NoError(t, err)
		res, err := r.Upsert(ctx, target, document.Document{"id": "L1", "name": "Renamed"})
		require.NoError(t, err)

		assert.Equal(t, resolver.ActionUpdated, res.Action)
		row := store.Rows(target)[0]
		assert.Equal(t, "Renamed", row.Data["name"])
		assert.Equal(t, "2024-03-02T00:00:00Z", row.Data["updated_at"])
	})
}

func TestUpsertIgnoresHousekeepingFields(t *testing.T) {
	r, _ := newResolver()
	target := listingTarget(true)

	_, err := r.Upsert(context.Background(), target, document.Document{"id": "L1", "name": "A", "synced_at": "t1"})
	require.NoError(t, err)
	res, err := r.Upsert(context.Background(), target, document.Document{"id": "L1", "name": "A", "synced_at": "t2"})
	require.NoError(t, err)

	assert.Equal(t, resolver.ActionUnchanged, res.Action)
}

func TestUpsertWithoutKey(t *testing.T) {
	r, _ := newResolver()

	_, err := r.Upsert(context.Background(), listingTarget(true), document.Document{"name": "keyless"})
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindMalformedPayload))
}

func TestDelete(t *testing.T) {
	r, store := newResolver()
	target := listingTarget(true)
	ctx := context.Background()

	res, err := r.Delete(ctx, target, "444")
	require.NoError(t, err)
	assert.Equal(t, resolver.ActionAbsent, res.Action)
	assert.False(t, res.Changed())
	assert.Nil(t, res.Prior)

	_, err = r.Upsert(ctx, target, document.Document{"id": "L1", "name": "A"})
	require.NoError(t, err)
	res, err = r.Delete(ctx, target, "L1")
	require.NoError(t, err)
	assert.Equal(t, resolver.ActionDeleted, res.Action)
	assert.True(t, res.Changed())
	assert.Equal(t, "A", res.Prior.Data["name"])
	assert.Empty(t, store.Rows(target))
}
