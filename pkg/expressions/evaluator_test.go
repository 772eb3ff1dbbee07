package expressions_test

import (
	"testing"

	"github.com/Ramsey-B/fern/pkg/document"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	e := expressions.NewEvaluator()
	data := map[string]any{
		"data": []any{map[string]any{"id": 1.0}, map[string]any{"id": 2.0}},
		"meta": map[string]any{"next_cursor": "abc"},
	}

	cursor, err := e.EvaluateString("meta.next_cursor", data)
	require.NoError(t, err)
	assert.Equal(t, "abc", cursor)

	items, err := e.EvaluateSlice("data", data)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	missing, err := e.EvaluateString("meta.previous", data)
	require.NoError(t, err)
	assert.Equal(t, "", missing)

	require.Error(t, e.Validate("data[?"))
}

func TestExtract(t *testing.T) {
	e := expressions.NewEvaluator()
	doc := document.Document{
		"id":         1234.0,
		"name":       "Casa Armadillo",
		"from":       "2024-03-01",
		"listing":    map[string]any{"id": "L1"},
		"zip-code":   "78701",
		"updated_at": nil,
	}

	values, err := e.Extract(doc, []schema.Column{
		{Name: "name", Type: schema.Text},
		{Name: "from", Type: schema.Date},
		{Name: "listing_id", Type: schema.Text, Path: "listing.id"},
		{Name: "zip-code", Type: schema.Text},
		{Name: "updated_at", Type: schema.Timestamp},
		{Name: "absent", Type: schema.Text},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"name":       "Casa Armadillo",
		"from":       "2024-03-01",
		"listing_id": "L1",
		"zip-code":   "78701",
	}, values)

	key, err := e.RemoteKey(doc, schema.Column{Name: "id", Type: schema.Text})
	require.NoError(t, err)
	assert.Equal(t, "1234", key)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "1.5", expressions.Stringify(1.5))
	assert.Equal(t, "444", expressions.Stringify(444.0))
	assert.Equal(t, "true", expressions.Stringify(true))
	assert.Equal(t, "", expressions.Stringify(nil))
}
