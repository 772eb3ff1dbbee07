package schema_test

import (
	"testing"

	"github.com/Ramsey-B/fern/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColumnSQLType(t *testing.T) {
	assert.Equal(t, "timestamptz", schema.Column{Name: "at", Type: schema.Timestamp}.SQLType())
	assert.Equal(t, "double precision", schema.Column{Name: "price", Type: schema.Float}.SQLType())
	assert.Equal(t, "text[]", schema.Column{Name: "tags", Type: schema.TextArray}.SQLType())
}

func TestColumnValuePath(t *testing.T) {
	assert.Equal(t, "name", schema.Column{Name: "name"}.ValuePath())
	assert.Equal(t, "listing.id", schema.Column{Name: "listing_id", Path: "listing.id"}.ValuePath())
}

func TestTableDescriptorValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		table := schema.TableDescriptor{
			Name: "listing_calendar",
			Columns: []schema.Column{
				{Name: "listing_id", Type: schema.Text, NotNull: true},
				{Name: "day", Type: schema.Date},
			},
			Indices: []schema.Index{{Name: "listing_calendar_day_idx", Columns: []string{"listing_id", "day"}, Unique: true}},
		}
		require.NoError(t, table.Validate())
		col, ok := table.Column("day")
		assert.True(t, ok)
		assert.Equal(t, schema.Date, col.Type)
	})

	t.Run("duplicate column", func(t *testing.T) {
		table := schema.TableDescriptor{
			Name:    "t",
			Columns: []schema.Column{{Name: "a", Type: schema.Text}, {Name: "a", Type: schema.Text}},
		}
		err := table.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), `duplicate column "a"`)
	})

	t.Run("index on unknown column", func(t *testing.T) {
		table := schema.TableDescriptor{
			Name:    "t",
			Columns: []schema.Column{{Name: "a", Type: schema.Text}},
			Indices: []schema.Index{{Name: "t_b_idx", Columns: []string{"b"}}},
		}
		err := table.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown column "b"`)
	})

	t.Run("missing name", func(t *testing.T) {
		require.Error(t, schema.TableDescriptor{Columns: []schema.Column{{Name: "a", Type: schema.Text}}}.Validate())
	})

	t.Run("unknown type", func(t *testing.T) {
		require.Error(t, schema.ValidateColumn(schema.Column{Name: "a", Type: "money"}))
	})
}
