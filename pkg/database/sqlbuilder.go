package database

import (
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
)

// Excluded references the proposed row inside an ON CONFLICT DO UPDATE clause.
// column must already be quoted when it needs quoting.
func Excluded(column string) any {
	return sqlbuilder.Raw(fmt.Sprintf("EXCLUDED.%s", column))
}

// Now is the database clock, used for housekeeping timestamps.
func Now() any {
	return sqlbuilder.Raw("NOW()")
}

type InsertBuilder struct {
	*sqlbuilder.InsertBuilder
}

func NewInsertBuilder() *InsertBuilder {
	return &InsertBuilder{
		sqlbuilder.PostgreSQL.NewInsertBuilder(),
	}
}

// OnConflict appends ON CONFLICT (columns) DO UPDATE and returns the update builder for the SET and WHERE parts.
// It must be called after Values and before Returning.
func (b *InsertBuilder) OnConflict(columns ...string) *UpdateBuilder {
	ub := NewUpdateBuilder()
	b.SQL(fmt.Sprintf("ON CONFLICT (%s) DO UPDATE %s", strings.Join(columns, ", "), b.Var(ub)))
	return ub
}

func (b *InsertBuilder) OnConflictDoNothing() *InsertBuilder {
	b.SQL("ON CONFLICT DO NOTHING")
	return b
}

func (b *InsertBuilder) InsertInto(table string) *InsertBuilder {
	b.InsertBuilder.InsertInto(table)
	return b
}

func (b *InsertBuilder) Cols(col ...string) *InsertBuilder {
	b.InsertBuilder.Cols(col...)
	return b
}

func (b *InsertBuilder) Values(value ...any) *InsertBuilder {
	b.InsertBuilder.Values(value...)
	return b
}

func (b *InsertBuilder) Returning(col ...string) *InsertBuilder {
	b.InsertBuilder.Returning(col...)
	return b
}

type UpdateBuilder struct {
	*sqlbuilder.UpdateBuilder
}

func NewUpdateBuilder() *UpdateBuilder {
	return &UpdateBuilder{sqlbuilder.PostgreSQL.NewUpdateBuilder()}
}

type DeleteBuilder struct {
	*sqlbuilder.DeleteBuilder
}

func NewDeleteBuilder() *DeleteBuilder {
	return &DeleteBuilder{sqlbuilder.PostgreSQL.NewDeleteBuilder()}
}

type SelectBuilder struct {
	*sqlbuilder.SelectBuilder
}

func NewSelectBuilder() *SelectBuilder {
	return &SelectBuilder{sqlbuilder.PostgreSQL.NewSelectBuilder()}
}

// Struct builds statements from a model's `db` tags.
type Struct struct {
	*sqlbuilder.Struct
}

func NewStruct(v any) *Struct {
	return &Struct{sqlbuilder.NewStruct(v).For(sqlbuilder.PostgreSQL)}
}

func (s *Struct) SelectFrom(table string) *SelectBuilder {
	return &SelectBuilder{s.Struct.SelectFrom(table)}
}

func (s *Struct) InsertInto(table string, v ...any) *InsertBuilder {
	return &InsertBuilder{s.Struct.InsertInto(table, v...)}
}

func (s *Struct) Update(table string, v any) *UpdateBuilder {
	return &UpdateBuilder{s.Struct.Update(table, v)}
}

func (s *Struct) DeleteFrom(table string) *DeleteBuilder {
	return &DeleteBuilder{s.Struct.DeleteFrom(table)}
}
