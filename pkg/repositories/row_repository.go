package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/ddl"
	"github.com/Ramsey-B/fern/pkg/document"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/schema"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// existingAlias names the stored row inside the upsert's conflict clause.
const existingAlias = "existing"

type rowQueryer interface {
	QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row
}

// RowRepository is the Postgres resolver.Store over the replicated tables.
type RowRepository struct {
	*Repository
	evaluator *expressions.Evaluator
}

func NewRowRepository(db database.DB, evaluator *expressions.Evaluator, logger ectologger.Logger) *RowRepository {
	if evaluator == nil {
		evaluator = expressions.NewEvaluator()
	}
	return &RowRepository{
		Repository: NewRepository(db, logger),
		evaluator:  evaluator,
	}
}

func (r *RowRepository) Find(ctx context.Context, target resolver.Target, key string) (*resolver.Row, error) {
	ctx, span := tracing.StartSpan(ctx, "RowRepository.Find")
	defer span.End()

	row, err := r.selectRow(ctx, r.DB(), target, key, false)
	if err != nil {
		return nil, r.fail(ctx, err, target, key, "failed to read replicated row")
	}
	return row, nil
}

// Upsert locks the stored row, merges incoming over it and writes the result unless the
// ordering column shows incoming is older. The conflict clause repeats the ordering check so a
// row inserted concurrently for a new key is not overwritten by an older payload.
func (r *RowRepository) Upsert(ctx context.Context, target resolver.Target, key string, incoming document.Document, project resolver.Projector) (*resolver.UpsertResult, error) {
	ctx, span := tracing.StartSpan(ctx, "RowRepository.Upsert")
	defer span.End()

	var result *resolver.UpsertResult
	err := r.inTx(ctx, func(ctx context.Context, tx database.Tx) error {
		prior, err := r.selectRow(ctx, tx, target, key, true)
		if err != nil {
			return err
		}

		var base document.Document
		if prior != nil {
			base = prior.Data
			if cols, err := project(prior.Data); err == nil {
				prior.Columns = cols
			}
		}

		merged := document.Merge(base, incoming)
		cols, err := project(merged)
		if err != nil {
			return err
		}

		if prior != nil && resolver.IsStale(target, prior.Columns, cols) {
			result = &resolver.UpsertResult{Prior: prior, Row: prior}
			return nil
		}

		query, args := upsertStatement(target, key, merged, cols)
		var (
			pk   int64
			data database.JSONB[document.Document]
		)
		err = tx.QueryRowxContext(ctx, query, args...).Scan(&pk, &data)
		if errors.Is(err, sql.ErrNoRows) {
			// the conflict clause rejected an older write
			result = &resolver.UpsertResult{Prior: prior, Row: prior}
			return nil
		}
		if err != nil {
			return err
		}

		result = &resolver.UpsertResult{
			Prior:   prior,
			Row:     &resolver.Row{PK: pk, Key: key, Columns: cols, Data: data.GetValue()},
			Applied: true,
		}
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, r.fail(ctx, err, target, key, "failed to upsert replicated row")
	}
	return result, nil
}

func (r *RowRepository) Delete(ctx context.Context, target resolver.Target, key string) (*resolver.Row, error) {
	ctx, span := tracing.StartSpan(ctx, "RowRepository.Delete")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(ddl.QualifiedName(target.Schema, target.Table)).
		Where(db.Equal(ddl.QuoteIdentifier(target.RemoteKey.Name), key))
	db.SQL(fmt.Sprintf("RETURNING %s, %s", ddl.SurrogateKeyColumn, ddl.DataColumn))

	query, args := db.Build()
	row, err := r.scanRow(r.DB().QueryRowxContext(ctx, query, args...), target, key)
	if err != nil {
		return nil, r.fail(ctx, err, target, key, "failed to delete replicated row")
	}
	return row, nil
}

func (r *RowRepository) selectRow(ctx context.Context, q rowQueryer, target resolver.Target, key string, forUpdate bool) (*resolver.Row, error) {
	sb := database.NewSelectBuilder()
	sb.Select(ddl.SurrogateKeyColumn, ddl.DataColumn).
		From(ddl.QualifiedName(target.Schema, target.Table)).
		Where(sb.Equal(ddl.QuoteIdentifier(target.RemoteKey.Name), key))
	if forUpdate {
		sb.ForUpdate()
	}

	query, args := sb.Build()
	return r.scanRow(q.QueryRowxContext(ctx, query, args...), target, key)
}

// scanRow reads a (pk, data) row. A missing row is nil without error.
func (r *RowRepository) scanRow(row *sqlx.Row, target resolver.Target, key string) (*resolver.Row, error) {
	var (
		pk   int64
		data database.JSONB[document.Document]
	)
	err := row.Scan(&pk, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	doc := data.GetValue()
	if doc == nil {
		doc = document.Document{}
	}
	cols, err := r.evaluator.Extract(doc, target.Columns)
	if err != nil {
		return nil, err
	}
	return &resolver.Row{PK: pk, Key: key, Columns: cols, Data: doc}, nil
}

func (r *RowRepository) fail(ctx context.Context, err error, target resolver.Target, key, message string) error {
	if httperror.IsHTTPError(err) {
		return err
	}
	r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
		"schema":     target.Schema,
		"table":      target.Table,
		"remote_key": key,
	}).Error(message)
	return httperror.NewHTTPError(http.StatusInternalServerError, message)
}

// upsertStatement renders the keyed insert with its conflict update. The stored document is
// merged with the incoming one by jsonb concatenation and every denormalized column is replaced.
func upsertStatement(target resolver.Target, key string, data document.Document, cols map[string]any) (string, []any) {
	keyColumn := ddl.QuoteIdentifier(target.RemoteKey.Name)
	names := []string{keyColumn}
	values := []any{key}
	for _, c := range target.Columns {
		names = append(names, ddl.QuoteIdentifier(c.Name))
		values = append(values, columnValue(c, cols[c.Name]))
	}
	names = append(names, ddl.DataColumn)
	values = append(values, string(data.Bytes()))

	ib := database.NewInsertBuilder()
	ib.InsertInto(ddl.QualifiedName(target.Schema, target.Table)+" AS "+existingAlias).
		Cols(names...).
		Values(values...)

	ub := ib.OnConflict(keyColumn)
	assignments := make([]string, 0, len(names))
	for _, name := range names[1 : len(names)-1] {
		assignments = append(assignments, ub.Assign(name, database.Excluded(name)))
	}
	assignments = append(assignments, fmt.Sprintf("%[1]s = %[2]s.%[1]s || EXCLUDED.%[1]s", ddl.DataColumn, existingAlias))
	ub.Set(assignments...)

	if recency := target.OrderingColumn(); recency != "" {
		q := ddl.QuoteIdentifier(recency)
		ub.Where(fmt.Sprintf("%[2]s.%[1]s IS NULL OR EXCLUDED.%[1]s IS NULL OR EXCLUDED.%[1]s >= %[2]s.%[1]s", q, existingAlias))
	}

	ib.Returning(ddl.SurrogateKeyColumn, ddl.DataColumn)
	return ib.Build()
}

// columnValue converts an extracted JSON value to what the column's Postgres type accepts.
// Values that do not convert are stored as NULL; the document keeps the original.
func columnValue(c schema.Column, v any) any {
	if v == nil {
		return nil
	}

	switch c.Type {
	case schema.Timestamp, schema.Date:
		t, ok := document.ParseTime(v)
		if !ok {
			return nil
		}
		return t.UTC()
	case schema.Integer, schema.BigInt, schema.BigSerial:
		switch n := v.(type) {
		case float64:
			if n != math.Trunc(n) {
				return nil
			}
			return int64(n)
		case int64:
			return n
		case int:
			return int64(n)
		case string:
			i, err := strconv.ParseInt(n, 10, 64)
			if err != nil {
				return nil
			}
			return i
		}
		return nil
	case schema.Float, schema.Numeric:
		switch n := v.(type) {
		case float64, int64, int:
			return n
		case string:
			f, err := strconv.ParseFloat(n, 64)
			if err != nil {
				return nil
			}
			return f
		}
		return nil
	case schema.Boolean:
		switch b := v.(type) {
		case bool:
			return b
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil
			}
			return parsed
		}
		return nil
	case schema.JSONB:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return string(b)
	case schema.TextArray:
		items, ok := v.([]any)
		if !ok {
			return pq.Array([]string{expressions.Stringify(v)})
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			out = append(out, expressions.Stringify(item))
		}
		return pq.Array(out)
	default:
		return expressions.Stringify(v)
	}
}
