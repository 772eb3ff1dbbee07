package resolver

import (
	"context"
	"time"

	"github.com/Ramsey-B/fern/pkg/document"
	"github.com/Ramsey-B/fern/pkg/schema"
)

// Target identifies one replicated table and how its rows are keyed and ordered.
type Target struct {
	Schema    string
	Table     string
	RemoteKey schema.Column
	// Columns are the denormalized columns, recomputed from the merged document on every write.
	Columns []schema.Column
	// RecencyColumn names the denormalized column compared for ordering. Ignored unless SupportsRowDiff.
	RecencyColumn   string
	SupportsRowDiff bool
	// IgnoreFields are payload keys excluded from change detection, e.g. sync timestamps.
	IgnoreFields []string
}

// OrderingColumn returns the recency column in effect, or "" when writes always overwrite.
func (t Target) OrderingColumn() string {
	if !t.SupportsRowDiff {
		return ""
	}
	return t.RecencyColumn
}

type Row struct {
	PK      int64
	Key     string
	Columns map[string]any
	Data    document.Document
}

// Projector computes denormalized column values from a full document.
type Projector func(doc document.Document) (map[string]any, error)

// UpsertResult is what a Store reports for one atomic write.
type UpsertResult struct {
	// Prior is the row before the write, nil when the key was new.
	Prior *Row
	// Row is the row as stored after the write. When Applied is false it equals Prior.
	Row     *Row
	Applied bool
}

// Store persists rows. Upsert must be atomic per key: the stored document becomes
// prior.Data merged with incoming, columns are projected from that merged document, and the
// write is skipped when the target's ordering column shows the incoming row is older.
type Store interface {
	Find(ctx context.Context, target Target, key string) (*Row, error)
	Upsert(ctx context.Context, target Target, key string, incoming document.Document, project Projector) (*UpsertResult, error)
	// Delete removes the row and returns it, or nil when there was none.
	Delete(ctx context.Context, target Target, key string) (*Row, error)
}

// IsStale reports whether incoming columns are older than prior columns on the ordering column.
// A missing or unparsable incoming value is never stale.
func IsStale(target Target, prior, incoming map[string]any) bool {
	col := target.OrderingColumn()
	if col == "" || prior == nil {
		return false
	}
	in, ok := document.ParseTime(incoming[col])
	if !ok {
		return false
	}
	stored, ok := document.ParseTime(prior[col])
	if !ok {
		return false
	}
	return in.Before(stored)
}

// Recency returns the parsed ordering value of a row, if any.
func Recency(target Target, row *Row) (time.Time, bool) {
	col := target.OrderingColumn()
	if col == "" || row == nil {
		return time.Time{}, false
	}
	return document.ParseTime(row.Columns[col])
}
