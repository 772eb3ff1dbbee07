package resolver

import (
	"context"
	"sort"
	"sync"

	"github.com/Ramsey-B/fern/pkg/document"
)

// MemoryStore is an in-process Store used by tests and dry runs.
type MemoryStore struct {
	mu     sync.Mutex
	nextPK int64
	tables map[string]map[string]*Row
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]map[string]*Row)}
}

func tableKey(t Target) string {
	return t.Schema + "." + t.Table
}

func (s *MemoryStore) table(t Target) map[string]*Row {
	key := tableKey(t)
	rows, ok := s.tables[key]
	if !ok {
		rows = make(map[string]*Row)
		s.tables[key] = rows
	}
	return rows
}

func (s *MemoryStore) Find(_ context.Context, target Target, key string) (*Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.table(target)[key]; ok {
		return copyRow(row), nil
	}
	return nil, nil
}

func (s *MemoryStore) Upsert(_ context.Context, target Target, key string, incoming document.Document, project Projector) (*UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.table(target)
	prior := rows[key]

	var base document.Document
	if prior != nil {
		base = prior.Data
	}
	merged := document.Merge(base, incoming)
	cols, err := project(merged)
	if err != nil {
		return nil, err
	}

	if prior != nil && IsStale(target, prior.Columns, cols) {
		return &UpsertResult{Prior: copyRow(prior), Row: copyRow(prior), Applied: false}, nil
	}

	next := &Row{Key: key, Columns: cols, Data: merged}
	if prior != nil {
		next.PK = prior.PK
	} else {
		s.nextPK++
		next.PK = s.nextPK
	}
	rows[key] = next

	return &UpsertResult{Prior: copyRow(prior), Row: copyRow(next), Applied: true}, nil
}

func (s *MemoryStore) Delete(_ context.Context, target Target, key string) (*Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.table(target)
	row, ok := rows[key]
	if !ok {
		return nil, nil
	}
	delete(rows, key)
	return copyRow(row), nil
}

// Rows returns the rows of a table ordered by pk.
func (s *MemoryStore) Rows(target Target) []*Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.table(target)
	out := make([]*Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, copyRow(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PK < out[j].PK })
	return out
}

func copyRow(r *Row) *Row {
	if r == nil {
		return nil
	}
	cols := make(map[string]any, len(r.Columns))
	for k, v := range r.Columns {
		cols[k] = v
	}
	return &Row{PK: r.PK, Key: r.Key, Columns: cols, Data: r.Data.Clone()}
}
