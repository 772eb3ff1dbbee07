// Package ddl renders table descriptors as deterministic Postgres DDL.
package ddl

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Ramsey-B/fern/pkg/schema"
)

const (
	// SurrogateKeyColumn is the bigserial primary key of every primary table.
	SurrogateKeyColumn = "pk"
	// DataColumn holds the full JSON payload.
	DataColumn = "data"
)

// Input is everything needed to render one integration's tables.
type Input struct {
	Schema       string
	ShortID      string
	Table        string
	RemoteKey    schema.Column
	Denormalized []schema.Column
	Enrichment   []schema.TableDescriptor
}

type Generator struct{}

func NewGenerator() Generator {
	return Generator{}
}

// Statements returns the primary table, its indices, then each enrichment table followed by its indices.
func (g Generator) Statements(in Input) ([]string, error) {
	if err := g.validate(in); err != nil {
		return nil, err
	}

	qualified := QualifiedName(in.Schema, in.Table)

	cols := make([]string, 0, len(in.Denormalized)+3)
	cols = append(cols, QuoteIdentifier(SurrogateKeyColumn)+" bigserial PRIMARY KEY")
	cols = append(cols, fmt.Sprintf("%s %s UNIQUE NOT NULL", QuoteIdentifier(in.RemoteKey.Name), in.RemoteKey.SQLType()))
	for _, c := range in.Denormalized {
		cols = append(cols, columnDefinition(c))
	}
	cols = append(cols, QuoteIdentifier(DataColumn)+" jsonb NOT NULL")

	stmts := []string{fmt.Sprintf("CREATE TABLE %s (%s);", qualified, strings.Join(cols, ", "))}

	for _, c := range in.Denormalized {
		if !c.Index {
			continue
		}
		name := fmt.Sprintf("%s_%s_idx", in.ShortID, c.Name)
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s);",
			QuoteIdentifier(name), qualified, QuoteIdentifier(c.Name)))
	}

	for _, t := range in.Enrichment {
		stmts = append(stmts, g.tableStatements(in.Schema, t)...)
	}

	return stmts, nil
}

// SQL joins Statements with newlines.
func (g Generator) SQL(in Input) (string, error) {
	stmts, err := g.Statements(in)
	if err != nil {
		return "", err
	}
	return strings.Join(stmts, "\n"), nil
}

func (g Generator) tableStatements(schemaName string, t schema.TableDescriptor) []string {
	qualified := QualifiedName(schemaName, t.Name)

	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = columnDefinition(c)
	}
	stmts := []string{fmt.Sprintf("CREATE TABLE %s (%s);", qualified, strings.Join(cols, ", "))}

	for _, idx := range t.Indices {
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		stmts = append(stmts, fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s);",
			unique, QuoteIdentifier(idx.Name), qualified, quoteAll(idx.Columns)))
	}
	return stmts
}

func (g Generator) validate(in Input) error {
	var errs []error
	if in.Table == "" {
		errs = append(errs, errors.New("table name is required"))
	}
	if in.ShortID == "" {
		errs = append(errs, errors.New("short id is required"))
	}
	if err := schema.ValidateColumn(in.RemoteKey); err != nil {
		errs = append(errs, fmt.Errorf("remote key: %w", err))
	}

	seen := map[string]bool{SurrogateKeyColumn: true, DataColumn: true, in.RemoteKey.Name: true}
	if in.RemoteKey.Name == SurrogateKeyColumn || in.RemoteKey.Name == DataColumn {
		errs = append(errs, fmt.Errorf("remote key column %q collides with a housekeeping column", in.RemoteKey.Name))
	}
	for _, c := range in.Denormalized {
		if err := schema.ValidateColumn(c); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[c.Name] {
			errs = append(errs, fmt.Errorf("denormalized column %q is declared twice or collides with a housekeeping column", c.Name))
		}
		seen[c.Name] = true
	}

	tables := map[string]bool{in.Table: true}
	for _, t := range in.Enrichment {
		if err := t.Validate(); err != nil {
			errs = append(errs, err)
		}
		if tables[t.Name] {
			errs = append(errs, fmt.Errorf("enrichment table %q collides with another table", t.Name))
		}
		tables[t.Name] = true
	}
	return errors.Join(errs...)
}

func columnDefinition(c schema.Column) string {
	var b strings.Builder
	b.WriteString(QuoteIdentifier(c.Name))
	b.WriteString(" ")
	b.WriteString(c.SQLType())
	switch {
	case c.PrimaryKey:
		b.WriteString(" PRIMARY KEY")
	case c.Unique && c.NotNull:
		b.WriteString(" UNIQUE NOT NULL")
	case c.Unique:
		b.WriteString(" UNIQUE")
	case c.NotNull:
		b.WriteString(" NOT NULL")
	}
	return b.String()
}

// CreateSchemaSQL creates a tenant's replication schema.
func CreateSchemaSQL(schemaName string) string {
	return fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s;", QuoteIdentifier(schemaName))
}

// DropSchemaSQL drops a tenant's replication schema and every table in it.
func DropSchemaSQL(schemaName string) string {
	return fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE;", QuoteIdentifier(schemaName))
}
