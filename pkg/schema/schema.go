// Package schema describes replicated tables independent of any SQL dialect.
package schema

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type ColumnType string

const (
	Text      ColumnType = "text"
	Integer   ColumnType = "integer"
	BigInt    ColumnType = "bigint"
	Float     ColumnType = "float"
	Numeric   ColumnType = "numeric"
	Boolean   ColumnType = "boolean"
	Timestamp ColumnType = "timestamp"
	Date      ColumnType = "date"
	JSONB     ColumnType = "jsonb"
	UUID      ColumnType = "uuid"
	TextArray ColumnType = "text[]"
	BigSerial ColumnType = "bigserial"
)

var sqlTypes = map[ColumnType]string{
	Text:      "text",
	Integer:   "integer",
	BigInt:    "bigint",
	Float:     "double precision",
	Numeric:   "numeric",
	Boolean:   "boolean",
	Timestamp: "timestamptz",
	Date:      "date",
	JSONB:     "jsonb",
	UUID:      "uuid",
	TextArray: "text[]",
	BigSerial: "bigserial",
}

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	_, ok := sqlTypes[t]
	return ok
}

// Column is one replicated column.
type Column struct {
	Name       string     `json:"name" yaml:"name" validate:"required,max=63"`
	Type       ColumnType `json:"type" yaml:"type" validate:"required"`
	NotNull    bool       `json:"not_null,omitempty" yaml:"not_null"`
	Unique     bool       `json:"unique,omitempty" yaml:"unique"`
	Index      bool       `json:"index,omitempty" yaml:"index"`
	PrimaryKey bool       `json:"primary_key,omitempty" yaml:"primary_key"`
	// Path is the JMESPath expression locating the value in a payload. Empty means the column name.
	Path string `json:"path,omitempty" yaml:"path"`
	// Optional columns may be absent from a payload without the row being treated as partial.
	Optional bool `json:"optional,omitempty" yaml:"optional"`
}

// SQLType is the Postgres type name.
func (c Column) SQLType() string {
	if t, ok := sqlTypes[c.Type]; ok {
		return t
	}
	return string(c.Type)
}

// ValuePath returns Path or, when unset, the column name.
func (c Column) ValuePath() string {
	if c.Path != "" {
		return c.Path
	}
	return c.Name
}

type Index struct {
	Name    string   `json:"name" yaml:"name" validate:"required,max=63"`
	Columns []string `json:"columns" yaml:"columns" validate:"required,min=1,dive,required"`
	Unique  bool     `json:"unique,omitempty" yaml:"unique"`
}

// TableDescriptor is a table with its ordered columns and indices.
type TableDescriptor struct {
	Name    string   `json:"name" yaml:"name" validate:"required,max=63"`
	Columns []Column `json:"columns" yaml:"columns" validate:"required,min=1,dive"`
	Indices []Index  `json:"indices,omitempty" yaml:"indices" validate:"dive"`
}

// Column returns the named column.
func (t TableDescriptor) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func (t TableDescriptor) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("table %q: %w", t.Name, err)
	}

	var errs []error
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if seen[c.Name] {
			errs = append(errs, fmt.Errorf("duplicate column %q", c.Name))
		}
		seen[c.Name] = true
		if !c.Type.Valid() {
			errs = append(errs, fmt.Errorf("column %q has unknown type %q", c.Name, c.Type))
		}
	}
	for _, idx := range t.Indices {
		for _, col := range idx.Columns {
			if !seen[col] {
				errs = append(errs, fmt.Errorf("index %q references unknown column %q", idx.Name, col))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("table %q: %w", t.Name, errors.Join(errs...))
	}
	return nil
}

// ValidateColumn checks a standalone column declaration such as a remote key.
func ValidateColumn(c Column) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("column %q: %w", c.Name, err)
	}
	if !c.Type.Valid() {
		return fmt.Errorf("column %q has unknown type %q", c.Name, c.Type)
	}
	return nil
}
