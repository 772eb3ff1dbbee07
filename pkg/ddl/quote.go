package ddl

import (
	"regexp"
	"strings"
)

var bareIdentifier = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// reserved holds the Postgres keywords that cannot appear as bare column or table names.
var reserved = map[string]bool{}

func init() {
	for _, w := range strings.Fields(`
		all analyse analyze and any array as asc asymmetric authorization binary both case cast check
		collate collation column concurrently constraint create cross current_catalog current_date
		current_role current_schema current_time current_timestamp current_user default deferrable desc
		distinct do else end except false fetch for foreign freeze from full grant group having ilike in
		initially inner intersect into is isnull join lateral leading left like limit localtime
		localtimestamp natural not notnull null offset on only or order outer overlaps placing primary
		references returning right select session_user similar some symmetric system_user table tablesample
		then to trailing true union unique user using variadic verbose when where window with`) {
		reserved[w] = true
	}
}

// IsReserved reports whether name is a reserved keyword.
func IsReserved(name string) bool {
	return reserved[strings.ToLower(name)]
}

// QuoteIdentifier returns name bare when it is a plain lower-case identifier that is not reserved,
// otherwise double-quoted with embedded quotes doubled.
func QuoteIdentifier(name string) string {
	if bareIdentifier.MatchString(name) && !reserved[name] {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QualifiedName quotes schema and table independently and joins them with a dot.
func QualifiedName(schema, table string) string {
	if schema == "" {
		return QuoteIdentifier(table)
	}
	return QuoteIdentifier(schema) + "." + QuoteIdentifier(table)
}

func quoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = QuoteIdentifier(n)
	}
	return strings.Join(quoted, ", ")
}
