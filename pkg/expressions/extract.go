package expressions

import (
	"github.com/Ramsey-B/fern/pkg/document"
	"github.com/Ramsey-B/fern/pkg/schema"
)

// Extract returns the value for each column found in doc, keyed by column name.
// Columns whose path is absent or evaluates to null are omitted.
func (e *Evaluator) Extract(doc document.Document, columns []schema.Column) (map[string]any, error) {
	values := make(map[string]any, len(columns))
	for _, c := range columns {
		path := c.Path
		if path == "" {
			path = FieldPath(c.Name)
		}
		v, err := e.Evaluate(path, doc)
		if err != nil {
			return nil, err
		}
		if v != nil {
			values[c.Name] = v
		}
	}
	return values, nil
}

// RemoteKey extracts the remote key as text. An empty result means the payload carries no key.
func (e *Evaluator) RemoteKey(doc document.Document, key schema.Column) (string, error) {
	path := key.Path
	if path == "" {
		path = FieldPath(key.Name)
	}
	return e.EvaluateString(path, doc)
}
