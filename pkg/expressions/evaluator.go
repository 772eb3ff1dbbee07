// Package expressions evaluates JMESPath paths against payloads: denormalized column values,
// backfill page items and cursors.
package expressions

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/Ramsey-B/fern/pkg/document"
	"github.com/jmespath/go-jmespath"
)

var plainIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Evaluator wraps JMESPath expression evaluation with a compile cache.
type Evaluator struct {
	cache map[string]*jmespath.JMESPath
	mu    sync.RWMutex
}

func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*jmespath.JMESPath),
	}
}

// Evaluate evaluates a JMESPath expression against data
func (e *Evaluator) Evaluate(expression string, data any) (any, error) {
	compiled, err := e.getOrCompile(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expression, err)
	}

	if doc, ok := data.(document.Document); ok {
		data = map[string]any(doc)
	}

	result, err := compiled.Search(data)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", expression, err)
	}

	return result, nil
}

// EvaluateString evaluates an expression and returns the result as a string.
// Whole floats render without a fraction so numeric ids survive.
func (e *Evaluator) EvaluateString(expression string, data any) (string, error) {
	result, err := e.Evaluate(expression, data)
	if err != nil {
		return "", err
	}
	return Stringify(result), nil
}

// EvaluateSlice evaluates an expression and returns the result as a slice
func (e *Evaluator) EvaluateSlice(expression string, data any) ([]any, error) {
	result, err := e.Evaluate(expression, data)
	if err != nil {
		return nil, err
	}

	if result == nil {
		return nil, nil
	}

	slice, ok := result.([]any)
	if !ok {
		return []any{result}, nil
	}

	return slice, nil
}

// Validate checks if an expression is valid
func (e *Evaluator) Validate(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

func (e *Evaluator) getOrCompile(expression string) (*jmespath.JMESPath, error) {
	e.mu.RLock()
	if compiled, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return compiled, nil
	}
	e.mu.RUnlock()

	compiled, err := jmespath.Compile(expression)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = compiled
	e.mu.Unlock()

	return compiled, nil
}

// FieldPath turns a bare field name into a JMESPath expression, quoting names that are not plain identifiers.
func FieldPath(name string) string {
	if plainIdentifier.MatchString(name) {
		return name
	}
	return strconv.Quote(name)
}

// Stringify renders a decoded JSON scalar as text; nil is "".
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
