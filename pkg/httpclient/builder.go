package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/Ramsey-B/fern/pkg/expressions"
)

// templatePattern matches {{ expression }} patterns
var templatePattern = regexp.MustCompile(`\{\{\s*([^}]+)\s*\}\}`)

// RequestSpec describes an outbound request. Path, query values, header values and string
// leaves of Body may hold {{ expression }} templates evaluated against the builder data.
type RequestSpec struct {
	Method  string
	BaseURL string
	Path    string
	Query   map[string]string
	Headers map[string]string
	Body    any
}

// RequestBuilder builds HTTP requests from specs
type RequestBuilder struct {
	evaluator *expressions.Evaluator
}

func NewRequestBuilder(evaluator *expressions.Evaluator) *RequestBuilder {
	return &RequestBuilder{
		evaluator: evaluator,
	}
}

// Build renders spec against data and applies creds.
func (b *RequestBuilder) Build(ctx context.Context, spec RequestSpec, data map[string]any, creds Credentials) (*http.Request, error) {
	reqURL, err := b.buildURL(spec.BaseURL, spec.Path, spec.Query, data)
	if err != nil {
		return nil, fmt.Errorf("failed to build URL: %w", err)
	}

	var bodyReader io.Reader
	if spec.Body != nil {
		bodyBytes, err := b.buildBody(spec.Body, data)
		if err != nil {
			return nil, fmt.Errorf("failed to build body: %w", err)
		}
		if len(bodyBytes) > MaxRequestSize {
			return nil, fmt.Errorf("request body too large: %d bytes (max %d)", len(bodyBytes), MaxRequestSize)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	for key, value := range spec.Headers {
		resolvedValue, err := b.resolveTemplate(value, data)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve header %s: %w", key, err)
		}
		req.Header.Set(key, resolvedValue)
	}

	if spec.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	creds.Apply(req)
	return req, nil
}

func (b *RequestBuilder) buildURL(base, pathTemplate string, params map[string]string, data map[string]any) (string, error) {
	path, err := b.resolveTemplate(pathTemplate, data)
	if err != nil {
		return "", fmt.Errorf("failed to resolve URL template: %w", err)
	}

	joined := path
	if base != "" && !strings.Contains(path, "://") {
		joined = strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	}

	parsedURL, err := url.Parse(joined)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}

	if len(params) > 0 {
		query := parsedURL.Query()
		for key, value := range params {
			resolvedValue, err := b.resolveTemplate(value, data)
			if err != nil {
				return "", fmt.Errorf("failed to resolve param %s: %w", key, err)
			}
			// empty values are dropped so a first page carries no cursor parameter
			if resolvedValue == "" {
				continue
			}
			query.Set(key, resolvedValue)
		}
		parsedURL.RawQuery = query.Encode()
	}

	return parsedURL.String(), nil
}

func (b *RequestBuilder) buildBody(body any, data map[string]any) ([]byte, error) {
	if str, ok := body.(string); ok {
		resolved, err := b.resolveTemplate(str, data)
		if err != nil {
			return nil, err
		}
		return []byte(resolved), nil
	}

	resolved, err := b.resolveValue(body, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resolved)
}

// resolveValue recursively resolves templates in maps and slices. A string that is exactly one
// template keeps the evaluated value's JSON type.
func (b *RequestBuilder) resolveValue(value any, data map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		trimmed := strings.TrimSpace(v)
		if matches := templatePattern.FindAllStringSubmatch(trimmed, -1); len(matches) == 1 && matches[0][0] == trimmed {
			return b.evaluator.Evaluate(strings.TrimSpace(matches[0][1]), data)
		}
		return b.resolveTemplate(v, data)
	case map[string]any:
		result := make(map[string]any, len(v))
		for key, inner := range v {
			resolved, err := b.resolveValue(inner, data)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve %s: %w", key, err)
			}
			result[key] = resolved
		}
		return result, nil
	case []any:
		result := make([]any, len(v))
		for i, inner := range v {
			resolved, err := b.resolveValue(inner, data)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve index %d: %w", i, err)
			}
			result[i] = resolved
		}
		return result, nil
	default:
		return value, nil
	}
}

// resolveTemplate resolves {{ expression }} patterns in a string
func (b *RequestBuilder) resolveTemplate(template string, data map[string]any) (string, error) {
	var lastErr error
	result := templatePattern.ReplaceAllStringFunc(template, func(match string) string {
		submatches := templatePattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		value, err := b.evaluator.EvaluateString(strings.TrimSpace(submatches[1]), data)
		if err != nil {
			lastErr = err
			return match
		}
		return value
	})

	if lastErr != nil {
		return "", lastErr
	}

	return result, nil
}
