package backfill

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/Ramsey-B/fern/pkg/document"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/httpclient"
)

// Listing describes a paged list endpoint in data rather than code.
// Templates see {"cursor": ..., "vars": Vars}.
type Listing struct {
	Request httpclient.RequestSpec
	// CursorParam is the query parameter that carries the cursor. When empty and the
	// cursor is an absolute URL, the cursor is requested as-is.
	CursorParam string
	// ItemsPath selects the page's items from the decoded body.
	ItemsPath string
	// CursorPath selects the next cursor; an empty result ends the backfill.
	CursorPath string
}

// Detail describes a per-item enrichment endpoint. Templates see {"item": ..., "vars": Vars}.
type Detail struct {
	Request httpclient.RequestSpec
	// ResultPath selects the fields to merge from the decoded body; empty means the whole body.
	ResultPath string
	// KeyField is copied from the item into the enrichment so it lands on the same row.
	KeyField string
}

// HTTPSource is a Source, Enricher and Prober driven by Listing and Detail specs.
type HTTPSource struct {
	Listing     Listing
	Detail      *Detail
	Probe       *httpclient.RequestSpec
	Vars        map[string]any
	Credentials httpclient.Credentials

	builder   *httpclient.RequestBuilder
	evaluator *expressions.Evaluator
}

func NewHTTPSource(evaluator *expressions.Evaluator, listing Listing, creds httpclient.Credentials, vars map[string]any) *HTTPSource {
	return &HTTPSource{
		Listing:     listing,
		Vars:        vars,
		Credentials: creds,
		builder:     httpclient.NewRequestBuilder(evaluator),
		evaluator:   evaluator,
	}
}

func (s *HTTPSource) PageRequest(ctx context.Context, cursor string) (*http.Request, error) {
	if cursor != "" && s.Listing.CursorParam == "" && isAbsoluteURL(cursor) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cursor, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		s.Credentials.Apply(req)
		return req, nil
	}

	spec := s.Listing.Request
	if cursor != "" && s.Listing.CursorParam != "" {
		query := make(map[string]string, len(spec.Query)+1)
		for k, v := range spec.Query {
			query[k] = v
		}
		query[s.Listing.CursorParam] = "{{ cursor }}"
		spec.Query = query
	}
	return s.builder.Build(ctx, spec, map[string]any{"cursor": cursor, "vars": s.Vars}, s.Credentials)
}

func (s *HTTPSource) ParsePage(resp *httpclient.Response) (*Page, error) {
	if err := httpclient.ParseResponse(resp); err != nil {
		return nil, err
	}

	raw, err := s.evaluator.EvaluateSlice(s.Listing.ItemsPath, resp.BodyJSON)
	if err != nil {
		return nil, err
	}

	page := &Page{Items: make([]document.Document, 0, len(raw))}
	for i, v := range raw {
		item, err := document.FromValue(v)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		page.Items = append(page.Items, item)
	}

	if s.Listing.CursorPath != "" {
		next, err := s.evaluator.EvaluateString(s.Listing.CursorPath, resp.BodyJSON)
		if err != nil {
			return nil, err
		}
		page.NextCursor = next
	}
	return page, nil
}

func (s *HTTPSource) EnrichmentRequest(ctx context.Context, item document.Document) (*http.Request, error) {
	if s.Detail == nil {
		return nil, nil
	}
	return s.builder.Build(ctx, s.Detail.Request, map[string]any{"item": map[string]any(item), "vars": s.Vars}, s.Credentials)
}

func (s *HTTPSource) ApplyEnrichment(item document.Document, resp *httpclient.Response) (document.Document, error) {
	if err := httpclient.ParseResponse(resp); err != nil {
		return nil, err
	}

	var selected any = resp.BodyJSON
	if s.Detail.ResultPath != "" {
		v, err := s.evaluator.Evaluate(s.Detail.ResultPath, resp.BodyJSON)
		if err != nil {
			return nil, err
		}
		selected = v
	}

	extra, err := document.FromValue(selected)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return nil, nil
	}
	if key := s.Detail.KeyField; key != "" {
		extra = extra.Clone()
		extra[key] = item[key]
	}
	return extra, nil
}

func (s *HTTPSource) ProbeRequest(ctx context.Context) (*http.Request, error) {
	spec := s.Listing.Request
	if s.Probe != nil {
		spec = *s.Probe
	}
	return s.builder.Build(ctx, spec, map[string]any{"cursor": "", "vars": s.Vars}, s.Credentials)
}

func isAbsoluteURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
