package backfill

import (
	"context"
	"net/http"

	"github.com/Ramsey-B/fern/pkg/document"
	"github.com/Ramsey-B/fern/pkg/httpclient"
)

// Page is one decoded page of a source listing.
type Page struct {
	Items []document.Document
	// NextCursor is empty on the terminal page.
	NextCursor string
}

// Source pages through a source API.
type Source interface {
	// PageRequest builds the request for the page at cursor; cursor is empty for the first page.
	PageRequest(ctx context.Context, cursor string) (*http.Request, error)
	ParsePage(resp *httpclient.Response) (*Page, error)
}

// Enricher fetches extra detail for each item after it is applied.
type Enricher interface {
	// EnrichmentRequest returns nil when the item needs no enrichment.
	EnrichmentRequest(ctx context.Context, item document.Document) (*http.Request, error)
	// ApplyEnrichment returns the document to merge into the stored row, including its remote key.
	ApplyEnrichment(item document.Document, resp *httpclient.Response) (document.Document, error)
}

// Prober issues one cheap authenticated request to check credentials.
type Prober interface {
	ProbeRequest(ctx context.Context) (*http.Request, error)
}

// Doer executes requests; *httpclient.Client satisfies it.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*httpclient.Response, error)
}

// ApplyFunc stores one item, typically through the conflict resolver.
type ApplyFunc func(ctx context.Context, item document.Document) error

// CheckpointFunc records progress after a page's items are applied. cursor is the resume point.
type CheckpointFunc func(ctx context.Context, cursor string, summary Summary) error
