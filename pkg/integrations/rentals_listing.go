package integrations

import (
	"net/http"
	"strings"

	"github.com/Ramsey-B/fern/pkg/backfill"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/onboarding"
	"github.com/Ramsey-B/fern/pkg/replicator"
	"github.com/Ramsey-B/fern/pkg/schema"
	"github.com/Ramsey-B/fern/pkg/webhook"
)

const (
	RentalsListingName       = "rentals_listing_v1"
	RentalsSignatureHeader   = "X-Rentals-Signature"
	rentalsSignaturePrefix   = "sha256="
	rentalsListingsPageLimit = "100"
)

// RentalsListing replicates property listings from a vacation-rental platform. Deliveries are
// {"type": "listing.updated", "data": {...}}; a type ending in .deleted removes the listing.
type RentalsListing struct{}

func (RentalsListing) Descriptor() replicator.Descriptor {
	return replicator.Descriptor{
		Name:             RentalsListingName,
		ResourceName:     "Rentals Listings",
		Description:      "Listings from the rentals platform, kept current by signed webhooks and a cursor backfill.",
		SupportsWebhooks: true,
		SupportsBackfill: true,
		SupportsRowDiff:  true,
		RecencyColumn:    "updated_at",
		IgnoreFields:     []string{"synced_at"},
	}
}

func (RentalsListing) RemoteKeyColumn() schema.Column {
	return schema.Column{Name: "listing_id", Type: schema.BigInt, Path: "id"}
}

func (RentalsListing) DenormalizedColumns() []schema.Column {
	return []schema.Column{
		{Name: "name", Type: schema.Text},
		{Name: "city", Type: schema.Text, Path: "address.city", Index: true},
		{Name: "bedrooms", Type: schema.Integer, Optional: true},
		{Name: "updated_at", Type: schema.Timestamp, Index: true},
	}
}

func (RentalsListing) EnrichmentTables(table string) []schema.TableDescriptor {
	return []schema.TableDescriptor{{
		Name: table + "_amenities",
		Columns: []schema.Column{
			{Name: "listing_id", Type: schema.BigInt, NotNull: true},
			{Name: "amenity", Type: schema.Text, NotNull: true},
		},
		Indices: []schema.Index{{Name: table + "_amenities_uidx", Columns: []string{"listing_id", "amenity"}, Unique: true}},
	}}
}

func (RentalsListing) Authenticator() webhook.Authenticator {
	return webhook.HMAC{
		Header:   RentalsSignatureHeader,
		Prefix:   rentalsSignaturePrefix,
		Hash:     webhook.SHA256,
		Encoding: webhook.Hex,
	}
}

func (RentalsListing) ParseEvent(req webhook.Request) (replicator.Event, error) {
	body, err := parseBody(req)
	if err != nil {
		return replicator.Event{}, err
	}

	data, ok := body["data"].(map[string]any)
	if !ok {
		// unwrapped deliveries carry the listing itself
		return replicator.Upsert(body), nil
	}
	if strings.HasSuffix(stringValue(body, "type"), ".deleted") {
		return replicator.Delete(stringValue(data, "id")), nil
	}
	return replicator.Upsert(data), nil
}

func (RentalsListing) Flow() onboarding.Flow {
	return onboarding.Flow{
		Requirements: []onboarding.Requirement{
			{
				Field:  onboarding.FieldWebhookSecret,
				Prompt: "Paste or type your webhook signing secret here:",
				Secret: true,
				Output: "Create a webhook in the rentals dashboard pointing at your fern webhook URL, then copy its signing secret.",
			},
			{
				Field:  onboarding.FieldAPIURL,
				Prompt: "Enter your rentals API host, e.g. https://api.rentals.example:",
				Output: "We need the API host to backfill listings that existed before the webhook.",
				Rule:   "url",
			},
			{
				Field:  onboarding.FieldBackfillKey,
				Prompt: "Paste or type your API token here:",
				Secret: true,
			},
		},
		CompleteOutput: "Great! We are going to start backfilling your Rentals Listings, and new changes will arrive by webhook.",
	}
}

func listingCredentials(bc replicator.BackfillContext) httpclient.Credentials {
	return httpclient.Credentials{Kind: httpclient.AuthBearer, Token: bc.Credentials.Key}
}

func (t RentalsListing) BackfillSource(bc replicator.BackfillContext) (backfill.Source, error) {
	return t.httpSource(bc), nil
}

func (t RentalsListing) httpSource(bc replicator.BackfillContext) *backfill.HTTPSource {
	source := backfill.NewHTTPSource(bc.Evaluator, backfill.Listing{
		Request: httpclient.RequestSpec{
			Method:  http.MethodGet,
			BaseURL: bc.Credentials.APIURL,
			Path:    "/v1/listings",
			Query:   map[string]string{"limit": rentalsListingsPageLimit},
		},
		CursorParam: "cursor",
		ItemsPath:   "data",
		CursorPath:  "meta.next_cursor",
	}, listingCredentials(bc), nil)
	source.Detail = &backfill.Detail{
		Request: httpclient.RequestSpec{
			Method:  http.MethodGet,
			BaseURL: bc.Credentials.APIURL,
			Path:    "/v1/listings/{{ item.id }}/details",
		},
		ResultPath: "data",
		KeyField:   "id",
	}
	source.Probe = &httpclient.RequestSpec{Method: http.MethodGet, BaseURL: bc.Credentials.APIURL, Path: "/v1/me"}
	return source
}

func (t RentalsListing) Enricher(bc replicator.BackfillContext) (backfill.Enricher, error) {
	return t.httpSource(bc), nil
}

func (t RentalsListing) Prober(bc replicator.BackfillContext) (backfill.Prober, error) {
	return t.httpSource(bc), nil
}
