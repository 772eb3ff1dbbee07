package integrations

import (
	"context"
	"net/http"

	"github.com/Ramsey-B/fern/pkg/backfill"
	"github.com/Ramsey-B/fern/pkg/document"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/onboarding"
	"github.com/Ramsey-B/fern/pkg/replicator"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/schema"
	"github.com/Ramsey-B/fern/pkg/webhook"
)

const (
	RentalsListingPhotoName = "rentals_listing_photo_v1"
	PhotoSecretHeader       = "X-Rentals-Photo-Secret"
)

// RentalsListingPhoto replicates listing photos. It is linked to a RentalsListing integration,
// borrows its API credentials and answers each delivery with the stored photo's ids.
type RentalsListingPhoto struct{}

func (RentalsListingPhoto) Descriptor() replicator.Descriptor {
	return replicator.Descriptor{
		Name:                 RentalsListingPhotoName,
		ResourceName:         "Rentals Listing Photos",
		Description:          "Photos attached to rentals listings.",
		DependsOn:            RentalsListingName,
		DelegatesCredentials: true,
		SupportsWebhooks:     true,
		SupportsBackfill:     true,
	}
}

func (RentalsListingPhoto) RemoteKeyColumn() schema.Column {
	return schema.Column{Name: "photo_id", Type: schema.BigInt}
}

func (RentalsListingPhoto) DenormalizedColumns() []schema.Column {
	return []schema.Column{
		{Name: "listing_id", Type: schema.BigInt, Index: true},
		{Name: "url", Type: schema.Text},
		{Name: "position", Type: schema.Integer, Optional: true},
	}
}

func (RentalsListingPhoto) EnrichmentTables(string) []schema.TableDescriptor {
	return nil
}

func (RentalsListingPhoto) Authenticator() webhook.Authenticator {
	return webhook.HeaderMatch{Header: PhotoSecretHeader, SuccessStatus: http.StatusOK}
}

// ParseEvent handles {"action": "delete", "photo_id": 444} and plain photo documents.
func (RentalsListingPhoto) ParseEvent(req webhook.Request) (replicator.Event, error) {
	body, err := parseBody(req)
	if err != nil {
		return replicator.Event{}, err
	}
	if stringValue(body, "action") == "delete" {
		return replicator.Delete(stringValue(body, "photo_id")), nil
	}
	delete(body, "action")
	return replicator.Upsert(body), nil
}

// SynchronousProcessingResponseBody echoes the photo and listing ids. A delete of a photo
// that was never stored answers with a null listing_id.
func (RentalsListingPhoto) SynchronousProcessingResponseBody(result *resolver.Result, _ webhook.Request) (any, error) {
	var listingID any
	row := result.Row
	if row == nil {
		row = result.Prior
	}
	if row != nil {
		if v, ok := row.Data["listing_id"]; ok {
			listingID = v
		}
	}
	return map[string]any{
		"photo_id":   numericKey(result.Key),
		"listing_id": listingID,
	}, nil
}

func (RentalsListingPhoto) Flow() onboarding.Flow {
	return onboarding.Flow{
		Dependency: &onboarding.Dependency{
			ServiceType: RentalsListingName,
			Name:        "Rentals Listings",
			Help:        "Photos are synced with the API token of the linked listings integration.",
		},
		Requirements: []onboarding.Requirement{
			{
				Field:  onboarding.FieldWebhookSecret,
				Prompt: "Choose a secret for photo webhooks and paste it here:",
				Secret: true,
				Output: "The rentals platform sends this secret in the " + PhotoSecretHeader + " header.",
			},
		},
		CompleteOutput: "Photos will sync now, and whenever a listing changes.",
	}
}

func (RentalsListingPhoto) BackfillSource(bc replicator.BackfillContext) (backfill.Source, error) {
	return backfill.NewHTTPSource(bc.Evaluator, backfill.Listing{
		Request: httpclient.RequestSpec{
			Method:  http.MethodGet,
			BaseURL: bc.Credentials.APIURL,
			Path:    "/v1/photos",
		},
		CursorParam: "cursor",
		ItemsPath:   "data[].{photo_id: id, listing_id: listing_id, url: url, position: position}",
		CursorPath:  "meta.next_cursor",
	}, listingCredentials(bc), nil), nil
}

// OnDependencyChange stores the photos embedded in a changed listing.
func (RentalsListingPhoto) OnDependencyChange(_ context.Context, change graph.Change) ([]replicator.Event, error) {
	if change.Row == nil || change.Action == string(resolver.ActionDeleted) {
		return nil, nil
	}
	photos, ok := change.Row["photos"].([]any)
	if !ok {
		return nil, nil
	}

	listingID := numericKey(change.RemoteKey)
	keyField := change.ExternalIDColumn
	if keyField == "" {
		keyField = "listing_id"
	}
	events := make([]replicator.Event, 0, len(photos))
	for i, p := range photos {
		photo, ok := p.(map[string]any)
		if !ok || photo["id"] == nil {
			continue
		}
		events = append(events, replicator.Upsert(document.Document{
			"photo_id": photo["id"],
			keyField:   listingID,
			"url":      photo["url"],
			"position": i,
		}))
	}
	return events, nil
}
