package integrations

import (
	"net/http"

	"github.com/Ramsey-B/fern/pkg/backfill"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/onboarding"
	"github.com/Ramsey-B/fern/pkg/replicator"
	"github.com/Ramsey-B/fern/pkg/schema"
	"github.com/Ramsey-B/fern/pkg/webhook"
)

const StatusPollName = "status_poll_v1"

// StatusPoll replicates components from a status page API that has no webhooks of its own.
// Any request to its webhook URL triggers a fresh poll.
type StatusPoll struct{}

func (StatusPoll) Descriptor() replicator.Descriptor {
	return replicator.Descriptor{
		Name:                    StatusPollName,
		ResourceName:            "Status Components",
		Description:             "Status page components, refreshed by polling.",
		SupportsWebhooks:        true,
		SupportsBackfill:        true,
		WebhookTriggersBackfill: true,
	}
}

func (StatusPoll) RemoteKeyColumn() schema.Column {
	return schema.Column{Name: "component_id", Type: schema.Text, Path: "id"}
}

func (StatusPoll) DenormalizedColumns() []schema.Column {
	return []schema.Column{
		{Name: "name", Type: schema.Text},
		{Name: "status", Type: schema.Text, Index: true},
		{Name: "updated_at", Type: schema.Timestamp, Optional: true},
	}
}

func (StatusPoll) EnrichmentTables(table string) []schema.TableDescriptor {
	return []schema.TableDescriptor{{
		Name: table + "_incidents",
		Columns: []schema.Column{
			{Name: "incident_id", Type: schema.Text, PrimaryKey: true},
			{Name: "component_id", Type: schema.Text, NotNull: true},
			{Name: "impact", Type: schema.Text},
			{Name: "resolved_at", Type: schema.Timestamp},
		},
		Indices: []schema.Index{{Name: table + "_incidents_component_idx", Columns: []string{"component_id"}}},
	}}
}

func (StatusPoll) Authenticator() webhook.Authenticator {
	return webhook.AlwaysAccept{}
}

func (StatusPoll) ParseEvent(webhook.Request) (replicator.Event, error) {
	return replicator.Ignore(), nil
}

func (StatusPoll) Flow() onboarding.Flow {
	return onboarding.Flow{
		Requirements: []onboarding.Requirement{
			{Field: onboarding.FieldAPIURL, Prompt: "Enter your status page API URL:", Rule: "url"},
			{Field: onboarding.FieldBackfillKey, Prompt: "Paste your status page API key:", Secret: true},
		},
		CompleteOutput: "Components will be polled now. Call your webhook URL to poll again.",
	}
}

func (StatusPoll) BackfillSource(bc replicator.BackfillContext) (backfill.Source, error) {
	source := backfill.NewHTTPSource(bc.Evaluator, backfill.Listing{
		Request: httpclient.RequestSpec{
			Method:  http.MethodGet,
			BaseURL: bc.Credentials.APIURL,
			Path:    "/api/v2/components.json",
		},
		ItemsPath: "components",
	}, httpclient.Credentials{Kind: httpclient.AuthAPIKey, Name: "X-Api-Key", Token: bc.Credentials.Key}, nil)
	source.Probe = &httpclient.RequestSpec{Method: http.MethodGet, BaseURL: bc.Credentials.APIURL, Path: "/api/v2/summary.json"}
	return source, nil
}
