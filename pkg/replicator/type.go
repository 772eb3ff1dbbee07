// Package replicator is the integration contract: what every service type declares, and the
// machinery that applies webhooks, backfills and dependency changes through it.
package replicator

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/backfill"
	"github.com/Ramsey-B/fern/pkg/document"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/onboarding"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/schema"
	"github.com/Ramsey-B/fern/pkg/webhook"
)

// Descriptor is the static metadata of a service type.
type Descriptor struct {
	// Name is the service-type tag, e.g. rentals_listing_v1.
	Name         string `json:"name"`
	ResourceName string `json:"resource_name"`
	Description  string `json:"description,omitempty"`
	// DependsOn is the service type this one must be linked to, if any.
	DependsOn string `json:"depends_on,omitempty"`
	// DelegatesCredentials means backfill credentials come from the nearest ancestor that has them.
	DelegatesCredentials bool `json:"delegates_credentials,omitempty"`
	SupportsWebhooks     bool `json:"supports_webhooks"`
	SupportsBackfill     bool `json:"supports_backfill"`
	// WebhookTriggersBackfill enqueues a backfill for every accepted delivery.
	WebhookTriggersBackfill bool `json:"webhook_triggers_backfill,omitempty"`
	// SupportsRowDiff enables recency comparison on RecencyColumn.
	SupportsRowDiff bool   `json:"supports_row_diff"`
	RecencyColumn   string `json:"recency_column,omitempty"`
	// IgnoreFields are payload keys that never count as a material change.
	IgnoreFields []string `json:"ignore_fields,omitempty"`
}

type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
	// OpIgnore is a delivery that stores nothing, such as a verification ping.
	OpIgnore Op = "ignore"
)

// Event is one write derived from a webhook delivery or a dependency change.
type Event struct {
	Op       Op
	Document document.Document
	// Key is required for deletes.
	Key string
}

func Upsert(doc document.Document) Event {
	return Event{Op: OpUpsert, Document: doc}
}

func Delete(key string) Event {
	return Event{Op: OpDelete, Key: key}
}

func Ignore() Event {
	return Event{Op: OpIgnore}
}

// Type is implemented once per service type.
type Type interface {
	Descriptor() Descriptor
	RemoteKeyColumn() schema.Column
	DenormalizedColumns() []schema.Column
	// EnrichmentTables are created alongside the primary table named table.
	EnrichmentTables(table string) []schema.TableDescriptor
	Authenticator() webhook.Authenticator
	// ParseEvent turns an authenticated delivery into a write. A body that cannot be parsed
	// should degrade to a partial document or return a MalformedPayload fault.
	ParseEvent(req webhook.Request) (Event, error)
	Flow() onboarding.Flow
}

// SynchronousResponder types answer the webhook caller with data derived from the stored row.
type SynchronousResponder interface {
	SynchronousProcessingResponseBody(result *resolver.Result, req webhook.Request) (any, error)
}

// Credentials are what a backfill authenticates with.
type Credentials struct {
	APIURL string
	Key    string
	Secret string
}

// BackfillContext is handed to backfill hooks.
type BackfillContext struct {
	Integration IntegrationView
	Credentials Credentials
	Evaluator   *expressions.Evaluator
}

// IntegrationView is the read-only slice of an integration a type may look at.
type IntegrationView struct {
	OpaqueID  string
	TableName string
}

type BackfillCapable interface {
	BackfillSource(bc BackfillContext) (backfill.Source, error)
}

type EnrichmentCapable interface {
	Enricher(bc BackfillContext) (backfill.Enricher, error)
}

type CredentialProbeCapable interface {
	Prober(bc BackfillContext) (backfill.Prober, error)
}

// DependentCapable types react to row changes in their parent's table.
type DependentCapable interface {
	OnDependencyChange(ctx context.Context, change graph.Change) ([]Event, error)
}
