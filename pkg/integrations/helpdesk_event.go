package integrations

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/Ramsey-B/fern/pkg/document"
	"github.com/Ramsey-B/fern/pkg/onboarding"
	"github.com/Ramsey-B/fern/pkg/replicator"
	"github.com/Ramsey-B/fern/pkg/schema"
	"github.com/Ramsey-B/fern/pkg/webhook"
)

const (
	HelpdeskEventName = "helpdesk_event_v1"

	helpdeskURLVerification = "url_verification"
	helpdeskEventCallback   = "event_callback"
	helpdeskRateLimited     = "app_rate_limited"
	helpdeskDeliveryFailed  = "delivery_failed"
)

// HelpdeskEvent replicates events from a helpdesk's event API. The provider puts a verification
// token in the body, sends a challenge when the endpoint is registered, and reports its own
// errors as events that expect a provider-shaped answer.
type HelpdeskEvent struct{}

func (HelpdeskEvent) Descriptor() replicator.Descriptor {
	return replicator.Descriptor{
		Name:             HelpdeskEventName,
		ResourceName:     "Helpdesk Events",
		Description:      "Ticket and conversation events pushed by the helpdesk event API.",
		SupportsWebhooks: true,
		SupportsRowDiff:  true,
		RecencyColumn:    "event_time",
	}
}

func (HelpdeskEvent) RemoteKeyColumn() schema.Column {
	return schema.Column{Name: "event_id", Type: schema.Text}
}

func (HelpdeskEvent) DenormalizedColumns() []schema.Column {
	return []schema.Column{
		{Name: "event_type", Type: schema.Text, Path: "event.type", Index: true},
		{Name: "ticket_id", Type: schema.Text, Path: "event.ticket", Index: true, Optional: true},
		{Name: "event_time", Type: schema.Timestamp},
	}
}

func (HelpdeskEvent) EnrichmentTables(string) []schema.TableDescriptor {
	return nil
}

type helpdeskEnvelope struct {
	Token     string `json:"token"`
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
}

func (HelpdeskEvent) Authenticator() webhook.Authenticator {
	return webhook.CustomFunc(authenticateHelpdesk)
}

func authenticateHelpdesk(req webhook.Request, secret string) webhook.Response {
	if secret == "" {
		return webhook.Reject(webhook.MessageSecretNotConfigured)
	}
	var env helpdeskEnvelope
	if err := json.Unmarshal(req.Body, &env); err != nil || env.Token == "" {
		return webhook.Reject(webhook.MessageMissingAuthHeader)
	}
	if subtle.ConstantTimeCompare([]byte(env.Token), []byte(secret)) != 1 {
		return webhook.Reject(webhook.MessageInvalidAuthHeader)
	}

	switch env.Type {
	case helpdeskURLVerification:
		return webhook.JSON(http.StatusOK, map[string]string{"challenge": env.Challenge})
	case helpdeskRateLimited, helpdeskDeliveryFailed:
		return webhook.JSON(http.StatusOK, map[string]any{"ok": true, "acknowledged": env.Type})
	default:
		return webhook.Ack(http.StatusAccepted)
	}
}

func (HelpdeskEvent) ParseEvent(req webhook.Request) (replicator.Event, error) {
	body, err := parseBody(req)
	if err != nil {
		return replicator.Event{}, err
	}
	if stringValue(body, "type") != helpdeskEventCallback {
		return replicator.Ignore(), nil
	}

	doc := document.Document{
		"event_id":   body["event_id"],
		"event_time": body["event_time"],
		"event":      body["event"],
	}
	return replicator.Upsert(doc), nil
}

func (HelpdeskEvent) Flow() onboarding.Flow {
	return onboarding.Flow{
		Requirements: []onboarding.Requirement{{
			Field:  onboarding.FieldWebhookSecret,
			Prompt: "Paste the verification token from your helpdesk app settings:",
			Secret: true,
			Output: "Register your fern webhook URL as the event request URL; we will answer the verification challenge.",
		}},
		CompleteOutput: "Helpdesk events will be stored as they arrive.",
	}
}
