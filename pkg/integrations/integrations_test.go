package integrations_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/integrations"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/replicator"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(headers map[string]string, body string) webhook.Request {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return webhook.NewRequest(http.MethodPost, "/v1/webhooks/svi_test", h, []byte(body))
}

func TestAllTypesRegister(t *testing.T) {
	reg, err := replicator.NewRegistry(integrations.All()...)
	require.NoError(t, err)

	names := make([]string, 0)
	for _, typ := range reg.List() {
		names = append(names, typ.Descriptor().Name)
	}
	assert.Equal(t, []string{
		integrations.HelpdeskEventName,
		integrations.RentalsListingPhotoName,
		integrations.RentalsListingName,
		integrations.StatusPollName,
	}, names)

	dependents := reg.Dependents(integrations.RentalsListingName)
	require.Len(t, dependents, 1)
	assert.Equal(t, integrations.RentalsListingPhotoName, dependents[0].Descriptor().Name)
}

func TestRentalsListingAuthentication(t *testing.T) {
	typ := integrations.RentalsListing{}
	auth := typ.Authenticator()
	body := `{"type":"listing.updated","data":{"id":12}}`
	signer := webhook.HMAC{Header: integrations.RentalsSignatureHeader, Prefix: "sha256=", Hash: webhook.SHA256, Encoding: webhook.Hex}

	t.Run("valid signature", func(t *testing.T) {
		resp := auth.Authenticate(request(map[string]string{
			integrations.RentalsSignatureHeader: signer.Signature("s3cret", []byte(body)),
		}, body), "s3cret")
		assert.Equal(t, http.StatusOK, resp.Status)
	})

	t.Run("wrong secret", func(t *testing.T) {
		resp := auth.Authenticate(request(map[string]string{
			integrations.RentalsSignatureHeader: signer.Signature("other", []byte(body)),
		}, body), "s3cret")
		assert.Equal(t, http.StatusUnauthorized, resp.Status)
		assert.JSONEq(t, `{"message":"invalid hmac"}`, string(resp.Body))
	})

	t.Run("missing header", func(t *testing.T) {
		resp := auth.Authenticate(request(nil, body), "s3cret")
		assert.Equal(t, http.StatusUnauthorized, resp.Status)
		assert.JSONEq(t, `{"message":"missing auth header"}`, string(resp.Body))
	})

	t.Run("no secret configured", func(t *testing.T) {
		resp := auth.Authenticate(request(nil, body), "")
		assert.Equal(t, http.StatusUnauthorized, resp.Status)
	})
}

func TestRentalsListingParseEvent(t *testing.T) {
	typ := integrations.RentalsListing{}

	ev, err := typ.ParseEvent(request(nil, `{"type":"listing.updated","data":{"id":12,"name":"Cabin"}}`))
	require.NoError(t, err)
	assert.Equal(t, replicator.OpUpsert, ev.Op)
	assert.Equal(t, "Cabin", ev.Document["name"])

	ev, err = typ.ParseEvent(request(nil, `{"type":"listing.deleted","data":{"id":12}}`))
	require.NoError(t, err)
	assert.Equal(t, replicator.OpDelete, ev.Op)
	assert.Equal(t, "12", ev.Key)

	ev, err = typ.ParseEvent(request(nil, `{"id":13,"name":"Loft"}`))
	require.NoError(t, err)
	assert.Equal(t, replicator.OpUpsert, ev.Op)
	assert.EqualValues(t, 13, ev.Document["id"])

	_, err = typ.ParseEvent(request(nil, `not json`))
	assert.Error(t, err)
}

func TestRentalsListingPhotoSynchronousBody(t *testing.T) {
	typ := integrations.RentalsListingPhoto{}

	ev, err := typ.ParseEvent(request(nil, `{"action":"delete","photo_id":444}`))
	require.NoError(t, err)
	assert.Equal(t, replicator.OpDelete, ev.Op)
	assert.Equal(t, "444", ev.Key)

	body, err := typ.SynchronousProcessingResponseBody(&resolver.Result{Action: resolver.ActionAbsent, Key: "444"}, webhook.Request{})
	require.NoError(t, err)
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"photo_id":444,"listing_id":null}`, string(raw))

	stored := &resolver.Row{Key: "445", Data: map[string]any{"photo_id": float64(445), "listing_id": float64(12)}}
	body, err = typ.SynchronousProcessingResponseBody(&resolver.Result{Action: resolver.ActionInserted, Key: "445", Row: stored}, webhook.Request{})
	require.NoError(t, err)
	raw, err = json.Marshal(body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"photo_id":445,"listing_id":12}`, string(raw))
}

func TestRentalsListingPhotoOnDependencyChange(t *testing.T) {
	typ := integrations.RentalsListingPhoto{}
	parent := &models.ServiceIntegration{OpaqueID: "svi_parent"}

	events, err := typ.OnDependencyChange(context.Background(), graph.Change{
		Parent:           parent,
		Action:           string(resolver.ActionUpdated),
		RemoteKey:        "12",
		ExternalIDColumn: "listing_id",
		Row: map[string]any{
			"id": float64(12),
			"photos": []any{
				map[string]any{"id": float64(1), "url": "https://img/1.jpg"},
				"not a photo",
				map[string]any{"id": float64(2), "url": "https://img/2.jpg"},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(12), events[0].Document["listing_id"])
	assert.Equal(t, 2, events[1].Document["position"])

	events, err = typ.OnDependencyChange(context.Background(), graph.Change{
		Parent: parent,
		Action: string(resolver.ActionDeleted),
		Row:    map[string]any{"photos": []any{map[string]any{"id": float64(1)}}},
	})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestHelpdeskAuthentication(t *testing.T) {
	auth := integrations.HelpdeskEvent{}.Authenticator()

	tests := []struct {
		name   string
		body   string
		secret string
		status int
		want   string
	}{
		{"challenge", `{"token":"tok","type":"url_verification","challenge":"abc"}`, "tok", 200, `{"challenge":"abc"}`},
		{"rate limited", `{"token":"tok","type":"app_rate_limited"}`, "tok", 200, `{"ok":true,"acknowledged":"app_rate_limited"}`},
		{"event", `{"token":"tok","type":"event_callback"}`, "tok", 202, `{"o":"k"}`},
		{"wrong token", `{"token":"nope","type":"event_callback"}`, "tok", 401, `{"message":"invalid auth header"}`},
		{"no token", `{"type":"event_callback"}`, "tok", 401, `{"message":"missing auth header"}`},
		{"no secret", `{"token":"tok"}`, "", 401, `{"message":"webhook secret not configured"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := auth.Authenticate(request(nil, tt.body), tt.secret)
			assert.Equal(t, tt.status, resp.Status)
			assert.JSONEq(t, tt.want, string(resp.Body))
		})
	}
}

func TestHelpdeskParseEvent(t *testing.T) {
	typ := integrations.HelpdeskEvent{}

	ev, err := typ.ParseEvent(request(nil, `{"type":"event_callback","event_id":"Ev1","event_time":1700000000,"event":{"type":"ticket.created","ticket":"T9"},"token":"tok"}`))
	require.NoError(t, err)
	assert.Equal(t, replicator.OpUpsert, ev.Op)
	assert.Equal(t, "Ev1", ev.Document["event_id"])
	assert.NotContains(t, ev.Document, "token")

	ev, err = typ.ParseEvent(request(nil, `{"type":"url_verification","challenge":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, replicator.OpIgnore, ev.Op)
}

func TestStatusPollAcceptsAnything(t *testing.T) {
	typ := integrations.StatusPoll{}

	resp := typ.Authenticator().Authenticate(request(nil, ""), "")
	assert.Equal(t, http.StatusAccepted, resp.Status)

	ev, err := typ.ParseEvent(request(nil, "{}"))
	require.NoError(t, err)
	assert.Equal(t, replicator.OpIgnore, ev.Op)
	assert.True(t, typ.Descriptor().WebhookTriggersBackfill)
}

func TestEnrichmentTablesAreScopedToTable(t *testing.T) {
	tables := integrations.RentalsListing{}.EnrichmentTables("rentals_abc")
	require.Len(t, tables, 1)
	assert.Equal(t, "rentals_abc_amenities", tables[0].Name)
	assert.Equal(t, "rentals_abc_amenities_uidx", tables[0].Indices[0].Name)
	assert.NoError(t, tables[0].Validate())
}
