package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/handlers"
	"github.com/Ramsey-B/fern/pkg/backfill"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/integrations"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/replicator"
	"github.com/Ramsey-B/fern/pkg/replicator/replicatortest"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/webhook"
)

type testServer struct {
	e            *echo.Echo
	org          *models.Organization
	orgs         *replicatortest.Organizations
	integrations *replicatortest.Integrations
	jobs         *replicatortest.Jobs
	enqueuer     *replicatortest.Enqueuer
	ddl          *replicatortest.DDL
}

func newTestServer(t *testing.T, items ...*models.ServiceIntegration) *testServer {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

	reg, err := replicator.NewRegistry(integrations.All()...)
	require.NoError(t, err)

	org := &models.Organization{ID: uuid.New(), Key: "acme", Name: "Acme", ReplicationSchema: "fern_acme"}
	for _, si := range items {
		si.OrganizationID = org.ID
	}

	s := &testServer{
		e:            echo.New(),
		org:          org,
		orgs:         replicatortest.NewOrganizations(org),
		integrations: replicatortest.NewIntegrations(items...),
		jobs:         replicatortest.NewJobs(),
		enqueuer:     &replicatortest.Enqueuer{},
		ddl:          &replicatortest.DDL{},
	}
	engine := backfill.NewEngine(httpclient.NewClient(httpclient.DefaultConfig(), logger), nil, backfill.DefaultRetryPolicy(), logger)
	svc := replicator.NewService(replicator.ServiceConfig{
		Registry:      reg,
		Resolver:      resolver.New(resolver.NewMemoryStore(), expressions.NewEvaluator(), logger),
		Engine:        engine,
		Organizations: s.orgs,
		Integrations:  s.integrations,
		Jobs:          s.jobs,
		Enqueuer:      s.enqueuer,
		DDL:           s.ddl,
		Logger:        logger,
	})

	s.e.HTTPErrorHandler = middleware.Error(logger)
	s.e.Use(middleware.Context())
	handlers.NewWebhookHandler(svc, "1K").RegisterRoutes(s.e)
	api := s.e.Group("/api/v1")
	handlers.NewOrganizationHandler(s.orgs).RegisterRoutes(api)
	handlers.NewIntegrationHandler(svc, s.orgs, s.integrations, s.jobs, "https://fern.example/").RegisterRoutes(api)
	handlers.NewServiceTypeHandler(reg).RegisterRoutes(api)
	return s
}

func (s *testServer) do(method, path, tenant, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if tenant != "" {
		req.Header.Set(middleware.HeaderTenantID, tenant)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func listing() *models.ServiceIntegration {
	return &models.ServiceIntegration{
		ID:            uuid.New(),
		OpaqueID:      "svi_listings",
		ServiceName:   integrations.RentalsListingName,
		TableName:     "rentals_listings",
		WebhookSecret: "s3cret",
	}
}

type stepBody struct {
	NeedsInput bool   `json:"needs_input"`
	Prompt     any    `json:"prompt"`
	PostToURL  string `json:"post_to_url"`
	Complete   bool   `json:"complete"`
	Output     string `json:"output"`
}

func TestOrganizationRoutes(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/v1/organizations", "", `{"key":"globex","name":"Globex"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created models.Organization
	decode(t, rec, &created)
	assert.Equal(t, "fern_globex", created.ReplicationSchema)

	rec = s.do(http.MethodPost, "/api/v1/organizations", "", `{"key":"globex","name":"Again"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodPost, "/api/v1/organizations", "", `{"name":"No key"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/organizations", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var orgs []models.Organization
	decode(t, rec, &orgs)
	require.Len(t, orgs, 2)
	assert.Equal(t, "acme", orgs[0].Key)

	rec = s.do(http.MethodDelete, "/api/v1/organizations/globex", "", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/organizations/globex", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIntegrationRequiresTenant(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/v1/integrations", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/integrations", "initech", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateIntegrationAndTransition(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/v1/integrations", "acme", `{"service_name":"rentals_listing_v1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		OpaqueID   string   `json:"opaque_id"`
		TableName  string   `json:"table_name"`
		Onboarding stepBody `json:"onboarding"`
	}
	decode(t, rec, &created)
	assert.True(t, strings.HasPrefix(created.OpaqueID, models.OpaqueIDPrefix))
	assert.True(t, strings.HasPrefix(created.TableName, "rentals_listing_v1_"))
	assert.True(t, created.Onboarding.NeedsInput)
	assert.Equal(t, "Paste or type your webhook signing secret here:", created.Onboarding.Prompt)
	assert.Equal(t, "https://fern.example/api/v1/integrations/"+created.OpaqueID+"/transition/webhook_secret", created.Onboarding.PostToURL)

	path := "/api/v1/integrations/" + created.OpaqueID + "/transition"

	// no field: answers the current prompt
	rec = s.do(http.MethodPost, path, "acme", `{"value":"s3cret"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var step stepBody
	decode(t, rec, &step)
	assert.Equal(t, "Enter your rentals API host, e.g. https://api.rentals.example:", step.Prompt)

	si, err := s.integrations.GetByOpaqueID(context.Background(), created.OpaqueID)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", si.WebhookSecret)

	rec = s.do(http.MethodPost, path+"/api_url", "acme", `{"value":"not a url"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, path, "acme", `{"field":"favorite_color","value":"blue"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateIntegrationUnknownType(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/v1/integrations", "acme", `{"service_name":"nope_v1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIntegrationOfAnotherOrganizationIsHidden(t *testing.T) {
	si := listing()
	s := newTestServer(t, si)
	other := &models.Organization{Key: "globex", Name: "Globex"}
	require.NoError(t, s.orgs.Create(context.Background(), other))

	rec := s.do(http.MethodGet, "/api/v1/integrations/svi_listings", "globex", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/integrations/svi_listings", "acme", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateTableAndDDL(t *testing.T) {
	s := newTestServer(t, listing())

	rec := s.do(http.MethodGet, "/api/v1/integrations/svi_listings/ddl", "acme", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rentals_listings_amenities")

	rec = s.do(http.MethodPost, "/api/v1/integrations/svi_listings/table", "acme", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, s.ddl.Statements)

	rec = s.do(http.MethodPost, "/api/v1/integrations/svi_listings/table", "acme", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBackfillRoutes(t *testing.T) {
	helpdesk := &models.ServiceIntegration{
		ID:          uuid.New(),
		OpaqueID:    "svi_helpdesk",
		ServiceName: integrations.HelpdeskEventName,
		TableName:   "helpdesk_events",
	}
	s := newTestServer(t, listing(), helpdesk)

	rec := s.do(http.MethodPost, "/api/v1/integrations/svi_listings/backfill?cascade=true", "acme", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, s.enqueuer.Jobs, 1)
	assert.True(t, s.enqueuer.Jobs[0].IsCascade)

	rec = s.do(http.MethodGet, "/api/v1/integrations/svi_listings/backfill_jobs", "acme", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []models.BackfillJob
	decode(t, rec, &jobs)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.BackfillJobPending, jobs[0].Status)

	rec = s.do(http.MethodPost, "/api/v1/integrations/svi_listings/backfill?cascade=maybe", "acme", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/v1/integrations/svi_helpdesk/backfill", "acme", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteIntegration(t *testing.T) {
	s := newTestServer(t, listing())

	rec := s.do(http.MethodDelete, "/api/v1/integrations/svi_listings", "acme", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/integrations", "acme", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestServiceTypes(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/v1/service_types", "acme", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var types []replicator.Descriptor
	decode(t, rec, &types)
	require.Len(t, types, len(integrations.All()))
	for i := 1; i < len(types); i++ {
		assert.Less(t, types[i-1].Name, types[i].Name)
	}

	rec = s.do(http.MethodGet, "/api/v1/service_types/nope_v1", "acme", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookRoute(t *testing.T) {
	s := newTestServer(t, listing())
	signer := webhook.HMAC{Header: integrations.RentalsSignatureHeader, Prefix: "sha256=", Hash: webhook.SHA256, Encoding: webhook.Hex}
	deliver := func(secret, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/service_integrations/svi_listings", strings.NewReader(body))
		req.Header.Set(integrations.RentalsSignatureHeader, signer.Signature(secret, []byte(body)))
		rec := httptest.NewRecorder()
		s.e.ServeHTTP(rec, req)
		return rec
	}
	body := `{"type":"listing.created","data":{"id":12,"name":"Cabin"}}`

	rec := deliver("s3cret", body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"o":"k"}`, rec.Body.String())

	rec = deliver("wrong", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = deliver("s3cret", `{"data":"`+strings.Repeat("x", 2048)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/service_integrations/svi_missing", strings.NewReader(body))
	missing := httptest.NewRecorder()
	s.e.ServeHTTP(missing, req)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

type fakeDLQ struct {
	entries []redis.DLQEntry
	retried []string
}

func (f *fakeDLQ) List(_ context.Context, count int64) ([]redis.DLQEntry, error) {
	if int64(len(f.entries)) > count {
		return f.entries[:count], nil
	}
	return f.entries, nil
}

func (f *fakeDLQ) Get(_ context.Context, messageID string) (*redis.DLQEntry, error) {
	for _, e := range f.entries {
		if e.MessageID == messageID {
			return &e, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", redis.ErrDLQEntryNotFound, messageID)
}

func (f *fakeDLQ) Count(_ context.Context) (int64, error) {
	return int64(len(f.entries)), nil
}

func (f *fakeDLQ) Retry(_ context.Context, messageID string, _ redis.JobPublisher, queueName string) error {
	for i, e := range f.entries {
		if e.MessageID == messageID {
			f.entries = append(f.entries[:i], f.entries[i+1:]...)
			f.retried = append(f.retried, queueName+"/"+messageID)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", redis.ErrDLQEntryNotFound, messageID)
}

func TestDLQRoutes(t *testing.T) {
	s := newTestServer(t)
	orgID := s.org.ID.String()
	dlq := &fakeDLQ{entries: []redis.DLQEntry{
		{MessageID: "1-0", OrganizationID: orgID, Reason: redis.ReasonMaxRetries},
		{MessageID: "2-0", OrganizationID: orgID, Reason: redis.ReasonFatal},
		{MessageID: "3-0", OrganizationID: uuid.NewString(), Reason: redis.ReasonFatal},
	}}
	handlers.NewDLQHandler(dlq, s.orgs, nil, "fern:jobs").RegisterRoutes(s.e.Group("/api/v1"))

	rec := s.do(http.MethodGet, "/api/v1/dlq?limit=1", "acme", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []redis.DLQEntry
	decode(t, rec, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, "1-0", entries[0].MessageID)

	rec = s.do(http.MethodGet, "/api/v1/dlq", "acme", "")
	decode(t, rec, &entries)
	assert.Len(t, entries, 2)

	rec = s.do(http.MethodGet, "/api/v1/dlq/stats", "acme", "")
	assert.JSONEq(t, `{"count":2,"total":3}`, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/v1/dlq/2-0/retry", "acme", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"fern:jobs/2-0"}, dlq.retried)

	t.Run("another organization's entry is hidden", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/api/v1/dlq/3-0/retry", "acme", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	rec = s.do(http.MethodPost, "/api/v1/dlq/9-0/retry", "acme", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
