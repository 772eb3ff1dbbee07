package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/onboarding"
	"github.com/Ramsey-B/fern/pkg/replicator"
)

type IntegrationStore interface {
	GetByOpaqueID(ctx context.Context, opaqueID string) (*models.ServiceIntegration, error)
	ListByOrganization(ctx context.Context, organizationID uuid.UUID) ([]*models.ServiceIntegration, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type JobLister interface {
	ListByIntegration(ctx context.Context, integrationID uuid.UUID, limit int) ([]models.BackfillJob, error)
}

// IntegrationHandler manages service integrations of the caller's organization.
type IntegrationHandler struct {
	svc          *replicator.Service
	orgs         OrganizationStore
	integrations IntegrationStore
	jobs         JobLister
	baseURL      string
}

// NewIntegrationHandler builds the handler. baseURL is the public address used in
// onboarding post_to_url values.
func NewIntegrationHandler(svc *replicator.Service, orgs OrganizationStore, integrations IntegrationStore, jobs JobLister, baseURL string) *IntegrationHandler {
	return &IntegrationHandler{
		svc:          svc,
		orgs:         orgs,
		integrations: integrations,
		jobs:         jobs,
		baseURL:      strings.TrimRight(baseURL, "/"),
	}
}

type CreateIntegrationRequest struct {
	ServiceName string `json:"service_name" validate:"required"`
	TableName   string `json:"table_name" validate:"omitempty,max=63"`
}

// TransitionRequest submits one onboarding value. Field defaults to whatever the current step asks for.
type TransitionRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// IntegrationResponse is an integration with its current onboarding step.
type IntegrationResponse struct {
	*models.ServiceIntegration
	Onboarding onboarding.Step `json:"onboarding"`
}

func (h *IntegrationHandler) RegisterRoutes(g *echo.Group) {
	integrations := g.Group("/integrations")
	integrations.POST("", h.Create)
	integrations.GET("", h.List)
	integrations.GET("/:opaque_id", h.Get)
	integrations.DELETE("/:opaque_id", h.Delete)
	integrations.POST("/:opaque_id/transition", h.Transition)
	integrations.POST("/:opaque_id/transition/:field", h.Transition)
	integrations.POST("/:opaque_id/backfill", h.Backfill)
	integrations.GET("/:opaque_id/backfill_jobs", h.ListJobs)
	integrations.POST("/:opaque_id/table", h.CreateTable)
	integrations.GET("/:opaque_id/ddl", h.DDL)
}

func (h *IntegrationHandler) postURL(si *models.ServiceIntegration) string {
	return h.baseURL + "/api/v1/integrations/" + si.OpaqueID + "/transition"
}

// load resolves :opaque_id within the caller's organization. Integrations of other
// organizations are reported as missing.
func (h *IntegrationHandler) load(c echo.Context) (*models.ServiceIntegration, error) {
	org, err := CurrentOrganization(c, h.orgs)
	if err != nil {
		return nil, err
	}
	opaqueID := c.Param("opaque_id")
	si, err := h.integrations.GetByOpaqueID(c.Request().Context(), opaqueID)
	if err != nil {
		return nil, err
	}
	if si.OrganizationID != org.ID {
		return nil, NotFound("service integration " + opaqueID + " not found")
	}
	c.SetRequest(c.Request().WithContext(appctx.SetIntegrationID(c.Request().Context(), si.OpaqueID)))
	return si, nil
}

func (h *IntegrationHandler) describe(ctx context.Context, si *models.ServiceIntegration) (IntegrationResponse, error) {
	r, err := h.svc.Replicator(ctx, si)
	if err != nil {
		return IntegrationResponse{}, err
	}
	return IntegrationResponse{ServiceIntegration: si, Onboarding: r.CalculateStep(h.postURL(si))}, nil
}

// Create handles POST /integrations
func (h *IntegrationHandler) Create(c echo.Context) error {
	org, err := CurrentOrganization(c, h.orgs)
	if err != nil {
		return err
	}
	var req CreateIntegrationRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	si, err := h.svc.CreateIntegration(ctx, org, req.ServiceName, req.TableName)
	if err != nil {
		return err
	}
	resp, err := h.describe(ctx, si)
	if err != nil {
		return err
	}
	return CreatedResponse(c, resp)
}

// List handles GET /integrations
func (h *IntegrationHandler) List(c echo.Context) error {
	org, err := CurrentOrganization(c, h.orgs)
	if err != nil {
		return err
	}
	items, err := h.integrations.ListByOrganization(c.Request().Context(), org.ID)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*models.ServiceIntegration{}
	}
	return SuccessResponse(c, items)
}

// Get handles GET /integrations/:opaque_id
func (h *IntegrationHandler) Get(c echo.Context) error {
	si, err := h.load(c)
	if err != nil {
		return err
	}
	resp, err := h.describe(c.Request().Context(), si)
	if err != nil {
		return err
	}
	return SuccessResponse(c, resp)
}

// Delete handles DELETE /integrations/:opaque_id. The replicated table is left in place.
func (h *IntegrationHandler) Delete(c echo.Context) error {
	si, err := h.load(c)
	if err != nil {
		return err
	}
	if err := h.integrations.Delete(c.Request().Context(), si.ID); err != nil {
		return err
	}
	return NoContentResponse(c)
}

// Transition handles POST /integrations/:opaque_id/transition[/:field]. A field in the path
// wins over one in the body.
func (h *IntegrationHandler) Transition(c echo.Context) error {
	si, err := h.load(c)
	if err != nil {
		return err
	}
	var req TransitionRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	if f := c.Param("field"); f != "" {
		req.Field = f
	}

	ctx := c.Request().Context()
	var field onboarding.Field
	if req.Field != "" {
		field, err = onboarding.ParseField(req.Field)
		if err != nil {
			return BadRequest(err.Error())
		}
	} else {
		r, err := h.svc.Replicator(ctx, si)
		if err != nil {
			return err
		}
		step := r.CalculateStep(h.postURL(si))
		if step.Complete || step.Field == "" {
			return BadRequest("onboarding is complete; name the field to change")
		}
		field = step.Field
	}

	step, err := h.svc.Transition(ctx, si, field, req.Value, h.postURL(si))
	if err != nil {
		return err
	}
	return SuccessResponse(c, step)
}

// Backfill handles POST /integrations/:opaque_id/backfill?cascade=true
func (h *IntegrationHandler) Backfill(c echo.Context) error {
	si, err := h.load(c)
	if err != nil {
		return err
	}
	cascade := false
	if raw := c.QueryParam("cascade"); raw != "" {
		if cascade, err = strconv.ParseBool(raw); err != nil {
			return BadRequest("cascade must be true or false")
		}
	}

	job, err := h.svc.EnqueueBackfill(c.Request().Context(), si, replicator.EnqueueOptions{Cascade: cascade})
	if errors.Is(err, replicator.ErrBackfillUnsupported) {
		return BadRequest(err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, job)
}

// ListJobs handles GET /integrations/:opaque_id/backfill_jobs?limit=N
func (h *IntegrationHandler) ListJobs(c echo.Context) error {
	si, err := h.load(c)
	if err != nil {
		return err
	}
	jobs, err := h.jobs.ListByIntegration(c.Request().Context(), si.ID, queryInt(c, "limit", 50))
	if err != nil {
		return err
	}
	if jobs == nil {
		jobs = []models.BackfillJob{}
	}
	return SuccessResponse(c, jobs)
}

// CreateTable handles POST /integrations/:opaque_id/table
func (h *IntegrationHandler) CreateTable(c echo.Context) error {
	si, err := h.load(c)
	if err != nil {
		return err
	}
	err = h.svc.CreateTable(c.Request().Context(), si)
	if errors.Is(err, replicator.ErrTableAlreadyCreated) {
		return httperror.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return err
	}
	return CreatedResponse(c, si)
}

// DDL handles GET /integrations/:opaque_id/ddl and returns the statements as SQL text.
func (h *IntegrationHandler) DDL(c echo.Context) error {
	si, err := h.load(c)
	if err != nil {
		return err
	}
	r, err := h.svc.Replicator(c.Request().Context(), si)
	if err != nil {
		return err
	}
	sql, err := r.CreateTableSQL()
	if err != nil {
		return err
	}
	return c.String(http.StatusOK, sql)
}
