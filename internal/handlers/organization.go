package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
)

// OrganizationHandler provisions tenants. Creating one creates its replication schema.
type OrganizationHandler struct {
	orgs OrganizationStore
}

func NewOrganizationHandler(orgs OrganizationStore) *OrganizationHandler {
	return &OrganizationHandler{orgs: orgs}
}

type CreateOrganizationRequest struct {
	Key  string `json:"key" validate:"required,max=58"`
	Name string `json:"name" validate:"required"`
}

func (h *OrganizationHandler) RegisterRoutes(g *echo.Group) {
	orgs := g.Group("/organizations")
	orgs.POST("", h.Create)
	orgs.GET("", h.List)
	orgs.GET("/:key", h.Get)
	orgs.DELETE("/:key", h.Delete)
}

// Create handles POST /organizations
func (h *OrganizationHandler) Create(c echo.Context) error {
	var req CreateOrganizationRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	org := &models.Organization{Key: req.Key, Name: req.Name}
	if err := h.orgs.Create(c.Request().Context(), org); err != nil {
		return err
	}
	return CreatedResponse(c, org)
}

// List handles GET /organizations
func (h *OrganizationHandler) List(c echo.Context) error {
	orgs, err := h.orgs.List(c.Request().Context())
	if err != nil {
		return err
	}
	return SuccessResponse(c, orgs)
}

// Get handles GET /organizations/:key
func (h *OrganizationHandler) Get(c echo.Context) error {
	org, err := h.orgs.GetByKey(c.Request().Context(), c.Param("key"))
	if err != nil {
		return err
	}
	return SuccessResponse(c, org)
}

// Delete handles DELETE /organizations/:key. The replication schema and every integration go with it.
func (h *OrganizationHandler) Delete(c echo.Context) error {
	ctx := c.Request().Context()
	org, err := h.orgs.GetByKey(ctx, c.Param("key"))
	if err != nil {
		return err
	}
	if err := h.orgs.Delete(ctx, org.ID); err != nil {
		return err
	}
	return NoContentResponse(c)
}
