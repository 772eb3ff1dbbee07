// Package handlers serves the management API and the webhook endpoint.
package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/models"
)

var validate = validator.New()

// OrganizationStore is the organization persistence the API needs.
type OrganizationStore interface {
	Create(ctx context.Context, org *models.Organization) error
	GetByKey(ctx context.Context, key string) (*models.Organization, error)
	List(ctx context.Context) ([]models.Organization, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// ParseUUID parses a UUID from a path parameter
func ParseUUID(c echo.Context, param string) (uuid.UUID, error) {
	idStr := c.Param(param)
	if idStr == "" {
		return uuid.Nil, httperror.NewHTTPError(http.StatusBadRequest, "missing "+param)
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid %s: must be a valid UUID", param)
	}
	return id, nil
}

// CurrentOrganization loads the organization named by the request's tenant key.
func CurrentOrganization(c echo.Context, orgs OrganizationStore) (*models.Organization, error) {
	ctx := c.Request().Context()
	key := appctx.GetTenantID(ctx)
	if key == "" {
		return nil, httperror.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	org, err := orgs.GetByKey(ctx, key)
	if err != nil {
		if httperror.GetStatusCode(err) == http.StatusNotFound {
			return nil, httperror.NewHTTPError(http.StatusForbidden, "organization is not provisioned")
		}
		return nil, err
	}
	return org, nil
}

// bind decodes the request body into req and validates its tags.
func bind(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return BadRequest("invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return BadRequest(err.Error())
	}
	return nil
}

// queryInt reads a positive integer query parameter, falling back to def.
func queryInt(c echo.Context, name string, def int) int {
	if raw := c.QueryParam(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// SuccessResponse returns a 200 OK with data
func SuccessResponse(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, data)
}

// CreatedResponse returns a 201 Created with data
func CreatedResponse(c echo.Context, data any) error {
	return c.JSON(http.StatusCreated, data)
}

// NoContentResponse returns a 204 No Content
func NoContentResponse(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}

// BadRequest returns a 400 Bad Request error
func BadRequest(message string) error {
	return httperror.NewHTTPError(http.StatusBadRequest, message)
}

func NotFound(message string) error {
	return httperror.NewHTTPError(http.StatusNotFound, message)
}
