package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/replicator"
)

type ServiceTypeHandler struct {
	registry *replicator.Registry
}

func NewServiceTypeHandler(registry *replicator.Registry) *ServiceTypeHandler {
	return &ServiceTypeHandler{registry: registry}
}

func (h *ServiceTypeHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/service_types", h.List)
	g.GET("/service_types/:name", h.Get)
}

// List handles GET /service_types
func (h *ServiceTypeHandler) List(c echo.Context) error {
	types := h.registry.List()
	out := make([]replicator.Descriptor, 0, len(types))
	for _, t := range types {
		out = append(out, t.Descriptor())
	}
	return SuccessResponse(c, out)
}

// Get handles GET /service_types/:name
func (h *ServiceTypeHandler) Get(c echo.Context) error {
	t, ok := h.registry.Get(c.Param("name"))
	if !ok {
		return NotFound("unknown service type " + c.Param("name"))
	}
	return SuccessResponse(c, t.Descriptor())
}
