package handlers

import (
	"context"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/Ramsey-B/fern/pkg/webhook"
)

// WebhookPath is where sources deliver. It sits outside API authentication; each service
// type authenticates its own deliveries.
const WebhookPath = "/v1/service_integrations/:opaque_id"

type WebhookService interface {
	HandleWebhook(ctx context.Context, opaqueID string, req webhook.Request) (webhook.Response, error)
}

type WebhookHandler struct {
	svc       WebhookService
	bodyLimit string
}

// NewWebhookHandler builds the delivery endpoint. bodyLimit uses echo's size syntax, e.g. "2M".
func NewWebhookHandler(svc WebhookService, bodyLimit string) *WebhookHandler {
	return &WebhookHandler{svc: svc, bodyLimit: bodyLimit}
}

func (h *WebhookHandler) RegisterRoutes(e *echo.Echo) {
	var mws []echo.MiddlewareFunc
	if h.bodyLimit != "" {
		mws = append(mws, echomw.BodyLimit(h.bodyLimit))
	}
	// any method; some sources verify with GET or HEAD
	e.Any(WebhookPath, h.Handle, mws...)
}

// Handle passes the delivery to the integration's type and writes back whatever it answered.
func (h *WebhookHandler) Handle(c echo.Context) error {
	req, err := webhook.FromHTTP(c.Request(), 0)
	if err != nil {
		return BadRequest(err.Error())
	}

	resp, err := h.svc.HandleWebhook(c.Request().Context(), c.Param("opaque_id"), req)
	if err != nil {
		return err
	}

	for k, v := range resp.Headers {
		c.Response().Header().Set(k, v)
	}
	if len(resp.Body) == 0 {
		return c.NoContent(resp.Status)
	}
	contentType := resp.Headers["Content-Type"]
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	return c.Blob(resp.Status, contentType, resp.Body)
}
