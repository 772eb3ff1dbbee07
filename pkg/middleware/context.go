package middleware

import (
	"github.com/Ramsey-B/fern/pkg/context"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	// HeaderTenantID is the header key for the organization key
	HeaderTenantID = "X-Tenant-ID"
	// HeaderUserID is the header key for user ID
	HeaderUserID = "X-User-ID"
)

// Context copies request identifiers onto the request context so logs, spans and jobs
// enqueued by the request carry them.
func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)

			ctx := req.Context()
			ctx = context.SetRequestID(ctx, requestID)
			ctx = context.SetMethod(ctx, req.Method)
			ctx = context.SetRoute(ctx, req.URL.Path)
			ctx = context.SetRemoteIP(ctx, c.RealIP())

			if tenantID := req.Header.Get(HeaderTenantID); tenantID != "" {
				ctx = context.SetTenantID(ctx, tenantID)
			}
			if userID := req.Header.Get(HeaderUserID); userID != "" {
				ctx = context.SetUserID(ctx, userID)
			}
			// webhook and integration routes name the integration in the path
			if opaqueID := c.Param("opaque_id"); opaqueID != "" {
				ctx = context.SetIntegrationID(ctx, opaqueID)
			}

			c.SetRequest(req.WithContext(ctx))

			return next(c)
		}
	}
}
