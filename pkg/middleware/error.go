package middleware

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/faults"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ErrorResponse is the body of every failed management API call.
type ErrorResponse struct {
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	TraceID   string         `json:"trace_id"`
	Meta      map[string]any `json:"meta"`
}

// Error renders echo errors, httperror values and faults. A fault's kind is reported in meta.fault.
func Error(logger ectologger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		ctx := c.Request().Context()
		code, message, meta := describe(err)

		log := logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"status": code,
			"path":   c.Path(),
		})
		if code >= http.StatusInternalServerError {
			log.Error("request failed")
		} else {
			log.Warn("request rejected")
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, ErrorResponse{
			Message:   message,
			RequestID: context.GetRequestID(ctx),
			TraceID:   tracing.GetTraceID(ctx),
			Meta:      meta,
		})
	}
}

func describe(err error) (int, string, map[string]any) {
	meta := map[string]any{}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		message := http.StatusText(he.Code)
		if msg, ok := he.Message.(string); ok {
			message = msg
		}
		return he.Code, message, meta
	}

	if kind := faults.KindOf(err); kind != "" {
		meta["fault"] = string(kind)
	}
	err = faults.ToHTTPError(err)
	httperr := httperror.ToHTTPError(err)
	for k, v := range httperr.Meta {
		meta[k] = v
	}
	return httperror.GetStatusCode(err), httperr.Message, meta
}
