package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/metrics"
)

// quietPrefixes are probed constantly; they log at debug.
var quietPrefixes = []string{"/health", "/metrics"}

// Logger records one metric sample and one structured line per request. Webhook deliveries
// carry the integration's opaque id.
func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()
			res := c.Response()
			start := time.Now()
			if err = next(c); err != nil {
				c.Error(err)
			}

			elapsed := time.Since(start)
			route := c.Path()
			metrics.RecordAPIRequest(req.Method, route, res.Status, elapsed)

			fields := context.LogFields(req.Context())
			fields["method"] = req.Method
			fields["route"] = route
			fields["status"] = res.Status
			fields["remote_ip"] = c.RealIP()
			fields["user_agent"] = req.UserAgent()
			fields["response_time"] = elapsed
			fields["request_size"] = req.Header.Get(echo.HeaderContentLength)
			fields["response_size"] = strconv.FormatInt(res.Size, 10)

			entry := logger.WithContext(req.Context()).WithFields(fields)
			if isQuiet(route) {
				entry.Debug("Request")
			} else {
				entry.Info("Request")
			}
			return nil
		}
	}
}

func isQuiet(route string) bool {
	for _, prefix := range quietPrefixes {
		if strings.HasPrefix(route, prefix) {
			return true
		}
	}
	return false
}
