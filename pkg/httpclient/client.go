package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

const (
	// DefaultTimeout is the default request timeout
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the maximum response body size (10MB)
	MaxResponseSize = 10 * 1024 * 1024

	// MaxRequestSize is the maximum request body size (5MB)
	MaxRequestSize = 5 * 1024 * 1024
)

// DefaultUserAgent identifies backfill traffic to source APIs.
const DefaultUserAgent = "fern-backfill"

// Client is the source-API client used by backfills, enrichment and credential probes.
// It traces every call, caps body sizes and never logs query strings.
type Client struct {
	client    *http.Client
	userAgent string
	logger    ectologger.Logger
}

type Config struct {
	Timeout         time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	// UserAgent is sent unless the request sets its own.
	UserAgent string
}

func DefaultConfig() Config {
	return Config{
		Timeout:         DefaultTimeout,
		MaxIdleConns:    100,
		IdleConnTimeout: 90 * time.Second,
		UserAgent:       DefaultUserAgent,
	}
}

func NewClient(cfg Config, logger ectologger.Logger) *Client {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	transport := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		MaxIdleConns:    cfg.MaxIdleConns,
		IdleConnTimeout: cfg.IdleConnTimeout,
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
}

// Response represents an HTTP response
type Response struct {
	StatusCode    int               `json:"status_code"`
	Headers       map[string]string `json:"headers"`
	Body          []byte            `json:"-"`
	BodyJSON      any               `json:"body,omitempty"`
	ContentType   string            `json:"content_type"`
	ContentLength int64             `json:"content_length"`
	Duration      time.Duration     `json:"duration_ms"`
}

// Do executes an HTTP request and returns the response. A non-2xx status is not an error;
// callers classify it.
func (c *Client) Do(ctx context.Context, req *http.Request) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, "httpclient.Do",
		attribute.String("http.method", req.Method),
		attribute.String("http.host", req.URL.Host),
		attribute.String("integration_id", appctx.GetIntegrationID(ctx)),
	)
	defer span.End()

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		metrics.RecordHTTPRequest(req.Method, "error", time.Since(start).Seconds())
		tracing.RecordError(span, err)
		c.logger.WithContext(ctx).WithError(err).Errorf("HTTP request failed: %s %s", req.Method, redact(req))
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start)
	metrics.RecordHTTPRequest(req.Method, strconv.Itoa(resp.StatusCode), duration.Seconds())
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.ContentLength > MaxResponseSize {
		return nil, fmt.Errorf("response too large: %d bytes (max %d)", resp.ContentLength, MaxResponseSize)
	}

	limitedReader := io.LimitReader(resp.Body, MaxResponseSize+1)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("response body too large: %d bytes (max %d)", len(body), MaxResponseSize)
	}

	headers := make(map[string]string)
	for key, values := range resp.Header {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}

	response := &Response{
		StatusCode:    resp.StatusCode,
		Headers:       headers,
		Body:          body,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: int64(len(body)),
		Duration:      duration,
	}

	c.logger.WithContext(ctx).Debugf("HTTP %s %s -> %d (%s)",
		req.Method, redact(req), resp.StatusCode, duration)

	return response, nil
}

// redact drops the query string, which may carry API keys, from logged URLs.
func redact(req *http.Request) string {
	u := *req.URL
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
