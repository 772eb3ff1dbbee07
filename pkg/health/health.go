// Package health serves the liveness, readiness and dependency checks.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

const checkTimeout = 5 * time.Second

type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

type Response struct {
	Status     Status                 `json:"status"`
	Version    string                 `json:"version,omitempty"`
	Uptime     string                 `json:"uptime,omitempty"`
	Checks     map[string]CheckResult `json:"checks,omitempty"`
	ReportedAt time.Time              `json:"reported_at"`
}

// PingFunc reports whether one dependency is reachable.
type PingFunc func(ctx context.Context) error

type check struct {
	ping PingFunc
	// optional dependencies degrade rather than fail readiness
	optional bool
}

type Checker struct {
	startTime time.Time
	version   string
	checks    map[string]check

	mu    sync.RWMutex
	ready bool
}

func NewChecker(version string) *Checker {
	return &Checker{
		startTime: time.Now(),
		version:   version,
		checks:    make(map[string]check),
	}
}

// Require registers a dependency whose failure makes the service unhealthy.
func (c *Checker) Require(name string, ping PingFunc) *Checker {
	c.checks[name] = check{ping: ping}
	return c
}

// Optional registers a dependency whose failure only degrades the service.
func (c *Checker) Optional(name string, ping PingFunc) *Checker {
	c.checks[name] = check{ping: ping, optional: true}
	return c
}

// SetReady marks the service as ready to receive traffic
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Register mounts /health, /health/live and /health/ready on e.
func (c *Checker) Register(e *echo.Echo) {
	e.GET("/health", c.HealthHandler)
	e.GET("/health/live", c.LivenessHandler)
	e.GET("/health/ready", c.ReadinessHandler)
}

// LivenessHandler answers as long as the process is serving.
func (c *Checker) LivenessHandler(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, Response{
		Status:     StatusHealthy,
		Version:    c.version,
		Uptime:     c.uptime(),
		ReportedAt: time.Now(),
	})
}

func (c *Checker) ReadinessHandler(ctx echo.Context) error {
	if !c.IsReady() {
		return ctx.JSON(http.StatusServiceUnavailable, Response{
			Status:     StatusUnhealthy,
			Version:    c.version,
			ReportedAt: time.Now(),
			Checks: map[string]CheckResult{
				"startup": {Status: StatusUnhealthy, Message: "service is still starting up"},
			},
		})
	}
	return c.HealthHandler(ctx)
}

func (c *Checker) HealthHandler(ctx echo.Context) error {
	checks, overall := c.Run(ctx.Request().Context())

	statusCode := http.StatusOK
	if overall == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	return ctx.JSON(statusCode, Response{
		Status:     overall,
		Version:    c.version,
		Uptime:     c.uptime(),
		Checks:     checks,
		ReportedAt: time.Now(),
	})
}

// Run pings every registered dependency and folds the results into one status.
func (c *Checker) Run(ctx context.Context) (map[string]CheckResult, Status) {
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]CheckResult, len(names))
	overall := StatusHealthy
	for _, name := range names {
		chk := c.checks[name]
		result := ping(ctx, chk.ping)
		results[name] = result

		if result.Status == StatusHealthy {
			continue
		}
		if chk.optional {
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
			continue
		}
		overall = StatusUnhealthy
	}
	return results, overall
}

func ping(ctx context.Context, fn PingFunc) CheckResult {
	if fn == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "not configured"}
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: err.Error(),
			Latency: time.Since(start).String(),
		}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Latency: time.Since(start).String(),
	}
}

func (c *Checker) uptime() string {
	return time.Since(c.startTime).Round(time.Second).String()
}
