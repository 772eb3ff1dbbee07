package handlers

import (
	"context"
	"errors"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/redis"
)

// dlqScanWindow bounds how many recent dead letters are read to find the caller's entries.
const dlqScanWindow = 1000

// DeadLetters is the dead letter queue as the API sees it.
type DeadLetters interface {
	List(ctx context.Context, count int64) ([]redis.DLQEntry, error)
	Get(ctx context.Context, messageID string) (*redis.DLQEntry, error)
	Count(ctx context.Context) (int64, error)
	Retry(ctx context.Context, messageID string, jobQueue redis.JobPublisher, queueName string) error
}

// DLQHandler inspects and replays an organization's dead-lettered backfill jobs.
type DLQHandler struct {
	dlq   DeadLetters
	orgs  OrganizationStore
	jobs  redis.JobPublisher
	queue string
}

// NewDLQHandler builds the handler. Retried jobs are published to queue through jobs.
func NewDLQHandler(dlq DeadLetters, orgs OrganizationStore, jobs redis.JobPublisher, queue string) *DLQHandler {
	return &DLQHandler{dlq: dlq, orgs: orgs, jobs: jobs, queue: queue}
}

func (h *DLQHandler) RegisterRoutes(g *echo.Group) {
	dlq := g.Group("/dlq")
	dlq.GET("", h.List)
	dlq.GET("/stats", h.Stats)
	dlq.POST("/:message_id/retry", h.Retry)
}

// List handles GET /dlq?limit=N
func (h *DLQHandler) List(c echo.Context) error {
	entries, err := h.own(c)
	if err != nil {
		return err
	}
	if limit := queryInt(c, "limit", 100); limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return SuccessResponse(c, entries)
}

// Stats handles GET /dlq/stats. total spans every organization.
func (h *DLQHandler) Stats(c echo.Context) error {
	entries, err := h.own(c)
	if err != nil {
		return err
	}
	total, err := h.dlq.Count(c.Request().Context())
	if err != nil {
		return err
	}
	return SuccessResponse(c, map[string]any{"count": len(entries), "total": total})
}

// Retry handles POST /dlq/:message_id/retry
func (h *DLQHandler) Retry(c echo.Context) error {
	ctx := c.Request().Context()
	org, err := CurrentOrganization(c, h.orgs)
	if err != nil {
		return err
	}

	messageID := c.Param("message_id")
	entry, err := h.dlq.Get(ctx, messageID)
	if errors.Is(err, redis.ErrDLQEntryNotFound) {
		return NotFound(err.Error())
	}
	if err != nil {
		return err
	}
	if entry.OrganizationID != org.ID.String() {
		return NotFound("dead letter entry not found: " + messageID)
	}

	err = h.dlq.Retry(ctx, messageID, h.jobs, h.queue)
	if errors.Is(err, redis.ErrDLQEntryNotFound) {
		return NotFound(err.Error())
	}
	if err != nil {
		return err
	}
	return SuccessResponse(c, map[string]any{"retried": messageID})
}

// own returns the caller's entries among the most recent dead letters, newest first.
func (h *DLQHandler) own(c echo.Context) ([]redis.DLQEntry, error) {
	org, err := CurrentOrganization(c, h.orgs)
	if err != nil {
		return nil, err
	}
	entries, err := h.dlq.List(c.Request().Context(), dlqScanWindow)
	if err != nil {
		return nil, err
	}

	out := make([]redis.DLQEntry, 0, len(entries))
	for _, e := range entries {
		if e.OrganizationID == org.ID.String() {
			out = append(out, e)
		}
	}
	return out, nil
}
