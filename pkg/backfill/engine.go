// Package backfill pages through a source API and applies every item it returns.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/document"
	"github.com/Ramsey-B/fern/pkg/faults"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const (
	StagePage       = "page"
	StageEnrichment = "enrichment"
	StageProbe      = "probe"
)

// Run describes one backfill of one integration.
type Run struct {
	// Key identifies the integration for rate limiting and logs.
	Key      string
	Source   Source
	Enricher Enricher
	Apply    ApplyFunc
	// Cursor resumes an earlier run; empty starts from the first page.
	Cursor     string
	Checkpoint CheckpointFunc
}

type Summary struct {
	Pages    int    `json:"pages"`
	Items    int    `json:"items"`
	Enriched int    `json:"enriched"`
	Cursor   string `json:"cursor,omitempty"`
}

// Verification is the outcome of a credential probe.
type Verification struct {
	Valid      bool   `json:"valid"`
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

type Engine struct {
	client Doer
	gate   ratelimit.Gate
	policy RetryPolicy
	sleep  ratelimit.Sleeper
	logger ectologger.Logger
}

func NewEngine(client Doer, gate ratelimit.Gate, policy RetryPolicy, logger ectologger.Logger) *Engine {
	if gate == nil {
		gate = ratelimit.Unlimited{}
	}
	return &Engine{
		client: client,
		gate:   gate,
		policy: policy,
		sleep:  ratelimit.Sleep,
		logger: logger,
	}
}

// WithSleeper replaces the backoff sleeper, for tests.
func (e *Engine) WithSleeper(sleep ratelimit.Sleeper) *Engine {
	e.sleep = sleep
	return e
}

// Run pages until the source reports no further cursor. The returned summary is
// populated even when an error stops the run early; its Cursor is the resume point.
func (e *Engine) Run(ctx context.Context, run Run) (*Summary, error) {
	if run.Source == nil || run.Apply == nil {
		return nil, errors.New("backfill run requires a source and an apply func")
	}

	ctx, span := tracing.StartSpan(ctx, "backfill.Run", attribute.String("backfill.key", run.Key))
	defer span.End()

	log := e.logger.WithContext(ctx).WithFields(map[string]any{"backfill_key": run.Key})
	summary := &Summary{Cursor: run.Cursor}
	cursor := run.Cursor
	seen := map[string]bool{}

	for {
		if err := ctx.Err(); err != nil {
			log.Infof("backfill cancelled after %d pages", summary.Pages)
			return summary, err
		}

		page, err := e.fetchPage(ctx, run.Source, cursor)
		if err != nil {
			tracing.RecordError(span, err)
			return summary, err
		}

		for _, item := range page.Items {
			if err := run.Apply(ctx, item); err != nil {
				tracing.RecordError(span, err)
				return summary, fmt.Errorf("failed to apply item: %w", err)
			}
			summary.Items++

			if run.Enricher == nil {
				continue
			}
			enriched, err := e.enrich(ctx, run, item)
			if err != nil {
				tracing.RecordError(span, err)
				return summary, err
			}
			if enriched {
				summary.Enriched++
			}
		}

		summary.Pages++
		summary.Cursor = page.NextCursor
		if run.Checkpoint != nil {
			if err := run.Checkpoint(ctx, page.NextCursor, *summary); err != nil {
				return summary, fmt.Errorf("failed to checkpoint backfill: %w", err)
			}
		}

		if page.NextCursor == "" {
			break
		}
		if seen[page.NextCursor] || page.NextCursor == cursor {
			return summary, faults.FatalTransport(0, nil, "source repeated cursor %q", page.NextCursor)
		}
		seen[cursor] = true
		cursor = page.NextCursor
	}

	log.Infof("backfill complete: %d pages, %d items, %d enriched", summary.Pages, summary.Items, summary.Enriched)
	return summary, nil
}

func (e *Engine) fetchPage(ctx context.Context, source Source, cursor string) (*Page, error) {
	resp, err := e.do(ctx, StagePage, func() (*http.Request, error) {
		return source.PageRequest(ctx, cursor)
	})
	if err != nil {
		return nil, err
	}
	page, err := source.ParsePage(resp)
	if err != nil {
		return nil, faults.FatalTransport(resp.StatusCode, err, "failed to parse page")
	}
	return page, nil
}

func (e *Engine) enrich(ctx context.Context, run Run, item document.Document) (bool, error) {
	req, err := run.Enricher.EnrichmentRequest(ctx, item)
	if err != nil {
		return false, fmt.Errorf("failed to build enrichment request: %w", err)
	}
	if req == nil {
		return false, nil
	}

	first := true
	resp, err := e.do(ctx, StageEnrichment, func() (*http.Request, error) {
		if err := e.gate.Wait(ctx, run.Key); err != nil {
			return nil, err
		}
		if first {
			first = false
			return req, nil
		}
		return run.Enricher.EnrichmentRequest(ctx, item)
	})
	if err != nil {
		return false, err
	}

	extra, err := run.Enricher.ApplyEnrichment(item, resp)
	if err != nil {
		return false, faults.FatalTransport(resp.StatusCode, err, "failed to parse enrichment")
	}
	if len(extra) == 0 {
		return false, nil
	}
	if err := run.Apply(ctx, extra); err != nil {
		return false, fmt.Errorf("failed to apply enrichment: %w", err)
	}
	return true, nil
}

// do sends the request built by build, retrying transient failures per the policy.
// build is called once per attempt so request bodies are fresh.
func (e *Engine) do(ctx context.Context, stage string, build func() (*http.Request, error)) (*httpclient.Response, error) {
	for attempt := 0; ; attempt++ {
		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := e.client.Do(ctx, req)
		status := 0
		if err == nil {
			status = resp.StatusCode
			if httpclient.IsSuccessStatus(status) {
				return resp, nil
			}
			if !httpclient.IsRetryableStatus(status) {
				return nil, faults.FatalTransport(status, nil, "%s %s", req.Method, req.URL.Path)
			}
		} else if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		if attempt >= e.policy.MaxRetries {
			return nil, faults.RetryableTransport(status, err, "%s %s failed after %d retries", req.Method, req.URL.Path, attempt)
		}

		delay := CalculateBackoff(e.policy, attempt+1)
		if resp != nil && httpclient.IsRateLimitStatus(status) {
			if after := retryAfter(resp); after > delay {
				delay = after
			}
		}
		metrics.RecordRetry(stage)
		e.logger.WithContext(ctx).Warnf("%s request returned %d, retrying in %s (attempt %d/%d)",
			stage, status, delay, attempt+1, e.policy.MaxRetries)
		if err := e.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func retryAfter(resp *httpclient.Response) time.Duration {
	v := resp.Headers["Retry-After"]
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Verify probes the source once. 401 and 403 mean the credentials are bad; any other
// non-2xx outcome is returned as an error since it says nothing about the credentials.
func (e *Engine) Verify(ctx context.Context, prober Prober) (*Verification, error) {
	ctx, span := tracing.StartSpan(ctx, "backfill.Verify")
	defer span.End()

	req, err := prober.ProbeRequest(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := e.client.Do(ctx, req)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, faults.RetryableTransport(0, err, "credential probe failed")
	}

	switch {
	case httpclient.IsSuccessStatus(resp.StatusCode):
		return &Verification{Valid: true, StatusCode: resp.StatusCode, Message: "credentials accepted"}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &Verification{
			Valid:      false,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("credentials rejected by source (%d)", resp.StatusCode),
		}, nil
	case httpclient.IsRetryableStatus(resp.StatusCode):
		return nil, faults.RetryableTransport(resp.StatusCode, nil, "credential probe failed")
	default:
		return nil, faults.FatalTransport(resp.StatusCode, nil, "credential probe failed")
	}
}
