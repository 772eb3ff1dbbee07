package backfill_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/backfill"
	"github.com/Ramsey-B/fern/pkg/document"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/faults"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

type countingGate struct {
	calls atomic.Int32
}

func (g *countingGate) Wait(ctx context.Context, _ string) error {
	g.calls.Add(1)
	return ctx.Err()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// listingServer serves two pages of two listings and a detail endpoint per listing.
func listingServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var details atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/listings", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("cursor") {
		case "":
			writeJSON(w, map[string]any{
				"data": []any{map[string]any{"id": 1, "name": "one"}, map[string]any{"id": 2, "name": "two"}},
				"next": "page2",
			})
		case "page2":
			writeJSON(w, map[string]any{
				"data": []any{map[string]any{"id": 3, "name": "three"}, map[string]any{"id": 4, "name": "four"}},
				"next": nil,
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/v1/listings/{id}", func(w http.ResponseWriter, r *http.Request) {
		details.Add(1)
		writeJSON(w, map[string]any{"listing": map[string]any{"bedrooms": 2, "id": r.PathValue("id")}})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &details
}

func newSource(baseURL string) *backfill.HTTPSource {
	return backfill.NewHTTPSource(expressions.NewEvaluator(), backfill.Listing{
		Request:     httpclient.RequestSpec{BaseURL: baseURL, Path: "/v1/listings"},
		CursorParam: "cursor",
		ItemsPath:   "data",
		CursorPath:  "next",
	}, httpclient.Credentials{Kind: httpclient.AuthBearer, Token: "tok"}, nil)
}

func newEngine(gate *countingGate, sleeper *recordingSleeper) *backfill.Engine {
	client := httpclient.NewClient(httpclient.DefaultConfig(), testLogger())
	return backfill.NewEngine(client, gate, backfill.DefaultRetryPolicy(), testLogger()).WithSleeper(sleeper.Sleep)
}

func TestRunPagesUntilCursorIsEmpty(t *testing.T) {
	server, _ := listingServer(t)
	engine := newEngine(&countingGate{}, &recordingSleeper{})

	var applied []document.Document
	var checkpoints []string
	summary, err := engine.Run(context.Background(), backfill.Run{
		Key:    "svi_1",
		Source: newSource(server.URL),
		Apply: func(_ context.Context, item document.Document) error {
			applied = append(applied, item)
			return nil
		},
		Checkpoint: func(_ context.Context, cursor string, _ backfill.Summary) error {
			checkpoints = append(checkpoints, cursor)
			return nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Pages)
	assert.Equal(t, 4, summary.Items)
	assert.Equal(t, "", summary.Cursor)
	assert.Equal(t, []string{"page2", ""}, checkpoints)
	require.Len(t, applied, 4)
	assert.Equal(t, "four", applied[3]["name"])
}

func TestRunResumesFromCursor(t *testing.T) {
	server, _ := listingServer(t)
	engine := newEngine(&countingGate{}, &recordingSleeper{})

	items := 0
	summary, err := engine.Run(context.Background(), backfill.Run{
		Source: newSource(server.URL),
		Cursor: "page2",
		Apply: func(context.Context, document.Document) error {
			items++
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Pages)
	assert.Equal(t, 2, items)
}

func TestRunEnrichesEachItemThroughTheGate(t *testing.T) {
	server, details := listingServer(t)
	gate := &countingGate{}
	engine := newEngine(gate, &recordingSleeper{})

	source := newSource(server.URL)
	source.Detail = &backfill.Detail{
		Request:    httpclient.RequestSpec{BaseURL: server.URL, Path: "/v1/listings/{{ item.id }}"},
		ResultPath: "listing",
		KeyField:   "id",
	}

	var applied []document.Document
	summary, err := engine.Run(context.Background(), backfill.Run{
		Key:      "svi_1",
		Source:   source,
		Enricher: source,
		Apply: func(_ context.Context, item document.Document) error {
			applied = append(applied, item)
			return nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Enriched)
	assert.Equal(t, int32(4), details.Load())
	assert.Equal(t, int32(4), gate.calls.Load())
	require.Len(t, applied, 8)
	// each enrichment is applied right after its item and carries the item's key
	assert.Equal(t, applied[0]["id"], applied[1]["id"])
	assert.Equal(t, 2.0, applied[1]["bedrooms"])
}

func TestRunRetriesTransientFailures(t *testing.T) {
	t.Run("gives up after the configured retries", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		sleeper := &recordingSleeper{}
		engine := newEngine(&countingGate{}, sleeper)

		_, err := engine.Run(context.Background(), backfill.Run{
			Source: newSource(server.URL),
			Apply:  func(context.Context, document.Document) error { return nil },
		})
		require.Error(t, err)

		assert.Equal(t, int32(4), calls.Load())
		assert.True(t, faults.IsRetryable(err))
		var fe *faults.Error
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, http.StatusServiceUnavailable, fe.StatusCode)
		assert.Equal(t, []time.Duration{time.Second, time.Second, 2 * time.Second}, sleeper.delays)
	})

	t.Run("succeeds after a transient failure", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			writeJSON(w, map[string]any{"data": []any{map[string]any{"id": 1}}})
		}))
		defer server.Close()

		engine := newEngine(&countingGate{}, &recordingSleeper{})
		summary, err := engine.Run(context.Background(), backfill.Run{
			Source: newSource(server.URL),
			Apply:  func(context.Context, document.Document) error { return nil },
		})
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Items)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		engine := newEngine(&countingGate{}, &recordingSleeper{})
		_, err := engine.Run(context.Background(), backfill.Run{
			Source: newSource(server.URL),
			Apply:  func(context.Context, document.Document) error { return nil },
		})
		require.Error(t, err)
		assert.True(t, faults.IsKind(err, faults.KindFatalTransport))
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestRunStopsBetweenPagesWhenCancelled(t *testing.T) {
	server, _ := listingServer(t)
	engine := newEngine(&countingGate{}, &recordingSleeper{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	summary, err := engine.Run(ctx, backfill.Run{
		Source: newSource(server.URL),
		Apply: func(context.Context, document.Document) error {
			cancel()
			return nil
		},
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, summary.Pages)
	assert.Equal(t, 2, summary.Items)
	assert.Equal(t, "page2", summary.Cursor)
}

func TestRunRejectsRepeatedCursor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"data": []any{}, "next": "same"})
	}))
	defer server.Close()

	engine := newEngine(&countingGate{}, &recordingSleeper{})
	_, err := engine.Run(context.Background(), backfill.Run{
		Source: newSource(server.URL),
		Apply:  func(context.Context, document.Document) error { return nil },
	})
	assert.True(t, faults.IsKind(err, faults.KindFatalTransport))
}

func TestVerify(t *testing.T) {
	status := http.StatusOK
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()

	engine := newEngine(&countingGate{}, &recordingSleeper{})
	source := newSource(server.URL)

	v, err := engine.Verify(context.Background(), source)
	require.NoError(t, err)
	assert.True(t, v.Valid)

	status = http.StatusUnauthorized
	v, err = engine.Verify(context.Background(), source)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, http.StatusUnauthorized, v.StatusCode)

	status = http.StatusInternalServerError
	_, err = engine.Verify(context.Background(), source)
	assert.True(t, faults.IsRetryable(err))
}

func TestCalculateBackoff(t *testing.T) {
	policy := backfill.RetryPolicy{BackoffType: backfill.BackoffFibonacci, InitialDelay: time.Second, MaxDelay: 4 * time.Second}
	var got []time.Duration
	for attempt := 1; attempt <= 6; attempt++ {
		got = append(got, backfill.CalculateBackoff(policy, attempt))
	}
	assert.Equal(t, []time.Duration{1 * time.Second, 1 * time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second, 4 * time.Second}, got)

	policy.BackoffType = backfill.BackoffExponential
	policy.MaxDelay = time.Minute
	assert.Equal(t, 8*time.Second, backfill.CalculateBackoff(policy, 4))

	policy.BackoffType = backfill.BackoffLinear
	assert.Equal(t, 3*time.Second, backfill.CalculateBackoff(policy, 3))
}
