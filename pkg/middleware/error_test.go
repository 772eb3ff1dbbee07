package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/faults"
)

func serveError(t *testing.T, method string, err error) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	e.HTTPErrorHandler = Error(ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
	e.Use(Context())
	e.Any("/fail", func(echo.Context) error { return err })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, "/fail", nil))
	return rec
}

func TestErrorRendersFaults(t *testing.T) {
	rec := serveError(t, http.MethodPost, faults.InvalidPostcondition("no ancestor of %s owns credentials", "svi_photos"))
	require.Equal(t, http.StatusConflict, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Message, "svi_photos")
	assert.Equal(t, "invalid_postcondition", body.Meta["fault"])
	assert.NotEmpty(t, body.RequestID)
}

func TestErrorRendersHTTPErrors(t *testing.T) {
	rec := serveError(t, http.MethodGet, httperror.NewHTTPError(http.StatusNotFound, "service integration svi_x not found"))
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "service integration svi_x not found", body.Message)
	assert.NotContains(t, body.Meta, "fault")
}

func TestErrorRendersEchoErrors(t *testing.T) {
	rec := serveError(t, http.MethodGet, echo.NewHTTPError(http.StatusRequestEntityTooLarge))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Message)
}

func TestErrorPlainErrorsAreInternal(t *testing.T) {
	rec := serveError(t, http.MethodGet, errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestErrorHeadHasNoBody(t *testing.T) {
	rec := serveError(t, http.MethodHead, httperror.NewHTTPError(http.StatusNotFound, "missing"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, rec.Body.String())
}
