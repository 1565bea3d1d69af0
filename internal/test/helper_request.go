package test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SafeMPC/threshold-coordinator/internal/api"
	"github.com/SafeMPC/threshold-coordinator/internal/types"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
)

// PerformRequest runs a request against the test server's router and
// returns the recorded response. body is JSON-marshaled when non-nil.
func PerformRequest(t *testing.T, s *api.Server, method, path string, body interface{}, headers http.Header) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reqBody)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	res := httptest.NewRecorder()
	s.Echo.ServeHTTP(res, req)
	return res
}

// AuthorizedRequest is PerformRequest with a bearer token header set.
func AuthorizedRequest(t *testing.T, s *api.Server, method, path string, body interface{}, authHeader string) *httptest.ResponseRecorder {
	t.Helper()
	headers := http.Header{}
	headers.Set(echo.HeaderAuthorization, authHeader)
	return PerformRequest(t, s, method, path, body, headers)
}

// ParseResponseBody decodes the recorded JSON response into v.
func ParseResponseBody(t *testing.T, res *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), v))
}

// RequireHTTPError asserts status code and public error type.
func RequireHTTPError(t *testing.T, res *httptest.ResponseRecorder, status int, errorType types.PublicHTTPErrorType) {
	t.Helper()
	require.Equal(t, status, res.Code, "unexpected status, body: %s", res.Body.String())

	var envelope types.PublicHTTPError
	ParseResponseBody(t, res, &envelope)
	require.Equal(t, errorType, envelope.Type)
	require.Equal(t, status, envelope.Code)
}
