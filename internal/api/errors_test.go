package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/nodereg/internal/registry"
	"evalgo.org/nodereg/internal/validation"
	"evalgo.org/nodereg/models"
)

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		apiError *APIError
		want     string
	}{
		{
			name:     "error with details",
			apiError: &APIError{Code: 400, Message: "Bad Request", Details: "Invalid JSON format"},
			want:     "Bad Request: Invalid JSON format",
		},
		{
			name:     "error without details",
			apiError: &APIError{Code: 404, Message: "Not Found"},
			want:     "Not Found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.apiError.Error())
		})
	}
}

func TestErrorConstructors(t *testing.T) {
	notFound := NotFoundError("Node", "zzzzz-node-abc")
	assert.Equal(t, http.StatusNotFound, notFound.Code)
	assert.Equal(t, "Node not found", notFound.Message)
	assert.Equal(t, "zzzzz-node-abc", notFound.Context["id"])

	validation := ValidationError("Validation failed", map[string]string{"ip": "must be an IP address"})
	assert.Equal(t, http.StatusBadRequest, validation.Code)
	assert.Equal(t, "must be an IP address", validation.FieldError["ip"])

	assert.Equal(t, http.StatusUnauthorized, UnauthorizedError("Unauthorized", "").Code)
	assert.Equal(t, http.StatusConflict, ConflictError("Conflict", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, UnavailableError("Full", "").Code)
}

func TestRegistryError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: ip missing", registry.ErrInvalidRequest), http.StatusBadRequest},
		{registry.ErrUnauthorized, http.StatusUnauthorized},
		{registry.ErrNodeNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: ec2 instance id", registry.ErrConflict), http.StatusConflict},
		{registry.ErrSlotsExhausted, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			var apiErr *APIError
			require.ErrorAs(t, registryError(tt.err, "zzzzz-node-abc"), &apiErr)
			assert.Equal(t, tt.want, apiErr.Code)
		})
	}
}

func TestRegistryError_FieldErrors(t *testing.T) {
	result := validation.New().ValidatePing(&models.PingRequest{PingSecret: "s"})
	require.False(t, result.Valid)

	var apiErr *APIError
	require.ErrorAs(t, registryError(fmt.Errorf("%w: %w", registry.ErrInvalidRequest, result), "n"), &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Code)
	assert.Contains(t, apiErr.FieldError, "ip")
}

func TestHTTPErrorHandler(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		debug       bool
		wantCode    int
		wantDetails string
	}{
		{"api error", BadRequestError("Bad", "details"), false, http.StatusBadRequest, "details"},
		{"echo error", echo.NewHTTPError(http.StatusMethodNotAllowed, "nope"), false, http.StatusMethodNotAllowed, "nope"},
		{"internal hidden", errors.New("secret stack"), false, http.StatusInternalServerError, "An internal error occurred. Please try again later."},
		{"internal in debug", errors.New("secret stack"), true, http.StatusInternalServerError, "secret stack"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			e.Debug = tt.debug
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

			HTTPErrorHandler(tt.err, c)

			assert.Equal(t, tt.wantCode, rec.Code)
			var body APIError
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantDetails, body.Details)
		})
	}
}

func TestGetHTTPMessage(t *testing.T) {
	tests := []struct {
		name string
		code int
		want string
	}{
		{"Bad Request", http.StatusBadRequest, "Bad request"},
		{"Not Found", http.StatusNotFound, "Resource not found"},
		{"Service Unavailable", http.StatusServiceUnavailable, "Service unavailable"},
		{"Unknown Code", 999, http.StatusText(999)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, getHTTPMessage(tt.code))
		})
	}
}
