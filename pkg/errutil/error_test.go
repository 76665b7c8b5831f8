package errutil

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConstructorsWrapCause(t *testing.T) {
	cause := errors.New("db down")
	err := Internal("failed to load wallet", cause)

	require.ErrorIs(t, err, cause)
	require.Equal(t, StatusInternal, StatusOf(err))
	require.Contains(t, err.Error(), "db down")

	wrapped := fmt.Errorf("start contract: %w", InsufficientFunds("insufficient available balance", nil))
	require.Equal(t, StatusInsufficientFunds, StatusOf(wrapped))
	require.Equal(t, http.StatusUnprocessableEntity, StatusOf(wrapped).HTTPStatus())
}

func TestClassification(t *testing.T) {
	require.True(t, IsNotFound(NotFound("contract not found", nil)))
	require.True(t, IsConflict(Conflict("stale version", nil)))
	require.True(t, IsProviderTransient(ProviderTransient("timeout", nil)))
	require.True(t, IsProviderError(ProviderTerminal("declined", nil)))
	require.False(t, IsProviderError(BadRequest("bad", nil)))
	require.Equal(t, StatusUnknown, StatusOf(errors.New("plain")))
	require.False(t, Is(nil, StatusInternal))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[CoreStatus]int{
		StatusValidationFailed:  http.StatusBadRequest,
		StatusUnauthorized:      http.StatusUnauthorized,
		StatusForbidden:         http.StatusForbidden,
		StatusNotFound:          http.StatusNotFound,
		StatusConflict:          http.StatusConflict,
		StatusProviderTransient: http.StatusServiceUnavailable,
		StatusProviderTerminal:  http.StatusBadGateway,
		StatusUnknown:           http.StatusInternalServerError,
	}
	for status, want := range cases {
		require.Equal(t, want, status.HTTPStatus(), status)
	}
}

func TestJSONHidesCause(t *testing.T) {
	err := Internal("boom", errors.New("secret dsn")).(BaseError)
	body := err.JSON().(map[string]interface{})
	require.Equal(t, false, body["success"])
	require.Equal(t, StatusInternal, body["code"])
	require.NotContains(t, fmt.Sprint(body), "secret dsn")

	withDetails := ValidationFailed("invalid input", nil, WithDetails(Detail{Field: "stars", Message: "must be between 1 and 5"})).(BaseError)
	require.Len(t, withDetails.JSON().(map[string]interface{})["details"], 1)
}
