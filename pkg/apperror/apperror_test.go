package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfWrappedError(t *testing.T) {
	base := Conflict("token already used")
	wrapped := fmt.Errorf("consume token: %w", base)

	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, ErrConflict))
	assert.False(t, errors.Is(wrapped, ErrExpired))
}

func TestKindOfPlainErrorIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Nil(t, DetailsOf(errors.New("boom")))
}

func TestDetailsSurviveWrapping(t *testing.T) {
	err := Expired("credential locked").WithDetail("remaining_attempts", 0)
	details := DetailsOf(fmt.Errorf("verify: %w", err))

	require.NotNil(t, details)
	assert.Equal(t, 0, details["remaining_attempts"])
}

func TestInternalUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := Internal(cause, "failed to load request")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:    http.StatusBadRequest,
		KindAuthorization: http.StatusForbidden,
		KindNotFound:      http.StatusNotFound,
		KindConflict:      http.StatusConflict,
		KindExpired:       http.StatusGone,
		KindRateLimit:     http.StatusTooManyRequests,
		KindInternal:      http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, HTTPStatus(kind), kind.String())
	}
}
