package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithOpMatchesSentinel(t *testing.T) {
	err := WithOp(ErrInvalidPath, "local.upload")

	assert.True(t, errors.Is(err, ErrInvalidPath))
	assert.False(t, errors.Is(err, ErrPathEscape))
	assert.Equal(t, "local.upload: invalid path", err.Error())
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", Provider("s3.delete", errors.New("connection reset")))

	assert.Equal(t, KindProvider, KindOf(err))
	assert.True(t, IsKind(err, KindProvider))
	assert.Contains(t, err.Error(), "connection reset")
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		ErrInvalidExpiry:                http.StatusBadRequest,
		ErrSourceNotFound:               http.StatusNotFound,
		ErrPublicAccessNotConfirmed:     http.StatusForbidden,
		ErrInvalidToken:                 http.StatusForbidden,
		Provider("op", errors.New("x")): http.StatusBadGateway,
		New(KindAuthentication, "op", "refresh failed"): http.StatusUnauthorized,
		Construction("op", errors.New("x")):             http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, HTTPStatus(err), err.Error())
	}
}
