package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	base := Wrap(KindConnection, "dial example:22", errors.New("connection refused"))
	wrapped := fmt.Errorf("start session: %w", base)

	assert.Equal(t, KindConnection, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindConnection))
	assert.False(t, Is(wrapped, KindValidation))
	assert.Equal(t, "dial example:22: connection refused", Message(wrapped))
}

func TestKindOfPlainError(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, "internal error", Message(err))
	assert.False(t, Is(nil, KindInternal))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Validation("bad"), http.StatusBadRequest},
		{Authentication("no token"), http.StatusUnauthorized},
		{Authorization("not yours"), http.StatusForbidden},
		{NotFound("missing"), http.StatusNotFound},
		{New(KindConnection, "down"), http.StatusBadGateway},
		{New(KindRemoteCommand, "tail: no such file"), http.StatusBadGateway},
		{New(KindDecryption, "bad token"), http.StatusInternalServerError},
		{New(KindRateLimited, "slow down"), http.StatusTooManyRequests},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(KindOf(tt.err)), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}
