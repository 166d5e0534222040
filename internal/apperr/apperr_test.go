package apperr

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Code]int{
		Validation:      http.StatusBadRequest,
		NotFound:        http.StatusNotFound,
		Conflict:        http.StatusConflict,
		Unauthenticated: http.StatusUnauthorized,
		RateLimited:     http.StatusTooManyRequests,
		Timeout:         http.StatusGatewayTimeout,
	}
	for code, want := range cases {
		err := New(code, "op", "message")
		assert.Equal(t, want, err.HTTPStatus())
	}
}

func TestIsMatchesOnCode(t *testing.T) {
	a := New(Conflict, "workflowstore.Activate", "version already active")
	b := New(Conflict, "jobqueue.Claim", "different message entirely")
	assert.True(t, errors.Is(a, b))

	c := New(NotFound, "jobqueue.Claim", "job not found")
	assert.False(t, errors.Is(a, c))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(TransientIO, "database.Open", "dial failed", cause)
	assert.ErrorIs(t, err, cause)
	assert.True(t, err.Retryable())
}

func TestRetryAfter(t *testing.T) {
	err := New(RateLimited, "scheduleengine.Gate", "rate limit exceeded").WithRetryAfter(2 * time.Second)
	assert.Equal(t, 2*time.Second, err.RetryAfter())
}

func TestCodeOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, Internal, CodeOf(errors.New("plain error")))
	assert.Equal(t, NotFound, CodeOf(New(NotFound, "op", "missing")))
}
