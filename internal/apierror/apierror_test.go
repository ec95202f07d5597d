package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, Validation(CodeQueryRequired, "query is required").HTTPStatus())
	assert.Equal(t, http.StatusUnauthorized, Auth(CodeInvalidAPIKey, "invalid api key").HTTPStatus())
	assert.Equal(t, http.StatusTooManyRequests, RateLimit(CodeTooManyKeySessions, "too many sessions").HTTPStatus())
	assert.Equal(t, http.StatusNotFound, NotFound(CodeMemoryNotFound, "memory not found").HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, NotFound(CodeDatabaseNotConfigured, "no database").HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, Method("nope").HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, Internal(CodeToolExecutionFailed, "boom").HTTPStatus())
}

func TestRPCCodeMapping(t *testing.T) {
	assert.Equal(t, RPCInvalidParams, Validation(CodeMemoryContentRequired, "content required").RPCCode())
	assert.Equal(t, RPCNotFound, NotFound(CodeMemoryNotFound, "memory not found").RPCCode())
	assert.Equal(t, RPCMethodNotFound, Method("no such method").RPCCode())
	assert.Equal(t, RPCMethodNotFound, Tool(CodeToolNotFound, "no such tool").RPCCode())
	assert.Equal(t, RPCNotReady, Tool(CodeTenantDBNotReady, "tenant db warming up").RPCCode())
	assert.Equal(t, RPCInternalError, Internal(CodeToolExecutionFailed, "boom").RPCCode())
}

func TestRetryable(t *testing.T) {
	assert.True(t, RateLimit(CodeTooManyIPSessions, "slow down").Retryable)
	assert.True(t, Internal(CodeToolExecutionFailed, "boom").Retryable)
	assert.False(t, Validation(CodeQueryRequired, "query is required").Retryable)
	assert.False(t, Auth(CodeAPIKeyExpired, "expired").Retryable)
}

func TestFrom(t *testing.T) {
	typed := NotFound(CodeMemoryNotFound, "memory not found")
	assert.Same(t, typed, From(typed))

	wrapped := fmt.Errorf("handler: %w", typed)
	assert.Same(t, typed, From(wrapped))

	plain := errors.New("disk on fire")
	got := From(plain)
	assert.Equal(t, CodeToolExecutionFailed, got.Code)
	assert.Equal(t, KindInternal, got.Kind)
	assert.ErrorIs(t, got, plain)
}

func TestWithCauseKeepsPublicFields(t *testing.T) {
	base := Internal(CodeModelCatalogFetchFailed, "catalog fetch failed")
	cause := errors.New("502 from gateway")
	got := base.WithCause(cause)

	assert.Equal(t, base.Code, got.Code)
	assert.Equal(t, base.Kind, got.Kind)
	assert.ErrorIs(t, got, cause)
	assert.Nil(t, base.Unwrap())
}
