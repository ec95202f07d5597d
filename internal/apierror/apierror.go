// Package apierror defines the stable error taxonomy shared by the MCP
// transport, the tenancy router, and the tool handlers. Errors carry a kind,
// a stable machine-readable code, and the transport mappings (HTTP status and
// JSON-RPC code) so that every public surface reports failures the same way.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind groups codes by failure class. Codes are the stable contract; kinds
// drive default transport mapping.
type Kind string

const (
	KindValidation Kind = "validation_error"
	KindAuth       Kind = "auth_error"
	KindRateLimit  Kind = "rate_limit_error"
	KindNotFound   Kind = "not_found_error"
	KindTool       Kind = "tool_error"
	KindMethod     Kind = "method_error"
	KindInternal   Kind = "internal_error"
)

// JSON-RPC error codes used by the MCP surface.
const (
	RPCParseError     = -32700
	RPCInvalidRequest = -32600
	RPCMethodNotFound = -32601
	RPCInvalidParams  = -32602
	RPCInternalError  = -32603
	RPCNotFound       = -32004
	RPCNotReady       = -32009
)

// Stable error codes.
const (
	CodeMemoryContentRequired     = "MEMORY_CONTENT_REQUIRED"
	CodeMemoryIDRequired          = "MEMORY_ID_REQUIRED"
	CodeQueryRequired             = "QUERY_REQUIRED"
	CodeTenantIDInvalid           = "TENANT_ID_INVALID"
	CodeUserIDInvalid             = "USER_ID_INVALID"
	CodeMemoryLayerInvalid        = "MEMORY_LAYER_INVALID"
	CodeBulkForgetNoFilters       = "BULK_FORGET_NO_FILTERS"
	CodeBulkForgetInvalidFilters  = "BULK_FORGET_INVALID_FILTERS"
	CodeUnsupportedEmbeddingModel = "UNSUPPORTED_EMBEDDING_MODEL"
	CodeEmbeddingModelNotAllowed  = "EMBEDDING_MODEL_NOT_ALLOWED"

	CodeMissingAPIKey       = "MISSING_API_KEY"
	CodeInvalidAPIKeyFormat = "INVALID_API_KEY_FORMAT"
	CodeInvalidAPIKey       = "INVALID_API_KEY"
	CodeAPIKeyExpired       = "API_KEY_EXPIRED"

	CodeTooManyKeySessions = "TOO_MANY_KEY_SESSIONS"
	CodeTooManyIPSessions  = "TOO_MANY_IP_SESSIONS"

	CodeMemoryNotFound             = "MEMORY_NOT_FOUND"
	CodeDatabaseNotConfigured      = "DATABASE_NOT_CONFIGURED"
	CodeTenantDBNotConfigured      = "TENANT_DATABASE_NOT_CONFIGURED"
	CodeTenantDBNotReady           = "TENANT_DATABASE_NOT_READY"
	CodeTenantDBCredentialsMissing = "TENANT_DATABASE_CREDENTIALS_MISSING"

	CodeToolNotFound   = "TOOL_NOT_FOUND"
	CodeMethodNotFound = "METHOD_NOT_FOUND"

	CodeToolExecutionFailed         = "TOOL_EXECUTION_FAILED"
	CodeTenantRoutingContextMissing = "TENANT_ROUTING_CONTEXT_MISSING"
	CodeUserContextMissing          = "USER_CONTEXT_MISSING"
	CodeModelCatalogFetchFailed     = "EMBEDDING_MODEL_CATALOG_FETCH_FAILED"
)

// Error is a typed error carrying the public taxonomy fields.
type Error struct {
	Kind      Kind   `json:"kind"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`

	// cause is wrapped for logs only; it is never serialized.
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Code, e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches an underlying error for logging without changing the
// public fields.
func (e *Error) WithCause(err error) *Error {
	clone := *e
	clone.cause = err
	return &clone
}

// HTTPStatus maps the error to its REST status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindNotFound:
		if e.Code == CodeDatabaseNotConfigured {
			return http.StatusBadRequest
		}
		return http.StatusNotFound
	case KindMethod, KindTool:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// RPCCode maps the error to its JSON-RPC error code.
func (e *Error) RPCCode() int {
	if e.Code == CodeTenantDBNotReady {
		return RPCNotReady
	}
	switch e.Kind {
	case KindValidation:
		return RPCInvalidParams
	case KindNotFound:
		return RPCNotFound
	case KindMethod:
		return RPCMethodNotFound
	case KindTool:
		return RPCMethodNotFound
	case KindAuth, KindRateLimit:
		// Auth and rate-limit failures are rejected at the HTTP layer before
		// a JSON-RPC response exists; the internal code is used when one is
		// still required.
		return RPCInternalError
	default:
		return RPCInternalError
	}
}

// Validation builds a validation_error with the given code.
func Validation(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

// Auth builds an auth_error.
func Auth(code, message string) *Error {
	return &Error{Kind: KindAuth, Code: code, Message: message}
}

// RateLimit builds a rate_limit_error. Rate limits are retryable.
func RateLimit(code, message string) *Error {
	return &Error{Kind: KindRateLimit, Code: code, Message: message, Retryable: true}
}

// NotFound builds a not_found_error.
func NotFound(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

// Tool builds a tool_error.
func Tool(code, message string) *Error {
	return &Error{Kind: KindTool, Code: code, Message: message}
}

// Method builds a method_error.
func Method(message string) *Error {
	return &Error{Kind: KindMethod, Code: CodeMethodNotFound, Message: message}
}

// Internal builds an internal_error. Internal failures are retryable from
// the caller's point of view.
func Internal(code, message string) *Error {
	return &Error{Kind: KindInternal, Code: code, Message: message, Retryable: true}
}

// From converts any error into an *Error, passing typed errors through and
// wrapping everything else as TOOL_EXECUTION_FAILED.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(CodeToolExecutionFailed, err.Error()).WithCause(err)
}
