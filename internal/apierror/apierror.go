// Package apierror defines the dotted error-code taxonomy used across the
// control plane and the single mapping from internal errors to HTTP
// responses. Services return *Error values; handlers translate them at
// exactly one boundary with WriteJSON.
package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Reserved code space. Every rejection the API can produce uses one of
// these dotted codes so operators can alert on prefixes.
const (
	CodeValidation             = "validation.invalid_request"
	CodeIdempotencyKeyRequired = "validation.idempotency_key_required"

	CodeAuthMissing  = "auth.missing_credentials"
	CodeAuthInvalid  = "auth.invalid_credentials"
	CodeScopeDenied  = "auth.scope_denied"
	CodeAdminOnly    = "auth.admin_required"

	CodeIdentityNotFound     = "identity.not_found"
	CodeIdentityRevoked      = "identity.revoked"
	CodeIdentitySuspended    = "identity.suspended"
	CodeOwnerMismatch        = "identity.owner_mismatch"
	CodeScopeNotAttenuated   = "identity.scope_not_attenuated"
	CodeChainTooDeep         = "identity.chain_too_deep"
	CodeCredentialExpired    = "identity.credential_expired"
	CodeInvalidCredential    = "identity.invalid_credential"

	CodeChainInvalid = "delegation.chain_invalid"

	CodePolicyDenied = "policy.denied"

	CodeBudgetSoftAlert = "budget.soft_alert"
	CodeBudgetReauth    = "budget.reauth_required"
	CodeBudgetHardStop  = "budget.hard_stop"

	CodeIdempotencyConflict = "idempotency.key_reused_with_different_payload"
	CodeIdempotencyPending  = "idempotency.request_in_flight"

	CodeBreakerOpen = "breaker.open"
	CodeTimeout     = "timeout.request_deadline_exceeded"
	CodeNotFound    = "not_found.resource"
	CodeInternal    = "internal.store_error"
)

// Error is a tagged API error. It carries the dotted code, a
// human-readable message, the HTTP status it maps to, and optional
// per-field detail.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// WithFields attaches field detail and returns the error for chaining.
func (e *Error) WithFields(fields map[string]any) *Error {
	e.Fields = fields
	return e
}

func newErr(status int, code, msg string) *Error {
	return &Error{Code: code, Message: msg, Status: status}
}

// Validation returns a 400 error.
func Validation(code, msg string) *Error { return newErr(http.StatusBadRequest, code, msg) }

// Auth returns a 401 error.
func Auth(code, msg string) *Error { return newErr(http.StatusUnauthorized, code, msg) }

// Budget returns a 402 error.
func Budget(code, msg string) *Error { return newErr(http.StatusPaymentRequired, code, msg) }

// Policy returns a 403 error.
func Policy(code, msg string) *Error { return newErr(http.StatusForbidden, code, msg) }

// NotFound returns a 404 error.
func NotFound(msg string) *Error { return newErr(http.StatusNotFound, CodeNotFound, msg) }

// Conflict returns a 409 error.
func Conflict(code, msg string) *Error { return newErr(http.StatusConflict, code, msg) }

// Unavailable returns a 503 error.
func Unavailable(code, msg string) *Error { return newErr(http.StatusServiceUnavailable, code, msg) }

// Timeout returns a 504 error.
func Timeout(msg string) *Error { return newErr(http.StatusGatewayTimeout, CodeTimeout, msg) }

// Internal returns a 500 error.
func Internal(msg string) *Error { return newErr(http.StatusInternalServerError, CodeInternal, msg) }

// From normalises an arbitrary error to *Error. Deadline errors map to
// 504; anything else unknown becomes an opaque 500 so store internals
// never leak to clients.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout("request deadline exceeded")
	}
	return Internal("internal error")
}

// WriteJSON writes the error envelope and aborts the request. This is the
// only place internal errors become HTTP responses.
func WriteJSON(c *gin.Context, err error) {
	e := From(err)
	c.AbortWithStatusJSON(e.Status, gin.H{"detail": e})
}
