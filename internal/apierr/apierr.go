// Package apierr enumerates the stable, machine-readable error kinds used
// across the authorization pipeline and maps them to HTTP problem documents.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, machine-readable error classification. Kinds are logged
// and surfaced to callers; they are never derived from free-form error text.
type Kind string

const (
	KindInvalidRequest         Kind = "InvalidRequest"
	KindCredentialAbsent       Kind = "CredentialAbsent"
	KindJwtSignatureInvalid    Kind = "JwtSignatureInvalid"
	KindJwtExpired             Kind = "JwtExpired"
	KindJwtAudienceMismatch    Kind = "JwtAudienceMismatch"
	KindJwtIssuerMismatch      Kind = "JwtIssuerMismatch"
	KindJwtMissingClaim        Kind = "JwtMissingClaim"
	KindApiKeyUnknown          Kind = "ApiKeyUnknown"
	KindCrossTenantRequest     Kind = "CrossTenantRequest"
	KindRateLimited            Kind = "RateLimited"
	KindPolicyEngineUnavailable Kind = "PolicyEngineUnavailable"
	KindStorageUnavailable     Kind = "StorageUnavailable"
	KindTenancyViolation       Kind = "TenancyViolation"
	KindUserNotFound           Kind = "UserNotFound"
)

// Error is a tagged result carrying a Kind plus human-readable detail.
// A wrapped cause is logged, never sent to the client; ToProblemDocument
// decides which kinds carry Detail across the HTTP boundary.
type Error struct {
	Kind   Kind
	Detail string
	// RetryAfterSeconds is set only for KindRateLimited.
	RetryAfterSeconds int
	wrapped           error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New builds an *Error of the given kind with detail.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap builds an *Error of the given kind, preserving the underlying cause
// for logging (never for the client response).
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, wrapped: cause}
}

// MissingClaim builds a KindJwtMissingClaim error naming the absent claim.
func MissingClaim(name string) *Error {
	return New(KindJwtMissingClaim, fmt.Sprintf("missing required claim %q", name))
}

// RateLimited builds a KindRateLimited error carrying the retry-after value.
func RateLimited(retryAfterSeconds int) *Error {
	return &Error{Kind: KindRateLimited, Detail: "rate limit exceeded", RetryAfterSeconds: retryAfterSeconds}
}

// As extracts an *Error from err, if any wraps one.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps a Kind to the status code from §7's error table.
func HTTPStatus(k Kind) int {
	switch k {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindCredentialAbsent, KindJwtSignatureInvalid, KindJwtExpired,
		KindJwtAudienceMismatch, KindJwtIssuerMismatch, KindJwtMissingClaim, KindApiKeyUnknown:
		return http.StatusUnauthorized
	case KindCrossTenantRequest:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case KindTenancyViolation:
		return http.StatusInternalServerError
	default:
		// KindPolicyEngineUnavailable never reaches the HTTP layer as an
		// error: Decision Core maps it to a DENY response body, not a status
		// code (spec §7: "— (internal)").
		return http.StatusInternalServerError
	}
}

// ProblemDocument is the RFC-7807-style error body described in spec §6.
type ProblemDocument struct {
	Type              string `json:"type"`
	Title             string `json:"title"`
	Status            int    `json:"status"`
	Detail            string `json:"detail"`
	RetryAfterSeconds *int   `json:"retryAfterSeconds,omitempty"`
}

// ToProblemDocument converts an *Error into its wire representation.
// Detail is passed through for most kinds; for the Jwt* family,
// ApiKeyUnknown and CredentialAbsent the Kind's stable string stands in for
// it, and TenancyViolation gets a fixed generic message, so no internal
// information leaks to the client.
func ToProblemDocument(e *Error) ProblemDocument {
	status := HTTPStatus(e.Kind)
	detail := e.Detail
	switch e.Kind {
	case KindTenancyViolation:
		// Invariant breach — no detail to caller per spec §7.
		detail = "an internal invariant was violated"
	case KindJwtSignatureInvalid, KindJwtExpired, KindJwtAudienceMismatch,
		KindJwtIssuerMismatch, KindJwtMissingClaim, KindApiKeyUnknown, KindCredentialAbsent:
		detail = string(e.Kind)
	}
	doc := ProblemDocument{
		Type:   "https://authority-edge.internal/problems/" + string(e.Kind),
		Title:  string(e.Kind),
		Status: status,
		Detail: detail,
	}
	if e.Kind == KindRateLimited {
		ra := e.RetryAfterSeconds
		doc.RetryAfterSeconds = &ra
	}
	return doc
}
