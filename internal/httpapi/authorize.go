// Package httpapi exposes the authorization decision service over HTTP:
// the /v1/authorize surface, health checks, and error-response wiring.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/jermoo/authority-edge/internal/apierr"
	"github.com/jermoo/authority-edge/internal/authn"
	"github.com/jermoo/authority-edge/internal/authz"
	"github.com/jermoo/authority-edge/internal/ratelimit"
)

// principalContextKey is unexported: only this package's middleware may
// populate it, and only this package's handlers may read it.
type principalContextKey struct{}

// AuthorizeHandler serves POST /v1/authorize and /v1/authorize/batch.
type AuthorizeHandler struct {
	Engine  *authz.Engine
	Limiter ratelimit.Limiter
}

type authorizeRequestBody struct {
	Action       string         `json:"action"`
	ResourceType string         `json:"resourceType"`
	ResourceID   string         `json:"resourceId"`
	ResourceOrg  string         `json:"resourceOrganizationId,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// ServeAuthorize handles a single decision request.
func (h *AuthorizeHandler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeProblem(w, apierr.New(apierr.KindCredentialAbsent, "no authenticated principal"))
		return
	}

	if !h.checkRateLimit(w, principal.RateLimitKey()) {
		return
	}

	var body authorizeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeProblem(w, apierr.Wrap(apierr.KindInvalidRequest, "malformed JSON body", err))
		return
	}

	resp, err := h.Engine.Authorize(r.Context(), principal, authz.Request{
		Action:       body.Action,
		ResourceType: body.ResourceType,
		ResourceID:   body.ResourceID,
		ResourceOrg:  body.ResourceOrg,
		Context:      body.Context,
	})
	if err != nil {
		if apiErr, ok := apierr.As(err); ok && apiErr.Kind != apierr.KindPolicyEngineUnavailable {
			writeProblem(w, apiErr)
			return
		}
		// Policy-engine/timeout failures still produce a decision body
		// (fail-closed DENY), not an error response.
		log.Warn().Err(err).Msg("httpapi: authorize evaluation degraded, returning fail-closed decision")
	}

	writeJSON(w, http.StatusOK, resp)
}

type batchRequestBody struct {
	Requests []authorizeRequestBody `json:"requests"`
}

// ServeAuthorizeBatch handles a batch of decision requests for one principal.
func (h *AuthorizeHandler) ServeAuthorizeBatch(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeProblem(w, apierr.New(apierr.KindCredentialAbsent, "no authenticated principal"))
		return
	}

	if !h.checkRateLimit(w, principal.RateLimitKey()) {
		return
	}

	var body batchRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeProblem(w, apierr.Wrap(apierr.KindInvalidRequest, "malformed JSON body", err))
		return
	}
	if len(body.Requests) == 0 {
		writeProblem(w, apierr.New(apierr.KindInvalidRequest, "requests must be non-empty"))
		return
	}

	reqs := make([]authz.Request, len(body.Requests))
	for i, item := range body.Requests {
		reqs[i] = authz.Request{
			Action:       item.Action,
			ResourceType: item.ResourceType,
			ResourceID:   item.ResourceID,
			ResourceOrg:  item.ResourceOrg,
			Context:      item.Context,
		}
	}

	responses := h.Engine.AuthorizeBatch(r.Context(), principal, reqs)
	writeJSON(w, http.StatusOK, map[string]any{"responses": responses})
}

func (h *AuthorizeHandler) checkRateLimit(w http.ResponseWriter, key string) bool {
	if h.Limiter == nil {
		return true
	}
	allowed, _, retryAfter, err := h.Limiter.Check(key)
	if err != nil {
		log.Warn().Err(err).Msg("httpapi: rate limiter error, allowing request")
		return true
	}
	if !allowed {
		ratelimit.RespondRateLimited(w, retryAfter)
		return false
	}
	return true
}

// WithPrincipal returns a context carrying principal, for middleware to
// attach the resolved identity ahead of a handler.
func WithPrincipal(ctx context.Context, principal *authn.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

// PrincipalFromContext retrieves the principal attached by the credential
// resolution middleware, if any.
func PrincipalFromContext(ctx context.Context) (*authn.Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*authn.Principal)
	return p, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("httpapi: failed to encode response")
	}
}

func writeProblem(w http.ResponseWriter, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.New(apierr.KindStorageUnavailable, "internal error")
	}
	doc := apierr.ToProblemDocument(apiErr)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(apierr.HTTPStatus(apiErr.Kind))
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		log.Error().Err(err).Msg("httpapi: failed to encode problem document")
	}
}
