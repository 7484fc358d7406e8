// Package authn resolves an inbound request's credential into a Principal,
// trying each configured strategy in order. It is the only place that turns
// raw request headers into a trusted identity.
package authn

import (
	"context"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jermoo/authority-edge/internal/apierr"
)

// Principal is the authenticated subject of a request, scoped to exactly
// one organization.
type Principal struct {
	UserID         string
	APIKeyID       string
	Subject        string // JWT "sub" claim, set only when Method == "jwt"
	OrganizationID string
	Roles          []string
	Method         string // "jwt" or "api_key"
}

// RateLimitKey returns the credential identity a per-principal rate limiter
// should key on: the API key id for machine callers, the JWT subject for
// user callers. Never the organization id — callers sharing an
// organization must not share a token bucket.
func (p *Principal) RateLimitKey() string {
	if p.Method == "api_key" {
		return "apikey:" + p.APIKeyID
	}
	return "jwt:" + p.Subject
}

// APIClientRole is assigned to every principal resolved via API key, per
// the fixed role contract for machine-to-machine callers.
const APIClientRole = "API_CLIENT"

// Strategy inspects a request: Applies reports whether its credential is
// present, which the resolver uses to pick a strategy, and Resolve turns that
// credential into a Principal or an error.
type Strategy interface {
	// Applies reports whether this strategy's credential is present on r.
	Applies(r *http.Request) bool
	// Resolve validates the credential and produces a Principal. Applies
	// must have returned true before Resolve is called.
	Resolve(ctx context.Context, r *http.Request) (*Principal, error)
}

// Resolver tries strategies in a fixed order: a request carrying an
// Authorization header is always routed to the bearer strategy, even if
// that header turns out to be malformed — an invalid bearer token is never
// silently bypassed in favor of a valid API key (spec scenario: JWT
// fallback to API key only fires when Authorization is entirely absent).
type Resolver struct {
	pool       *pgxpool.Pool
	bearer     Strategy
	apiKey     Strategy
}

// NewResolver builds a Resolver from its two strategies.
func NewResolver(pool *pgxpool.Pool, bearer, apiKey Strategy) *Resolver {
	return &Resolver{pool: pool, bearer: bearer, apiKey: apiKey}
}

// Resolve selects and runs the applicable strategy for r.
func (res *Resolver) Resolve(ctx context.Context, r *http.Request) (*Principal, error) {
	switch {
	case res.bearer.Applies(r):
		return res.bearer.Resolve(ctx, r)
	case res.apiKey.Applies(r):
		return res.apiKey.Resolve(ctx, r)
	default:
		return nil, apierr.New(apierr.KindCredentialAbsent, "no Authorization or X-API-Key header present")
	}
}
