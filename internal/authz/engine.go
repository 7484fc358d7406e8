// Package authz is the Decision Core: it orchestrates cache lookup, role
// resolution, and policy-engine fallback into a single ALLOW/DENY decision,
// and emits every decision to the audit pipeline.
package authz

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/jermoo/authority-edge/internal/apierr"
	"github.com/jermoo/authority-edge/internal/audit"
	"github.com/jermoo/authority-edge/internal/authn"
	"github.com/jermoo/authority-edge/internal/cache"
	"github.com/jermoo/authority-edge/internal/config"
	"github.com/jermoo/authority-edge/internal/policyengine"
	"github.com/jermoo/authority-edge/internal/rbac"
	"github.com/jermoo/authority-edge/internal/tenancy"
)

// Request is one authorization question.
type Request struct {
	Action       string
	ResourceType string
	ResourceID   string
	ResourceOrg  string // organization the target resource belongs to
	Context      map[string]any
}

// Response is the outcome, shaped for direct JSON serialization.
type Response struct {
	Decision          string         `json:"decision"`
	Reason            string         `json:"reason"`
	EvaluatedPolicies []string       `json:"evaluatedPolicies,omitempty"`
	Cached            bool           `json:"cached"`
	LatencyMs         float64        `json:"latencyMs"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

const (
	decisionAllow = "ALLOW"
	decisionDeny  = "DENY"
)

// Engine wires the cache, role resolver, and policy engine gateway behind
// one Authorize entry point.
type Engine struct {
	Pool     *pgxpool.Pool
	Cache    *cache.Cache
	RBAC     *rbac.Resolver
	Gateway  *policyengine.Gateway
	Audit    *audit.Pipeline
	Deadline time.Duration // defaults to config.RequestDeadline() when zero
}

// Authorize answers a single decision request for principal, enforcing
// tenant isolation, consulting the cache, falling through to role
// resolution and then the external policy engine, and always emitting an
// audit record before returning.
func (e *Engine) Authorize(ctx context.Context, principal *authn.Principal, req Request) (*Response, error) {
	start := time.Now()

	deadline := e.Deadline
	if deadline == 0 {
		deadline = config.RequestDeadline()
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	resp, err := e.authorize(ctx, principal, req)
	resp.LatencyMs = float64(time.Since(start)) / float64(time.Millisecond)

	e.emitAudit(principal, req, resp, err)
	return resp, err
}

// AuthorizeBatch answers several requests for the same principal within one
// shared request deadline. Each item is evaluated independently; one
// item's failure never aborts the rest.
func (e *Engine) AuthorizeBatch(ctx context.Context, principal *authn.Principal, reqs []Request) []*Response {
	deadline := e.Deadline
	if deadline == 0 {
		deadline = config.RequestDeadline()
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	responses := make([]*Response, len(reqs))
	for i, req := range reqs {
		start := time.Now()
		resp, err := e.authorize(ctx, principal, req)
		resp.LatencyMs = float64(time.Since(start)) / float64(time.Millisecond)
		e.emitAudit(principal, req, resp, err)
		responses[i] = resp
	}
	return responses
}

func (e *Engine) authorize(ctx context.Context, principal *authn.Principal, req Request) (*Response, error) {
	if req.Action == "" || req.ResourceType == "" {
		return &Response{Decision: decisionDeny, Reason: "missing required field"},
			apierr.New(apierr.KindInvalidRequest, "action and resourceType are required")
	}

	resourceOrg := req.ResourceOrg
	if resourceOrg == "" {
		resourceOrg = principal.OrganizationID
	}
	if err := tenancy.RequireSameOrganization(principal.OrganizationID, resourceOrg); err != nil {
		return &Response{Decision: decisionDeny, Reason: "cross-tenant request"}, err
	}

	principalID := principal.UserID
	if principalID == "" {
		principalID = principal.APIKeyID
	}
	fp := fingerprint(principal.OrganizationID, principalID, req)

	entry, cached, err := e.Cache.GetOrFill(ctx, fp, func() (cache.Entry, error) {
		return e.evaluate(ctx, principal, req)
	})
	if err != nil {
		// Fail closed: whatever went wrong, the caller gets a DENY, never a
		// 5xx pretending to be an authorization answer.
		reason := "evaluation failed"
		if apiErr, ok := apierr.As(err); ok && apiErr.Kind == apierr.KindPolicyEngineUnavailable {
			reason = "policy_engine_unavailable"
			if ctx.Err() != nil {
				reason = "timeout"
			}
		}
		return &Response{Decision: decisionDeny, Reason: reason, Cached: false}, err
	}

	return &Response{
		Decision:          entry.Decision,
		Reason:            entry.Reason,
		EvaluatedPolicies: entry.EvaluatedPolicies,
		Cached:            cached,
		Metadata:          entry.Metadata,
	}, nil
}

// evaluate computes a fresh decision: local role resolution first (cheap,
// no network hop), falling through to the external policy engine only on
// NoMatch. Context deadline exceedance is treated as policy engine
// unavailability and denies.
func (e *Engine) evaluate(ctx context.Context, principal *authn.Principal, req Request) (cache.Entry, error) {
	if principal.Method == "api_key" {
		// API key callers carry no role assignments; fixed contract role
		// only, so go straight to the policy engine if it has an opinion.
		return e.evaluateViaPolicyEngine(ctx, principal, req)
	}

	var entry cache.Entry
	err := tenancy.Run(ctx, e.Pool, principal.OrganizationID, func(conn *pgxpool.Conn) error {
		perms, permErr := e.RBAC.EffectivePermissions(ctx, conn, principal.UserID, req.ResourceType, req.ResourceID)
		if permErr != nil {
			return permErr
		}

		decision, matched := rbac.Evaluate(perms, req.Action, req.ResourceType)
		switch decision {
		case rbac.Allow:
			entry = cache.Entry{Decision: decisionAllow, Reason: "role permission match", EvaluatedPolicies: []string{matched.ID}}
			return nil
		case rbac.Deny:
			entry = cache.Entry{Decision: decisionDeny, Reason: "role permission deny", EvaluatedPolicies: []string{matched.ID}}
			return nil
		default:
			return nil // fall through to the policy engine below
		}
	})
	if err != nil {
		return cache.Entry{}, err
	}
	if entry.Decision != "" {
		return entry, nil
	}

	return e.evaluateViaPolicyEngine(ctx, principal, req)
}

func (e *Engine) evaluateViaPolicyEngine(ctx context.Context, principal *authn.Principal, req Request) (cache.Entry, error) {
	if ctx.Err() != nil {
		return cache.Entry{Decision: decisionDeny, Reason: "timeout"}, apierr.Wrap(apierr.KindPolicyEngineUnavailable, "deadline exceeded", ctx.Err())
	}

	result, err := e.Gateway.Evaluate(ctx, policyengine.Request{
		Principal: map[string]any{
			"userId":         principal.UserID,
			"apiKeyId":       principal.APIKeyID,
			"organizationId": principal.OrganizationID,
			"roles":          principal.Roles,
		},
		Action: req.Action,
		Resource: map[string]any{
			"type": req.ResourceType,
			"id":   req.ResourceID,
		},
		Context: req.Context,
	})
	if err != nil {
		log.Warn().Err(err).Msg("authz: policy engine unavailable, failing closed")
		return cache.Entry{Decision: decisionDeny, Reason: "policy_engine_unavailable"}, err
	}

	decision := decisionDeny
	if result.Allow {
		decision = decisionAllow
	}
	reason := "no matching policy"
	if len(result.Reasons) > 0 {
		reason = result.Reasons[0]
	}
	return cache.Entry{
		Decision:          decision,
		Reason:            reason,
		EvaluatedPolicies: result.MatchedPolicies,
		Metadata:          result.Metadata,
	}, nil
}

func (e *Engine) emitAudit(principal *authn.Principal, req Request, resp *Response, evalErr error) {
	if e.Audit == nil {
		return
	}
	rec := audit.Record{
		OrganizationID: principal.OrganizationID,
		PrincipalID:    principal.UserID,
		Action:         req.Action,
		ResourceType:   req.ResourceType,
		ResourceID:     req.ResourceID,
		Decision:       resp.Decision,
		Reason:         resp.Reason,
		LatencyMs:      resp.LatencyMs,
		Metadata:       req.Context,
	}
	if principal.UserID == "" {
		rec.PrincipalID = principal.APIKeyID
	}
	if evalErr != nil {
		rec.Error = evalErr.Error()
	}
	e.Audit.Emit(rec)
}
