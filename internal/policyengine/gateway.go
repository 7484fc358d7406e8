// Package policyengine is the gateway to the external policy evaluator: it
// translates decision requests to the evaluator's wire shape, retries
// transient transport failures, and fails closed behind a circuit breaker.
package policyengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/jermoo/authority-edge/internal/apierr"
)

// maxRetries bounds transport-error retries per spec §4.6 ("≤2 retries,
// jittered"); auth/tenancy errors are never retried (they don't reach this
// package — the gateway only ever sees transport-layer failures).
const maxRetries = 2

// wireInput is the evaluator input envelope.
type wireInput struct {
	Input struct {
		Principal map[string]any `json:"principal"`
		Action    string         `json:"action"`
		Resource  map[string]any `json:"resource"`
		Context   map[string]any `json:"context,omitempty"`
	} `json:"input"`
}

// wireOutput is the evaluator response envelope.
type wireOutput struct {
	Result struct {
		Allow           bool           `json:"allow"`
		Reasons         []string       `json:"reasons"`
		MatchedPolicies []string       `json:"matched_policies"`
		Metadata        map[string]any `json:"metadata,omitempty"`
	} `json:"result"`
}

// Request is the translation-ready input to Evaluate.
type Request struct {
	Principal map[string]any
	Action    string
	Resource  map[string]any
	Context   map[string]any
}

// Result is the evaluator's decision, already unwrapped from its envelope.
type Result struct {
	Allow           bool
	Reasons         []string
	MatchedPolicies []string
	Metadata        map[string]any
}

// Gateway invokes the external evaluator over HTTP, behind a circuit
// breaker. It performs translation and transport only — no caching, no
// authorization logic.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
	breaker    *Breaker
}

// New builds a Gateway targeting baseURL, with a breaker that opens after 5
// failures within 10s and probes again after a 30s cool-down.
func New(baseURL string, timeout time.Duration) *Gateway {
	return &Gateway{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    NewBreaker(5, 10*time.Second, 30*time.Second),
	}
}

// Evaluate translates req, invokes the evaluator with bounded jittered
// retry, and maps transport failures to apierr.KindPolicyEngineUnavailable.
// The breaker short-circuits without touching the network once open.
func (g *Gateway) Evaluate(ctx context.Context, req Request) (*Result, error) {
	if !g.breaker.Allow() {
		return nil, apierr.New(apierr.KindPolicyEngineUnavailable, "policy_engine_unavailable")
	}

	var out *wireOutput
	operation := func() error {
		resp, err := g.call(ctx, req)
		if err != nil {
			return err
		}
		out = resp
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries)
	policy = backoff.WithContext(policy, ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		g.breaker.RecordFailure()
		return nil, apierr.Wrap(apierr.KindPolicyEngineUnavailable, "policy_engine_unavailable", err)
	}

	g.breaker.RecordSuccess()
	return &Result{
		Allow:           out.Result.Allow,
		Reasons:         out.Result.Reasons,
		MatchedPolicies: out.Result.MatchedPolicies,
		Metadata:        out.Result.Metadata,
	}, nil
}

func (g *Gateway) call(ctx context.Context, req Request) (*wireOutput, error) {
	var in wireInput
	in.Input.Principal = req.Principal
	in.Input.Action = req.Action
	in.Input.Resource = req.Resource
	in.Input.Context = req.Context

	body, err := json.Marshal(in)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("policyengine: marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("policyengine: build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		log.Warn().Err(err).Msg("policyengine: transport error, will retry within budget")
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("policyengine: evaluator returned status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("policyengine: evaluator returned status %d", resp.StatusCode))
	}

	var out wireOutput
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("policyengine: decode response: %w", err))
	}
	return &out, nil
}

// BreakerState reports the gateway's breaker phase, for health reporting.
func (g *Gateway) BreakerState() string {
	return g.breaker.State()
}
