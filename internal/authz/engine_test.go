package authz

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jermoo/authority-edge/internal/authn"
	"github.com/jermoo/authority-edge/internal/cache"
	"github.com/jermoo/authority-edge/internal/policyengine"
)

func newTestEngine(t *testing.T, allow bool) (*Engine, *int32) {
	t.Helper()
	initTestConfig(t, false)

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var out struct {
			Result struct {
				Allow           bool     `json:"allow"`
				Reasons         []string `json:"reasons"`
				MatchedPolicies []string `json:"matched_policies"`
			} `json:"result"`
		}
		out.Result.Allow = allow
		out.Result.Reasons = []string{"test policy"}
		json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)

	c, err := cache.New(10, time.Minute, time.Minute, nil)
	require.NoError(t, err)

	return &Engine{
		Cache:   c,
		Gateway: policyengine.New(srv.URL, time.Second),
	}, &calls
}

func TestAuthorizeAPIKeyPrincipalAllowedByPolicyEngine(t *testing.T) {
	engine, calls := newTestEngine(t, true)
	principal := &authn.Principal{APIKeyID: "key1", OrganizationID: "org1", Method: "api_key", Roles: []string{authn.APIClientRole}}

	resp, err := engine.Authorize(context.Background(), principal, Request{Action: "read", ResourceType: "document", ResourceID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, "ALLOW", resp.Decision)
	assert.False(t, resp.Cached)
	assert.EqualValues(t, 1, *calls)
}

func TestAuthorizeCachesSecondIdenticalRequest(t *testing.T) {
	engine, calls := newTestEngine(t, true)
	principal := &authn.Principal{APIKeyID: "key1", OrganizationID: "org1", Method: "api_key"}
	req := Request{Action: "read", ResourceType: "document", ResourceID: "d1"}

	_, err := engine.Authorize(context.Background(), principal, req)
	require.NoError(t, err)
	resp2, err := engine.Authorize(context.Background(), principal, req)
	require.NoError(t, err)

	assert.True(t, resp2.Cached)
	assert.EqualValues(t, 1, *calls, "second identical request must be served from cache, not re-hit the policy engine")
}

func TestAuthorizeDeniesOnPolicyEngineRefusal(t *testing.T) {
	engine, _ := newTestEngine(t, false)
	principal := &authn.Principal{APIKeyID: "key1", OrganizationID: "org1", Method: "api_key"}

	resp, err := engine.Authorize(context.Background(), principal, Request{Action: "delete", ResourceType: "document"})
	require.NoError(t, err)
	assert.Equal(t, "DENY", resp.Decision)
}

func TestAuthorizeRejectsCrossTenantRequest(t *testing.T) {
	engine, _ := newTestEngine(t, true)
	principal := &authn.Principal{APIKeyID: "key1", OrganizationID: "org1", Method: "api_key"}

	resp, err := engine.Authorize(context.Background(), principal, Request{
		Action: "read", ResourceType: "document", ResourceOrg: "org2",
	})
	require.Error(t, err)
	assert.Equal(t, "DENY", resp.Decision)
}

func TestAuthorizeRejectsMissingRequiredFields(t *testing.T) {
	engine, _ := newTestEngine(t, true)
	principal := &authn.Principal{APIKeyID: "key1", OrganizationID: "org1", Method: "api_key"}

	resp, err := engine.Authorize(context.Background(), principal, Request{Action: "read"})
	require.Error(t, err)
	assert.Equal(t, "DENY", resp.Decision)
}

func TestAuthorizeDedupsConcurrentIdenticalRequests(t *testing.T) {
	engine, calls := newTestEngine(t, true)
	principal := &authn.Principal{APIKeyID: "key1", OrganizationID: "org1", Method: "api_key"}
	req := Request{Action: "read", ResourceType: "document", ResourceID: "d1"}

	const concurrency = 20
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			resp, err := engine.Authorize(context.Background(), principal, req)
			assert.NoError(t, err)
			assert.Equal(t, "ALLOW", resp.Decision)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, *calls, "concurrent identical requests must collapse into one policy-engine call")
}

func TestAuthorizeBatchEvaluatesEachRequestIndependently(t *testing.T) {
	engine, calls := newTestEngine(t, true)
	principal := &authn.Principal{APIKeyID: "key1", OrganizationID: "org1", Method: "api_key"}

	responses := engine.AuthorizeBatch(context.Background(), principal, []Request{
		{Action: "read", ResourceType: "document", ResourceID: "d1"},
		{Action: "write", ResourceType: "document", ResourceID: "d2"},
	})
	require.Len(t, responses, 2)
	assert.Equal(t, "ALLOW", responses[0].Decision)
	assert.Equal(t, "ALLOW", responses[1].Decision)
	assert.EqualValues(t, 2, *calls)
}
