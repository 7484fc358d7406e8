package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jermoo/authority-edge/internal/authn"
	"github.com/jermoo/authority-edge/internal/authz"
	"github.com/jermoo/authority-edge/internal/cache"
	"github.com/jermoo/authority-edge/internal/config"
	"github.com/jermoo/authority-edge/internal/policyengine"
)

func newHandler(t *testing.T, allow bool) *AuthorizeHandler {
	t.Helper()
	config.Reset()
	os.Setenv("OIDC_ISSUER", "https://issuer.example.com")
	os.Setenv("OIDC_AUDIENCE", "authority-edge")
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	os.Setenv("POLICY_ENGINE_URL", "http://localhost:9999")
	require.NoError(t, config.Init())
	t.Cleanup(config.Reset)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var out struct {
			Result struct {
				Allow bool `json:"allow"`
			} `json:"result"`
		}
		out.Result.Allow = allow
		json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)

	c, err := cache.New(10, time.Minute, time.Minute, nil)
	require.NoError(t, err)

	return &AuthorizeHandler{
		Engine: &authz.Engine{
			Cache:   c,
			Gateway: policyengine.New(srv.URL, time.Second),
		},
	}
}

func TestServeAuthorizeRejectsWithoutPrincipal(t *testing.T) {
	h := newHandler(t, true)
	req := httptest.NewRequest(http.MethodPost, "/v1/authorize", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()

	h.ServeAuthorize(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServeAuthorizeReturnsDecision(t *testing.T) {
	h := newHandler(t, true)
	body, _ := json.Marshal(map[string]string{"action": "read", "resourceType": "document", "resourceId": "d1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/authorize", bytes.NewReader(body))
	principal := &authn.Principal{APIKeyID: "key1", OrganizationID: "org1", Method: "api_key"}
	req = req.WithContext(WithPrincipal(req.Context(), principal))
	w := httptest.NewRecorder()

	h.ServeAuthorize(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp authz.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ALLOW", resp.Decision)
}

func TestServeAuthorizeRejectsMalformedJSON(t *testing.T) {
	h := newHandler(t, true)
	req := httptest.NewRequest(http.MethodPost, "/v1/authorize", bytes.NewReader([]byte("not json")))
	principal := &authn.Principal{APIKeyID: "key1", OrganizationID: "org1", Method: "api_key"}
	req = req.WithContext(WithPrincipal(req.Context(), principal))
	w := httptest.NewRecorder()

	h.ServeAuthorize(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServeAuthorizeBatchRejectsEmptyRequests(t *testing.T) {
	h := newHandler(t, true)
	body, _ := json.Marshal(map[string]any{"requests": []any{}})
	req := httptest.NewRequest(http.MethodPost, "/v1/authorize/batch", bytes.NewReader(body))
	principal := &authn.Principal{APIKeyID: "key1", OrganizationID: "org1", Method: "api_key"}
	req = req.WithContext(WithPrincipal(req.Context(), principal))
	w := httptest.NewRecorder()

	h.ServeAuthorizeBatch(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
