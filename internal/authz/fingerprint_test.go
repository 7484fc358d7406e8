package authz

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jermoo/authority-edge/internal/config"
)

func initTestConfig(t *testing.T, foldContext bool) {
	t.Helper()
	config.Reset()
	os.Setenv("OIDC_ISSUER", "https://issuer.example.com")
	os.Setenv("OIDC_AUDIENCE", "authority-edge")
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	os.Setenv("POLICY_ENGINE_URL", "http://localhost:9999")
	if foldContext {
		os.Setenv("CACHE_FOLD_CONTEXT", "true")
	} else {
		os.Setenv("CACHE_FOLD_CONTEXT", "false")
	}
	require.NoError(t, config.Init())
	t.Cleanup(config.Reset)
}

func TestFingerprintIsStableForIdenticalRequests(t *testing.T) {
	initTestConfig(t, false)
	req := Request{Action: "read", ResourceType: "document", ResourceID: "d1"}
	assert.Equal(t, fingerprint("org1", "user1", req), fingerprint("org1", "user1", req))
}

func TestFingerprintDiffersAcrossResourceType(t *testing.T) {
	initTestConfig(t, false)
	a := fingerprint("org1", "user1", Request{Action: "read", ResourceType: "document"})
	b := fingerprint("org1", "user1", Request{Action: "read", ResourceType: "invoice"})
	assert.NotEqual(t, a, b)
}

func TestFingerprintIgnoresContextByDefault(t *testing.T) {
	initTestConfig(t, false)
	a := fingerprint("org1", "user1", Request{Action: "read", ResourceType: "document", Context: map[string]any{"ip": "1.2.3.4"}})
	b := fingerprint("org1", "user1", Request{Action: "read", ResourceType: "document", Context: map[string]any{"ip": "5.6.7.8"}})
	assert.Equal(t, a, b, "context must not affect the fingerprint unless folding is enabled")
}

func TestFingerprintFoldsContextWhenEnabled(t *testing.T) {
	initTestConfig(t, true)
	a := fingerprint("org1", "user1", Request{Action: "read", ResourceType: "document", Context: map[string]any{"ip": "1.2.3.4"}})
	b := fingerprint("org1", "user1", Request{Action: "read", ResourceType: "document", Context: map[string]any{"ip": "5.6.7.8"}})
	assert.NotEqual(t, a, b)
}

func TestFingerprintContextOrderingIsDeterministic(t *testing.T) {
	initTestConfig(t, true)
	req1 := Request{Action: "read", ResourceType: "document", Context: map[string]any{"a": "1", "b": "2"}}
	req2 := Request{Action: "read", ResourceType: "document", Context: map[string]any{"b": "2", "a": "1"}}
	assert.Equal(t, fingerprint("org1", "user1", req1), fingerprint("org1", "user1", req2))
}
