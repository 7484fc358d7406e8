package secrets

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// =============================================================================
// Database Config Tests
// =============================================================================

func TestClient_GetDatabaseConfig_Env(t *testing.T) {
	t.Setenv("SECRETS_SOURCE", "env")
	t.Setenv("YSQL_HOST", "db.example")
	t.Setenv("YSQL_PORT", "5433")
	t.Setenv("YSQL_DB", "apis")
	t.Setenv("YSQL_USER", "apis")
	t.Setenv("YSQL_PASSWORD", "pw")

	cfg, err := NewClient().GetDatabaseConfig()
	require.NoError(t, err)
	require.Equal(t, "db.example", cfg.Host)
	require.Equal(t, "5433", cfg.Port)
	require.Equal(t, "apis", cfg.Name)
	require.Equal(t, "apis", cfg.User)
	require.Equal(t, "pw", cfg.Password)
}

func TestClient_GetDatabaseConfig_OpenBao(t *testing.T) {
	t.Setenv("SECRETS_SOURCE", "openbao")
	t.Setenv("OPENBAO_TOKEN", "test-token")
	t.Setenv("OPENBAO_SECRET_PATH", "secret/data/apis")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/secret/data/apis/database", r.URL.Path)
		require.Equal(t, "test-token", r.Header.Get("X-Vault-Token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"data":{"host":"yugabytedb","port":"5433","name":"apis","user":"apis","password":"apisdev"}}}`))
	}))
	t.Cleanup(srv.Close)
	t.Setenv("OPENBAO_ADDR", srv.URL)

	cfg, err := NewClient().GetDatabaseConfig()
	require.NoError(t, err)
	require.Equal(t, "yugabytedb", cfg.Host)
	require.Equal(t, "5433", cfg.Port)
	require.Equal(t, "apis", cfg.Name)
	require.Equal(t, "apis", cfg.User)
	require.Equal(t, "apisdev", cfg.Password)
}

func TestClient_GetDatabaseConfig_OpenBaoFallback(t *testing.T) {
	t.Setenv("SECRETS_SOURCE", "openbao")
	t.Setenv("OPENBAO_TOKEN", "test-token")
	t.Setenv("OPENBAO_SECRET_PATH", "secret/data/apis")
	t.Setenv("YSQL_HOST", "db.example")
	t.Setenv("YSQL_PORT", "5433")
	t.Setenv("YSQL_DB", "apis")
	t.Setenv("YSQL_USER", "apis")
	t.Setenv("YSQL_PASSWORD", "pw")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	t.Cleanup(srv.Close)
	t.Setenv("OPENBAO_ADDR", srv.URL)

	cfg, err := NewClient().GetDatabaseConfig()
	require.NoError(t, err)
	require.Equal(t, "db.example", cfg.Host)
	require.Equal(t, "5433", cfg.Port)
	require.Equal(t, "apis", cfg.Name)
	require.Equal(t, "apis", cfg.User)
	require.Equal(t, "pw", cfg.Password)
}

// =============================================================================
// Client Tests
// =============================================================================

func TestClient_Source(t *testing.T) {
	t.Setenv("SECRETS_SOURCE", "env")
	require.Equal(t, "env", NewClient().Source())

	t.Setenv("SECRETS_SOURCE", "openbao")
	require.Equal(t, "openbao", NewClient().Source())
}

// =============================================================================
// TestMain — Clean environment
// =============================================================================

func TestMain(m *testing.M) {
	// Ensure these tests do not inherit any potentially secret host env from the caller.
	for _, k := range []string{
		"OPENBAO_ADDR", "OPENBAO_TOKEN", "OPENBAO_SECRET_PATH", "SECRETS_SOURCE",
		"YSQL_HOST", "YSQL_PORT", "YSQL_DB", "YSQL_USER", "YSQL_PASSWORD",
	} {
		_ = os.Unsetenv(k)
	}
	os.Exit(m.Run())
}
