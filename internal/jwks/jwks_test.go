package jwks

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKey(t *testing.T, kid string) jose.JSONWebKey {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return jose.JSONWebKey{Key: priv.Public(), KeyID: kid, Algorithm: "ES256", Use: "sig"}
}

func TestKeystoreFetchesAndCaches(t *testing.T) {
	var hits int32
	key := newTestKey(t, "kid-1")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{key}})
	}))
	defer srv.Close()

	ks := NewFromJWKSURI(srv.URL, WithCacheTTL(time.Hour))
	set, err := ks.KeySet(t.Context())
	require.NoError(t, err)
	assert.Len(t, set.Keys, 1)

	_, err = ks.KeySet(t.Context())
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits), "second call should be served from cache")
}

func TestVerifierForForcesRefreshOnUnknownKid(t *testing.T) {
	var hits int32
	keyA := newTestKey(t, "kid-a")
	keyB := newTestKey(t, "kid-b")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n == 1 {
			json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{keyA}})
			return
		}
		json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{keyA, keyB}})
	}))
	defer srv.Close()

	ks := NewFromJWKSURI(srv.URL, WithCacheTTL(time.Hour))
	set, err := ks.VerifierFor(t.Context(), "kid-a")
	require.NoError(t, err)
	assert.Len(t, set.Keys, 1)

	set, err = ks.VerifierFor(t.Context(), "kid-b")
	require.NoError(t, err)
	assert.Len(t, set.Keys, 2, "unknown kid should trigger a forced refresh")
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestVerifierForRateLimitsForcedRefresh(t *testing.T) {
	var hits int32
	keyA := newTestKey(t, "kid-a")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{keyA}})
	}))
	defer srv.Close()

	ks := NewFromJWKSURI(srv.URL, WithCacheTTL(time.Hour))
	_, err := ks.VerifierFor(t.Context(), "kid-missing")
	require.NoError(t, err)
	_, err = ks.VerifierFor(t.Context(), "kid-missing")
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits), "second unknown-kid lookup within 30s should not refetch again")
}

func TestNewFromIssuerUsesDiscoveryDocument(t *testing.T) {
	key := newTestKey(t, "kid-1")
	var jwksURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(discoveryDocument{JWKSURI: jwksURL, Issuer: "issuer"})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{key}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	jwksURL = srv.URL + "/keys"

	ks := NewFromIssuer(srv.URL)
	set, err := ks.KeySet(t.Context())
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "kid-1", set.Keys[0].KeyID)
}
