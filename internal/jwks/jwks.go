// Package jwks maintains a refreshable JSON Web Key Set for verifying
// tenant-issued JWTs, with kid-aware forced refresh on key rotation.
package jwks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Keystore caches a JWKS fetched from an OIDC discovery document (or a
// JWKS URI directly), refreshing on TTL expiry and on unknown kid.
type Keystore struct {
	mu               sync.RWMutex
	keySet           *jose.JSONWebKeySet
	lastFetch        time.Time
	lastForceRefresh time.Time
	cacheTTL         time.Duration
	jwksURI          string
	discoveryURL     string
	httpClient       *http.Client
	group            singleflight.Group
}

// Option configures a Keystore at construction time.
type Option func(*Keystore)

// WithHTTPClient overrides the default HTTP client (10s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(k *Keystore) { k.httpClient = c }
}

// WithCacheTTL overrides the default 1-hour soft TTL.
func WithCacheTTL(d time.Duration) Option {
	return func(k *Keystore) { k.cacheTTL = d }
}

// NewFromJWKSURI builds a Keystore that fetches keys directly from a JWKS
// endpoint, bypassing OIDC discovery.
func NewFromJWKSURI(jwksURI string, opts ...Option) *Keystore {
	k := &Keystore{
		jwksURI:    jwksURI,
		cacheTTL:   time.Hour,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// NewFromIssuer builds a Keystore that resolves the JWKS URI via the
// standard OIDC discovery document at issuer + "/.well-known/openid-configuration".
func NewFromIssuer(issuer string, opts ...Option) *Keystore {
	issuer = strings.TrimSuffix(issuer, "/")
	k := &Keystore{
		discoveryURL: issuer + "/.well-known/openid-configuration",
		cacheTTL:     time.Hour,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

type discoveryDocument struct {
	JWKSURI string `json:"jwks_uri"`
	Issuer  string `json:"issuer"`
}

// KeySet returns the cached key set, refreshing it if the soft TTL elapsed.
// Concurrent refreshes for the same Keystore collapse into a single fetch.
func (k *Keystore) KeySet(ctx context.Context) (*jose.JSONWebKeySet, error) {
	k.mu.RLock()
	if k.keySet != nil && time.Since(k.lastFetch) < k.cacheTTL {
		ks := k.keySet
		k.mu.RUnlock()
		return ks, nil
	}
	k.mu.RUnlock()

	v, err, _ := k.group.Do("refresh", func() (any, error) {
		return k.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*jose.JSONWebKeySet), nil
}

// VerifierFor returns the key set to verify a token carrying the given kid,
// forcing a refresh (rate-limited to once per 30s) when kid is unknown. This
// handles rotation: a kid absent from the cached set triggers one refetch
// before the caller falls back to trying every cached key.
func (k *Keystore) VerifierFor(ctx context.Context, kid string) (*jose.JSONWebKeySet, error) {
	ks, err := k.KeySet(ctx)
	if err != nil {
		return nil, err
	}
	if kid == "" || len(ks.Key(kid)) > 0 {
		return ks, nil
	}

	k.mu.Lock()
	if time.Since(k.lastForceRefresh) <= 30*time.Second {
		k.mu.Unlock()
		log.Debug().Str("kid", kid).Msg("jwks: kid not found, force-refresh rate-limited")
		return ks, nil
	}
	k.lastForceRefresh = time.Now()
	k.lastFetch = time.Time{}
	k.mu.Unlock()

	log.Info().Str("kid", kid).Msg("jwks: kid not found, forcing refresh")
	return k.KeySet(ctx)
}

func (k *Keystore) refresh(ctx context.Context) (*jose.JSONWebKeySet, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.keySet != nil && time.Since(k.lastFetch) < k.cacheTTL {
		return k.keySet, nil
	}

	jwksURI := k.jwksURI
	if jwksURI == "" {
		doc, err := k.fetchDiscovery(ctx)
		if err != nil {
			return nil, err
		}
		jwksURI = doc.JWKSURI
	}

	keySet, err := k.fetchKeySet(ctx, jwksURI)
	if err != nil {
		return nil, err
	}

	k.keySet = keySet
	k.lastFetch = time.Now()
	log.Debug().Str("jwks_uri", jwksURI).Int("keys", len(keySet.Keys)).Msg("jwks: cache refreshed")
	return keySet, nil
}

func (k *Keystore) fetchDiscovery(ctx context.Context) (*discoveryDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("jwks: build discovery request: %w", err)
	}
	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks: fetch discovery document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks: discovery document returned status %d", resp.StatusCode)
	}
	var doc discoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("jwks: decode discovery document: %w", err)
	}
	if _, err := url.Parse(doc.JWKSURI); err != nil || doc.JWKSURI == "" {
		return nil, fmt.Errorf("jwks: discovery document missing jwks_uri")
	}
	return &doc, nil
}

func (k *Keystore) fetchKeySet(ctx context.Context, jwksURI string) (*jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return nil, fmt.Errorf("jwks: build jwks request: %w", err)
	}
	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks: fetch key set: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks: key set endpoint returned status %d", resp.StatusCode)
	}
	var keySet jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&keySet); err != nil {
		return nil, fmt.Errorf("jwks: decode key set: %w", err)
	}
	return &keySet, nil
}
