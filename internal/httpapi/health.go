package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/jermoo/authority-edge/internal/policyengine"
)

// HealthResponse reports the service's own status plus each dependency it
// relies on to serve a decision.
type HealthResponse struct {
	Status string            `json:"status"` // "ok" or "degraded"
	Checks map[string]string `json:"checks"`
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler checks every dependency the decision path touches:
// Postgres, the credential issuer (via OIDC discovery), Redis, and the
// policy engine's circuit breaker state.
type HealthHandler struct {
	pool       Pinger
	issuer     string
	redis      *redis.Client
	gateway    *policyengine.Gateway
	httpClient *http.Client
}

// NewHealthHandler builds a HealthHandler. A nil pool or gateway, or an
// empty issuer, makes that check report an error rather than panicking; a
// nil Redis client reports "ok", since Redis is optional.
func NewHealthHandler(pool Pinger, issuer string, redisClient *redis.Client, gateway *policyengine.Gateway) *HealthHandler {
	return &HealthHandler{
		pool:       pool,
		issuer:     issuer,
		redis:      redisClient,
		gateway:    gateway,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	var mu sync.Mutex
	var wg sync.WaitGroup

	run := func(name string, fn func(context.Context) string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := fn(r.Context())
			mu.Lock()
			checks[name] = status
			mu.Unlock()
		}()
	}

	run("database", h.checkDatabase)
	run("issuer", h.checkIssuer)
	run("redis", h.checkRedis)

	wg.Wait()

	checks["policyEngine"] = h.checkPolicyEngineBreaker()

	allHealthy := true
	for _, status := range checks {
		if status != "ok" {
			allHealthy = false
			break
		}
	}

	resp := HealthResponse{Status: "ok", Checks: checks}
	if !allHealthy {
		resp.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if allHealthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("httpapi: failed to encode health response")
	}
}

func (h *HealthHandler) checkDatabase(ctx context.Context) string {
	if h.pool == nil {
		return "error: database pool not initialized"
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.pool.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("health: database ping failed")
		return "error: " + err.Error()
	}
	return "ok"
}

func (h *HealthHandler) checkIssuer(ctx context.Context) string {
	if h.issuer == "" {
		return "error: issuer not configured"
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	discoveryURL := strings.TrimSuffix(h.issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return "error: " + err.Error()
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("url", discoveryURL).Msg("health: issuer check failed")
		return "error: " + err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "error: HTTP " + http.StatusText(resp.StatusCode)
	}
	return "ok"
}

func (h *HealthHandler) checkRedis(ctx context.Context) string {
	if h.redis == nil {
		return "ok" // Redis is an optional L2/distributed backend.
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.redis.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("health: redis ping failed")
		return "error: " + err.Error()
	}
	return "ok"
}

func (h *HealthHandler) checkPolicyEngineBreaker() string {
	if h.gateway == nil {
		return "error: policy engine gateway not initialized"
	}
	state := h.gateway.BreakerState()
	if state == "open" {
		return "error: circuit breaker open"
	}
	return "ok"
}
