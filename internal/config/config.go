// Package config provides configuration for the authorization service,
// parsed once at startup from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// minJWTAudienceLength is a sanity floor so an empty/truncated env var is
// caught at startup instead of silently accepting every audience.
const minJWTAudienceLength = 1

var (
	// cfg holds the parsed configuration. It is initialized once at startup
	// and never changes.
	cfg   *data
	cfgMu sync.RWMutex
)

// data holds the parsed configuration values.
type data struct {
	issuer          string
	audience        string
	jwksURI         string
	jwksCacheTTL    time.Duration
	clockSkew       time.Duration
	databaseURL     string
	redisAddr       string
	policyEngineURL string
	rateLimitBackend string
	rateLimitCapacity int
	rateLimitRefillPerSec float64
	requestDeadline time.Duration
	foldContextKeys bool
	environment     string
	cacheL1Capacity int
	cacheL1TTL      time.Duration
	cacheL2TTL      time.Duration
}

// fileDefaults holds tunables that may be supplied by an optional YAML
// defaults file, pointed to by CONFIG_FILE. Environment variables always
// take precedence over values loaded here; the file only lowers the
// hardcoded fallback a given tunable uses when its env var is unset.
type fileDefaults struct {
	RateLimit struct {
		Capacity     int     `yaml:"capacity"`
		RefillPerSec float64 `yaml:"refill_per_sec"`
	} `yaml:"rate_limit"`
	Cache struct {
		L1Capacity int           `yaml:"l1_capacity"`
		L1TTL      time.Duration `yaml:"l1_ttl"`
		L2TTL      time.Duration `yaml:"l2_ttl"`
	} `yaml:"cache"`
	RequestDeadline time.Duration `yaml:"request_deadline"`
}

// loadFileDefaults reads CONFIG_FILE if set, mirroring the teacher's
// YAML-defaults-file convention (services.NewBeeBrainService's rules.yaml
// loading) adapted to this service's tunables. A missing or unparsable
// file is not fatal — Init falls back to hardcoded defaults and env vars.
func loadFileDefaults(path string) fileDefaults {
	var fd fileDefaults
	if path == "" {
		return fd
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config: CONFIG_FILE not readable, ignoring")
		return fd
	}
	if err := yaml.Unmarshal(raw, &fd); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config: CONFIG_FILE is not valid YAML, ignoring")
		return fileDefaults{}
	}
	return fd
}

// Init initializes the configuration from environment variables.
// This must be called once at startup before any other config function is used.
// Returns an error if required configuration is missing or invalid.
func Init() error {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	if cfg != nil {
		return errors.New("config: already initialized, cannot reinitialize")
	}

	d := &data{}

	d.issuer = os.Getenv("OIDC_ISSUER")
	if d.issuer == "" {
		return errors.New("config: OIDC_ISSUER is required")
	}

	d.audience = os.Getenv("OIDC_AUDIENCE")
	if len(d.audience) < minJWTAudienceLength {
		return errors.New("config: OIDC_AUDIENCE is required")
	}

	d.jwksURI = os.Getenv("JWKS_URI")
	if d.jwksURI == "" {
		// Fall back to OIDC discovery: <issuer>/.well-known/jwks.json is NOT
		// assumed; the jwks package resolves the real URI via discovery when
		// this is empty.
		log.Info().Str("issuer", d.issuer).Msg("JWKS_URI not set, will use OIDC discovery")
	}

	d.jwksCacheTTL = getDurationEnv("JWKS_CACHE_TTL", time.Hour)
	d.clockSkew = getDurationEnv("JWT_CLOCK_SKEW", 30*time.Second)

	d.databaseURL = os.Getenv("DATABASE_URL")
	if d.databaseURL == "" {
		return errors.New("config: DATABASE_URL is required")
	}

	d.redisAddr = getEnv("REDIS_ADDR", "localhost:6379")

	d.policyEngineURL = os.Getenv("POLICY_ENGINE_URL")
	if d.policyEngineURL == "" {
		return errors.New("config: POLICY_ENGINE_URL is required")
	}

	d.rateLimitBackend = strings.ToLower(getEnv("RATE_LIMIT_BACKEND", "memory"))
	if d.rateLimitBackend != "memory" && d.rateLimitBackend != "redis" {
		return fmt.Errorf("config: invalid RATE_LIMIT_BACKEND '%s' (must be 'memory' or 'redis')", d.rateLimitBackend)
	}

	fd := loadFileDefaults(os.Getenv("CONFIG_FILE"))

	d.rateLimitCapacity = getIntEnv("RATE_LIMIT_CAPACITY", orDefaultInt(fd.RateLimit.Capacity, 10))
	d.rateLimitRefillPerSec = getFloatEnv("RATE_LIMIT_REFILL_PER_SEC", orDefaultFloat(fd.RateLimit.RefillPerSec, 1.0))

	d.requestDeadline = getDurationEnv("REQUEST_DEADLINE", orDefaultDuration(fd.RequestDeadline, 200*time.Millisecond))
	d.foldContextKeys = getEnv("CACHE_FOLD_CONTEXT", "false") == "true"

	d.cacheL1Capacity = getIntEnv("CACHE_L1_CAPACITY", orDefaultInt(fd.Cache.L1Capacity, 10_000))
	d.cacheL1TTL = getDurationEnv("CACHE_L1_TTL", orDefaultDuration(fd.Cache.L1TTL, 30*time.Second))
	d.cacheL2TTL = getDurationEnv("CACHE_L2_TTL", orDefaultDuration(fd.Cache.L2TTL, 5*time.Minute))

	d.environment = strings.ToLower(strings.TrimSpace(getEnv("APP_ENV", "development")))

	cfg = d
	return nil
}

func orDefaultInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func orDefaultFloat(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}

func orDefaultDuration(v, fallback time.Duration) time.Duration {
	if v == 0 {
		return fallback
	}
	return v
}

// Reset resets the configuration for testing purposes. Test-only.
func Reset() {
	cfgMu.Lock()
	defer cfgMu.Unlock()
	cfg = nil
}

// mustGet returns the config, panicking if not initialized.
// IMPORTANT: must only be called while already holding cfgMu's lock.
func mustGet() *data {
	if cfg == nil {
		panic("config: not initialized - call config.Init first")
	}
	return cfg
}

// Issuer returns the configured JWT issuer.
func Issuer() string { cfgMu.RLock(); defer cfgMu.RUnlock(); return mustGet().issuer }

// Audience returns the configured JWT audience.
func Audience() string { cfgMu.RLock(); defer cfgMu.RUnlock(); return mustGet().audience }

// JWKSURI returns the configured JWK Set URI, or empty string if discovery should be used.
func JWKSURI() string { cfgMu.RLock(); defer cfgMu.RUnlock(); return mustGet().jwksURI }

// JWKSCacheTTL returns the JWK Set cache TTL.
func JWKSCacheTTL() time.Duration { cfgMu.RLock(); defer cfgMu.RUnlock(); return mustGet().jwksCacheTTL }

// ClockSkew returns the tolerated clock skew for exp/nbf validation.
func ClockSkew() time.Duration { cfgMu.RLock(); defer cfgMu.RUnlock(); return mustGet().clockSkew }

// DatabaseURL returns the Postgres connection string.
func DatabaseURL() string { cfgMu.RLock(); defer cfgMu.RUnlock(); return mustGet().databaseURL }

// RedisAddr returns the Redis address for L2 cache and distributed rate limiting.
func RedisAddr() string { cfgMu.RLock(); defer cfgMu.RUnlock(); return mustGet().redisAddr }

// PolicyEngineURL returns the external policy evaluator endpoint.
func PolicyEngineURL() string { cfgMu.RLock(); defer cfgMu.RUnlock(); return mustGet().policyEngineURL }

// RateLimitBackend returns "memory" or "redis".
func RateLimitBackend() string { cfgMu.RLock(); defer cfgMu.RUnlock(); return mustGet().rateLimitBackend }

// RateLimitCapacity returns the token bucket capacity C.
func RateLimitCapacity() int { cfgMu.RLock(); defer cfgMu.RUnlock(); return mustGet().rateLimitCapacity }

// RateLimitRefillPerSec returns the token bucket refill rate R (tokens/second).
func RateLimitRefillPerSec() float64 {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return mustGet().rateLimitRefillPerSec
}

// RequestDeadline returns the hard ceiling applied to every inbound request.
func RequestDeadline() time.Duration { cfgMu.RLock(); defer cfgMu.RUnlock(); return mustGet().requestDeadline }

// FoldContextKeys reports whether outcome-affecting context keys should be
// folded into the decision fingerprint. Off by default per the open
// question in spec.md §9 — never silently enabled.
func FoldContextKeys() bool { cfgMu.RLock(); defer cfgMu.RUnlock(); return mustGet().foldContextKeys }

// IsProduction reports whether APP_ENV=production.
func IsProduction() bool { cfgMu.RLock(); defer cfgMu.RUnlock(); return mustGet().environment == "production" }

// CacheL1Capacity returns the bounded L1 LRU entry capacity.
func CacheL1Capacity() int { cfgMu.RLock(); defer cfgMu.RUnlock(); return mustGet().cacheL1Capacity }

// CacheL1TTL returns the soft TTL applied to L1 entries.
func CacheL1TTL() time.Duration { cfgMu.RLock(); defer cfgMu.RUnlock(); return mustGet().cacheL1TTL }

// CacheL2TTL returns the TTL applied to L2 (Redis) entries.
func CacheL2TTL() time.Duration { cfgMu.RLock(); defer cfgMu.RUnlock(); return mustGet().cacheL2TTL }

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", v).Msg("config: invalid duration, using default")
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Warn().Str("key", key).Str("value", v).Msg("config: invalid int, using default")
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		log.Warn().Str("key", key).Str("value", v).Msg("config: invalid float, using default")
	}
	return defaultValue
}
