// Command server runs the authorization decision service: it resolves
// inbound credentials, rate limits, checks the two-tier decision cache,
// resolves roles, falls through to the external policy engine, and audits
// every decision — all behind tenant isolation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jermoo/authority-edge/internal/audit"
	"github.com/jermoo/authority-edge/internal/authn"
	"github.com/jermoo/authority-edge/internal/authz"
	"github.com/jermoo/authority-edge/internal/cache"
	"github.com/jermoo/authority-edge/internal/config"
	"github.com/jermoo/authority-edge/internal/httpapi"
	authmw "github.com/jermoo/authority-edge/internal/middleware"
	"github.com/jermoo/authority-edge/internal/jwks"
	"github.com/jermoo/authority-edge/internal/policyadmin"
	"github.com/jermoo/authority-edge/internal/policyengine"
	"github.com/jermoo/authority-edge/internal/ratelimit"
	"github.com/jermoo/authority-edge/internal/rbac"
	"github.com/jermoo/authority-edge/internal/storage"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := config.Init(); err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if config.IsProduction() {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	log.Info().Str("service", "authority-edge").Str("version", config.Version).Msg("authorization service starting")

	ctx := context.Background()
	if err := storage.InitDB(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer storage.CloseDB()

	if err := storage.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	keystoreOpts := []jwks.Option{jwks.WithCacheTTL(config.JWKSCacheTTL())}
	var keystore *jwks.Keystore
	if uri := config.JWKSURI(); uri != "" {
		keystore = jwks.NewFromJWKSURI(uri, keystoreOpts...)
	} else {
		keystore = jwks.NewFromIssuer(config.Issuer(), keystoreOpts...)
	}

	resolver := authn.NewResolver(
		storage.DB,
		&authn.BearerJWTStrategy{
			Keystore:  keystore,
			Pool:      storage.DB,
			Issuer:    config.Issuer(),
			Audience:  config.Audience(),
			ClockSkew: config.ClockSkew(),
		},
		&authn.APIKeyStrategy{Pool: storage.DB},
	)

	var redisClient *redis.Client
	if config.RateLimitBackend() == "redis" {
		redisClient = redis.NewClient(&redis.Options{Addr: config.RedisAddr()})
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Capacity:     config.RateLimitCapacity(),
		RefillTokens: 1,
		RefillPeriod: time.Duration(float64(time.Second) / config.RateLimitRefillPerSec()),
	}, "authz")
	defer limiter.Stop()

	cacheRedis := redisClient
	if cacheRedis == nil {
		cacheRedis = redis.NewClient(&redis.Options{Addr: config.RedisAddr()})
	}
	decisionCache, err := cache.New(config.CacheL1Capacity(), config.CacheL1TTL(), config.CacheL2TTL(), cacheRedis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize decision cache")
	}

	gateway := policyengine.New(config.PolicyEngineURL(), config.RequestDeadline())

	auditPipeline := audit.New(storage.DB)
	defer auditPipeline.Stop()

	engine := &authz.Engine{
		Pool:    storage.DB,
		Cache:   decisionCache,
		RBAC:    &rbac.Resolver{Pool: storage.DB},
		Gateway: gateway,
		Audit:   auditPipeline,
	}

	authorizeHandler := &httpapi.AuthorizeHandler{Engine: engine, Limiter: limiter}
	healthHandler := httpapi.NewHealthHandler(storage.DB, config.Issuer(), cacheRedis, gateway)
	policyAdminHandler := &policyadmin.Handler{Pool: storage.DB, Cache: decisionCache}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(authmw.SecurityHeaders)
	r.Use(authmw.MaxBodySizeWithOverrides(authmw.DefaultMaxBodySize, nil))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/actuator/health", healthHandler.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(httpapi.ResolvePrincipal(resolver))
		r.Post("/v1/authorize", authorizeHandler.ServeAuthorize)
		r.Post("/v1/authorize/batch", authorizeHandler.ServeAuthorizeBatch)

		r.Route("/v1/admin/policies", func(r chi.Router) {
			r.Post("/", policyAdminHandler.CreatePolicy)
			r.Post("/{policyId}/versions", policyAdminHandler.CreateVersion)
			r.Post("/{policyId}/versions/{versionId}/publish", policyAdminHandler.PublishVersion)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})

	portStr := os.Getenv("PORT")
	if portStr == "" {
		portStr = "8080"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		log.Fatal().Err(err).Str("PORT", portStr).Msg("invalid PORT value")
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", port).Msg("authorization service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("authorization service shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("authorization service exited gracefully")
}
