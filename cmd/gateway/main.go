package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/MeKHell/d-voting/pkg/audit"
	"github.com/MeKHell/d-voting/pkg/hardening"
	"github.com/MeKHell/d-voting/pkg/httpx"
	"github.com/MeKHell/d-voting/pkg/identity"
	"github.com/MeKHell/d-voting/pkg/metrics"
	"github.com/MeKHell/d-voting/pkg/ratelimit"
	"github.com/MeKHell/d-voting/pkg/session"
	"github.com/MeKHell/d-voting/pkg/signing"
	"github.com/MeKHell/d-voting/pkg/store"
	"github.com/MeKHell/d-voting/pkg/telemetry"
	"github.com/MeKHell/d-voting/pkg/tequila"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

// Server is the trust gateway between the voting frontend and the Dela
// nodes: it authenticates users against Tequila, keeps the sciper-to-role
// table, gates the evoting namespace, and signs everything it forwards.
type Server struct {
	Users               identity.Store
	Sessions            *session.Manager
	SSO                 *tequila.Client
	Signer              *signing.Signer
	HTTPClient          *http.Client
	NodeURL             string
	AdminSciper         int
	Metrics             *metrics.Registry
	Audit               audit.Recorder
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	LoginRatePerMinute  int
	MaxRequestBodyBytes int64
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenUsersFunc func(ctx context.Context) (identity.Store, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openUsersFnG   = openUserStore
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGateway(initTelemetryG, openUsersFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

// openUserStore picks postgres when a database is configured, otherwise the
// embedded badger store.
func openUserStore(ctx context.Context) (identity.Store, error) {
	if os.Getenv("DATABASE_URL") != "" || os.Getenv("DATABASE_HOST") != "" {
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			return nil, fmt.Errorf("db: %w", err)
		}
		return identity.NewPostgres(ctx, pool)
	}
	return identity.OpenBadger(env("DATA_DIR", "."))
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openUsers gatewayOpenUsersFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	ctx := context.Background()
	if err := hardening.ValidateProduction(hardening.Options{
		Environment:        env("APP_ENV", ""),
		Strict:             env("STRICT_PROD_SECURITY", ""),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		TequilaURL:         env("TEQUILA_URL", ""),
		Secrets: []hardening.Secret{
			{Name: "SESSION_SECRET", Value: env("SESSION_SECRET", "")},
			{Name: "PRIVATE_KEY", Value: env("PRIVATE_KEY", "")},
			{Name: "PUBLIC_KEY", Value: env("PUBLIC_KEY", "")},
		},
	}); err != nil {
		return err
	}

	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	users, err := openUsers(ctx)
	if err != nil {
		return fmt.Errorf("user store: %w", err)
	}
	defer users.Close()

	// The audit trail shares the user store's database when one is configured.
	var auditTrail audit.Recorder
	if pgStore, ok := users.(*identity.PostgresStore); ok {
		auditTrail, err = audit.NewPostgres(ctx, pgStore.DB())
		if err != nil {
			return fmt.Errorf("audit trail: %w", err)
		}
	} else {
		auditTrail = audit.NewMemory()
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, keeping sessions in memory: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	privateKey := env("PRIVATE_KEY", "")
	publicKey := env("PUBLIC_KEY", "")
	if privateKey == "" || publicKey == "" {
		return errors.New("PRIVATE_KEY and PUBLIC_KEY are required")
	}
	signer, err := signing.NewSigner(privateKey, publicKey)
	if err != nil {
		return fmt.Errorf("gateway keypair: %w", err)
	}

	adminSciper := 0
	if raw := env("ADMIN_SCIPER", ""); raw != "" {
		adminSciper, err = strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("ADMIN_SCIPER must be numeric: %w", err)
		}
	}

	httpClient := telemetry.InstrumentClient(&http.Client{
		Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 10000)),
	})
	frontEndURL := env("FRONT_END_URL", "http://localhost:3000")
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	s := &Server{
		Users:    users,
		Sessions: session.NewManager(cache, env("SESSION_SECRET", "")),
		SSO: &tequila.Client{
			HTTP:        httpClient,
			BaseURL:     env("TEQUILA_URL", "https://tequila.epfl.ch"),
			CallbackURL: frontEndURL + "/api/control_key",
		},
		Signer:              signer,
		HTTPClient:          httpClient,
		NodeURL:             env("DELA_NODE_URL", "http://localhost:8080"),
		AdminSciper:         adminSciper,
		Metrics:             metrics.NewRegistry(),
		Audit:               auditTrail,
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		LoginRatePerMinute:  envInt("LOGIN_RATE_PER_MINUTE", 60),
		MaxRequestBodyBytes: maxRequestBodyBytes,
	}
	if s.RateLimitEnabled {
		rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	r := s.routes()

	addr := env("ADDR", ":5000")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})

	r.Get("/api/get_teq_key", s.withLoginRateLimit(s.handleGetTeqKey))
	r.Get("/api/control_key", s.withLoginRateLimit(s.handleControlKey))
	r.Post("/api/logout", s.handleLogout)
	r.Get("/api/personal_info", s.handlePersonalInfo)
	r.Get("/api/user_rights", s.handleUserRights)
	r.Post("/api/add_role", s.handleAddRole)
	r.Post("/api/remove_role", s.handleRemoveRole)
	r.Get("/api/metrics", s.withAdmin(s.Metrics.Handler()))
	r.Get("/api/audit", s.withAdmin(s.handleAuditTrail))

	// Vote submission is open to any logged-in identity and therefore kept
	// out of the admin-gated wildcard below. chi prefers the static route
	// over the wildcard for POSTs on this path.
	r.Post("/api/evoting/elections/{electionID}/vote", s.handleVote)
	r.HandleFunc("/api/evoting/*", s.handleEvotingProxy)

	r.NotFound(s.handleNotFound)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		srv.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
