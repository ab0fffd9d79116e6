package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/medatlas/collab-gateway/internal/v1/admin"
	"github.com/medatlas/collab-gateway/internal/v1/auth"
	"github.com/medatlas/collab-gateway/internal/v1/config"
	"github.com/medatlas/collab-gateway/internal/v1/events"
	"github.com/medatlas/collab-gateway/internal/v1/gateway"
	"github.com/medatlas/collab-gateway/internal/v1/health"
	"github.com/medatlas/collab-gateway/internal/v1/logging"
	"github.com/medatlas/collab-gateway/internal/v1/middleware"
	"github.com/medatlas/collab-gateway/internal/v1/ratelimit"
	"github.com/medatlas/collab-gateway/internal/v1/tracing"
	"github.com/medatlas/collab-gateway/internal/v1/validator"
)

func main() {
	// Load .env for local development; in deployments the environment is
	// injected by the platform.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	envLoaded := false
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()

	if cfg.DevelopmentMode {
		logging.Info(ctx, "Running in DEVELOPMENT MODE")
	}

	// --- Tracing (optional) ---
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "collab-gateway", cfg.OTELCollector)
		if err != nil {
			logging.Error(ctx, "Failed to initialize tracing, continuing without it", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	// --- Token verifier ---
	verifier := buildVerifier(ctx, cfg)
	if verifier == nil {
		os.Exit(1)
	}

	// --- Redis bus (optional) ---
	var bus events.Bus
	var redisBus *events.RedisBus
	if cfg.RedisEnabled {
		redisBus, err = events.NewRedisBus(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "Failed to connect to Redis, running in single-instance mode", zap.Error(err))
			redisBus = nil
		}
	}
	if redisBus != nil {
		bus = redisBus
	} else {
		logging.Info(ctx, "Running in single-instance mode (Redis disabled)")
		bus = events.NewInProcessBus()
	}

	// --- Resource validator ---
	var resources validator.Validator
	var healthChecks []health.Check
	if cfg.ResourceAPIURL != "" {
		httpValidator := validator.NewHTTPValidator(cfg.ResourceAPIURL, cfg.ResourceAPITimeout)
		resources = httpValidator
		healthChecks = append(healthChecks, health.Check{Name: "resource_api", Probe: httpValidator.Ping})
	} else if cfg.DevelopmentMode {
		logging.Warn(ctx, "RESOURCE_API_URL not set: accepting every resource (development mode)")
		resources = validator.NewStaticValidator(true)
	} else {
		logging.Error(ctx, "RESOURCE_API_URL must be set outside development mode")
		os.Exit(1)
	}

	// --- Handshake rate limiter ---
	handshake, err := ratelimit.NewHandshakeLimiter(cfg, redisBus.Client())
	if err != nil {
		logging.Error(ctx, "Failed to build handshake rate limiter", zap.Error(err))
		os.Exit(1)
	}

	// --- Gateway ---
	gw := gateway.New(cfg, clockwork.NewRealClock(), verifier, bus, resources, handshake)
	gwCtx, gwCancel := context.WithCancel(ctx)
	defer gwCancel()
	gw.Start(gwCtx)

	// --- HTTP server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.TracingEnabled {
		router.Use(otelgin.Middleware("collab-gateway"))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	// WebSocket endpoint under the configured namespace.
	wsPath := strings.TrimRight(cfg.Namespace, "/") + "/ws/socket.io"
	router.GET(wsPath, gw.ServeWs)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(redisBus, healthChecks...)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	adminHandler := admin.NewHandler(clockwork.NewRealClock(), gw.Registry(), gw.Rooms(), gw.Locks(), gw.Limiter())
	adminHandler.Register(router.Group("/admin-socket"))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "Collaboration gateway starting",
			zap.String("port", cfg.Port),
			zap.String("wsPath", wsPath))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	gw.Shutdown(shutdownCtx)
	gwCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Server forced to shutdown", zap.Error(err))
	}

	if redisBus != nil {
		if err := redisBus.Close(); err != nil {
			logging.Error(ctx, "Failed to close Redis connection", zap.Error(err))
		}
	}

	logging.Info(ctx, "Server exiting")
}

// buildVerifier chooses the token verifier for the deployment shape. A nil
// return means the configuration is unusable.
func buildVerifier(ctx context.Context, cfg *config.Config) auth.TokenVerifier {
	skipAuth := cfg.SkipAuth
	if !skipAuth && cfg.DevelopmentMode && (cfg.AuthDomain == "" || cfg.AuthAudience == "") {
		logging.Warn(ctx, "Development mode without auth credentials: using claims-only verification")
		return auth.NewClaimsVerifier()
	}

	if skipAuth {
		logging.Warn(ctx, "Signature verification DISABLED: trusting ingress-validated claims")
		return auth.NewClaimsVerifier()
	}

	if cfg.AuthDomain == "" || cfg.AuthAudience == "" {
		logging.Error(ctx, "AUTH_DOMAIN and AUTH_AUDIENCE must be set when SKIP_AUTH=false")
		return nil
	}

	verifier, err := auth.NewJWKSVerifier(ctx, cfg.AuthDomain, cfg.AuthAudience)
	if err != nil {
		logging.Error(ctx, "Failed to create JWKS verifier", zap.Error(err))
		return nil
	}
	logging.Info(ctx, "JWKS verifier initialized",
		zap.String("domain", cfg.AuthDomain),
		zap.String("audience", cfg.AuthAudience))
	return verifier
}
