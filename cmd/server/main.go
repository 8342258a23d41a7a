package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dunia/mcp-gateway/internal/api"
	"github.com/dunia/mcp-gateway/internal/auth"
	"github.com/dunia/mcp-gateway/internal/config"
	"github.com/dunia/mcp-gateway/internal/controlplane"
	"github.com/dunia/mcp-gateway/internal/database"
	"github.com/dunia/mcp-gateway/internal/docs"
	"github.com/dunia/mcp-gateway/internal/eventstore"
	"github.com/dunia/mcp-gateway/internal/gateway"
	"github.com/dunia/mcp-gateway/internal/k8s"
	"github.com/dunia/mcp-gateway/internal/observability"
	"github.com/dunia/mcp-gateway/internal/stdio"
	"github.com/dunia/mcp-gateway/internal/telemetry"
	"github.com/dunia/mcp-gateway/internal/wellknown"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	// Setup logging
	setupLogging(cfg.Logging)

	log.Info().Msg("Starting MCP Gateway")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry
	otelProvider, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize telemetry")
	}
	if otelProvider != nil {
		log.Info().
			Str("endpoint", cfg.Telemetry.Endpoint).
			Str("service", cfg.Telemetry.ServiceName).
			Msg("OpenTelemetry enabled")
	}
	telemetry.InitMetrics()

	// Connect to database
	db, err := database.New(ctx, cfg.Database.GetDSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Run migrations
	if err := db.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Create repository
	repo := database.NewRepository(db)

	// Create JWT manager
	jwtManager := auth.NewJWTManager(cfg.JWT.Secret)

	// Create token encryptor
	encryptor, err := auth.NewTokenEncryptor(cfg.Encryption.Key)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create token encryptor")
	}

	// Create auth middleware
	authMiddleware := auth.NewMiddleware(jwtManager, repo)

	// Create observability hub (real-time dashboard)
	obsHub := observability.NewHub()

	// Create session manager
	sessionManager := gateway.NewSessionManager(repo, cfg.Session.Timeout, cfg.Session.CleanupInterval)
	defer sessionManager.Stop()

	// Create authorizer
	authorizer := gateway.NewAuthorizer(repo)

	// Create capability service (effective tool/resource/prompt view per user)
	capabilityService := gateway.NewCapabilityService(repo)

	// Create the resumable Event Store backing SSE replay via Last-Event-ID
	evStore := eventstore.New(repo, eventstore.Config{
		MaxStreamEvents: cfg.EventStore.MaxStreamEvents,
		MaxCacheSize:    cfg.EventStore.MaxCacheSize,
		Retention:       time.Duration(cfg.EventStore.RetentionDays) * 24 * time.Hour,
		CleanupInterval: cfg.EventStore.CleanupInterval,
	})
	defer evStore.Stop()

	sseManager := gateway.NewSSEManager(evStore)

	// Create the control-plane hub (per-user realtime room for forced
	// reconnects, permission pushes, and request/response round trips).
	cpHub := controlplane.NewHub()

	// IP admission and per-user rate limiting
	ipAdmission := gateway.NewIPAdmission(repo, 15*time.Minute)
	defer ipAdmission.Stop()
	rateLimiter := gateway.NewRateLimiter()
	defer rateLimiter.Stop()

	// Create STDIO manager
	stdioManager := stdio.NewManager(repo, stdio.ManagerConfig{
		IdleTTL:      cfg.Stdio.IdleTTL,
		MaxLifetime:  cfg.Stdio.MaxLifetime,
		GCInterval:   cfg.Stdio.GCInterval,
		MaxProcesses: cfg.Stdio.MaxProcesses,
	})
	defer stdioManager.Shutdown()

	// Create Kubernetes manager (optional)
	var k8sManager *k8s.Manager
	if cfg.Kubernetes.Enabled {
		var err error
		k8sManager, err = k8s.NewManager(k8s.ManagerConfig{
			Namespace:    cfg.Kubernetes.Namespace,
			Kubeconfig:   cfg.Kubernetes.Kubeconfig,
			IdleTTL:      cfg.Kubernetes.IdleTTL,
			MaxLifetime:  cfg.Kubernetes.MaxLifetime,
			GCInterval:   cfg.Kubernetes.GCInterval,
			MaxInstances: cfg.Kubernetes.MaxInstances,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Kubernetes manager")
		}
		defer k8sManager.Shutdown()
		log.Info().Str("namespace", cfg.Kubernetes.Namespace).Msg("Kubernetes transport enabled")
	}

	// Create server manager (pooled shared/temporary upstream connections)
	serverManager := gateway.NewServerManager(repo, encryptor, stdioManager, k8sManager)
	defer serverManager.Shutdown()

	// Create proxy
	proxy := gateway.NewProxy(repo, encryptor, authorizer, capabilityService, stdioManager, k8sManager, obsHub, sseManager, cfg.ReverseReq)

	// Permission-change propagation: admin edits -> Capability Service diff
	// -> list_changed notifications on live sessions + control-plane push.
	permissionPropagator := gateway.NewPermissionPropagator(repo, capabilityService, sessionManager, sseManager, cpHub, rateLimiter)

	// Create MCP gateway handler
	mcpHandler := gateway.NewHandler(sessionManager, proxy, repo, obsHub, sseManager, evStore)

	// Create router
	r := chi.NewRouter()

	// Middleware (common to all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// OTel HTTP middleware (wraps all routes with tracing)
	if cfg.Telemetry.Enabled {
		r.Use(func(next http.Handler) http.Handler {
			return otelhttp.NewHandler(next, "mcp-gateway")
		})
	}

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   cfg.CORS.ExposeHeaders,
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// IP admission: every request but /health must come from a whitelisted
	// CIDR (or the whitelist is disabled via 0.0.0.0/0). Declared before any
	// route is registered, per chi's middleware-before-routes requirement.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			if !ipAdmission.AdmitIP(clientIPOf(r)) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	// OAuth discovery metadata (RFC 8414 / RFC 9728)
	r.Mount("/.well-known", wellknown.Handler(cfg.Gateway.BaseURL))

	// API documentation (Scalar UI + OpenAPI spec)
	r.Mount("/", docs.Handler())

	// MCP Streamable HTTP endpoint (protected)
	// Supports POST (JSON-RPC requests), GET (SSE notification stream), DELETE (session termination)
	r.Route("/mcp", func(r chi.Router) {
		r.Use(authMiddleware.AuthenticateDataplane)
		r.Use(perUserRateLimit(rateLimiter, repo))
		r.HandleFunc("/*", mcpHandler.HandleMCP)
		r.HandleFunc("/", mcpHandler.HandleMCP)
	})

	// Legacy SSE endpoint alias - served by the same handler as /mcp for clients that look for /sse
	r.Route("/sse", func(r chi.Router) {
		r.Use(authMiddleware.AuthenticateDataplane)
		r.HandleFunc("/*", mcpHandler.HandleMCP)
		r.HandleFunc("/", mcpHandler.HandleMCP)
	})

	// REST API (with timeout)
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		var instanceRestarter api.InstanceRestarter
		if k8sManager != nil {
			instanceRestarter = k8sManager
		}
		r.Mount("/", api.Router(repo, jwtManager, encryptor, authMiddleware, sessionManager, instanceRestarter, permissionPropagator, authorizer))

		// Observability WebSocket (auth required)
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)
			r.Get("/observability/ws", obsHub.HandleWebSocket)
			r.Get("/observability/snapshot", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				snap := obsHub.GetAggregator().Snapshot()
				data, _ := json.Marshal(snap)
				w.Write(data)
			})

			// Control-plane room: per-user realtime channel for forced
			// reconnects, permission pushes, and reverse round trips.
			r.Get("/control/ws", func(w http.ResponseWriter, r *http.Request) {
				userID, ok := auth.GetUserID(r.Context())
				if !ok {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				cpHub.HandleWebSocket(userID.String(), w, r)
			})

			// Effective capability view: ground truth ∩ admin mask ∩ user overlay.
			r.Get("/capabilities", func(w http.ResponseWriter, r *http.Request) {
				userID, ok := auth.GetUserID(r.Context())
				if !ok {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				user, err := repo.GetUserByID(r.Context(), userID)
				if err != nil {
					http.Error(w, "User not found", http.StatusNotFound)
					return
				}
				view, err := capabilityService.ComputeView(r.Context(), user)
				if err != nil {
					http.Error(w, "Failed to compute capabilities", http.StatusInternalServerError)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(view)
			})
		})
	})

	// Start server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// WriteTimeout must be 0 to support SSE (long-lived GET connections).
		// Per-route timeouts are enforced via middleware on /api routes.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down server...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if otelProvider != nil {
			otelProvider.Shutdown(shutdownCtx)
			log.Info().Msg("Telemetry shut down")
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}

		cancel()
	}()

	log.Info().Str("addr", addr).Msg("Server listening")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server error")
	}

	log.Info().Msg("Server stopped")
}

// clientIPOf extracts the request's peer address, already normalized by
// chi's middleware.RealIP upstream in the chain.
func clientIPOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// perUserRateLimit enforces each user's configured per-minute request budget
// (falling back to a conservative default for users with none set) and
// reports RFC-style rate limit headers on every response.
func perUserRateLimit(rl *gateway.RateLimiter, repo *database.Repository) func(http.Handler) http.Handler {
	const defaultLimit = 120

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := auth.GetUserID(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			limit := defaultLimit
			if user, err := repo.GetUserByID(r.Context(), userID); err == nil && user.RateLimit > 0 {
				limit = user.RateLimit
			}

			decision := rl.CheckRate(userID.String(), limit)
			gateway.WriteRateLimitHeaders(w, limit, decision)
			if !decision.Allow {
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setupLogging(cfg config.LoggingConfig) {
	// Set log level
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Add timestamp
	zerolog.TimeFieldFormat = time.RFC3339
}
