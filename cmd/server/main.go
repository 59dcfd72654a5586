package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"github.com/HanTheDev/orbit-gateway/internal/adapter"
	"github.com/HanTheDev/orbit-gateway/internal/admin"
	"github.com/HanTheDev/orbit-gateway/internal/auth"
	"github.com/HanTheDev/orbit-gateway/internal/breaker"
	"github.com/HanTheDev/orbit-gateway/internal/chat"
	"github.com/HanTheDev/orbit-gateway/internal/config"
	"github.com/HanTheDev/orbit-gateway/internal/datasource"
	"github.com/HanTheDev/orbit-gateway/internal/db"
	"github.com/HanTheDev/orbit-gateway/internal/embedding"
	"github.com/HanTheDev/orbit-gateway/internal/executor"
	"github.com/HanTheDev/orbit-gateway/internal/extract"
	"github.com/HanTheDev/orbit-gateway/internal/intent"
	"github.com/HanTheDev/orbit-gateway/internal/manager"
	"github.com/HanTheDev/orbit-gateway/internal/models"
	"github.com/HanTheDev/orbit-gateway/internal/pipeline"
	"github.com/HanTheDev/orbit-gateway/internal/pool"
	"github.com/HanTheDev/orbit-gateway/internal/ratelimit"
	"github.com/HanTheDev/orbit-gateway/internal/registry"
	"github.com/HanTheDev/orbit-gateway/internal/telemetry"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: "orbit-gateway",
		Version:     version,
		Insecure:    true,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(promRegistry)

	// Redis backs the rate limiter and the embedding cache
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid REDIS_URL")
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	limiter := newLimiter(ctx, cfg, rdb)

	// Embedding providers and the optional inference capability
	embedders := embedding.NewRegistry(embedding.NewLexicalEmbedder(0))
	if cfg.EmbeddingServiceURL != "" {
		embedders.Register(embedding.NewCachedEmbedder(embedding.NewHTTPEmbedder("http", cfg.EmbeddingServiceURL), rdb, 0))
	}
	var primary extract.Capability
	if cfg.OpenAI.APIKey != "" {
		oc := openai.DefaultConfig(cfg.OpenAI.APIKey)
		if cfg.OpenAI.BaseURL != "" {
			oc.BaseURL = cfg.OpenAI.BaseURL
		}
		client := openai.NewClientWithConfig(oc)
		embedders.Register(embedding.NewCachedEmbedder(embedding.NewOpenAIEmbedder(client, cfg.OpenAI.EmbeddingModel), rdb, 0))
		primary = extract.NewInferenceExtractor(client, cfg.OpenAI.Model)
	}
	log.Info().Strs("providers", embedders.Names()).Bool("inference", primary != nil).Msg("embedding providers ready")

	// Connection pool and breakers
	pm := pool.NewManager(datasource.DefaultCatalog().Open, pool.Config{
		IdleTTL:      cfg.PoolIdleTTL,
		ReapInterval: cfg.PoolReapInterval,
		OpenTimeout:  cfg.PoolOpenTimeout,
	})
	go pm.Run(ctx)
	promRegistry.MustRegister(telemetry.NewPoolCollector(pm.Stats))

	breakerDefaults := breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
		CallTimeout:      cfg.BreakerCallTimeout,
	}
	breakers := breaker.NewGroup(breakerDefaults, breaker.WithListener(metrics.BreakerListener()))

	// Adapters
	adapters, err := config.LoadAdapters(cfg.AdaptersFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load adapters")
	}
	if err := adapters.CheckBindings(); err != nil {
		log.Warn().Err(err).Msg("API key bindings reference unknown adapters")
	}

	adapterRegistry := registry.New()
	adapterRegistry.Subscribe(metrics.RegistryListener())
	index := intent.NewIndex()

	mgr := manager.New(manager.Config{
		Catalog:   adapter.DefaultCatalog(adapter.Defaults{Threshold: cfg.DefaultThreshold, Breaker: breakerDefaults}),
		Registry:  adapterRegistry,
		Index:     index,
		Embedders: embedders,
		Breakers:  breakers,
		Source: func() ([]models.AdapterDescriptor, error) {
			f, err := config.LoadAdapters(cfg.AdaptersFile)
			if err != nil {
				return nil, err
			}
			return f.Descriptors(), nil
		},
		BaseDir: filepath.Dir(cfg.AdaptersFile),
	})
	if err := mgr.Load(ctx, adapters.Descriptors()); err != nil {
		log.Warn().Err(err).Msg("Some adapters failed to load")
	}
	go func() {
		if err := mgr.WatchTemplates(ctx, manager.DefaultDebounce); err != nil {
			log.Error().Err(err).Msg("Template watcher stopped")
		}
	}()

	p := pipeline.New(pipeline.Config{
		Limiter:        limiter,
		Registry:       adapterRegistry,
		Matcher:        intent.NewMatcher(index, embedders),
		Extractor:      extract.NewExtractor(primary, nil),
		Executor:       executor.New(pm, breakers),
		Metrics:        metrics,
		Quarantine:     mgr,
		DefaultAdapter: adapters.DefaultAdapter,
	})

	// Request audit log
	var audit chat.AuditLogger
	if cfg.DatabaseURL != "" {
		database, err := db.NewDB(ctx, cfg.DatabaseURL, 0)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer database.Close()
		if err := database.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to create request log table")
		}
		audit = database
	}

	// Initialize router
	router := mux.NewRouter()
	router.Use(accessLog)
	authMiddleware := auth.NewMiddleware(cfg.JWTSecret)

	// Public routes
	router.HandleFunc("/health", healthHandler).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})).Methods("GET")

	chat.NewHandler(chat.Options{
		Pipeline:   p,
		Auth:       authMiddleware,
		APIKeys:    adapters.APIKeys,
		JWTSecret:  cfg.JWTSecret,
		Audit:      audit,
		TrustProxy: cfg.TrustProxy,
	}).RegisterRoutes(router)

	// Admin routes
	adminRouter := mux.NewRouter()
	admin.NewAdminHandler(mgr, pm.Stats).RegisterRoutes(adminRouter)
	router.PathPrefix("/admin/").Handler(authMiddleware.Authenticate(authMiddleware.RequireAdmin(adminRouter)))

	// /v1/chat is limited inside the pipeline under its own scope
	general := ratelimit.NewMiddleware(limiter, ratelimit.MiddlewareOptions{
		Scope:         ratelimit.ScopeGeneral,
		TrustProxy:    cfg.TrustProxy,
		ExcludePaths:  []string{"/health", "/metrics", "/v1/chat"},
		Authenticated: authMiddleware.Authenticated,
		OnReject:      metrics.RateLimitRejected,
	})

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key", "X-Session-ID"},
		ExposedHeaders: []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
	}).Handler(authMiddleware.Optional(general.Handler(router)))

	httpServer := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
	}()

	log.Info().
		Str("port", cfg.ServerPort).
		Int("adapters", adapterRegistry.Len()).
		Str("rate_limit_backend", cfg.RateLimit.Backend).
		Msg("Server starting")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pm.Close(closeCtx); err != nil {
		log.Warn().Err(err).Msg("Closing datasource handles failed")
	}
	if err := shutdownTracing(closeCtx); err != nil {
		log.Warn().Err(err).Msg("Tracing shutdown failed")
	}
}

func setupLogging(level, format string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if lvl, err := zerolog.ParseLevel(level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func newLimiter(ctx context.Context, cfg *config.Config, rdb *redis.Client) ratelimit.Limiter {
	rules := ratelimit.Rules{
		ratelimit.ScopeChat:    {Limit: cfg.RateLimit.ChatLimit, Window: cfg.RateLimit.ChatWindow},
		ratelimit.ScopeGeneral: {Limit: cfg.RateLimit.GeneralLimit, Window: cfg.RateLimit.GeneralWindow},
	}
	if cfg.RateLimit.Backend == "memory" {
		m := ratelimit.NewMemoryLimiter(rules)
		go m.Run(ctx, time.Minute)
		return m
	}
	return ratelimit.NewRedisLimiter(rdb, rules)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": version,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.statusCode).
			Dur("latency", time.Since(start)).
			Str("request_id", w.Header().Get("X-Request-ID")).
			Msg("request")
	})
}
