package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/bizmatters/agent-builder/app-orchestrator/internal/auth"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/config"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/conversation"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/gateway"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/logger"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/metrics"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/orchestration"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/snapshot"

	_ "github.com/bizmatters/agent-builder/app-orchestrator/docs" // swagger docs
)

// @title App Orchestrator API
// @version 1.0
// @description Conversation engine for the AI app builder.
// @description
// @description Clients open a WebSocket session, send user messages and receive AG-UI events
// @description while agent pipelines generate and modify an application in a sandbox container.

// @contact.name API Support
// @contact.email support@bizmatters.dev

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the JWT token.

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.InitGlobalLogger(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

	tp, err := initTracer()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracer")
	}

	// Snapshot persistence
	var pool *pgxpool.Pool
	if cfg.Database.URL != "" {
		pool, err = connectDatabase(cfg.Database.URL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database after retries")
		}
		defer pool.Close()
	}
	store, err := openSnapshotStore(cfg, pool, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open snapshot store")
	}

	// Metrics
	var service *orchestration.Service
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sessionMetrics := metrics.NewSessionMetrics(registry, func() float64 {
		if service == nil {
			return 0
		}
		return float64(service.Registry().Len())
	})
	turnMetrics, err := metrics.NewTurnMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create turn metrics")
	}

	persister := snapshot.NewPersister(store, log, snapshot.WithObserver(sessionMetrics))

	// Orchestration layer
	runtimeClient := orchestration.NewAgentRuntimeClient(cfg.Pipeline.AgentRuntimeURL, log)
	sandboxClient := orchestration.NewSandboxClient(cfg.Pipeline.SandboxURL, log)
	router := orchestration.NewRouter(runtimeClient, runtimeClient,
		orchestration.RouterConfig{
			MaxRetries:      cfg.Pipeline.MaxRetries,
			PipelineTimeout: cfg.Pipeline.Timeout,
			DevServerProbe:  cfg.Pipeline.DevServerProbe,
		},
		orchestration.WithSandbox(sandboxClient),
		orchestration.WithSnapshots(persister),
		orchestration.WithTurnMetrics(turnMetrics),
		orchestration.WithRouterLogger(log),
	)
	contexts := conversation.NewStore(store, log, conversation.WithPending(persister))
	service = orchestration.NewService(contexts, router, log)

	var jwtManager *auth.JWTManager
	if cfg.Auth.Required {
		jwtManager, err = auth.NewJWTManager()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize JWT manager")
		}
	}

	// Gateway layer
	checks := map[string]gateway.ReadinessCheck{}
	if pinger, ok := store.(snapshot.Pinger); ok {
		checks["snapshots"] = pinger.Ping
	}
	gatewayHandler := gateway.NewHandler(service, checks, log)
	socket := gateway.NewConversationSocket(service, jwtManager, gateway.SessionConfig{
		PongWait:  cfg.Session.PongWait,
		WriteWait: cfg.Session.WriteWait,
	}, sessionMetrics, log)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(gateway.RequestLogger(log))

	// Health checks MUST be at the root for the WebService standard
	engine.GET("/health", gatewayHandler.Health)
	engine.GET("/ready", gatewayHandler.Ready)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))
	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := engine.Group("/api")
	api.GET("/health", gatewayHandler.Health)

	// The socket authenticates during the handshake itself
	api.GET("/ws/conversations", socket.Serve)

	protected := api.Group("")
	if jwtManager != nil {
		protected.Use(auth.RequireAuth(jwtManager, log))
	}
	protected.GET("/conversations/:id/state", gatewayHandler.GetConversationState)
	protected.DELETE("/conversations/:id/container", gatewayHandler.ReleaseContainer)

	server := &http.Server{
		Addr:        cfg.Port,
		Handler:     engine,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.LogServerStart(cfg.Port, cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.LogServerShutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if err := socket.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("sessions did not close in time")
	}
	if err := persister.Close(ctx); err != nil {
		log.Error().Err(err).Msg("pending snapshots were not written")
	}
	if err := tp.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("failed to flush traces")
	}

	log.Info().Msg("server exited")
}

// initTracer initializes OpenTelemetry tracing
func initTracer() (*trace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp, nil
}

// connectDatabase opens a pool, retrying while the database starts up
func connectDatabase(dbURL string, log *logger.Logger) (*pgxpool.Pool, error) {
	log.Info().Msg("connecting to PostgreSQL database")

	var pool *pgxpool.Pool
	var err error
	for i := 0; i < 10; i++ {
		pool, err = pgxpool.New(context.Background(), dbURL)
		if err == nil {
			err = pool.Ping(context.Background())
			if err == nil {
				log.Info().Msg("connected to PostgreSQL database")
				return pool, nil
			}
			pool.Close()
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("waiting for database")
		time.Sleep(3 * time.Second)
	}
	return nil, err
}

// openSnapshotStore picks Postgres, then S3, then memory, behind a read cache
func openSnapshotStore(cfg *config.Config, pool *pgxpool.Pool, log *logger.Logger) (snapshot.Store, error) {
	var backend snapshot.Store
	switch {
	case pool != nil:
		pg := snapshot.NewPostgresStore(pool)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		log.Info().Str("backend", "postgres").Msg("snapshot store ready")
		backend = pg
	case cfg.Snapshot.S3.Enabled():
		s3, err := snapshot.NewS3Store(snapshot.S3Config{
			Endpoint:  cfg.Snapshot.S3.Endpoint,
			Region:    cfg.Snapshot.S3.Region,
			AccessKey: cfg.Snapshot.S3.AccessKey,
			SecretKey: cfg.Snapshot.S3.SecretKey,
			Bucket:    cfg.Snapshot.S3.Bucket,
			UseSSL:    cfg.Snapshot.S3.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("backend", "s3").Str("bucket", cfg.Snapshot.S3.Bucket).Msg("snapshot store ready")
		backend = s3
	default:
		log.Warn().Msg("no snapshot backend configured, snapshots are kept in memory")
		backend = snapshot.NewMemoryStore()
	}

	if cfg.Snapshot.CacheSize == 0 {
		return backend, nil
	}
	return snapshot.NewCachedStore(backend, cfg.Snapshot.CacheSize)
}
