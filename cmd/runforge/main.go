// Package main is the entry point for the runforge server. A single binary
// exposes run orchestration over WebSocket and HTTP endpoints.
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
	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/common/config"
	"github.com/runforge/runforge/internal/common/httpmw"
	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/events"
	gatewayhttp "github.com/runforge/runforge/internal/gateway/http"
	gatewayws "github.com/runforge/runforge/internal/gateway/websocket"
	"github.com/runforge/runforge/internal/run"
	"github.com/runforge/runforge/internal/run/agentcmd"
	"github.com/runforge/runforge/internal/run/policy"
	"github.com/runforge/runforge/internal/run/sanitize"
	"github.com/runforge/runforge/internal/tracing"
	ws "github.com/runforge/runforge/pkg/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting runforge...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	eventBus := providedBus.Bus
	if providedBus.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	pol, err := policy.New(cfg.Runner.GatedTools, cfg.Runner.PolicyFile)
	if err != nil {
		log.Fatal("Failed to load gating policy", zap.Error(err))
	}
	sanitizer := sanitize.New(sanitize.Config{
		BrandName:  cfg.Sanitizer.BrandName,
		BrandAlias: cfg.Sanitizer.BrandAlias,
		ModelAlias: cfg.Sanitizer.ModelAlias,
	})
	builder := agentcmd.NewBuilder(cfg.Agent)

	registry := run.NewRegistry(cfg.Runner, sanitizer, builder, pol, eventBus, log)
	log.Info("Run registry initialized",
		zap.Int("max_concurrent_runs", cfg.Runner.MaxConcurrentRuns),
		zap.Strings("gated_tools", pol.GatedTools()))

	// WebSocket gateway
	dispatcher := ws.NewDispatcher()
	hub := gatewayws.NewHub(dispatcher, log)
	go hub.Run(ctx)
	gatewayws.RegisterHealthHandler(dispatcher)
	gatewayws.NewRunHandler(registry, hub, log)
	wsHandler := gatewayws.NewHandler(hub, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "runforge"))
	router.Use(httpmw.OtelTracing("runforge"))

	router.GET("/ws", wsHandler.HandleConnection)

	gatewayhttp.NewHandlers(registry, log).RegisterRoutes(router.Group("/api/v1"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "runforge",
		})
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("http", "/api/v1"),
		zap.String("health", "/health"),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down runforge...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	registry.Shutdown(shutdownCtx)

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("runforge stopped")
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
