// Package main is the agentdeck server entry point: a WebSocket + SSE
// backend that runs one external agent subprocess per session and a
// pool of helper terminals per client connection.
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
	"golang.org/x/sync/errgroup"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/gateway/stream"
	gateways "github.com/agentdeck/agentdeck/internal/gateway/websocket"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/session/store"
	"github.com/agentdeck/agentdeck/internal/shutdown"
	"github.com/agentdeck/agentdeck/internal/telemetry"
	"github.com/agentdeck/agentdeck/internal/transcript"
	ws "github.com/agentdeck/agentdeck/pkg/websocket"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting agentdeck...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (in-memory by default, NATS if configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// 4. Stores: transcripts on disk, session index in SQLite
	transcripts, err := transcript.NewStore(cfg.Sessions.Dir, log)
	if err != nil {
		log.Fatal("Failed to open sessions directory", zap.Error(err))
	}
	index, err := store.Open(cfg.Sessions.IndexPath)
	if err != nil {
		log.Fatal("Failed to open session index", zap.Error(err))
	}
	defer func() { _ = index.Close() }()

	// 5. Shutdown coordinator: every spawned child registers here so a
	// termination signal can never leave orphans behind.
	coordinator := shutdown.NewCoordinator(log)

	// 6. Session registry
	registry := session.NewRegistry(cfg.Agent, transcripts, index, eventBus, coordinator, log)

	// Keep the index in sync with transcripts appearing or vanishing on
	// disk outside our control.
	watcher, err := session.NewWatcher(cfg.Sessions.Dir, index, log)
	if err != nil {
		log.Warn("Sessions directory watcher unavailable", zap.Error(err))
	} else {
		defer func() { _ = watcher.Close() }()
	}

	// 7. WebSocket gateway
	dispatcher := ws.NewDispatcher()
	gateways.RegisterHealthHandler(dispatcher)
	gateways.RegisterSessionHandlers(dispatcher, registry)

	hub := gateways.NewHub(dispatcher, log)
	go hub.Run(ctx)
	if _, err := hub.SubscribeBus(eventBus); err != nil {
		log.Error("Failed to subscribe to session events", zap.Error(err))
	}

	wsHandler := gateways.NewHandler(hub, registry, cfg.Terminal, coordinator, log)
	sseHandler := stream.NewHandler(registry, transcripts, log)

	// 8. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/ws", wsHandler.HandleConnection)
	router.GET("/api/sessions/:id/stream", sseHandler.HandleStream)
	router.GET("/api/sessions", func(c *gin.Context) {
		records, err := registry.List(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": records})
	})
	router.DELETE("/api/sessions/:id", func(c *gin.Context) {
		if err := registry.Remove(c.Request.Context(), c.Param("id")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "agentdeck",
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Server listening",
			zap.String("host", cfg.Server.Host), zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	// 9. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-gctx.Done():
	}

	log.Info("Shutting down agentdeck...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Sessions first (graceful close of agents and transcripts), then a
	// hard sweep of anything still registered.
	registry.CloseAll()
	coordinator.KillAll()

	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Error("Telemetry shutdown error", zap.Error(err))
	}

	if err := g.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
	}
	log.Info("agentdeck stopped")
}

// corsMiddleware allows browser clients served from another origin to
// reach the API.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
