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

	"github.com/redpilot/redpilot/internal/api"
	"github.com/redpilot/redpilot/internal/common/config"
	"github.com/redpilot/redpilot/internal/common/logger"
	"github.com/redpilot/redpilot/internal/events/bus"
	ws "github.com/redpilot/redpilot/internal/gateway/websocket"
	"github.com/redpilot/redpilot/internal/license"
	"github.com/redpilot/redpilot/internal/scheduler"
	"github.com/redpilot/redpilot/internal/task/agent"
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
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting scheduler service...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the event bus. An empty NATS URL selects the in-process bus.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Load the license gate
	gate := license.NewManager(cfg.License.Path, log)

	// 6. Prepare durable state directories
	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		log.Fatal("Failed to create data directory", zap.Error(err))
	}
	creds := agent.NewCredentialStore(cfg.Data.WorkspaceDir(), cfg.Data.SharedCookiePath(), log)

	// 7. Build the scheduler, restoring tasks from the snapshot
	sched, err := scheduler.New(scheduler.Options{
		Config:   cfg.Scheduler,
		Snapshot: cfg.Data.SnapshotPath(),
		MetaDir:  cfg.Data.MetaDir(),
		Factory:  agent.NewOperatorFactory(cfg.Automation, log),
		Creds:    creds,
		Gate:     gate,
		Bus:      eventBus,
		Logger:   log,
	})
	if err != nil {
		log.Fatal("Failed to restore scheduler state", zap.Error(err))
	}

	// 8. Start the dispatch loop
	if cfg.Scheduler.Autostart {
		if err := sched.Start(ctx); err != nil {
			log.Fatal("Failed to start dispatch loop", zap.Error(err))
		}
	}

	// 9. Start the WebSocket gateway
	hub := ws.NewHub(log)
	go hub.Run(ctx)
	broadcaster := ws.RegisterNotifications(ctx, eventBus, hub, log)
	wsHandler := ws.NewHandler(hub, log)

	// 10. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.Recovery(log))
	router.Use(api.RequestLogger(log))
	router.Use(api.CORS())

	// 11. Register API routes
	v1group := router.Group("/api/v1")
	api.SetupRoutes(v1group, sched, log)

	handler := api.NewHandler(sched, log)
	router.GET("/health", handler.Health)
	router.GET("/ws", wsHandler.HandleConnection)

	// 12. Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 13. Start server in goroutine
	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 14. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down scheduler service...")

	// 15. Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if sched.Running() {
		if err := sched.Stop(shutdownCtx); err != nil {
			log.Error("Dispatch loop stop error", zap.Error(err))
		}
	}

	broadcaster.Close()
	cancel()

	// Final state flush
	if err := sched.Close(); err != nil {
		log.Error("Failed to persist scheduler state", zap.Error(err))
	}

	log.Info("Scheduler service stopped")
}
