// Package main is the entry point for Chorus.
// The single binary runs the session orchestrator, worktree manager and
// WebSocket gateway together with shared infrastructure.
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
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/chorus-dev/chorus/internal/common/config"
	"github.com/chorus-dev/chorus/internal/common/logger"
	"github.com/chorus-dev/chorus/internal/events/bus"
	gateways "github.com/chorus-dev/chorus/internal/gateway/websocket"
	"github.com/chorus-dev/chorus/internal/github"
	"github.com/chorus-dev/chorus/internal/orchestrator"
	orchestratorws "github.com/chorus-dev/chorus/internal/orchestrator/wshandlers"
	"github.com/chorus-dev/chorus/internal/runner"
	"github.com/chorus-dev/chorus/internal/session/repository"
	"github.com/chorus-dev/chorus/internal/workspace"
	"github.com/chorus-dev/chorus/internal/worktree"
	worktreews "github.com/chorus-dev/chorus/internal/worktree/wshandlers"
	"github.com/chorus-dev/chorus/pkg/engine"
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

	log.Info("Starting Chorus...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
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

	// 5. Initialize session repository (SQLite)
	sessionRepo, err := repository.NewSQLiteRepository(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to initialize SQLite database",
			zap.Error(err), zap.String("db_path", cfg.Database.Path))
	}
	defer sessionRepo.Close()
	log.Info("SQLite database initialized", zap.String("db_path", cfg.Database.Path))

	// Workspace and worktree stores share the session database
	db := sqlx.NewDb(sessionRepo.DB(), "sqlite3")

	// 6. Workspace service
	workspaceStore, err := workspace.NewSQLiteStore(db)
	if err != nil {
		log.Fatal("Failed to initialize workspace store", zap.Error(err))
	}
	workspaceSvc := workspace.NewService(workspaceStore, log)

	// 7. GitHub client (gh CLI, optional)
	var ghClient github.Client
	if github.GHAvailable() {
		ghClient = github.NewGHClient()
		log.Info("GitHub CLI detected, pull request creation enabled")
	} else {
		ghClient = github.NewNoopClient()
		log.Info("GitHub CLI not found, pull request creation disabled")
	}

	// 8. Worktree manager
	worktreeStore, err := worktree.NewSQLiteStore(db)
	if err != nil {
		log.Fatal("Failed to initialize worktree store", zap.Error(err))
	}
	worktreeMgr, err := worktree.NewManager(worktree.Config{
		BasePath:      cfg.Worktree.BasePath,
		DefaultBranch: cfg.Worktree.DefaultBranch,
		BranchPrefix:  cfg.Worktree.BranchPrefix,
	}, worktreeStore, workspaceSvc, ghClient, eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize worktree manager", zap.Error(err))
	}
	log.Info("Worktree Manager initialized", zap.String("base_path", cfg.Worktree.BasePath))

	// Archive leftovers from merged and abandoned worktrees
	if err := worktreeMgr.Cleanup(ctx); err != nil {
		log.Warn("Worktree cleanup failed", zap.Error(err))
	}

	// 9. Run supervisor driving the agent engine CLI
	cliEngine := engine.NewCLIEngine(cfg.Engine.Binary, cfg.Engine.Model, log)
	supervisor := runner.NewSupervisor(cliEngine, cfg.Engine.AutoApproveTools, log)
	log.Info("Run supervisor initialized",
		zap.String("engine", cfg.Engine.Binary),
		zap.Strings("auto_approve_tools", cfg.Engine.AutoApproveTools))

	// 10. Session orchestrator
	orchestratorSvc := orchestrator.NewService(sessionRepo, supervisor, worktreeMgr, eventBus, log)

	// 11. WebSocket gateway
	gateway := gateways.NewGateway(log)

	sessionHandlers := orchestratorws.NewHandlers(orchestratorSvc, log)
	sessionHandlers.RegisterHandlers(gateway.Dispatcher)

	worktreeHandlers := worktreews.NewHandlers(worktreeMgr, log)
	worktreeHandlers.RegisterHandlers(gateway.Dispatcher)

	go gateway.Hub.Run(ctx)

	broadcaster, err := gateways.RegisterSessionStreamNotifications(gateway.Hub, eventBus, log)
	if err != nil {
		log.Fatal("Failed to register stream notifications", zap.Error(err))
	}
	defer broadcaster.Close()

	// 12. HTTP server (WebSocket + REST endpoints)
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	gateway.SetupRoutes(router)

	apiV1 := router.Group("/api/v1")
	workspace.NewHandlers(workspaceSvc).RegisterRoutes(apiV1)
	worktree.NewHandlers(worktreeMgr).RegisterRoutes(apiV1)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "chorus",
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("health", "/health"),
		zap.String("http", "/api/v1"),
	)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Chorus...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Chorus stopped")
}

// corsMiddleware allows the local frontend to talk to the API.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
