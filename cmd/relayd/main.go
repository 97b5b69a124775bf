// Relay daemon: the execution engine that lets chat frontends drive
// long-running interactive CLI coding agents over HTTP and WebSocket.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/api"
	"github.com/relaydev/relay/internal/api/stream"
	"github.com/relaydev/relay/internal/approval"
	"github.com/relaydev/relay/internal/budget"
	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/events/bus"
	"github.com/relaydev/relay/internal/executor"
	"github.com/relaydev/relay/internal/history"
	"github.com/relaydev/relay/internal/hooks"
	"github.com/relaydev/relay/internal/session"
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
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	log.Info("Starting Relay",
		zap.Int("port", cfg.Server.Port),
		zap.String("log_level", cfg.Logging.Level))

	// 3. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 4. Hook dispatcher with bus and WebSocket bridges
	dispatcher := hooks.NewDispatcher(log)
	if err := hooks.BindBus(dispatcher, eventBus, "relayd"); err != nil {
		log.Fatal("Failed to bind event bus bridge", zap.Error(err))
	}
	hub := stream.NewHub(log)
	if err := stream.BindDispatcher(dispatcher, hub); err != nil {
		log.Fatal("Failed to bind stream bridge", zap.Error(err))
	}

	// 5. Session pool
	profiles := session.NewProfileRegistry()
	pool := session.NewPool(cfg.Session, profiles, log)
	pool.SetDispatcher(dispatcher)

	// 6. Budget checker and scheduler. No usage command means no admission
	// control; the executor skips the gate when the checker is nil.
	var checker *budget.Checker
	scheduler := budget.NewScheduler(cfg.Budget)
	if strings.TrimSpace(cfg.Budget.UsageCommand) != "" {
		source := budget.NewCLISource(cfg.Budget.UsageCommand, cfg.Budget.CheckTimeoutDuration())
		checker = budget.NewChecker(source, cfg.Budget.CacheTTLDuration(), log)
	} else {
		log.Warn("Budget usage command not configured, admission control disabled")
	}

	// 7. Approval registries
	permissions := approval.NewRegistry("permission", log)
	plans := approval.NewRegistry("plan", log)

	// 8. History stores
	var store history.Store
	if cfg.History.SQLitePath != "" {
		sqlStore, err := history.NewSQLiteStore(cfg.History.SQLitePath)
		if err != nil {
			log.Fatal("Failed to open history database", zap.Error(err))
		}
		store = sqlStore
		log.Info("Execution history on SQLite", zap.String("path", cfg.History.SQLitePath))
	} else {
		store = history.NewMemoryStore()
		log.Info("Execution history in memory only")
	}
	defer store.Close()
	transcripts := history.NewTranscriptStore(cfg.History.TranscriptLimit)

	// 9. Executor
	exec := executor.New(executor.Deps{
		Pool:        pool,
		Checker:     checker,
		Scheduler:   scheduler,
		Permissions: permissions,
		Plans:       plans,
		Dispatcher:  dispatcher,
		Store:       store,
		Transcripts: transcripts,
		Logger:      log,
	})

	// 10. HTTP API
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	handler := api.NewHandler(api.Deps{
		Runner:      exec,
		Sessions:    pool,
		Checker:     checker,
		Scheduler:   scheduler,
		Permissions: permissions,
		Plans:       plans,
		Store:       store,
		Transcripts: transcripts,
		Profiles:    profiles,
		Hub:         hub,
		Logger:      log,
	})
	api.SetupRoutes(engine, handler, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 11. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Shutting down", zap.String("signal", sig.String()))

	// 12. Graceful shutdown: stop accepting traffic, then stop workers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}

	permissions.CancelAll()
	plans.CancelAll()
	pool.CleanupAll()

	log.Info("Relay stopped")
}
