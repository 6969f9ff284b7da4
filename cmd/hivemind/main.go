// Package main is the entry point for the hivemind orchestrator.
// The single binary supervises agent child processes and exposes the
// HTTP, SSE and WebSocket surfaces over one listener.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hivemind/hivemind/internal/agent/manager"
	"github.com/hivemind/hivemind/internal/api"
	"github.com/hivemind/hivemind/internal/bus"
	"github.com/hivemind/hivemind/internal/common/config"
	"github.com/hivemind/hivemind/internal/common/logger"
	"github.com/hivemind/hivemind/internal/events"
	eventbus "github.com/hivemind/hivemind/internal/events/bus"
	gateways "github.com/hivemind/hivemind/internal/gateway/websocket"
	"github.com/hivemind/hivemind/internal/guardrails"
	"github.com/hivemind/hivemind/internal/sanitizer"
	"github.com/hivemind/hivemind/internal/secrets"
	"github.com/hivemind/hivemind/internal/store"
	"github.com/hivemind/hivemind/internal/sysinfo"
	"github.com/hivemind/hivemind/internal/tracing"
	"github.com/hivemind/hivemind/internal/workflow"
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

	log.Info("Starting hivemind...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Probe the persistent dependency cache before anything writes to it
	var depCache sysinfo.DepCache
	state := depCache.Init(cfg.Persistence.BasePath)
	log.Info("Dependency cache ready",
		zap.String("path", state.Path),
		zap.Bool("persistent", state.Persistent),
		zap.Int64("duration_ms", state.DurationMs))

	// 4. Initialize event bus (in-memory, or NATS if configured)
	provided, eventsCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	if provided.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// 5. Agent record store (SQLite)
	db, err := store.Open(cfg.Persistence.DBPath)
	if err != nil {
		log.Fatal("Failed to open database", zap.String("path", cfg.Persistence.DBPath), zap.Error(err))
	}
	defer db.Close()
	records, err := store.New(db)
	if err != nil {
		log.Fatal("Failed to initialize record store", zap.Error(err))
	}

	// 6. Inter-agent message bus
	messageBus := bus.New(cfg.Persistence.BasePath, log)

	// 7. Secrets store and output sanitizer. Secret changes invalidate the
	// sanitizer's pattern cache.
	secretStore := secrets.NewStore(log)
	san := sanitizer.New(log, secretStore.Values)
	secretStore.Subscribe(san.ResetCache)

	// 8. Guardrails, overridable from the persistent volume
	registry, err := guardrails.NewRegistryFromFile(filepath.Join(cfg.Persistence.BasePath, "guardrails.yaml"))
	if err != nil {
		log.Fatal("Failed to load guardrails", zap.Error(err))
	}

	// 9. Agent manager
	memProbe := sysinfo.NewMemoryProbe()
	mgr := manager.New(manager.Options{
		Guardrails:    registry,
		Sanitizer:     san,
		Bus:           messageBus,
		Events:        provided.Bus,
		Records:       records,
		Memory:        memProbe,
		Logger:        log,
		Command:       cfg.Agent.Command,
		WorkspaceBase: cfg.Agent.WorkspaceBase,
		Env:           os.Environ(),
	})
	if err := mgr.Restore(ctx); err != nil {
		log.Warn("Failed to restore agents from store", zap.Error(err))
	}
	go mgr.RunTTL(ctx)

	// 10. Workflow tracker, fed by the message bus
	workflows := workflow.NewService(workflow.DefaultMaxActive, provided.Bus, log)
	workflows.Watch(messageBus)

	// Mirror bus posts onto the lifecycle event bus so WebSocket clients
	// see new messages without polling.
	messageBus.Subscribe(func(msg bus.Message) {
		_ = provided.Bus.Publish(ctx, events.SubjectBus, eventbus.NewEvent(
			events.BusMessagePosted, "bus", map[string]interface{}{
				"messageId": msg.ID,
				"from":      msg.From,
				"to":        msg.To,
				"channel":   msg.Channel,
				"type":      msg.Type,
			}))
	})

	// 11. WebSocket gateway mirroring the event bus
	wsHub := gateways.NewHub(provided.Bus, log)
	if err := wsHub.Start(); err != nil {
		log.Fatal("Failed to start WebSocket gateway", zap.Error(err))
	}

	// 12. HTTP surface
	handlers := api.NewHandlers(mgr, messageBus, workflows, registry, secretStore, memProbe, &depCache, log)
	router := api.NewRouter(handlers, wsHub, log)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("http", "/api"),
		zap.String("websocket", "/ws"),
		zap.String("health", "/api/health"),
	)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down hivemind...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	mgr.DestroyAll(shutdownCtx)
	wsHub.Stop()
	workflows.Stop()

	if err := messageBus.Flush(); err != nil {
		log.Error("Message bus flush error", zap.Error(err))
	}
	if err := eventsCleanup(); err != nil {
		log.Error("Event bus shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("hivemind stopped")
}
