package main

import (
	// Standard library
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	// External dependencies
	"github.com/gin-gonic/gin"

	// Internal packages
	"github.com/houzhh15/lexscribe/cmd/server/internal/audit"
	"github.com/houzhh15/lexscribe/cmd/server/internal/batches"
	"github.com/houzhh15/lexscribe/cmd/server/internal/config"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/degradation"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/health"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/speech"
	"github.com/houzhh15/lexscribe/pkg/logger"
)

// healthFailThreshold is the number of failed probes before switching to the fallback endpoint.
const healthFailThreshold = 3

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logCfg := cfg.LoggerConfig()
	logCfg.WithSource = !cfg.IsProduction()
	logInstance, err := logger.Init(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	appLogger := logInstance.With("component", "web-server")

	// Validate configuration
	if err := config.ValidateConfig(cfg); err != nil {
		appLogger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	appLogger.Info("configuration loaded", "env", cfg.Server.Env, "port", cfg.Server.Port)
	if cfg.IsDevelopment() {
		fmt.Println(cfg.PrintConfig())
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Speech endpoints
	primary := speech.NewHTTPRecognizer(speech.HTTPConfig{
		Name:             "primary",
		BaseURL:          cfg.Speech.APIURL,
		SyncPayloadLimit: cfg.Speech.SyncLimitBytes,
		Logger:           logInstance,
	})
	var fallback speech.Recognizer = primary
	if cfg.Speech.FallbackURL != "" {
		fallback = speech.NewHTTPRecognizer(speech.HTTPConfig{
			Name:             "fallback",
			BaseURL:          cfg.Speech.FallbackURL,
			SyncPayloadLimit: cfg.Speech.SyncLimitBytes,
			Logger:           logInstance,
		})
		appLogger.Info("fallback speech endpoint configured", "url", cfg.Speech.FallbackURL)
	}

	healthChecker := health.NewHealthChecker(primary, cfg.Speech.HealthCheckInterval, healthFailThreshold, logInstance)
	degradationCtrl := degradation.NewDegradationController(primary, fallback, healthChecker, logInstance)

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	go healthChecker.Start(bgCtx)

	// Chunk audit log
	var auditLog *audit.ChunkLogger
	var orchOpts []orchestrator.Option
	orchOpts = append(orchOpts, orchestrator.WithLogger(logInstance))
	if cfg.Audit.LogPath != "" {
		auditLog, err = audit.NewChunkLogger(cfg.Audit.LogPath, logInstance)
		if err != nil {
			appLogger.Error("audit log init failed", "error", err)
			os.Exit(1)
		}
		defer auditLog.Close()
		orchOpts = append(orchOpts, orchestrator.WithAuditSink(auditLog))
		appLogger.Info("chunk audit log ready", "path", cfg.Audit.LogPath)
	}

	orch := orchestrator.New(cfg.OrchestratorConfig(), degradationCtrl, orchOpts...)
	batchManager := batches.NewManager(orch, batches.Config{
		MaxConcurrent: int64(cfg.Server.MaxConcurrentBatches),
	}, logInstance)

	r := newRouter(cfg, routerDeps{
		batches:         batchManager,
		inspector:       orch,
		auditLog:        auditLog,
		healthChecker:   healthChecker,
		degradationCtrl: degradationCtrl,
		startTime:       time.Now(),
	})

	// Create HTTP server with graceful shutdown
	serverAddr := cfg.GetServerAddr()
	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           r,
		ReadHeaderTimeout: 30 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		appLogger.Info("server starting", "addr", serverAddr, "env", cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-quit
	appLogger.Info("shutdown signal received, shutting down server...")

	// Create shutdown context with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Attempt graceful shutdown
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("server forced to shutdown", "error", err)
	}
	if err := batchManager.Shutdown(ctx); err != nil {
		appLogger.Error("batches did not stop in time", "error", err)
	}
	healthChecker.Stop()
	appLogger.Info("server shutdown complete")
}
