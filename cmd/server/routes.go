package main

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/houzhh15/lexscribe/cmd/server/internal/api"
	"github.com/houzhh15/lexscribe/cmd/server/internal/audit"
	"github.com/houzhh15/lexscribe/cmd/server/internal/batches"
	"github.com/houzhh15/lexscribe/cmd/server/internal/config"
	"github.com/houzhh15/lexscribe/cmd/server/internal/middleware"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/degradation"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/health"
	"github.com/houzhh15/lexscribe/pkg/logger"
)

const serviceVersion = "1.0.0"

type routerDeps struct {
	batches         *batches.Manager
	inspector       api.Inspector
	auditLog        *audit.ChunkLogger
	healthChecker   *health.HealthChecker
	degradationCtrl *degradation.DegradationController
	startTime       time.Time
}

func newRouter(cfg *config.Config, deps routerDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())

	// Probes and metrics (no authentication required)
	r.GET("/health", healthCheckHandler(cfg, deps.startTime))
	r.GET("/api/v1/health", healthCheckHandler(cfg, deps.startTime))
	r.GET("/readiness", readinessCheckHandler(cfg, deps.healthChecker))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.GET("/services/speech/health", api.HandleSpeechHealthCheck(deps.degradationCtrl, deps.healthChecker))

	transcriptions := v1.Group("")
	transcriptions.Use(middleware.MaxUploadSize(cfg.Server.MaxUploadBytes))
	api.NewTranscriptionHandler(deps.batches, cfg.Speech.APIKey, deps.auditLog, logger.L()).Register(transcriptions)
	transcriptions.POST("/inspect", api.HandleInspect(deps.inspector))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "route not found"})
	})
	return r
}

// HealthCheckResponse represents the response from the health check endpoint
type HealthCheckResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
	Env       string    `json:"env"`
}

// ReadinessCheckResponse represents the response from the readiness check endpoint
type ReadinessCheckResponse struct {
	Ready     bool             `json:"ready"`
	Checks    []ReadinessCheck `json:"checks"`
	Timestamp time.Time        `json:"timestamp"`
}

// ReadinessCheck represents a single readiness check
type ReadinessCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok" or "fail"
	Error  string `json:"error,omitempty"`
}

// healthCheckHandler returns the liveness probe handler
func healthCheckHandler(cfg *config.Config, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthCheckResponse{
			Status:    "healthy",
			Service:   "lexscribe",
			Version:   serviceVersion,
			Uptime:    time.Since(startTime).String(),
			Timestamp: time.Now(),
			Env:       cfg.Server.Env,
		})
	}
}

// readinessCheckHandler returns the readiness probe handler.
// The service stays ready while degraded; only a missing audit directory makes it unready.
func readinessCheckHandler(cfg *config.Config, hc *health.HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := []ReadinessCheck{}
		allReady := true

		// Check audit log directory
		if cfg.Audit.LogPath != "" {
			auditCheck := ReadinessCheck{Name: "audit_log_dir", Status: "ok"}
			if !checkDataDirAccessible(filepath.Dir(cfg.Audit.LogPath)) {
				auditCheck.Status = "fail"
				auditCheck.Error = "audit log directory not accessible"
				allReady = false
			}
			checks = append(checks, auditCheck)
		}

		// Report speech endpoint health
		if hc != nil {
			speechCheck := ReadinessCheck{Name: "speech_primary", Status: "ok"}
			if status := hc.GetStatus(); !status.IsHealthy {
				speechCheck.Status = "fail"
				speechCheck.Error = status.ErrorMessage
			}
			checks = append(checks, speechCheck)
		}

		httpStatus := http.StatusOK
		if !allReady {
			httpStatus = http.StatusServiceUnavailable
		}
		c.JSON(httpStatus, ReadinessCheckResponse{
			Ready:     allReady,
			Checks:    checks,
			Timestamp: time.Now(),
		})
	}
}

// checkDataDirAccessible checks if a directory is accessible
func checkDataDirAccessible(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil {
		return false
	}
	return info.IsDir()
}
