// Package health probes the speech service periodically and tracks consecutive failures
// so the degradation controller can route chunks to a fallback endpoint.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/speech"
	"github.com/houzhh15/lexscribe/pkg/logger"
	"github.com/houzhh15/lexscribe/pkg/metrics"
)

// probeTimeout bounds a single health probe.
const probeTimeout = 10 * time.Second

// ServiceStatus represents the current health state of a speech endpoint.
// All fields are safe for JSON serialization and can be exposed via API endpoints.
type ServiceStatus struct {
	// Service is the recognizer name
	Service string `json:"service"`

	// IsHealthy indicates whether the service passed recent health checks
	IsHealthy bool `json:"is_healthy"`

	// LastCheckTime records when the most recent health check was performed
	LastCheckTime time.Time `json:"last_check_time"`

	// ConsecutiveFails counts how many health checks have failed in a row.
	// Reset to 0 when a check succeeds.
	ConsecutiveFails int `json:"consecutive_fails"`

	// ErrorMessage contains the last error message; empty if healthy
	ErrorMessage string `json:"error_message"`
}

// HealthChecker performs periodic health checks on a speech.Recognizer.
//
// Thread-safety: All public methods are thread-safe via sync.RWMutex.
type HealthChecker struct {
	recognizer    speech.Recognizer
	status        ServiceStatus
	mu            sync.RWMutex
	checkInterval time.Duration
	failThreshold int
	stopChan      chan struct{}
	stopOnce      sync.Once
	log           *slog.Logger
}

// NewHealthChecker creates a checker that marks the service unhealthy after
// failThreshold consecutive failed probes. It starts in a healthy state.
// Call Start() to begin periodic health checks.
func NewHealthChecker(recognizer speech.Recognizer, checkInterval time.Duration, failThreshold int, log *slog.Logger) *HealthChecker {
	if failThreshold < 1 {
		failThreshold = 1
	}
	if log == nil {
		log = logger.L()
	}
	return &HealthChecker{
		recognizer:    recognizer,
		checkInterval: checkInterval,
		failThreshold: failThreshold,
		stopChan:      make(chan struct{}),
		log:           log,
		status: ServiceStatus{
			Service:       recognizer.Name(),
			IsHealthy:     true,
			LastCheckTime: time.Now(),
		},
	}
}

// Start runs an immediate check, then one per interval, until Stop() or ctx ends.
// It blocks; run it in a goroutine.
func (hc *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(hc.checkInterval)
	defer ticker.Stop()

	hc.CheckNow(ctx)

	for {
		select {
		case <-ticker.C:
			hc.CheckNow(ctx)
		case <-hc.stopChan:
			hc.log.Info("health checker stopped", "service", hc.recognizer.Name())
			return
		case <-ctx.Done():
			hc.log.Info("health checker context cancelled", "service", hc.recognizer.Name())
			return
		}
	}
}

// CheckNow executes a single probe, updates the status and returns a copy of it.
func (hc *HealthChecker) CheckNow(ctx context.Context) ServiceStatus {
	checkCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	isHealthy, err := hc.recognizer.HealthCheck(checkCtx)

	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.status.LastCheckTime = time.Now()
	name := hc.recognizer.Name()

	if isHealthy {
		if !hc.status.IsHealthy {
			hc.log.Info("speech service recovered", "service", name)
		}
		hc.status.IsHealthy = true
		hc.status.ConsecutiveFails = 0
		hc.status.ErrorMessage = ""
		metrics.SetSpeechServiceHealthy(true)
		return hc.status
	}

	hc.status.ConsecutiveFails++
	errMsg := "unknown error"
	if err != nil {
		errMsg = err.Error()
	}
	hc.status.ErrorMessage = fmt.Sprintf("health check failed: %s", errMsg)

	if hc.status.ConsecutiveFails >= hc.failThreshold {
		if hc.status.IsHealthy {
			hc.log.Error("speech service marked unhealthy",
				"service", name, "consecutive_fails", hc.status.ConsecutiveFails)
		}
		hc.status.IsHealthy = false
		metrics.SetSpeechServiceHealthy(false)
	} else {
		hc.log.Warn("speech service health check failed",
			"service", name, "fails", hc.status.ConsecutiveFails, "threshold", hc.failThreshold, "error", errMsg)
	}
	return hc.status
}

// GetStatus returns a copy of the current health status.
func (hc *HealthChecker) GetStatus() ServiceStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.status
}

// Stop terminates the loop started by Start. Safe to call more than once.
func (hc *HealthChecker) Stop() {
	hc.stopOnce.Do(func() { close(hc.stopChan) })
}
