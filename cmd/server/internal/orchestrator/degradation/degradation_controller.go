// Package degradation switches chunk traffic between the primary speech endpoint and a
// fallback endpoint based on the primary's health.
package degradation

import (
	"log/slog"
	"sync"

	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/health"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/speech"
	"github.com/houzhh15/lexscribe/pkg/logger"
	"github.com/houzhh15/lexscribe/pkg/metrics"
)

// DegradationController hands out the primary recognizer while it is healthy and the
// fallback recognizer otherwise, switching back once the primary recovers.
//
// Thread-safety: All public methods are thread-safe via sync.RWMutex.
type DegradationController struct {
	primary       speech.Recognizer
	fallback      speech.Recognizer
	healthChecker *health.HealthChecker
	current       speech.Recognizer
	mu            sync.RWMutex
	isDegraded    bool
	log           *slog.Logger
}

// NewDegradationController starts on the primary recognizer.
// hc must monitor primary.
func NewDegradationController(primary, fallback speech.Recognizer, hc *health.HealthChecker, log *slog.Logger) *DegradationController {
	if log == nil {
		log = logger.L()
	}
	return &DegradationController{
		primary:       primary,
		fallback:      fallback,
		healthChecker: hc,
		current:       primary,
		log:           log,
	}
}

// GetRecognizer returns the recognizer to use for the next chunk, switching first if the
// primary's health changed since the last call.
func (dc *DegradationController) GetRecognizer() speech.Recognizer {
	status := dc.healthChecker.GetStatus()

	dc.mu.Lock()
	defer dc.mu.Unlock()

	if !status.IsHealthy && !dc.isDegraded {
		dc.log.Warn("degrading to fallback speech endpoint",
			"fallback", dc.fallback.Name(), "primary", dc.primary.Name(), "reason", status.ErrorMessage)
		metrics.RecordFallbackEvent(dc.primary.Name(), dc.fallback.Name())
		dc.current = dc.fallback
		dc.isDegraded = true
	}

	if status.IsHealthy && dc.isDegraded {
		dc.log.Info("recovering to primary speech endpoint", "primary", dc.primary.Name())
		metrics.RecordFallbackEvent(dc.fallback.Name(), dc.primary.Name())
		dc.current = dc.primary
		dc.isDegraded = false
	}

	return dc.current
}

// IsDegraded reports whether the fallback is in use.
func (dc *DegradationController) IsDegraded() bool {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return dc.isDegraded
}

// Status returns the primary's health together with the active endpoint name.
func (dc *DegradationController) Status() (health.ServiceStatus, string) {
	status := dc.healthChecker.GetStatus()
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return status, dc.current.Name()
}
