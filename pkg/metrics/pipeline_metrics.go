// Package metrics provides Prometheus metrics for monitoring the transcription pipeline.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Pipeline metrics
var (
	// chunkProcessedTotal records the number of chunk stage completions.
	// Labels:
	//   - stage: Pipeline stage (e.g., "upload", "submit", "poll", "merge")
	//   - status: "success" or "error"
	chunkProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexscribe_chunks_processed_total",
			Help: "Total number of chunk stage completions by stage and status",
		},
		[]string{"stage", "status"},
	)

	// chunkErrorsTotal records chunk failures by error kind.
	chunkErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexscribe_chunk_errors_total",
			Help: "Total number of chunk errors by stage and error kind",
		},
		[]string{"stage", "kind"},
	)

	// chunkDuration records how long one chunk stage took.
	// Buckets: 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s, 300s (5 minutes), 600s
	chunkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lexscribe_chunk_stage_duration_seconds",
			Help:    "Duration of chunk pipeline stages in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
		},
		[]string{"stage"},
	)

	// pollAttemptsTotal records long-running operation polls by observed status.
	// Labels:
	//   - status: queued, processing, completed, error, rate_limited, transient
	pollAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexscribe_poll_attempts_total",
			Help: "Total number of operation poll attempts by observed status",
		},
		[]string{"status"},
	)

	// fallbackEventsTotal records strategy/encoding/endpoint fallbacks.
	// Labels:
	//   - from: e.g. "standard", "declared_encoding", "preprocessed", "primary"
	//   - to: e.g. "streaming", "auto_detect", "direct_upload", "fallback"
	fallbackEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexscribe_fallback_events_total",
			Help: "Total number of pipeline fallback events",
		},
		[]string{"from", "to"},
	)

	// batchOutcomesTotal records terminal batch outcomes.
	batchOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexscribe_batch_outcomes_total",
			Help: "Total number of finished batches by outcome",
		},
		[]string{"outcome"},
	)

	// activeBatches is the number of batches currently running.
	activeBatches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lexscribe_active_batches",
			Help: "Number of transcription batches currently running",
		},
	)

	// speechServiceHealthy reflects the latest speech API health probe (0=unhealthy, 1=healthy).
	speechServiceHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lexscribe_speech_service_healthy",
			Help: "Speech API health status (0=unhealthy, 1=healthy)",
		},
	)
)

func init() {
	prometheus.MustRegister(chunkProcessedTotal)
	prometheus.MustRegister(chunkErrorsTotal)
	prometheus.MustRegister(chunkDuration)
	prometheus.MustRegister(pollAttemptsTotal)
	prometheus.MustRegister(fallbackEventsTotal)
	prometheus.MustRegister(batchOutcomesTotal)
	prometheus.MustRegister(activeBatches)
	prometheus.MustRegister(speechServiceHealthy)
}

// RecordChunkProcessed records a chunk stage completion.
func RecordChunkProcessed(stage string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	chunkProcessedTotal.WithLabelValues(stage, status).Inc()
}

// RecordChunkError records a classified chunk error.
func RecordChunkError(stage, kind string) {
	chunkErrorsTotal.WithLabelValues(stage, kind).Inc()
}

// RecordChunkDuration records the duration of one chunk stage in seconds.
func RecordChunkDuration(stage string, durationSeconds float64) {
	chunkDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordPollAttempt records one poll of a long-running operation.
func RecordPollAttempt(status string) {
	pollAttemptsTotal.WithLabelValues(status).Inc()
}

// RecordFallbackEvent records a fallback from one mode to another.
func RecordFallbackEvent(from, to string) {
	fallbackEventsTotal.WithLabelValues(from, to).Inc()
}

// RecordBatchOutcome records a terminal batch outcome.
func RecordBatchOutcome(outcome string) {
	batchOutcomesTotal.WithLabelValues(outcome).Inc()
}

// BatchStarted increments the active batch gauge.
func BatchStarted() { activeBatches.Inc() }

// BatchFinished decrements the active batch gauge.
func BatchFinished() { activeBatches.Dec() }

// SetSpeechServiceHealthy sets the speech API health gauge.
func SetSpeechServiceHealthy(healthy bool) {
	if healthy {
		speechServiceHealthy.Set(1)
	} else {
		speechServiceHealthy.Set(0)
	}
}
