// Package chunking decides how a source is split and produces byte-range chunks
// that never cut through a container frame when the container allows finding one.
package chunking

import (
	"fmt"
	"math"

	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/audioformat"
)

const (
	KiB = 1024
	MiB = 1024 * KiB
)

// Strategy values
type Strategy string

const (
	StrategySingle    Strategy = "SINGLE"
	StrategyStandard  Strategy = "STANDARD"
	StrategyStreaming Strategy = "STREAMING"
)

// Planner defaults.
const (
	DefaultPayloadCeiling     int64   = 10 * MiB
	DefaultExpansionFactor    float64 = 1.33
	DefaultSafetyMargin       int64   = 512 * KiB
	DefaultStreamingThreshold int64   = 50 * MiB
	MinSafetyMargin           int64   = 100 * KiB
	MaxSafetyMargin           int64   = 768 * KiB

	// minChunkBytes is used when the configuration leaves no room for payload.
	minChunkBytes int64 = 64 * KiB
)

// PlannerConfig holds the transport limits the planner works against.
type PlannerConfig struct {
	PayloadCeiling     int64   `json:"payload_ceiling_bytes" yaml:"payload_ceiling_bytes"`
	ExpansionFactor    float64 `json:"expansion_factor" yaml:"expansion_factor"`
	SafetyMargin       int64   `json:"safety_margin_bytes" yaml:"safety_margin_bytes"`
	StreamingThreshold int64   `json:"streaming_threshold_bytes" yaml:"streaming_threshold_bytes"`
}

// DefaultPlannerConfig returns the production limits.
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		PayloadCeiling:     DefaultPayloadCeiling,
		ExpansionFactor:    DefaultExpansionFactor,
		SafetyMargin:       DefaultSafetyMargin,
		StreamingThreshold: DefaultStreamingThreshold,
	}
}

// withDefaults fills zero fields; explicit values are kept even when degenerate.
func (c PlannerConfig) withDefaults() PlannerConfig {
	if c.PayloadCeiling == 0 {
		c.PayloadCeiling = DefaultPayloadCeiling
	}
	if c.ExpansionFactor == 0 {
		c.ExpansionFactor = DefaultExpansionFactor
	}
	if c.SafetyMargin == 0 {
		c.SafetyMargin = DefaultSafetyMargin
	}
	if c.StreamingThreshold == 0 {
		c.StreamingThreshold = DefaultStreamingThreshold
	}
	return c
}

// Validate reports configuration values outside the tunable range.
func (c PlannerConfig) Validate() error {
	if c.PayloadCeiling < 0 {
		return fmt.Errorf("payload ceiling must not be negative, got %d", c.PayloadCeiling)
	}
	if c.ExpansionFactor != 0 && c.ExpansionFactor < 1 {
		return fmt.Errorf("expansion factor must be >= 1, got %.2f", c.ExpansionFactor)
	}
	if c.SafetyMargin != 0 && (c.SafetyMargin < MinSafetyMargin || c.SafetyMargin > MaxSafetyMargin) {
		return fmt.Errorf("safety margin must be within %d..%d bytes, got %d", MinSafetyMargin, MaxSafetyMargin, c.SafetyMargin)
	}
	return nil
}

// SafeChunkBytes is the largest raw chunk whose transport encoding stays under the ceiling.
func (c PlannerConfig) SafeChunkBytes() int64 {
	c = c.withDefaults()
	safe := int64(math.Floor(float64(c.PayloadCeiling)/c.ExpansionFactor)) - c.SafetyMargin
	if safe <= 0 {
		return minChunkBytes
	}
	return safe
}

// EncodedSize is the transport size of n raw bytes.
func (c PlannerConfig) EncodedSize(n int64) int64 {
	c = c.withDefaults()
	return int64(math.Ceil(float64(n) * c.ExpansionFactor))
}

// PayloadLimit is the effective encoded payload ceiling.
func (c PlannerConfig) PayloadLimit() int64 { return c.withDefaults().PayloadCeiling }

// Fits reports whether a raw payload of n bytes stays under the ceiling once encoded.
func (c PlannerConfig) Fits(n int64) bool {
	return c.EncodedSize(n) <= c.PayloadLimit()
}

// ChunkPlan is the outcome of planning one source.
type ChunkPlan struct {
	ChunkByteCeiling int64                 `json:"chunk_byte_ceiling"`
	Strategy         Strategy              `json:"strategy"`
	ChunkCount       int                   `json:"chunk_count"`
	SourceSize       int64                 `json:"source_size"`
	Container        audioformat.Container `json:"container"`
}

// Plan chooses the strategy for a source of the given size. It never fails.
// ChunkCount is an estimate; replicated headers and frame-aware cutting usually add chunks,
// so callers replace it with the count from Count or the materialised list.
func Plan(size int64, info audioformat.FormatInfo, cfg PlannerConfig) ChunkPlan {
	cfg = cfg.withDefaults()
	safe := cfg.SafeChunkBytes()

	plan := ChunkPlan{ChunkByteCeiling: safe, SourceSize: size, Container: info.Container}
	switch {
	case size <= safe:
		plan.Strategy = StrategySingle
		plan.ChunkCount = 1
		return plan
	case size > cfg.StreamingThreshold:
		plan.Strategy = StrategyStreaming
	default:
		plan.Strategy = StrategyStandard
	}

	plan.ChunkCount = int((size + safe - 1) / safe)
	return plan
}

// Downgrade switches a STANDARD plan to STREAMING.
func (p ChunkPlan) Downgrade() ChunkPlan {
	if p.Strategy == StrategyStandard {
		p.Strategy = StrategyStreaming
	}
	return p
}
