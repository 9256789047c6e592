package chunking

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/audioformat"
)

func TestSafeChunkBytes(t *testing.T) {
	cfg := DefaultPlannerConfig()
	// floor(10 MiB / 1.33) - 512 KiB
	assert.Equal(t, int64(7884030-524288), cfg.SafeChunkBytes())

	cfg.SafetyMargin = 100 * KiB
	assert.Equal(t, int64(7884030-102400), cfg.SafeChunkBytes())

	degenerate := PlannerConfig{PayloadCeiling: 100 * KiB, ExpansionFactor: 1.33, SafetyMargin: 768 * KiB}
	assert.Equal(t, minChunkBytes, degenerate.SafeChunkBytes())
}

func TestPlan(t *testing.T) {
	wav := audioformat.FormatInfo{Container: audioformat.WAV}
	flac := audioformat.FormatInfo{Container: audioformat.FLAC}
	cfg := DefaultPlannerConfig()

	tests := []struct {
		name     string
		size     int64
		info     audioformat.FormatInfo
		strategy Strategy
		minCount int
	}{
		{"3 MiB wav fits one request", 3 * MiB, wav, StrategySingle, 1},
		{"empty file", 0, wav, StrategySingle, 1},
		{"40 MiB flac", 40 * MiB, flac, StrategyStandard, 5},
		{"exactly the threshold", 50 * MiB, flac, StrategyStandard, 7},
		{"above the threshold streams", 50*MiB + 1, flac, StrategyStreaming, 7},
		{"two hours of wav", 230 * MiB, wav, StrategyStreaming, 32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Plan(tt.size, tt.info, cfg)
			assert.Equal(t, tt.strategy, plan.Strategy)
			assert.GreaterOrEqual(t, plan.ChunkCount, tt.minCount)
			assert.Equal(t, cfg.SafeChunkBytes(), plan.ChunkByteCeiling)
			assert.Equal(t, tt.info.Container, plan.Container)
		})
	}
}

func TestPlan_ZeroConfigUsesDefaults(t *testing.T) {
	plan := Plan(40*MiB, audioformat.FormatInfo{Container: audioformat.FLAC}, PlannerConfig{})
	assert.Equal(t, DefaultPlannerConfig().SafeChunkBytes(), plan.ChunkByteCeiling)
	assert.Equal(t, StrategyStandard, plan.Strategy)
}

func TestPlan_Downgrade(t *testing.T) {
	plan := ChunkPlan{Strategy: StrategyStandard}
	assert.Equal(t, StrategyStreaming, plan.Downgrade().Strategy)
	assert.Equal(t, StrategySingle, ChunkPlan{Strategy: StrategySingle}.Downgrade().Strategy)
}

func TestPlannerConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultPlannerConfig().Validate())
	assert.NoError(t, PlannerConfig{}.Validate())
	assert.Error(t, PlannerConfig{ExpansionFactor: 0.5}.Validate())
	assert.Error(t, PlannerConfig{SafetyMargin: 10 * KiB}.Validate())
	assert.Error(t, PlannerConfig{SafetyMargin: MiB}.Validate())
	assert.Error(t, PlannerConfig{PayloadCeiling: -1}.Validate())
}

func TestPlannerConfig_Fits(t *testing.T) {
	cfg := DefaultPlannerConfig()
	safe := cfg.SafeChunkBytes()
	assert.True(t, cfg.Fits(safe))
	assert.True(t, cfg.Fits(cfg.PayloadCeiling*100/133))
	assert.False(t, cfg.Fits(cfg.PayloadCeiling*100/133+1))
	assert.Equal(t, int64(133), cfg.EncodedSize(100))
	assert.Equal(t, DefaultPayloadCeiling, PlannerConfig{}.PayloadLimit())

	// a ceiling below the minimum chunk still chunks, but nothing fits
	degenerate := PlannerConfig{PayloadCeiling: 1}
	assert.Equal(t, minChunkBytes, degenerate.SafeChunkBytes())
	assert.False(t, degenerate.Fits(1))
}
