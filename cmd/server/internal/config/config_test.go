package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/chunking"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/speech"
)

// isolate keeps a stray .env in the package directory out of the tests.
func isolate(t *testing.T) {
	t.Setenv("LEXSCRIBE_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("LEXSCRIBE_CONFIG", "")
}

func TestLoadConfigDefaults(t *testing.T) {
	isolate(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.NoError(t, ValidateConfig(cfg))

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, 2, cfg.Server.MaxConcurrentBatches)
	assert.Equal(t, chunking.DefaultPayloadCeiling, cfg.Pipeline.PayloadCeilingBytes)
	assert.Equal(t, "standard", cfg.Pipeline.PollProfile)
	assert.Same(t, cfg, GlobalConfig)

	oc := cfg.OrchestratorConfig()
	assert.Equal(t, speech.StandardProfile, oc.Poll)
	assert.Equal(t, 500*time.Millisecond, oc.InterChunkDelay)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("PORT", "9100")
	t.Setenv("PAYLOAD_CEILING_BYTES", "2097152")
	t.Setenv("EXPANSION_FACTOR", "1.5")
	t.Setenv("INTER_CHUNK_DELAY", "1s")
	t.Setenv("POLL_PROFILE", "patient")
	t.Setenv("SPEECH_API_KEY", "abcd1234efgh5678")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.NoError(t, ValidateConfig(cfg))

	assert.Equal(t, ":9100", cfg.GetServerAddr())
	assert.Equal(t, int64(2097152), cfg.PlannerConfig().PayloadCeiling)
	assert.Equal(t, 1.5, cfg.PlannerConfig().ExpansionFactor)
	assert.Equal(t, time.Second, cfg.OrchestratorConfig().InterChunkDelay)
	assert.Equal(t, speech.PatientProfile, cfg.OrchestratorConfig().Poll)
}

func TestLoadConfigRejectsMalformedNumbers(t *testing.T) {
	isolate(t)
	t.Setenv("MAX_CONCURRENT_BATCHES", "many")
	t.Setenv("BATCH_TIMEOUT", "forever")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_CONCURRENT_BATCHES")
	assert.Contains(t, err.Error(), "BATCH_TIMEOUT")
}

func TestLoadConfigYAMLThenEnv(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "lexscribe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "7000"
  max_concurrent_batches: 4
speech:
  api_url: https://speech.internal
  health_check_interval: 45s
pipeline:
  batch_timeout: 30m
`), 0o600))
	t.Setenv("LEXSCRIBE_CONFIG", path)
	t.Setenv("PORT", "7001")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "7001", cfg.Server.Port, "env wins over file")
	assert.Equal(t, 4, cfg.Server.MaxConcurrentBatches)
	assert.Equal(t, "https://speech.internal", cfg.Speech.APIURL)
	assert.Equal(t, 45*time.Second, cfg.Speech.HealthCheckInterval)
	assert.Equal(t, 30*time.Minute, cfg.Pipeline.BatchTimeout)
	assert.Equal(t, "info", cfg.Log.Level, "unset keys keep defaults")
}

func TestLoadConfigDotEnv(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("LOG_LEVEL=debug\n"), 0o600))
	t.Setenv("LEXSCRIBE_ENV_FILE", path)
	t.Cleanup(func() { os.Unsetenv("LOG_LEVEL") })

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidateConfigAggregatesErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = "0"
	cfg.Log.Level = "loud"
	cfg.Speech.APIURL = "ftp://nowhere"
	cfg.Pipeline.ExpansionFactor = 0.5
	cfg.Pipeline.PollProfile = "eager"
	cfg.Server.MaxConcurrentBatches = 0

	err := ValidateConfig(cfg)
	require.Error(t, err)
	for _, want := range []string{"PORT", "LOG_LEVEL", "SPEECH_API_URL", "expansion factor", "POLL_PROFILE", "MAX_CONCURRENT_BATCHES"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestPrintConfigMasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Speech.APIKey = "abcd1234efgh5678"

	out := cfg.PrintConfig()
	assert.NotContains(t, out, "abcd1234efgh5678")
	assert.Contains(t, out, "abcd***5678")
	assert.Contains(t, out, "Fallback URL: <not set>")
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "<not set>", maskSecret(""))
	assert.Equal(t, "***", maskSecret("short"))
	assert.Equal(t, "abcd***wxyz", maskSecret("abcd-long-wxyz"))
}
