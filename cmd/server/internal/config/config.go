package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/chunking"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/speech"
	"github.com/houzhh15/lexscribe/pkg/logger"
)

// Config 统一配置结构
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Speech   SpeechConfig   `yaml:"speech"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Audit    AuditConfig    `yaml:"audit"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Env                  string `yaml:"env"` // dev, staging, production
	Port                 string `yaml:"port"`
	MaxConcurrentBatches int    `yaml:"max_concurrent_batches"`
	MaxUploadBytes       int64  `yaml:"max_upload_bytes"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console, json
	File   string `yaml:"file"`
}

// SpeechConfig 语音识别服务配置
type SpeechConfig struct {
	APIURL              string        `yaml:"api_url"`
	FallbackURL         string        `yaml:"fallback_url"`
	APIKey              string        `yaml:"api_key"`
	SyncLimitBytes      int           `yaml:"sync_limit_bytes"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// PipelineConfig 切片与批处理参数
type PipelineConfig struct {
	PayloadCeilingBytes     int64         `yaml:"payload_ceiling_bytes"`
	ExpansionFactor         float64       `yaml:"expansion_factor"`
	SafetyMarginBytes       int64         `yaml:"safety_margin_bytes"`
	StreamingThresholdBytes int64         `yaml:"streaming_threshold_bytes"`
	MemoryBudgetBytes       int64         `yaml:"memory_budget_bytes"`
	InterChunkDelay         time.Duration `yaml:"inter_chunk_delay"`
	BatchTimeout            time.Duration `yaml:"batch_timeout"`
	PollProfile             string        `yaml:"poll_profile"` // standard, patient
}

// AuditConfig 审计日志配置
type AuditConfig struct {
	LogPath string `yaml:"log_path"`
}

// GlobalConfig 全局配置实例
var GlobalConfig *Config

// Defaults 返回未设置任何环境变量时的配置
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Env:                  "dev",
			Port:                 "8000",
			MaxConcurrentBatches: 2,
			MaxUploadBytes:       2 << 30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Speech: SpeechConfig{
			APIURL:              "http://localhost:9090",
			SyncLimitBytes:      speech.DefaultSyncPayloadLimit,
			HealthCheckInterval: 30 * time.Second,
		},
		Pipeline: PipelineConfig{
			PayloadCeilingBytes:     chunking.DefaultPayloadCeiling,
			ExpansionFactor:         chunking.DefaultExpansionFactor,
			SafetyMarginBytes:       chunking.DefaultSafetyMargin,
			StreamingThresholdBytes: chunking.DefaultStreamingThreshold,
			MemoryBudgetBytes:       orchestrator.DefaultMemoryBudget,
			InterChunkDelay:         orchestrator.DefaultInterChunkDelay,
			BatchTimeout:            orchestrator.DefaultBatchTimeout,
			PollProfile:             speech.StandardProfile.Name,
		},
		Audit: AuditConfig{
			LogPath: "./audit_logs/chunks.jsonl",
		},
	}
}

// LoadConfig 加载配置：默认值 -> .env -> YAML 文件（LEXSCRIBE_CONFIG）-> 环境变量
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(getEnv("LEXSCRIBE_ENV_FILE", ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	cfg := Defaults()
	if path := os.Getenv("LEXSCRIBE_CONFIG"); path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	e := &envReader{}
	e.str("ENV", &cfg.Server.Env)
	e.str("PORT", &cfg.Server.Port)
	e.integer("MAX_CONCURRENT_BATCHES", &cfg.Server.MaxConcurrentBatches)
	e.int64("MAX_UPLOAD_BYTES", &cfg.Server.MaxUploadBytes)

	e.str("LOG_LEVEL", &cfg.Log.Level)
	e.str("LOG_FORMAT", &cfg.Log.Format)
	e.str("LOG_FILE", &cfg.Log.File)

	e.str("SPEECH_API_URL", &cfg.Speech.APIURL)
	e.str("SPEECH_FALLBACK_URL", &cfg.Speech.FallbackURL)
	e.str("SPEECH_API_KEY", &cfg.Speech.APIKey)
	e.integer("SPEECH_SYNC_LIMIT_BYTES", &cfg.Speech.SyncLimitBytes)
	e.duration("HEALTH_CHECK_INTERVAL", &cfg.Speech.HealthCheckInterval)

	e.int64("PAYLOAD_CEILING_BYTES", &cfg.Pipeline.PayloadCeilingBytes)
	e.float("EXPANSION_FACTOR", &cfg.Pipeline.ExpansionFactor)
	e.int64("SAFETY_MARGIN_BYTES", &cfg.Pipeline.SafetyMarginBytes)
	e.int64("STREAMING_THRESHOLD_BYTES", &cfg.Pipeline.StreamingThresholdBytes)
	e.int64("MEMORY_BUDGET_BYTES", &cfg.Pipeline.MemoryBudgetBytes)
	e.duration("INTER_CHUNK_DELAY", &cfg.Pipeline.InterChunkDelay)
	e.duration("BATCH_TIMEOUT", &cfg.Pipeline.BatchTimeout)
	e.str("POLL_PROFILE", &cfg.Pipeline.PollProfile)

	e.str("AUDIT_LOG_PATH", &cfg.Audit.LogPath)

	if len(e.errs) > 0 {
		return nil, fmt.Errorf("invalid environment:\n  - %s", strings.Join(e.errs, "\n  - "))
	}

	GlobalConfig = cfg
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ValidateConfig 验证配置的有效性
func ValidateConfig(cfg *Config) error {
	var errs []string

	// 1. 端口
	if port, err := strconv.Atoi(cfg.Server.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("invalid PORT value: %s (must be 1-65535)", cfg.Server.Port))
	}

	// 2. 日志
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid LOG_LEVEL: %s (must be: debug, info, warn, error)", cfg.Log.Level))
	}
	validLogFormats := map[string]bool{"console": true, "json": true}
	if !validLogFormats[cfg.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid LOG_FORMAT: %s (must be: console, json)", cfg.Log.Format))
	}

	// 3. 环境
	validEnvs := map[string]bool{"dev": true, "development": true, "staging": true, "production": true}
	if !validEnvs[cfg.Server.Env] {
		errs = append(errs, fmt.Sprintf("invalid ENV: %s (must be: dev, development, staging, production)", cfg.Server.Env))
	}

	// 4. 语音服务
	if !validURL(cfg.Speech.APIURL) {
		errs = append(errs, fmt.Sprintf("invalid SPEECH_API_URL: %q", cfg.Speech.APIURL))
	}
	if cfg.Speech.FallbackURL != "" && !validURL(cfg.Speech.FallbackURL) {
		errs = append(errs, fmt.Sprintf("invalid SPEECH_FALLBACK_URL: %q", cfg.Speech.FallbackURL))
	}
	if cfg.Speech.SyncLimitBytes <= 0 {
		errs = append(errs, "SPEECH_SYNC_LIMIT_BYTES must be positive")
	}
	if cfg.Speech.HealthCheckInterval < time.Second {
		errs = append(errs, "HEALTH_CHECK_INTERVAL must be at least 1s")
	}

	// 5. 切片参数
	if err := cfg.PlannerConfig().Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.Pipeline.MemoryBudgetBytes <= 0 {
		errs = append(errs, "MEMORY_BUDGET_BYTES must be positive")
	}
	if cfg.Pipeline.BatchTimeout <= 0 {
		errs = append(errs, "BATCH_TIMEOUT must be positive")
	}
	if _, err := speech.ProfileByName(cfg.Pipeline.PollProfile); err != nil {
		errs = append(errs, "invalid POLL_PROFILE: "+err.Error())
	}

	// 6. 并发与上传
	if cfg.Server.MaxConcurrentBatches < 1 {
		errs = append(errs, "MAX_CONCURRENT_BATCHES must be at least 1")
	}
	if cfg.Server.MaxUploadBytes <= 0 {
		errs = append(errs, "MAX_UPLOAD_BYTES must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// IsProduction 判断是否为生产环境
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// IsDevelopment 判断是否为开发环境
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "dev" || c.Server.Env == "development"
}

// GetServerAddr 获取服务器监听地址
func (c *Config) GetServerAddr() string {
	return ":" + c.Server.Port
}

// LoggerConfig 转换为 logger 初始化参数
func (c *Config) LoggerConfig() logger.Config {
	env := c.Server.Env
	if c.Log.Format == "json" {
		env = "production"
	}
	return logger.Config{Level: c.Log.Level, Environment: env, File: c.Log.File}
}

// PlannerConfig 转换为切片规划参数
func (c *Config) PlannerConfig() chunking.PlannerConfig {
	return chunking.PlannerConfig{
		PayloadCeiling:     c.Pipeline.PayloadCeilingBytes,
		ExpansionFactor:    c.Pipeline.ExpansionFactor,
		SafetyMargin:       c.Pipeline.SafetyMarginBytes,
		StreamingThreshold: c.Pipeline.StreamingThresholdBytes,
	}
}

// OrchestratorConfig 转换为批处理参数；POLL_PROFILE 未知时回退 standard
func (c *Config) OrchestratorConfig() orchestrator.Config {
	profile, err := speech.ProfileByName(c.Pipeline.PollProfile)
	if err != nil {
		profile = speech.StandardProfile
	}
	return orchestrator.Config{
		Planner:         c.PlannerConfig(),
		MemoryBudget:    c.Pipeline.MemoryBudgetBytes,
		InterChunkDelay: c.Pipeline.InterChunkDelay,
		BatchTimeout:    c.Pipeline.BatchTimeout,
		Poll:            profile,
	}
}

// PrintConfig 打印配置（脱敏）
func (c *Config) PrintConfig() string {
	fallback := c.Speech.FallbackURL
	if fallback == "" {
		fallback = "<not set>"
	}
	return fmt.Sprintf(`Configuration Loaded:
  Environment: %s
  Server Port: %s
  Logging:
    - Level: %s
    - Format: %s
    - File: %s
  Speech Service:
    - API URL: %s
    - Fallback URL: %s
    - API Key: %s
    - Sync Limit: %d bytes
    - Health Check Interval: %s
  Pipeline:
    - Payload Ceiling: %d bytes
    - Expansion Factor: %.2f
    - Safety Margin: %d bytes
    - Streaming Threshold: %d bytes
    - Memory Budget: %d bytes
    - Inter-chunk Delay: %s
    - Batch Timeout: %s
    - Poll Profile: %s
  Batches:
    - Max Concurrent: %d
    - Max Upload: %d bytes
  Audit Log: %s`,
		c.Server.Env,
		c.Server.Port,
		c.Log.Level,
		c.Log.Format,
		c.Log.File,
		c.Speech.APIURL,
		fallback,
		maskSecret(c.Speech.APIKey),
		c.Speech.SyncLimitBytes,
		c.Speech.HealthCheckInterval,
		c.Pipeline.PayloadCeilingBytes,
		c.Pipeline.ExpansionFactor,
		c.Pipeline.SafetyMarginBytes,
		c.Pipeline.StreamingThresholdBytes,
		c.Pipeline.MemoryBudgetBytes,
		c.Pipeline.InterChunkDelay,
		c.Pipeline.BatchTimeout,
		c.Pipeline.PollProfile,
		c.Server.MaxConcurrentBatches,
		c.Server.MaxUploadBytes,
		c.Audit.LogPath,
	)
}

// 辅助函数

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envReader 覆盖已设置的环境变量并收集解析错误
type envReader struct {
	errs []string
}

func (e *envReader) str(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Sprintf("%s: %q is not an integer", key, v))
			return
		}
		*dst = n
	}
}

func (e *envReader) int64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Sprintf("%s: %q is not an integer", key, v))
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a number", key, v))
			return
		}
		*dst = f
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a duration", key, v))
			return
		}
		*dst = d
	}
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// maskSecret 对敏感信息进行脱敏
func maskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "***" + secret[len(secret)-4:]
}
