package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config 保存 CLI 全局配置
type Config struct {
	ServerURL string `yaml:"server_url" json:"server_url"`
	APIKey    string `yaml:"api_key" json:"api_key"`
	OutputDir string `yaml:"output_dir" json:"output_dir"`
	Output    string `yaml:"-" json:"-"`
}

// LoadConfig 从命令行标志、环境变量、配置文件加载配置（优先级从高到低）
func LoadConfig(cmd *cobra.Command) *Config {
	cfg := &Config{}

	// 尝试从配置文件读取基础值
	loadConfigFile(cfg)

	// 环境变量覆盖配置文件
	if v := os.Getenv("LEXSCRIBE_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("LEXSCRIBE_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("LEXSCRIBE_OUTPUT_DIR"); v != "" {
		cfg.OutputDir = v
	}

	// 命令行标志覆盖环境变量
	if v, _ := cmd.Flags().GetString("server-url"); v != "" {
		cfg.ServerURL = v
	}
	if v, _ := cmd.Flags().GetString("api-key"); v != "" {
		cfg.APIKey = v
	}
	if v, _ := cmd.Flags().GetString("output-dir"); v != "" {
		cfg.OutputDir = v
	}
	if v, _ := cmd.Flags().GetString("output"); v != "" {
		cfg.Output = v
	}

	// 默认值
	if cfg.ServerURL == "" {
		cfg.ServerURL = "http://localhost:8000"
	}
	if cfg.Output == "" {
		cfg.Output = "text"
	}

	return cfg
}

// loadConfigFile 从 ~/.lexscribe/config.yaml 读取配置
func loadConfigFile(cfg *Config) {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	data, err := os.ReadFile(filepath.Join(home, ".lexscribe", "config.yaml"))
	if err != nil {
		return
	}
	_ = yaml.Unmarshal(data, cfg)
}

// addGlobalFlags 为 root 命令添加全局标志
func addGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("server-url", "", "服务器地址 (env: LEXSCRIBE_SERVER_URL, 默认: http://localhost:8000)")
	cmd.PersistentFlags().String("api-key", "", "语音服务凭证，缺省时使用服务端配置 (env: LEXSCRIBE_API_KEY)")
	cmd.PersistentFlags().String("output-dir", "", "结果输出目录，默认与音频文件相同 (env: LEXSCRIBE_OUTPUT_DIR)")
	cmd.PersistentFlags().StringP("output", "o", "", "命令输出格式: json / text (默认: text)")
}
