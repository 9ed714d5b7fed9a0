package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config 应用配置
type Config struct {
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Backend      BackendConfig      `mapstructure:"backend"`
	Encryption   EncryptionConfig   `mapstructure:"encryption"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Log          LogConfig          `mapstructure:"log"`
	Model        ModelConfig        `mapstructure:"model"`
	CustomTools  CustomToolsConfig  `mapstructure:"custom_tools"`
	WebSearch    bool               `mapstructure:"enable_web_search"`
	Instructions InstructionsConfig `mapstructure:"instructions"`
	Commands     CommandsConfig     `mapstructure:"commands"`
	Runtime      RuntimeConfig      `mapstructure:"runtime"`
}

// GatewayConfig 网关配置
type GatewayConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // local, production
}

// BackendConfig 后端连接配置
type BackendConfig struct {
	Type               string `mapstructure:"type"` // transport type, https
	BaseURL            string `mapstructure:"base_url"`
	GenerationPath     string `mapstructure:"generation_path"` // 默认生成端点
	PublicKey          string `mapstructure:"public_key"`      // base64 X25519 公钥
	TimeoutSeconds     int    `mapstructure:"timeout"`         // 响应头超时 (秒)
	IdleTimeoutSeconds int    `mapstructure:"idle_timeout"`    // 流空闲超时 (秒)
}

// EncryptionConfig 端到端加密配置
type EncryptionConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"` // sqlite file path
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ModelConfig 对外暴露的模型标识
type ModelConfig struct {
	ID      string `mapstructure:"id"` // /v1/models 返回的模型名
	OwnedBy string `mapstructure:"owned_by"`
}

// CustomToolsConfig 客户端自定义工具配置
type CustomToolsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Prefix  string `mapstructure:"prefix"` // 探测后剥离的工具名前缀, 如 "user:"
}

// InstructionsConfig 指令模板片段
type InstructionsConfig struct {
	Template      string `mapstructure:"template"`
	Fallback      string `mapstructure:"fallback"`
	ForTools      string `mapstructure:"for_tools"`
	ForToolBounce string `mapstructure:"for_tool_bounce"`
}

// CommandsConfig 本地命令配置
type CommandsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// RuntimeConfig 生成管道运行时参数
type RuntimeConfig struct {
	MaxRetries        int    `mapstructure:"max_retries"`       // 打开流的最大重试次数
	RetryBaseWait     string `mapstructure:"retry_base_wait"`   // 重试基础等待 (指数退避)
	BreakerThreshold  int    `mapstructure:"breaker_threshold"` // 熔断连续失败阈值
	BreakerRecoverSec int    `mapstructure:"breaker_recover"`   // 熔断恢复等待 (秒)
	TitleMaxLen       int    `mapstructure:"title_max_len"`     // 标题截断长度
}

// Load 加载配置
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// ─── 分层配置加载 ───
	// 优先级 (低 → 高): 默认值 → 全局 ~/.lumobridge/ → 项目本地 → 环境变量
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Layer 1: 全局配置 ~/.lumobridge/config.yaml
	v.AddConfigPath(HomeDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read global config: %w", err)
		}
	}

	// Layer 2: 项目本地配置 (覆盖层)
	for _, localDir := range []string{"./config", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
			break // 只取第一个找到的本地配置
		}
	}

	// 叠加兼容的 lumo.yaml (仅补充 backend 连接信息)
	_ = loadLumoSidecar(v)

	// 环境变量覆盖
	v.SetEnvPrefix("LUMOBRIDGE")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults 设置默认配置
func setDefaults(v *viper.Viper) {
	// Gateway 默认值
	v.SetDefault("gateway.host", "127.0.0.1")
	v.SetDefault("gateway.port", 18789)
	v.SetDefault("gateway.mode", "local")

	// Backend 默认值
	v.SetDefault("backend.type", "https")
	v.SetDefault("backend.generation_path", "/api/v1/generation")
	v.SetDefault("backend.timeout", 30)
	v.SetDefault("backend.idle_timeout", 60)

	// 加密默认开启; 关闭加密或未配置后端公钥时走明文
	v.SetDefault("encryption.enabled", true)

	// Database 默认值
	v.SetDefault("database.dsn", "lumobridge.db")

	// Log 默认值
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Model 默认值
	v.SetDefault("model.id", "lumo")
	v.SetDefault("model.owned_by", "lumobridge")

	// 自定义工具默认值
	v.SetDefault("custom_tools.enabled", true)
	v.SetDefault("custom_tools.prefix", "user:")

	v.SetDefault("enable_web_search", false)

	// 指令模板默认值
	v.SetDefault("instructions.template",
		"{{#if forTools}}{{forTools}}\n\n{{/if}}{{#if clientInstructions}}{{clientInstructions}}{{else}}{{fallback}}{{/if}}")
	v.SetDefault("instructions.fallback", "")
	v.SetDefault("instructions.for_tools",
		"You have access to the tools listed below. To call one, reply with a single JSON object of the form {\"name\": \"{{prefix}}<tool>\", \"arguments\": {…}} inside a ```json code block and nothing else.\n\nAvailable tools:\n{{tools}}")
	v.SetDefault("instructions.for_tool_bounce",
		"That tool is not available on the assistant tool channel. Call it by replying with only a JSON object, exactly like this example:")

	// 命令默认值
	v.SetDefault("commands.enabled", true)

	// Runtime 默认值
	v.SetDefault("runtime.max_retries", 3)
	v.SetDefault("runtime.retry_base_wait", "2s")
	v.SetDefault("runtime.breaker_threshold", 5)
	v.SetDefault("runtime.breaker_recover", 30)
	v.SetDefault("runtime.title_max_len", 100)
}

// lumoSidecar 兼容的 lumo.yaml 结构 (仅 backend 连接信息)
type lumoSidecar struct {
	Backend struct {
		URL       string `yaml:"url"`
		PublicKey string `yaml:"publicKey"`
	} `yaml:"backend"`
}

// loadLumoSidecar 加载兼容的 lumo.yaml 配置
func loadLumoSidecar(v *viper.Viper) error {
	paths := []string{
		filepath.Join(HomeDir(), "lumo.yaml"),
		"lumo.yaml",
	}

	var configPath string
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			configPath = path
			break
		}
	}
	if configPath == "" {
		return fmt.Errorf("lumo.yaml not found")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("read lumo.yaml: %w", err)
	}

	var sc lumoSidecar
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return fmt.Errorf("parse lumo.yaml: %w", err)
	}

	if sc.Backend.URL != "" {
		v.Set("backend.base_url", sc.Backend.URL)
	}
	if sc.Backend.PublicKey != "" {
		v.Set("backend.public_key", sc.Backend.PublicKey)
	}

	return nil
}
