package conf

import (
	"fmt"
	"os"
	"time"

	"agentcontext/cmd/context-service/internal/domain"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Context       ContextConfig       `mapstructure:"context"`
	Summarizer    SummarizerConfig    `mapstructure:"summarizer"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// SummarizerConfig 摘要器调用配置
type SummarizerConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BreakerEnabled bool          `mapstructure:"breaker_enabled"`
}

// ObservabilityConfig 可观测性配置
type ObservabilityConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	Environment    string `mapstructure:"environment"`
	LogLevel       string `mapstructure:"log_level"`
}

// ContextConfig 上下文管理配置
//
// 每个管线实例内不可变；三个预设只在预算量级上有差异。窗口容量与
// 卸载阈值是策略常量，保留为可调字段而非硬编码。
type ContextConfig struct {
	// Preset 预设名：fast / personalized / planning，空值等同 personalized
	Preset string `mapstructure:"preset"`

	// AgentName 键命名空间，支持多个管线共享一个存储
	AgentName string `mapstructure:"agent_name"`

	Budget domain.ContextBudget `mapstructure:"budget"`

	// SummaryTriggerThreshold 触发摘要的轮次阈值
	SummaryTriggerThreshold int `mapstructure:"summary_trigger_threshold"`

	// CompactMessageThreshold 消息条数超过该值时触发摘要，作为轮次阈值
	// 之外的廉价预检
	CompactMessageThreshold int `mapstructure:"compact_message_threshold"`

	// EnableEmotionalContext 是否在系统提示中包含情感上下文
	EnableEmotionalContext bool `mapstructure:"enable_emotional_context"`

	// SessionTTL 会话 TTL，每次 save 刷新
	SessionTTL time.Duration `mapstructure:"session_ttl"`

	// ErrorWindowSize 错误日志滑动窗口容量
	ErrorWindowSize int `mapstructure:"error_window_size"`

	// SummaryBackupWindowSize 摘要备份滑动窗口容量
	SummaryBackupWindowSize int `mapstructure:"summary_backup_window_size"`

	// ToolResultOffloadThreshold 工具结果卸载阈值（估算 Token）
	ToolResultOffloadThreshold int `mapstructure:"tool_result_offload_threshold"`
}

// PersonalizedConfig 默认预设：8K 上下文窗口
func PersonalizedConfig() ContextConfig {
	return ContextConfig{
		Preset: "personalized",
		Budget: domain.ContextBudget{
			TotalLimit:       8000,
			Persona:          1200,
			Instruction:      500,
			Summary:          600,
			EmotionalContext: 200,
			RecentHistory:    4000,
			CurrentInput:     500,
			OutputBuffer:     1000,
		},
		SummaryTriggerThreshold:    20,
		CompactMessageThreshold:    50,
		EnableEmotionalContext:     true,
		SessionTTL:                 7 * 24 * time.Hour,
		ErrorWindowSize:            50,
		SummaryBackupWindowSize:    20,
		ToolResultOffloadThreshold: 500,
	}
}

// FastConfig 低延迟预设：4K 窗口，关闭情感上下文
func FastConfig() ContextConfig {
	cfg := PersonalizedConfig()
	cfg.Preset = "fast"
	cfg.Budget = domain.ContextBudget{
		TotalLimit:       4000,
		Persona:          500,
		Instruction:      300,
		Summary:          300,
		EmotionalContext: 0,
		RecentHistory:    2000,
		CurrentInput:     300,
		OutputBuffer:     600,
	}
	cfg.SummaryTriggerThreshold = 10
	cfg.EnableEmotionalContext = false
	return cfg
}

// PlanningConfig 长程规划预设：16K 窗口
func PlanningConfig() ContextConfig {
	cfg := PersonalizedConfig()
	cfg.Preset = "planning"
	cfg.Budget = domain.ContextBudget{
		TotalLimit:       16000,
		Persona:          1500,
		Instruction:      800,
		Summary:          1000,
		EmotionalContext: 200,
		RecentHistory:    8000,
		CurrentInput:     1000,
		OutputBuffer:     3500,
	}
	cfg.SummaryTriggerThreshold = 30
	return cfg
}

// PresetConfig 按名称获取预设配置，未知名称回落到 personalized
func PresetConfig(name string) ContextConfig {
	switch name {
	case "fast":
		return FastConfig()
	case "planning":
		return PlanningConfig()
	default:
		return PersonalizedConfig()
	}
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("context-service")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
	}

	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// 配置文件可选，全部字段有默认值
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// 预设只提供预算量级，显式 budget 配置优先
	preset := PresetConfig(config.Context.Preset)
	if config.Context.Budget.TotalLimit == 0 {
		config.Context.Budget = preset.Budget
	}
	if config.Context.SummaryTriggerThreshold == 0 {
		config.Context.SummaryTriggerThreshold = preset.SummaryTriggerThreshold
	}
	if config.Context.CompactMessageThreshold == 0 {
		config.Context.CompactMessageThreshold = preset.CompactMessageThreshold
	}
	if !v.IsSet("context.enable_emotional_context") {
		config.Context.EnableEmotionalContext = preset.EnableEmotionalContext
	}

	// 从环境变量覆盖敏感配置
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		config.Redis.Password = password
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	v.SetDefault("context.preset", "personalized")
	v.SetDefault("context.agent_name", "default")
	v.SetDefault("context.compact_message_threshold", 50)
	v.SetDefault("context.session_ttl", "168h")
	v.SetDefault("context.error_window_size", 50)
	v.SetDefault("context.summary_backup_window_size", 20)
	v.SetDefault("context.tool_result_offload_threshold", 500)

	v.SetDefault("summarizer.timeout", "15s")
	v.SetDefault("summarizer.max_retries", 3)
	v.SetDefault("summarizer.breaker_enabled", true)

	v.SetDefault("observability.service_name", "context-service")
	v.SetDefault("observability.log_level", "info")
}
