// Package config 提供 TOML 配置加载与环境变量覆盖
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/wyfcoding/quantlab/pkg/logger"
)

// Config 服务配置
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`
	// HTTP 服务配置
	HTTP HTTPConfig `mapstructure:"http"`
	// 数据库配置
	Database DatabaseConfig `mapstructure:"database"`
	// Redis 配置
	Redis RedisConfig `mapstructure:"redis"`
	// Kafka 配置
	Kafka KafkaConfig `mapstructure:"kafka"`
	// 日志配置
	Logger logger.Config `mapstructure:"logger"`
	// 行情数据源配置
	MarketData MarketDataConfig `mapstructure:"marketdata"`
	// 任务引擎配置
	Engine EngineConfig `mapstructure:"engine"`
	// 风控参数默认值
	Risk RiskConfig `mapstructure:"risk"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Addr         string `mapstructure:"addr"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	// 每秒请求数限制，0 表示不限流
	RateLimit int `mapstructure:"rate_limit"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 为空时跳过持久化，任务与持仓只保留在内存中
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled 是否启用 Redis
func (c RedisConfig) Enabled() bool { return c.Host != "" }

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	// 任务生命周期事件主题
	EventTopic string `mapstructure:"event_topic"`
}

// Enabled 是否启用 Kafka 事件发布
func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

// MarketDataConfig 行情数据源配置（Alpaca）
type MarketDataConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	BaseURL   string `mapstructure:"base_url"`
	// 行情 tick 缓存有效期（秒）
	TickCacheTTL int `mapstructure:"tick_cache_ttl"`
}

// EngineConfig 任务引擎配置
type EngineConfig struct {
	// 同时运行的回测/参数寻优任务上限
	MaxConcurrentJobs int `mapstructure:"max_concurrent_jobs"`
	// 策略评估调用超时（秒）
	EvaluatorTimeout int `mapstructure:"evaluator_timeout"`
	// 参数寻优迭代上限
	OptimizerIterationCap int `mapstructure:"optimizer_iteration_cap"`
}

// RiskConfig 风控参数默认值
type RiskConfig struct {
	MaxPositionSize     float64 `mapstructure:"max_position_size"`
	MaxPortfolioRisk    float64 `mapstructure:"max_portfolio_risk"`
	MaxLeverage         float64 `mapstructure:"max_leverage"`
	MaxConcentration    float64 `mapstructure:"max_concentration"`
	StopLossThreshold   float64 `mapstructure:"stop_loss_threshold"`
	MarginCallThreshold float64 `mapstructure:"margin_call_threshold"`
	TotalCapital        float64 `mapstructure:"total_capital"`
}

// Load 从文件加载配置，环境变量可覆盖（QUANTLAB_ 前缀，点号换下划线）
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("QUANTLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "quantlab")
	v.SetDefault("environment", "dev")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15)
	v.SetDefault("http.write_timeout", 30)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.file_path", "logs/quantlab.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 10)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("kafka.event_topic", "quantlab.job.events")
	v.SetDefault("marketdata.tick_cache_ttl", 2)
	v.SetDefault("engine.max_concurrent_jobs", 3)
	v.SetDefault("engine.evaluator_timeout", 120)
	v.SetDefault("engine.optimizer_iteration_cap", 1000)
	v.SetDefault("risk.max_position_size", 50000)
	v.SetDefault("risk.max_portfolio_risk", 5)
	v.SetDefault("risk.max_leverage", 10)
	v.SetDefault("risk.max_concentration", 20)
	v.SetDefault("risk.stop_loss_threshold", 10)
	v.SetDefault("risk.margin_call_threshold", 80)
	v.SetDefault("risk.total_capital", 100000)
}
