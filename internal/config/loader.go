// Package config 提供配置加载功能
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// envPattern 匹配 ${VAR} 或 ${VAR:default}
// g1: 变量名, g2: 默认值部分（含冒号）, g3: 默认值内容
var envPattern = regexp.MustCompile(`\${(\w+)(:([^}]*))?}`)

// Load 从 configs 目录加载配置
// 按优先级加载：默认配置 -> 环境配置 -> 环境变量
func Load() (*Config, error) {
	return LoadFrom("configs")
}

// LoadFrom 从指定目录加载配置
func LoadFrom(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// 1. 加载默认配置
	if err := loadConfigFile(v, filepath.Join(dir, "config.yaml"), true); err != nil {
		return nil, err
	}

	// 2. 加载环境特定配置
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}
	envFile := filepath.Join(dir, fmt.Sprintf("config.%s.yaml", env))
	if err := loadConfigFile(v, envFile, true); err != nil {
		return nil, err
	}

	// 3. 绑定环境变量 (直接覆盖)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 设置默认值 (兜底)
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadConfigFile 读取文件，执行环境变量替换，并加载到 viper
func loadConfigFile(v *viper.Viper, path string, optional bool) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	reader := strings.NewReader(expandEnv(string(content)))
	if v.ConfigFileUsed() == "" {
		if err := v.ReadConfig(reader); err != nil {
			return fmt.Errorf("failed to read processed config %s: %w", path, err)
		}
		// 手动标记已加载文件，后续文件走 MergeConfig
		v.SetConfigFile(path)
	} else {
		if err := v.MergeConfig(reader); err != nil {
			return fmt.Errorf("failed to merge processed config %s: %w", path, err)
		}
	}

	return nil
}

// expandEnv 替换字符串中的 ${VAR:default} 占位符
func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		submatch := envPattern.FindStringSubmatch(match)
		key := submatch[1]
		hasDefault := submatch[2] != ""
		defVal := submatch[3]

		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		if hasDefault {
			return defVal
		}
		// 保留原样以便识别未定义的变量
		return match
	})
}

// MustLoad 加载配置，失败时 panic
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 校验限流与预算的数值约束
func (c *Config) Validate() error {
	rl := c.RateLimit
	if rl.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive, got %d", rl.RequestsPerSecond)
	}
	if rl.BurstCapacity <= 0 {
		return fmt.Errorf("rate_limit.burst_capacity must be positive, got %d", rl.BurstCapacity)
	}
	if rl.DailyQuota <= 0 {
		return fmt.Errorf("rate_limit.daily_quota must be positive, got %d", rl.DailyQuota)
	}
	if rl.WindowSizeSeconds <= 0 {
		return fmt.Errorf("rate_limit.window_size_seconds must be positive, got %d", rl.WindowSizeSeconds)
	}

	b := c.Budget
	if b.DailyBudget < 0 || b.MonthlyBudget < 0 || b.CostPerRequest < 0 {
		return fmt.Errorf("budget values must not be negative")
	}
	if b.WarningThreshold <= 0 || b.WarningThreshold > 1 || b.CriticalThreshold <= 0 || b.CriticalThreshold > 1 {
		return fmt.Errorf("budget thresholds must be within (0, 1]")
	}

	if c.Cache.LocalCapacity <= 0 {
		return fmt.Errorf("cache.local_capacity must be positive, got %d", c.Cache.LocalCapacity)
	}
	if c.Freepik.MaxAttempts <= 0 {
		return fmt.Errorf("freepik.max_attempts must be positive, got %d", c.Freepik.MaxAttempts)
	}
	return nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// 应用默认值
	v.SetDefault("app.name", "content-pipeline-api")
	v.SetDefault("app.version", "v0.0.0")
	v.SetDefault("app.env", "development")

	// HTTP 服务器默认值
	v.SetDefault("server.http.host", "0.0.0.0")
	v.SetDefault("server.http.port", 8080)
	v.SetDefault("server.http.read_timeout", "30s")
	v.SetDefault("server.http.write_timeout", "60s")
	v.SetDefault("server.http.idle_timeout", "120s")

	// Freepik 默认值
	v.SetDefault("freepik.api_key", "")
	v.SetDefault("freepik.base_url", "https://api.freepik.com/v1")
	v.SetDefault("freepik.user_agent", "content-pipeline-api/1.0")
	v.SetDefault("freepik.timeout", "30s")
	v.SetDefault("freepik.max_attempts", 3)
	v.SetDefault("freepik.retry_backoff.initial", "4s")
	v.SetDefault("freepik.retry_backoff.max", "10s")
	v.SetDefault("freepik.retry_backoff.multiplier", 2.0)

	// 限流默认值
	v.SetDefault("rate_limit.requests_per_second", 45)
	v.SetDefault("rate_limit.burst_capacity", 10)
	v.SetDefault("rate_limit.daily_quota", 10000)
	v.SetDefault("rate_limit.window_size_seconds", 5)
	v.SetDefault("rate_limit.distributed", true)

	// 预算默认值
	v.SetDefault("budget.daily_budget", 100.0)
	v.SetDefault("budget.monthly_budget", 2000.0)
	v.SetDefault("budget.cost_per_request", 0.01)
	v.SetDefault("budget.warning_threshold", 0.8)
	v.SetDefault("budget.critical_threshold", 0.95)
	v.SetDefault("budget.persist_ledger", true)

	// 缓存默认值
	v.SetDefault("cache.default_ttl", "1h")
	v.SetDefault("cache.local_capacity", 1000)
	v.SetDefault("cache.file_dir", "")
	v.SetDefault("cache.cleanup_schedule", "@every 5m")
	v.SetDefault("cache.ttl.search", "1h")
	v.SetDefault("cache.ttl.resource", "24h")
	v.SetDefault("cache.ttl.download", "24h")

	// Redis 默认值
	v.SetDefault("cache.redis.enabled", true)
	v.SetDefault("cache.redis.host", "localhost")
	v.SetDefault("cache.redis.port", 6379)
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.pool_size", 100)
	v.SetDefault("cache.redis.min_idle_conns", 10)
	v.SetDefault("cache.redis.dial_timeout", "5s")
	v.SetDefault("cache.redis.read_timeout", "3s")
	v.SetDefault("cache.redis.write_timeout", "3s")

	// 数据库默认值
	v.SetDefault("database.postgres.enabled", false)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.database", "content_pipeline")
	v.SetDefault("database.postgres.ssl_mode", "disable")
	v.SetDefault("database.postgres.max_open_conns", 20)
	v.SetDefault("database.postgres.max_idle_conns", 5)
	v.SetDefault("database.postgres.conn_max_lifetime", "30m")
	v.SetDefault("database.postgres.conn_max_idle_time", "5m")
	v.SetDefault("database.postgres.auto_migrate", true)

	// 消息队列默认值
	v.SetDefault("messaging.redis_stream.enabled", true)
	v.SetDefault("messaging.redis_stream.max_len", 10000)
	v.SetDefault("messaging.redis_stream.consumer_group_prefix", "content-pipeline")
	v.SetDefault("messaging.redis_stream.block_timeout", "5s")
	v.SetDefault("messaging.redis_stream.claim_interval", "30s")
	v.SetDefault("messaging.redis_stream.retry_limit", 3)
	v.SetDefault("messaging.redis_stream.retry_backoff.initial", "1s")
	v.SetDefault("messaging.redis_stream.retry_backoff.max", "30s")
	v.SetDefault("messaging.redis_stream.retry_backoff.multiplier", 2.0)

	// 可观测性默认值
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.logging.output", "stdout")
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.exporter", "otlp")
	v.SetDefault("observability.tracing.endpoint", "localhost:4317")
	v.SetDefault("observability.tracing.sample_rate", 1.0)
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.port", 9464)
	v.SetDefault("observability.metrics.path", "/metrics")

	// 安全默认值
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "DELETE", "OPTIONS"})
	v.SetDefault("security.cors.allowed_headers", []string{"Origin", "Content-Type", "X-Request-ID", "X-Caller-ID"})
}
