package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 服务全量配置（文件 + PUBQUEUE_* 环境变量覆盖）
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Adapter   AdapterConfig   `mapstructure:"adapter"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"` // debug, release
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	SentryDSN       string        `mapstructure:"sentry_dsn"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, sqlite
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// BrokerConfig 任务队列参数；重试预算耗尽后进入死信
type BrokerConfig struct {
	Namespace      string        `mapstructure:"namespace"`
	Queue          string        `mapstructure:"queue"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffCap     time.Duration `mapstructure:"backoff_cap"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
	PromoteEvery   time.Duration `mapstructure:"promote_every"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
}

type WorkerConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	PlatformRate   float64       `mapstructure:"platform_rate"`  // adapter calls per second per platform
	PlatformBurst  int           `mapstructure:"platform_burst"`
}

// AdapterConfig 平台发布适配器；mode=simulated 时走本地模拟
type AdapterConfig struct {
	Mode      string            `mapstructure:"mode"` // http, simulated
	Endpoints map[string]string `mapstructure:"endpoints"`
	Timeout   time.Duration     `mapstructure:"timeout"`
}

type TelemetryConfig struct {
	Endpoint    string `mapstructure:"endpoint"` // OTLP HTTP; empty disables tracing export
	ServiceName string `mapstructure:"service_name"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load 读取 config.yaml（可缺省），再套用环境变量与默认值
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("PUBQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "pubqueue.db")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "1h")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("broker.namespace", "pubqueue")
	v.SetDefault("broker.queue", "publish")
	v.SetDefault("broker.max_attempts", 5)
	v.SetDefault("broker.backoff_base", "2s")
	v.SetDefault("broker.backoff_cap", "60s")
	v.SetDefault("broker.poll_timeout", "2s")
	v.SetDefault("broker.promote_every", "1s")
	v.SetDefault("broker.stale_threshold", "2m")

	v.SetDefault("worker.concurrency", 8)
	v.SetDefault("worker.publish_timeout", "30s")
	v.SetDefault("worker.platform_rate", 10)
	v.SetDefault("worker.platform_burst", 20)

	v.SetDefault("adapter.mode", "simulated")
	v.SetDefault("adapter.timeout", "30s")

	v.SetDefault("telemetry.service_name", "pubqueue")

	v.SetDefault("log.level", "info")
}
