package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"civicledger/internal/oracle"
	"civicledger/internal/storage"
	"civicledger/pkg/config"
	"civicledger/pkg/otel"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type LedgerConfig struct {
	// Backend 为 postgres 或 memory
	Backend string `yaml:"backend"`
	// 启动时执行 migrations
	Migrate bool `yaml:"migrate"`
}

type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

type CommandConfig struct {
	DedupTTL time.Duration `yaml:"dedup_ttl"`
	RetryTTL time.Duration `yaml:"retry_ttl"`
}

type Config struct {
	Ledger  LedgerConfig        `yaml:"ledger"`
	DB      config.DBConfig     `yaml:"db"`
	MQ      config.MQConfig     `yaml:"mq"`
	Redis   config.RedisConfig  `yaml:"redis"`
	JWT     config.JWTConfig    `yaml:"jwt"`
	Server  config.ServerConfig `yaml:"server"`
	Oracle  oracle.Config       `yaml:"oracle"`
	Storage storage.Config      `yaml:"storage"`
	Outbox  OutboxConfig        `yaml:"outbox"`
	Command CommandConfig       `yaml:"command"`
	OTel    otel.Config         `yaml:"otel"`
}

// Load 读取 CONFIG_DIR 下的分层配置，并应用环境变量覆盖
func Load() (*Config, error) {
	return LoadFrom(config.GetConfigEnv(), config.GetEnv("CONFIG_DIR", "config"))
}

func LoadFrom(env, dir string) (*Config, error) {
	cfgMap, err := config.LoadConfig(env, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var cfg Config
	if err := config.Decode(cfgMap, &cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖（优先级最高）
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideServerFromEnv(&cfg.Server)
	if backend := os.Getenv("LEDGER_BACKEND"); backend != "" {
		cfg.Ledger.Backend = backend
	}
	if migrate := os.Getenv("LEDGER_MIGRATE"); migrate != "" {
		if v, err := strconv.ParseBool(migrate); err == nil {
			cfg.Ledger.Migrate = v
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = BackendPostgres
	}
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.MQ.CommandQueue == "" {
		c.MQ.CommandQueue = "ledger.command.q"
	}
	if c.MQ.MaxRetries <= 0 {
		c.MQ.MaxRetries = 3
	}
	if c.Outbox.Interval <= 0 {
		c.Outbox.Interval = 2 * time.Second
	}
	if c.Outbox.BatchSize <= 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.MaxRetries <= 0 {
		c.Outbox.MaxRetries = 10
	}
	if c.Command.DedupTTL <= 0 {
		c.Command.DedupTTL = 24 * time.Hour
	}
	if c.Command.RetryTTL <= 0 {
		c.Command.RetryTTL = time.Hour
	}
	if c.Oracle.RadiusKm <= 0 {
		c.Oracle.RadiusKm = oracle.DefaultRadiusKm
	}
	if c.Oracle.Tolerance <= 0 {
		c.Oracle.Tolerance = oracle.DefaultTolerance
	}
	if c.OTel.ServiceName == "" {
		c.OTel.ServiceName = "civicledger"
	}
}

func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	if c.MQ.URL == "" {
		return fmt.Errorf("mq.url is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	return nil
}
