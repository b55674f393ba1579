package main

import (
	"fmt"
	"os"
	"time"

	"judgeflow/internal/common/cache"
	"judgeflow/internal/common/db"
	"judgeflow/internal/common/mq"
	"judgeflow/internal/common/storage"
	"judgeflow/internal/judge/engine"
	"judgeflow/internal/submit/service"
	"judgeflow/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8086"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 120 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// AuthConfig holds access token verification settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwtSecret"`
	JWTIssuer string `yaml:"jwtIssuer"`
}

// EngineConfig holds judging engine settings.
type EngineConfig struct {
	Client engine.ClientConfig `yaml:"client"`
	Poller engine.PollerConfig `yaml:"poller"`
	// Languages lists the engine language ids accepted for submission.
	Languages      []int         `yaml:"languages"`
	MaxSourceBytes int           `yaml:"maxSourceBytes"`
	UnitDeadline   time.Duration `yaml:"unitDeadline"`
}

// SubmitConfig holds submission settings.
type SubmitConfig struct {
	SourceBucket       string                  `yaml:"sourceBucket"`
	SourceKeyPrefix    string                  `yaml:"sourceKeyPrefix"`
	IdempotencyTTL     time.Duration           `yaml:"idempotencyTTL"`
	SubmissionCacheTTL time.Duration           `yaml:"submissionCacheTTL"`
	SubmissionEmptyTTL time.Duration           `yaml:"submissionEmptyTTL"`
	ProblemCacheTTL    time.Duration           `yaml:"problemCacheTTL"`
	ProblemEmptyTTL    time.Duration           `yaml:"problemEmptyTTL"`
	HistoryLimit       int                     `yaml:"historyLimit"`
	VerdictTopic       string                  `yaml:"verdictTopic"`
	RateLimit          service.RateLimitConfig `yaml:"rateLimit"`
	Timeouts           service.TimeoutConfig   `yaml:"timeouts"`
}

// AppConfig holds submit-service configuration.
type AppConfig struct {
	Server   ServerConfig        `yaml:"server"`
	Logger   logger.Config       `yaml:"logger"`
	Auth     AuthConfig          `yaml:"auth"`
	Database db.MySQLConfig      `yaml:"database"`
	Redis    cache.RedisConfig   `yaml:"redis"`
	Kafka    mq.KafkaConfig      `yaml:"kafka"`
	MinIO    storage.MinIOConfig `yaml:"minio"`
	Engine   EngineConfig        `yaml:"engine"`
	Submit   SubmitConfig        `yaml:"submit"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}

	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}

	if len(cfg.Engine.Languages) == 0 {
		cfg.Engine.Languages = []int{54, 62, 71, 63}
	}

	if cfg.Submit.IdempotencyTTL == 0 {
		cfg.Submit.IdempotencyTTL = 10 * time.Minute
	}
	if cfg.Submit.SubmissionCacheTTL == 0 {
		cfg.Submit.SubmissionCacheTTL = 30 * time.Minute
	}
	if cfg.Submit.SubmissionEmptyTTL == 0 {
		cfg.Submit.SubmissionEmptyTTL = 5 * time.Minute
	}
	if cfg.Submit.ProblemCacheTTL == 0 {
		cfg.Submit.ProblemCacheTTL = 10 * time.Minute
	}
	if cfg.Submit.ProblemEmptyTTL == 0 {
		cfg.Submit.ProblemEmptyTTL = time.Minute
	}
	if cfg.Submit.HistoryLimit == 0 {
		cfg.Submit.HistoryLimit = 100
	}
	if cfg.Submit.VerdictTopic == "" {
		cfg.Submit.VerdictTopic = "submission.verdict"
	}
	if cfg.Submit.RateLimit.Window == 0 {
		cfg.Submit.RateLimit.Window = time.Minute
	}
	if cfg.Submit.RateLimit.UserMax == 0 {
		cfg.Submit.RateLimit.UserMax = 30
	}
	if cfg.Submit.RateLimit.IPMax == 0 {
		cfg.Submit.RateLimit.IPMax = 60
	}
	if cfg.Submit.Timeouts.DB == 0 {
		cfg.Submit.Timeouts.DB = 3 * time.Second
	}
	if cfg.Submit.Timeouts.Cache == 0 {
		cfg.Submit.Timeouts.Cache = 1 * time.Second
	}
	if cfg.Submit.Timeouts.MQ == 0 {
		cfg.Submit.Timeouts.MQ = 3 * time.Second
	}
	if cfg.Submit.Timeouts.Storage == 0 {
		cfg.Submit.Timeouts.Storage = 5 * time.Second
	}
	if cfg.Submit.Timeouts.Judge == 0 {
		cfg.Submit.Timeouts.Judge = 100 * time.Second
	}

	if cfg.Submit.SourceBucket == "" {
		cfg.Submit.SourceBucket = cfg.MinIO.Bucket
	}
}

func validate(cfg *AppConfig) error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if cfg.Engine.Client.BaseURL == "" {
		return fmt.Errorf("engine baseURL is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwtSecret is required")
	}
	return nil
}
