package config

import (
	"fmt"
	"time"

	"cohortengine/pkg/config"
)

type NotificationConfig struct {
	ServerPort      string `yaml:"server_port"`
	Queue           string `yaml:"queue"`
	MaxRetries      int64  `yaml:"max_retries"`
	RetryTTLMinutes int    `yaml:"retry_ttl_minutes"`
}

type Config struct {
	Env          string             `yaml:"env"`
	DB           config.DBConfig    `yaml:"db"`
	MQ           config.MQConfig    `yaml:"mq"`
	Redis        config.RedisConfig `yaml:"redis"`
	JWT          config.JWTConfig   `yaml:"jwt"`
	Otel         config.OtelConfig  `yaml:"otel"`
	Notification NotificationConfig `yaml:"notification"`
}

func Load() (*Config, error) {
	// 使用统一配置中心
	env := config.GetConfigEnv()
	cfgMap, err := config.LoadConfig(env, config.GetEnv("CONFIG_DIR", "config"))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := config.Decode(cfgMap, &cfg); err != nil {
		return nil, err
	}
	if cfg.Env == "" {
		cfg.Env = env
	}

	// 环境变量覆盖（优先级最高）
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideOtelFromEnv(&cfg.Otel)
	if port := config.GetEnv("NOTIFICATION_PORT", ""); port != "" {
		cfg.Notification.ServerPort = port
	}

	if cfg.Notification.ServerPort == "" {
		cfg.Notification.ServerPort = "8085"
	}
	if cfg.Notification.Queue == "" {
		cfg.Notification.Queue = "notification.created.q"
	}
	if cfg.Notification.MaxRetries <= 0 {
		cfg.Notification.MaxRetries = 3
	}
	if cfg.Notification.RetryTTLMinutes <= 0 {
		cfg.Notification.RetryTTLMinutes = 60
	}
	if cfg.JWT.Secret == "" || cfg.JWT.Secret == "${JWT_SECRET}" {
		return nil, fmt.Errorf("jwt.secret is required")
	}
	return &cfg, nil
}

func (c *Config) RetryTTL() time.Duration {
	return time.Duration(c.Notification.RetryTTLMinutes) * time.Minute
}
