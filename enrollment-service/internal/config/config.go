package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cohortengine/enrollment-service/internal/model"
	"cohortengine/enrollment-service/internal/service"
	"cohortengine/pkg/config"
)

type StripeConfig struct {
	SecretKey      string   `yaml:"secret_key"`
	BackendURL     string   `yaml:"backend_url"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	WebhookSecrets []string `yaml:"webhook_secrets"`
	// 熔断：连续失败次数与打开时长
	BreakerFailures        int `yaml:"breaker_failures"`
	BreakerCooldownSeconds int `yaml:"breaker_cooldown_seconds"`
}

type EnrollmentConfig struct {
	PaymentMode        string `yaml:"payment_mode"`
	BypassLevel        string `yaml:"bypass_level"`
	ApplicationFeeRate string `yaml:"application_fee_rate"`
	Currency           string `yaml:"currency"`
	Strategy           string `yaml:"strategy"`
}

type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

type OutboxConfig struct {
	IntervalMS int `yaml:"interval_ms"`
	BatchSize  int `yaml:"batch_size"`
	MaxRetries int `yaml:"max_retries"`
}

type WebhookConfig struct {
	DedupeTTLMinutes int    `yaml:"dedupe_ttl_minutes"`
	VideoToken       string `yaml:"video_token"`
}

type Config struct {
	Env        string              `yaml:"env"`
	Server     config.ServerConfig `yaml:"server"`
	DB         config.DBConfig     `yaml:"db"`
	MQ         config.MQConfig     `yaml:"mq"`
	Redis      config.RedisConfig  `yaml:"redis"`
	JWT        config.JWTConfig    `yaml:"jwt"`
	Otel       config.OtelConfig   `yaml:"otel"`
	Stripe     StripeConfig        `yaml:"stripe"`
	Enrollment EnrollmentConfig    `yaml:"enrollment"`
	Outbox     OutboxConfig        `yaml:"outbox"`
	Webhook    WebhookConfig       `yaml:"webhook"`
	RateLimit  RateLimitConfig     `yaml:"rate_limit"`
}

// Load 读取 base.yaml + <env>.yaml，再用环境变量覆盖
func Load() (*Config, error) {
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
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideOtelFromEnv(&cfg.Otel)
	OverrideStripeFromEnv(&cfg.Stripe)

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// OverrideStripeFromEnv STRIPE_WEBHOOK_SECRETS 以逗号分隔，便于轮换
func OverrideStripeFromEnv(cfg *StripeConfig) {
	if key := os.Getenv("STRIPE_SECRET_KEY"); key != "" {
		cfg.SecretKey = key
	}
	if url := os.Getenv("STRIPE_BACKEND_URL"); url != "" {
		cfg.BackendURL = url
	}
	if secrets := os.Getenv("STRIPE_WEBHOOK_SECRETS"); secrets != "" {
		cfg.WebhookSecrets = nil
		for _, s := range strings.Split(secrets, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.WebhookSecrets = append(cfg.WebhookSecrets, s)
			}
		}
	}
}

// unresolved 占位符没有被任何来源替换时视为未配置
func unresolved(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return ""
	}
	return s
}

func (c *Config) applyDefaults() {
	c.JWT.Secret = unresolved(c.JWT.Secret)
	c.DB.Password = unresolved(c.DB.Password)
	c.Redis.Password = unresolved(c.Redis.Password)
	c.Stripe.SecretKey = unresolved(c.Stripe.SecretKey)
	c.Webhook.VideoToken = unresolved(c.Webhook.VideoToken)

	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Stripe.TimeoutSeconds <= 0 {
		c.Stripe.TimeoutSeconds = 10
	}
	if c.Enrollment.PaymentMode == "" {
		c.Enrollment.PaymentMode = string(model.MethodCharge)
	}
	if c.Enrollment.ApplicationFeeRate == "" {
		c.Enrollment.ApplicationFeeRate = "0.2"
	}
	if c.Enrollment.Currency == "" {
		c.Enrollment.Currency = "usd"
	}
	if c.Outbox.IntervalMS <= 0 {
		c.Outbox.IntervalMS = 1000
	}
	if c.Outbox.BatchSize <= 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.MaxRetries <= 0 {
		c.Outbox.MaxRetries = 5
	}
	if c.Webhook.DedupeTTLMinutes <= 0 {
		c.Webhook.DedupeTTLMinutes = 24 * 60
	}
}

func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	if _, err := c.EnrollmentOptions(); err != nil {
		return err
	}
	if _, err := service.ParseStrategy(c.Enrollment.Strategy); err != nil {
		return err
	}
	return nil
}

// EnrollmentOptions 把配置转成服务使用的类型
func (c *Config) EnrollmentOptions() (service.EnrollmentOptions, error) {
	var opts service.EnrollmentOptions

	switch mode := model.PaymentMethod(c.Enrollment.PaymentMode); mode {
	case model.MethodCharge, model.MethodInvoice:
		opts.PaymentMode = mode
	default:
		return opts, fmt.Errorf("enrollment.payment_mode %q is not charge or invoice", c.Enrollment.PaymentMode)
	}

	if c.Enrollment.BypassLevel != "" {
		level, err := model.ParseTierLevel(c.Enrollment.BypassLevel)
		if err != nil {
			return opts, fmt.Errorf("enrollment.bypass_level: %w", err)
		}
		opts.BypassLevel = level
	}

	rate, err := decimal.NewFromString(c.Enrollment.ApplicationFeeRate)
	if err != nil {
		return opts, fmt.Errorf("enrollment.application_fee_rate: %w", err)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return opts, fmt.Errorf("enrollment.application_fee_rate must be within [0, 1]")
	}
	opts.ApplicationFeeRate = rate
	opts.Currency = strings.ToLower(c.Enrollment.Currency)
	return opts, nil
}

func (c *Config) StripeTimeout() time.Duration {
	return time.Duration(c.Stripe.TimeoutSeconds) * time.Second
}

func (c *Config) OutboxInterval() time.Duration {
	return time.Duration(c.Outbox.IntervalMS) * time.Millisecond
}

func (c *Config) DedupeTTL() time.Duration {
	return time.Duration(c.Webhook.DedupeTTLMinutes) * time.Minute
}
