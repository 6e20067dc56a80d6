// Package config содержит логику чтения конфигурации сервиса продажи уроков.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/mmeshcher/lessonpay/internal/fees"
)

const (
	defaultRunAddress    = "localhost:8080"
	defaultCurrency      = "usd"
	defaultSuccessURL    = "http://localhost:3000/purchases/success?session={CHECKOUT_SESSION_ID}"
	defaultCancelURL     = "http://localhost:3000/lessons"
	defaultSweepInterval = time.Minute
	defaultStaleAfter    = 30 * time.Minute
	defaultRetryAttempts = 3
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	AuthSecret  string `env:"AUTH_SECRET"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	StripeAPIURL        string `env:"STRIPE_API_URL"`

	// PlatformFeePercent читается из окружения через feeEnv.
	PlatformFeePercent float64

	Currency           string `env:"CURRENCY"`
	CheckoutSuccessURL string `env:"CHECKOUT_SUCCESS_URL"`
	CheckoutCancelURL  string `env:"CHECKOUT_CANCEL_URL"`

	PayoutSweepInterval time.Duration `env:"PAYOUT_SWEEP_INTERVAL"`
	PayoutStaleAfter    time.Duration `env:"PAYOUT_STALE_AFTER"`
	PayoutRetryAttempts uint          `env:"PAYOUT_RETRY_ATTEMPTS"`
}

// feeEnv отличает PLATFORM_FEE_PERCENT=0 от незаданной переменной.
type feeEnv struct {
	PlatformFeePercent *float64 `env:"PLATFORM_FEE_PERCENT"`
}

// FeeSchedule строит схему комиссии платформы из конфигурации.
func (c *Config) FeeSchedule() (fees.Schedule, error) {
	return fees.NewSchedule(c.PlatformFeePercent)
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	var fee feeEnv
	if err := env.Parse(&fee); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envCfg := *cfg

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.StripeSecretKey, "k", "", "payment processor secret key")
	flag.StringVar(&cfg.StripeWebhookSecret, "w", "", "payment processor webhook signing secret")
	flag.Float64Var(&cfg.PlatformFeePercent, "f", fees.DefaultPercent, "platform fee percent")
	flag.StringVar(&cfg.Currency, "c", defaultCurrency, "settlement currency")

	flag.Parse()

	if envCfg.RunAddress != "" {
		cfg.RunAddress = envCfg.RunAddress
	}
	if envCfg.DatabaseURI != "" {
		cfg.DatabaseURI = envCfg.DatabaseURI
	}
	if envCfg.StripeSecretKey != "" {
		cfg.StripeSecretKey = envCfg.StripeSecretKey
	}
	if envCfg.StripeWebhookSecret != "" {
		cfg.StripeWebhookSecret = envCfg.StripeWebhookSecret
	}
	if fee.PlatformFeePercent != nil {
		cfg.PlatformFeePercent = *fee.PlatformFeePercent
	}
	if envCfg.Currency != "" {
		cfg.Currency = envCfg.Currency
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.Currency == "" {
		cfg.Currency = defaultCurrency
	}
	cfg.Currency = strings.ToLower(cfg.Currency)
	if cfg.CheckoutSuccessURL == "" {
		cfg.CheckoutSuccessURL = defaultSuccessURL
	}
	if cfg.CheckoutCancelURL == "" {
		cfg.CheckoutCancelURL = defaultCancelURL
	}
	if cfg.PayoutSweepInterval <= 0 {
		cfg.PayoutSweepInterval = defaultSweepInterval
	}
	if cfg.PayoutStaleAfter <= 0 {
		cfg.PayoutStaleAfter = defaultStaleAfter
	}
	if cfg.PayoutRetryAttempts == 0 {
		cfg.PayoutRetryAttempts = defaultRetryAttempts
	}
}

func validate(cfg *Config) error {
	if _, err := cfg.FeeSchedule(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if len(cfg.Currency) != 3 {
		return fmt.Errorf("invalid config: currency must be an ISO 4217 code, got %q", cfg.Currency)
	}
	return nil
}
