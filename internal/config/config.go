/**
 * @description
 * Configuration for the billing service. Values come from environment
 * variables through Viper, with an optional .env file in the working
 * directory.
 */

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all configuration for the billing service.
type Config struct {
	ServerPort            string `mapstructure:"SERVER_PORT"`
	DatabaseURL           string `mapstructure:"DATABASE_URL"`
	DatabaseMaxConns      int32  `mapstructure:"DATABASE_MAX_CONNS"`
	RabbitMQURL           string `mapstructure:"RABBITMQ_URL"`
	RedisURL              string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix  string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	AuthJWKSURL           string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience          string `mapstructure:"AUTH_AUDIENCE"`
	AuthIssuer            string `mapstructure:"AUTH_ISSUER"`
	InternalAPIKey        string `mapstructure:"INTERNAL_API_KEY"`
	BusinessTimezone      string `mapstructure:"BUSINESS_TIMEZONE"`
	GatewayBaseURL        string `mapstructure:"GATEWAY_BASE_URL"`
	GatewayPublicKey      string `mapstructure:"GATEWAY_PUBLIC_KEY"`
	GatewaySecretKey      string `mapstructure:"GATEWAY_SECRET_KEY"`
	GatewayWebhookSecret  string `mapstructure:"GATEWAY_WEBHOOK_SECRET"`
	GatewayTimeoutSeconds int    `mapstructure:"GATEWAY_TIMEOUT_SECONDS"`
	GatewayFeeRateRaw     string `mapstructure:"GATEWAY_FEE_RATE"`
	GatewayFeeFixedRaw    string `mapstructure:"GATEWAY_FEE_FIXED"`
	GatewayCurrency       string `mapstructure:"GATEWAY_CURRENCY"`
	CheckoutSuccessURL    string `mapstructure:"CHECKOUT_SUCCESS_URL"`
	CheckoutCancelURL     string `mapstructure:"CHECKOUT_CANCEL_URL"`
	CheckoutRateLimit     int    `mapstructure:"CHECKOUT_RATE_LIMIT_PER_MINUTE"`
	InvoiceDueDay         int    `mapstructure:"INVOICE_DUE_DAY"`
	InvoiceJobSchedule    string `mapstructure:"INVOICE_JOB_SCHEDULE"`
	DevMode               bool   `mapstructure:"DEV_MODE"`
	LogLevel              string `mapstructure:"LOG_LEVEL"`
	LogFormat             string `mapstructure:"LOG_FORMAT"`

	// Parsed from the raw fee settings.
	GatewayFeeRate  decimal.Decimal `mapstructure:"-"`
	GatewayFeeFixed decimal.Decimal `mapstructure:"-"`
}

// GatewayTimeout is the HTTP timeout for gateway calls.
func (c Config) GatewayTimeout() time.Duration {
	return time.Duration(c.GatewayTimeoutSeconds) * time.Second
}

// LoadConfig reads configuration from the environment and an optional .env
// file found in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("DATABASE_MAX_CONNS", 10)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "billing:rate_limit")
	viper.SetDefault("BUSINESS_TIMEZONE", "America/Guatemala")
	viper.SetDefault("GATEWAY_BASE_URL", "https://app.recurrente.com/api")
	viper.SetDefault("GATEWAY_TIMEOUT_SECONDS", 30)
	viper.SetDefault("GATEWAY_FEE_RATE", "0.045")
	viper.SetDefault("GATEWAY_FEE_FIXED", "2.00")
	viper.SetDefault("GATEWAY_CURRENCY", "GTQ")
	viper.SetDefault("CHECKOUT_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("INVOICE_DUE_DAY", 15)
	viper.SetDefault("INVOICE_JOB_SCHEDULE", "0 5 1 * *")
	viper.SetDefault("DEV_MODE", false)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("DATABASE_MAX_CONNS")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "BILLING_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("AUTH_JWKS_URL", "AUTH_JWKS_URL", "CLERK_JWKS_URL")
	_ = viper.BindEnv("AUTH_AUDIENCE", "AUTH_AUDIENCE", "CLERK_AUDIENCE")
	_ = viper.BindEnv("AUTH_ISSUER", "AUTH_ISSUER", "CLERK_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("BUSINESS_TIMEZONE")
	_ = viper.BindEnv("GATEWAY_BASE_URL")
	_ = viper.BindEnv("GATEWAY_PUBLIC_KEY")
	_ = viper.BindEnv("GATEWAY_SECRET_KEY")
	_ = viper.BindEnv("GATEWAY_WEBHOOK_SECRET")
	_ = viper.BindEnv("GATEWAY_TIMEOUT_SECONDS")
	_ = viper.BindEnv("GATEWAY_FEE_RATE")
	_ = viper.BindEnv("GATEWAY_FEE_FIXED")
	_ = viper.BindEnv("GATEWAY_CURRENCY")
	_ = viper.BindEnv("CHECKOUT_SUCCESS_URL")
	_ = viper.BindEnv("CHECKOUT_CANCEL_URL")
	_ = viper.BindEnv("CHECKOUT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("INVOICE_DUE_DAY")
	_ = viper.BindEnv("INVOICE_JOB_SCHEDULE")
	_ = viper.BindEnv("DEV_MODE")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")

	if err = viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Warn().Err(err).Str("component", "config").Msg("failed to read config file; using environment values")
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "billing:rate_limit"
	}
	// An unset variable falls back to the default, so "off" disables the job.
	config.InvoiceJobSchedule = strings.TrimSpace(config.InvoiceJobSchedule)
	if strings.EqualFold(config.InvoiceJobSchedule, "off") {
		config.InvoiceJobSchedule = ""
	}
	if config.GatewayTimeoutSeconds <= 0 {
		config.GatewayTimeoutSeconds = 30
	}

	if config.DatabaseURL == "" {
		return config, errors.New("DATABASE_URL is required")
	}

	config.GatewayFeeRate, err = decimal.NewFromString(strings.TrimSpace(config.GatewayFeeRateRaw))
	if err != nil {
		return config, fmt.Errorf("invalid GATEWAY_FEE_RATE %q: %w", config.GatewayFeeRateRaw, err)
	}
	if config.GatewayFeeRate.IsNegative() || config.GatewayFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return config, fmt.Errorf("GATEWAY_FEE_RATE must be in [0, 1), got %s", config.GatewayFeeRate)
	}
	config.GatewayFeeFixed, err = decimal.NewFromString(strings.TrimSpace(config.GatewayFeeFixedRaw))
	if err != nil {
		return config, fmt.Errorf("invalid GATEWAY_FEE_FIXED %q: %w", config.GatewayFeeFixedRaw, err)
	}
	if config.GatewayFeeFixed.IsNegative() {
		return config, fmt.Errorf("GATEWAY_FEE_FIXED must not be negative, got %s", config.GatewayFeeFixed)
	}
	if config.InvoiceDueDay < 1 || config.InvoiceDueDay > 31 {
		return config, fmt.Errorf("INVOICE_DUE_DAY must be between 1 and 31, got %d", config.InvoiceDueDay)
	}

	return config, nil
}
