/**
 * @description
 * Entry point for the billing service. Subcommands run the HTTP server, apply
 * database migrations, generate invoices once, or check gateway credentials.
 *
 * @dependencies
 * - github.com/spf13/cobra: command tree.
 * - github.com/joho/godotenv: .env loading for local development.
 * - github.com/jackc/pgx/v5: PostgreSQL pool.
 * - github.com/redis/go-redis/v9: checkout rate limiting.
 * - pkg/rabbitmq: billing event publisher.
 */

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/munisanluis/billing-service/internal/app"
	"github.com/munisanluis/billing-service/internal/config"
	"github.com/munisanluis/billing-service/internal/logger"
	"github.com/munisanluis/billing-service/internal/store"
	"github.com/munisanluis/billing-service/pkg/gatewayclient"
	"github.com/munisanluis/billing-service/pkg/rabbitmq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "billing-service",
		Short:         "Municipal billing: invoices, payments and gateway reconciliation",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(generateInvoicesCmd())
	rootCmd.AddCommand(checkGatewayCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and configures the global logger.
func bootstrap() (config.Config, zerolog.Logger, error) {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		return cfg, zerolog.Nop(), fmt.Errorf("config load failed: %w", err)
	}
	logger.Setup(logger.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: os.Stdout})
	return cfg, logger.WithComponent("bootstrap"), nil
}

func connectDatabase(ctx context.Context, cfg config.Config, log zerolog.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database url parse failed: %w", err)
	}
	if cfg.DatabaseMaxConns > 0 {
		poolConfig.MaxConns = cfg.DatabaseMaxConns
	}
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	log.Info().Int32("max_conns", poolConfig.MaxConns).Msg("database connected")
	return pool, nil
}

// connectPublisher falls back to logging events when RabbitMQ is missing.
func connectPublisher(cfg config.Config, log zerolog.Logger) rabbitmq.Publisher {
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Warn().Msg("rabbitmq url missing; events will only be logged")
		return rabbitmq.NewEventProducerFallback()
	}
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Warn().Err(err).Msg("rabbitmq producer unavailable; using fallback")
		return rabbitmq.NewEventProducerFallback()
	}
	log.Info().Msg("rabbitmq producer connected")
	return producer
}

// connectRedis returns nil when rate limiting cannot be enabled.
func connectRedis(ctx context.Context, cfg config.Config, log zerolog.Logger) *redis.Client {
	if cfg.CheckoutRateLimit <= 0 {
		return nil
	}
	if cfg.RedisURL == "" {
		log.Warn().Msg("redis url missing; checkout rate limiting disabled")
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("redis url parse failed; checkout rate limiting disabled")
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis ping failed; checkout rate limiting disabled")
		client.Close()
		return nil
	}
	log.Info().Msg("redis connected")
	return client
}

func newGatewayClient(cfg config.Config) *gatewayclient.Client {
	return gatewayclient.NewClient(cfg.GatewayBaseURL, cfg.GatewayPublicKey, cfg.GatewaySecretKey, cfg.GatewayTimeout())
}

func newService(cfg config.Config, repo store.Repository, gateway app.GatewayClient, publisher app.EventPublisher) *app.Service {
	return app.NewService(repo, gateway, publisher, app.Options{
		Timezone:               cfg.BusinessTimezone,
		DueDay:                 cfg.InvoiceDueDay,
		Currency:               cfg.GatewayCurrency,
		FeeRate:                cfg.GatewayFeeRate,
		FeeFixed:               cfg.GatewayFeeFixed,
		SuccessURL:             cfg.CheckoutSuccessURL,
		CancelURL:              cfg.CheckoutCancelURL,
		Exchange:               app.EventsExchange,
		WebhookSecret:          cfg.GatewayWebhookSecret,
		CheckoutLimitPerMinute: cfg.CheckoutRateLimit,
		DevMode:                cfg.DevMode,
	})
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			pool, err := connectDatabase(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer pool.Close()
			return store.Migrate(cmd.Context(), pool)
		},
	}
}

func generateInvoicesCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "generate-invoices",
		Short: "Generate the monthly invoice for every active account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			at := time.Now()
			if date != "" {
				if at, err = time.Parse("2006-01-02", date); err != nil {
					return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
				}
			}

			pool, err := connectDatabase(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer pool.Close()
			publisher := rabbitmq.NewEventProducerFallback()

			service := newService(cfg, store.NewPostgresRepository(pool), newGatewayClient(cfg), publisher)
			result, err := service.GenerateMonthlyInvoices(cmd.Context(), at)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%04d-%02d: %d accounts, %d invoices created, %d failures\n",
				result.Year, result.Month, result.AccountsScanned, result.InvoicesCreated, result.Failures)
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "billing date (YYYY-MM-DD), defaults to today")
	return cmd
}

func checkGatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-gateway",
		Short: "Verify the payment gateway credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := bootstrap()
			if err != nil {
				return err
			}
			if err := newGatewayClient(cfg).CheckCredentials(cmd.Context()); err != nil {
				return fmt.Errorf("gateway credentials rejected: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "gateway credentials OK")
			return nil
		},
	}
}
