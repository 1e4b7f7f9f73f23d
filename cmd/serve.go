package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/munisanluis/billing-service/internal/api"
	"github.com/munisanluis/billing-service/internal/app"
	"github.com/munisanluis/billing-service/internal/scheduler"
	"github.com/munisanluis/billing-service/internal/store"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var runMigrations bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the invoice scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), runMigrations)
		},
	}
	cmd.Flags().BoolVar(&runMigrations, "migrate", false, "apply migrations before serving")
	return cmd
}

func runServe(parent context.Context, runMigrations bool) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("port", cfg.ServerPort).Str("version", Version).Msg("starting billing-service")
	if cfg.InternalAPIKey == "" {
		log.Warn().Msg("INTERNAL_API_KEY empty; internal routes are unauthenticated")
	}
	if cfg.GatewayWebhookSecret == "" {
		log.Warn().Msg("GATEWAY_WEBHOOK_SECRET empty; gateway callbacks will be rejected")
	}
	if cfg.DevMode {
		log.Warn().Msg("DEV_MODE enabled; payment simulation route is exposed")
	}

	pool, err := connectDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer pool.Close()
	if runMigrations {
		if err := store.Migrate(ctx, pool); err != nil {
			return err
		}
	}

	publisher := connectPublisher(cfg, log)
	defer publisher.Close()

	service := newService(cfg, store.NewPostgresRepository(pool), newGatewayClient(cfg), publisher)
	if redisClient := connectRedis(ctx, cfg, log); redisClient != nil {
		defer redisClient.Close()
		service.SetRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix))
	}

	loc, err := time.LoadLocation(cfg.BusinessTimezone)
	if err != nil {
		log.Warn().Err(err).Str("timezone", cfg.BusinessTimezone).Msg("unknown timezone; scheduling in UTC")
		loc = time.UTC
	}
	jobs := scheduler.New(service, cfg.InvoiceJobSchedule, loc)
	if err := jobs.Start(); err != nil {
		return err
	}
	defer func() { <-jobs.Stop().Done() }()

	router := api.NewRouter(api.NewHandler(service), api.RouterConfig{
		Keys:           api.NewJWKSCache(cfg.AuthJWKSURL, 15*time.Minute),
		Auth:           api.AuthOptions{Audience: cfg.AuthAudience, Issuer: cfg.AuthIssuer},
		InternalAPIKey: cfg.InternalAPIKey,
		DevMode:        cfg.DevMode,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
