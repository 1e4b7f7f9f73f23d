/**
 * @description
 * Core business logic for municipal service billing: invoice generation,
 * payment application, hosted checkout and gateway reconciliation.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/munisanluis/billing-service/internal/domain"
	"github.com/munisanluis/billing-service/internal/logger"
	"github.com/munisanluis/billing-service/internal/store"
	"github.com/munisanluis/billing-service/internal/webhook"
	"github.com/munisanluis/billing-service/pkg/gatewayclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	ErrRateNotFound         = errors.New("no rate schedule covers the date")
	ErrNothingToPay         = errors.New("no outstanding balance")
	ErrForbidden            = errors.New("not allowed to access this account")
	ErrInvalidAmount        = errors.New("amount must be greater than zero")
	ErrInvalidMethod        = errors.New("unknown payment method")
	ErrInvalidRange         = errors.New("invalid billing range")
	ErrAccountInactive      = errors.New("account is inactive")
	ErrAccountAlreadyLinked = errors.New("account is linked to another user")
	ErrDevModeDisabled      = errors.New("only available in development mode")
)

// RateLimitError is returned when a caller exceeds a request quota.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", e.RetryAfterSeconds)
}

// GatewayClient opens hosted checkout sessions.
type GatewayClient interface {
	CreateCheckoutSession(ctx context.Context, req gatewayclient.CheckoutRequest) (*gatewayclient.CheckoutSession, error)
}

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// RateLimiter counts requests per subject inside a time window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Options carries the business settings of the service.
type Options struct {
	Timezone               string
	DueDay                 int
	Currency               string
	FeeRate                decimal.Decimal
	FeeFixed               decimal.Decimal
	SuccessURL             string
	CancelURL              string
	Exchange               string
	WebhookSecret          string
	CheckoutLimitPerMinute int
	DevMode                bool
}

// Service provides the business logic for billing.
type Service struct {
	repo      store.Repository
	gateway   GatewayClient
	publisher EventPublisher
	limiter   RateLimiter
	verifier  *webhook.Verifier
	opts      Options
	loc       *time.Location
	now       func() time.Time
	log       zerolog.Logger
}

// NewService creates a new billing service.
func NewService(repo store.Repository, gateway GatewayClient, publisher EventPublisher, opts Options) *Service {
	log := logger.WithComponent("billing")

	loc, err := time.LoadLocation(opts.Timezone)
	if err != nil {
		log.Warn().Str("timezone", opts.Timezone).Msg("invalid timezone, defaulting to UTC")
		loc = time.UTC
	}
	if opts.DueDay <= 0 {
		opts.DueDay = DefaultDueDay
	}
	if opts.Currency == "" {
		opts.Currency = "GTQ"
	}
	if opts.Exchange == "" {
		opts.Exchange = EventsExchange
	}

	return &Service{
		repo:      repo,
		gateway:   gateway,
		publisher: publisher,
		verifier:  webhook.NewVerifier(opts.WebhookSecret),
		opts:      opts,
		loc:       loc,
		now:       time.Now,
		log:       log,
	}
}

// SetRateLimiter enables per-user quotas on checkout creation.
func (s *Service) SetRateLimiter(limiter RateLimiter) {
	s.limiter = limiter
}

// DevMode reports whether development-only operations are enabled.
func (s *Service) DevMode() bool {
	return s.opts.DevMode
}

// today is the current business date in the configured timezone.
func (s *Service) today() time.Time {
	return domain.DateOnly(s.now().In(s.loc))
}

// authorizeAccount loads the account and checks that the actor may act on it.
// Staff and the system actor may act on any account.
func (s *Service) authorizeAccount(ctx context.Context, q store.Queries, actor domain.Actor, accountID string) (domain.Account, error) {
	account, err := q.GetAccount(ctx, accountID)
	if err != nil {
		return domain.Account{}, err
	}
	if actor.UserID == "" || actor.IsStaff() {
		return account, nil
	}
	if !account.OwnedBy(actor.UserID) {
		return domain.Account{}, ErrForbidden
	}
	return account, nil
}
