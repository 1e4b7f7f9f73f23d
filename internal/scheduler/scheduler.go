/**
 * @description
 * Cron scheduler for billing jobs. Generates the current month's invoice for
 * every active account on the configured schedule.
 */
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/munisanluis/billing-service/internal/app"
	"github.com/munisanluis/billing-service/internal/logger"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// InvoiceGenerator runs the monthly invoice job.
type InvoiceGenerator interface {
	GenerateMonthlyInvoices(ctx context.Context, at time.Time) (*app.InvoiceGenerationResult, error)
}

// jobTimeout bounds a single invoice run.
const jobTimeout = 30 * time.Minute

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	generator InvoiceGenerator
	schedule  string
	log       zerolog.Logger
	now       func() time.Time
}

// New creates a scheduler whose cron expressions are read in loc.
func New(generator InvoiceGenerator, schedule string, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	log := logger.WithComponent("scheduler")
	cronLogger := cronLog{log: log}
	return &Scheduler{
		cron:      cron.New(cron.WithLocation(loc), cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		generator: generator,
		schedule:  schedule,
		log:       log,
		now:       time.Now,
	}
}

// Start registers the jobs and starts the cron scheduler. An empty schedule
// leaves the scheduler idle.
func (s *Scheduler) Start() error {
	if s.schedule == "" {
		s.log.Info().Msg("invoice job schedule empty; scheduled generation disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, s.GenerateInvoices); err != nil {
		return fmt.Errorf("schedule invoice job %q: %w", s.schedule, err)
	}
	s.log.Info().Str("schedule", s.schedule).Msg("scheduled invoice generation job")
	s.cron.Start()
	return nil
}

// Stop stops the scheduler; the returned context is done when running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// GenerateInvoices is the invoice job body.
func (s *Scheduler) GenerateInvoices() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	s.log.Info().Msg("starting invoice generation job")
	result, err := s.generator.GenerateMonthlyInvoices(ctx, s.now())
	if err != nil {
		s.log.Error().Err(err).Msg("invoice generation job failed")
		return
	}
	s.log.Info().
		Int("year", result.Year).
		Int("month", result.Month).
		Int("accounts", result.AccountsScanned).
		Int("created", result.InvoicesCreated).
		Int("failures", result.Failures).
		Msg("invoice generation job finished")
}

// cronLog adapts zerolog to cron.Logger.
type cronLog struct {
	log zerolog.Logger
}

func (l cronLog) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLog) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
