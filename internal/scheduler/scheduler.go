package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/ruralpay/cooperative/internal/models"
)

// Accruer posts interest to every account that is due.
type Accruer interface {
	AccrueInterest(ctx context.Context, id *models.AccountID, actor models.Actor) (*models.AccrualSummary, error)
}

// Scheduler runs the periodic back-office jobs.
type Scheduler struct {
	cron       *cron.Cron
	ledger     Accruer
	jobTimeout time.Duration
	logger     *log.Entry
}

func New(ledger Accruer) *Scheduler {
	logger := log.WithField("component", "scheduler")
	cronLogger := cron.PrintfLogger(logger)
	return &Scheduler{
		cron:       cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		ledger:     ledger,
		jobTimeout: 30 * time.Minute,
		logger:     logger,
	}
}

// Start registers the interest job on schedule and starts the cron loop.
func (s *Scheduler) Start(interestSchedule string) error {
	if _, err := s.cron.AddFunc(interestSchedule, s.AccrueInterest); err != nil {
		return errors.Wrapf(err, "schedule interest accrual %q", interestSchedule)
	}
	s.logger.WithField("schedule", interestSchedule).Info("scheduled interest accrual job")
	s.cron.Start()
	return nil
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// AccrueInterest is the interest job body.
func (s *Scheduler) AccrueInterest() {
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()

	started := time.Now()
	summary, err := s.ledger.AccrueInterest(ctx, nil, models.System)
	if err != nil {
		s.logger.WithError(err).Error("interest accrual failed")
		return
	}
	s.logger.WithFields(log.Fields{
		"processed":      summary.Processed,
		"skipped":        summary.Skipped,
		"failed":         summary.Failed,
		"total_interest": summary.TotalInterest.StringFixed(models.MoneyPlaces),
		"duration":       time.Since(started).String(),
	}).Info("interest accrual finished")
}
