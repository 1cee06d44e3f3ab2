package services

import (
	"context"
	"database/sql"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	defaultConsentBatch    = 50
	defaultConsentPoll     = 1200 * time.Millisecond
	defaultStaleProcessing = 2 * time.Minute
)

// consentJob is one claimed consent_outbox row.
type consentJob struct {
	ID       int64
	Request  ConsentRequest
	Attempts int
}

// ConsentDispatcher drains consent_outbox, retrying failed deliveries with backoff.
// Requests the guarantor can no longer answer are parked as dead.
type ConsentDispatcher struct {
	db              *sql.DB
	requester       ConsentRequester
	batchSize       int
	pollInterval    time.Duration
	staleProcessing time.Duration
	logger          *log.Entry
}

func NewConsentDispatcher(db *sql.DB, requester ConsentRequester, pollInterval time.Duration, batchSize int) *ConsentDispatcher {
	if pollInterval <= 0 {
		pollInterval = defaultConsentPoll
	}
	if batchSize <= 0 {
		batchSize = defaultConsentBatch
	}
	return &ConsentDispatcher{
		db:              db,
		requester:       requester,
		batchSize:       batchSize,
		pollInterval:    pollInterval,
		staleProcessing: defaultStaleProcessing,
		logger:          log.WithField("component", "consent_dispatcher"),
	}
}

func (d *ConsentDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.FlushOnce(ctx); err != nil {
				d.logger.WithError(err).Error("consent outbox flush failed")
			}
		}
	}
}

// FlushOnce claims one batch and attempts delivery, returning how many were sent.
func (d *ConsentDispatcher) FlushOnce(ctx context.Context) (int, error) {
	jobs, err := d.claim(ctx)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, job := range jobs {
		entry := d.logger.WithFields(log.Fields{
			"outbox_id":    job.ID,
			"loan_id":      job.Request.LoanID,
			"guarantor_id": job.Request.GuarantorID,
			"attempt":      job.Attempts,
		})

		if _, err := d.requester.RequestConsent(ctx, job.Request); err != nil {
			var ve *ValidationError
			var be *BusinessError
			if errors.As(err, &ve) || errors.As(err, &be) {
				entry.WithError(err).Warn("consent request dropped")
				if err := d.markDead(ctx, job.ID, err.Error()); err != nil {
					entry.WithError(err).Error("failed to park consent request")
				}
				continue
			}
			entry.WithError(err).Warn("consent request failed, will retry")
			if err := d.markFailed(ctx, job.ID, retryDelaySeconds(job.Attempts), err.Error()); err != nil {
				entry.WithError(err).Error("failed to reschedule consent request")
			}
			continue
		}
		if err := d.markSent(ctx, job.ID); err != nil {
			entry.WithError(err).Error("failed to mark consent request sent")
			continue
		}
		sent++
	}
	return sent, nil
}

func (d *ConsentDispatcher) claim(ctx context.Context) ([]consentJob, error) {
	rows, err := d.db.QueryContext(ctx, `
		WITH candidates AS (
			SELECT id
			FROM consent_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE consent_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.loan_id, o.guarantor_id, o.guarantor_member_id, o.contact, o.attempts`,
		d.batchSize, int(d.staleProcessing.Seconds()))
	if err != nil {
		return nil, storeErr("claim consent outbox", err)
	}
	defer rows.Close()

	jobs := make([]consentJob, 0, d.batchSize)
	for rows.Next() {
		var job consentJob
		if err := rows.Scan(&job.ID, &job.Request.LoanID, &job.Request.GuarantorID, &job.Request.GuarantorMemberID,
			&job.Request.Contact, &job.Attempts); err != nil {
			return nil, storeErr("claim consent outbox", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (d *ConsentDispatcher) markSent(ctx context.Context, id int64) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE consent_outbox
		SET status = 'sent', sent_at = NOW(), processing_started_at = NULL, last_error = NULL
		WHERE id = $1`, id)
	return err
}

func (d *ConsentDispatcher) markFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	_, err := d.db.ExecContext(ctx, `
		UPDATE consent_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1`, id, retryAfterSeconds, truncate(reason, 2000))
	return err
}

func (d *ConsentDispatcher) markDead(ctx context.Context, id int64, reason string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE consent_outbox
		SET status = 'dead', processing_started_at = NULL, last_error = $2
		WHERE id = $1`, id, truncate(reason, 2000))
	return err
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << min(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
