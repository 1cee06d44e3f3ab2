package services

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ruralpay/cooperative/internal/audit"
	"github.com/ruralpay/cooperative/internal/models"
	"github.com/ruralpay/cooperative/internal/rabbitmq"
)

// ConsentRequest asks a guarantor to confirm their pledge on a loan.
type ConsentRequest struct {
	LoanID            models.LoanID      `json:"loan_id"`
	GuarantorID       models.GuarantorID `json:"guarantor_id"`
	GuarantorMemberID models.MemberID    `json:"guarantor_member_id"`
	Contact           string             `json:"contact"`
}

// ConsentRequester creates a consent token and hands the request to the delivery channel.
type ConsentRequester interface {
	RequestConsent(ctx context.Context, req ConsentRequest) (string, error)
}

// ConsentMessage is published for the notification service to deliver.
type ConsentMessage struct {
	LoanID            models.LoanID      `json:"loan_id"`
	GuarantorID       models.GuarantorID `json:"guarantor_id"`
	GuarantorMemberID models.MemberID    `json:"guarantor_member_id"`
	Contact           string             `json:"contact"`
	Link              string             `json:"link"`
	QRCode            string             `json:"qr_code_png"`
	ExpiresAt         time.Time          `json:"expires_at"`
}

// ConsentOptions configure where consent links point and how they are routed.
type ConsentOptions struct {
	BaseURL    string
	Exchange   string
	RoutingKey string
	TokenTTL   time.Duration
}

// ConsentService issues guarantor consent tokens and records the answers.
// Only the SHA-256 digest of a token is stored.
type ConsentService struct {
	db        *sql.DB
	publisher rabbitmq.Publisher
	qr        *QRService
	opts      ConsentOptions
	audit     audit.Sink
	now       func() time.Time
	newToken  func() string
	logger    *log.Entry
}

func NewConsentService(db *sql.DB, publisher rabbitmq.Publisher, qr *QRService, opts ConsentOptions, sink audit.Sink) *ConsentService {
	if sink == nil {
		sink = audit.Discard{}
	}
	if publisher == nil {
		publisher = rabbitmq.Fallback{}
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 72 * time.Hour
	}
	return &ConsentService{
		db:        db,
		publisher: publisher,
		qr:        qr,
		opts:      opts,
		audit:     sink,
		now:       time.Now,
		newToken:  uuid.NewString,
		logger:    log.WithField("component", "consent"),
	}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// RequestConsent stores a fresh token for a pending guarantor and publishes the consent link.
// Issuing again replaces the previous token.
func (s *ConsentService) RequestConsent(ctx context.Context, req ConsentRequest) (string, error) {
	if req.LoanID <= 0 || req.GuarantorID <= 0 {
		return "", invalid("guarantor", "loan and guarantor ids are required")
	}

	token := s.newToken()
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE loan_guarantors
		SET consent_token_hash = $1, consent_requested_at = $2
		WHERE id = $3 AND loan_id = $4 AND status = 'pending'`,
		hashToken(token), now, req.GuarantorID, req.LoanID)
	if err != nil {
		return "", storeErr("request consent", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return "", storeErr("request consent", err)
	} else if n == 0 {
		return "", rule(CodeConsentExpired, "guarantor %d on loan %d is no longer awaiting consent", req.GuarantorID, req.LoanID)
	}

	msg := ConsentMessage{
		LoanID:            req.LoanID,
		GuarantorID:       req.GuarantorID,
		GuarantorMemberID: req.GuarantorMemberID,
		Contact:           req.Contact,
		Link:              strings.TrimRight(s.opts.BaseURL, "/") + "/consents/" + token,
		ExpiresAt:         now.Add(s.opts.TokenTTL),
	}
	if s.qr != nil {
		image, err := s.qr.Render(ctx, msg.Link)
		if err != nil {
			s.logger.WithError(err).WithField("guarantor_id", req.GuarantorID).Warn("consent qr code skipped")
		}
		msg.QRCode = image
	}

	if err := s.publisher.Publish(ctx, s.opts.Exchange, s.opts.RoutingKey, msg); err != nil {
		return "", errors.Wrapf(err, "publish consent for guarantor %d", req.GuarantorID)
	}

	s.logger.WithFields(log.Fields{
		"loan_id":      req.LoanID,
		"guarantor_id": req.GuarantorID,
	}).Info("guarantor consent requested")
	return token, nil
}

// RespondToConsent records a guarantor's answer. Tokens are single use and expire after the TTL.
func (s *ConsentService) RespondToConsent(ctx context.Context, token string, accept bool) (*models.LoanGuarantor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, invalid("token", "is required")
	}
	now := s.now().UTC()

	var g models.LoanGuarantor
	err := inTx(ctx, s.db, "respond to consent", func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT id, loan_id, guarantor_member_id, guarantee_amount, guarantee_percentage, status,
				consent_requested_at, responded_at
			FROM loan_guarantors
			WHERE consent_token_hash = $1
			FOR UPDATE`, hashToken(token),
		).Scan(&g.ID, &g.LoanID, &g.MemberID, &g.GuaranteeAmount, &g.GuaranteePercentage, &g.Status,
			&g.ConsentRequestedAt, &g.RespondedAt)
		if isNoRows(err) {
			return notFound("consent", "token")
		}
		if err != nil {
			return errors.Wrap(err, "load consent")
		}
		if g.Status != models.GuarantorPending {
			return rule(CodeConsentExpired, "consent was already %s", g.Status)
		}
		if g.ConsentRequestedAt == nil || now.After(g.ConsentRequestedAt.Add(s.opts.TokenTTL)) {
			return rule(CodeConsentExpired, "consent link has expired")
		}

		g.Status = models.GuarantorDeclined
		if accept {
			g.Status = models.GuarantorAccepted
		}
		g.RespondedAt = &now
		_, err = tx.ExecContext(ctx, `
			UPDATE loan_guarantors
			SET status = $1, responded_at = $2, consent_token_hash = NULL
			WHERE id = $3`, g.Status, now, g.ID)
		return errors.Wrap(err, "record consent")
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Event{
		Timestamp: now,
		Action:    "guarantor_consent",
		Entity:    "loan",
		EntityID:  g.LoanID.String(),
		Actor:     "member:" + g.MemberID.String(),
		Details:   map[string]any{"guarantor_id": g.ID, "status": g.Status},
	})
	return &g, nil
}
