package services

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ruralpay/cooperative/internal/audit"
	"github.com/ruralpay/cooperative/internal/models"
)

// RegistrationRequest applies for membership, optionally for an existing member record.
type RegistrationRequest struct {
	FullName string           `json:"full_name" validate:"required,max=200"`
	MemberID *models.MemberID `json:"member_id,omitempty"`
}

// AdmissionService submits membership registrations for approval and applies the decision.
type AdmissionService struct {
	db        *sql.DB
	workflows *WorkflowService
	template  string
	audit     audit.Sink
	validator *ValidationHelper
	now       func() time.Time
	newNumber func() string
	logger    *log.Entry
}

func NewAdmissionService(db *sql.DB, workflows *WorkflowService, template string, sink audit.Sink) *AdmissionService {
	if sink == nil {
		sink = audit.Discard{}
	}
	s := &AdmissionService{
		db:        db,
		workflows: workflows,
		template:  template,
		audit:     sink,
		validator: NewValidationHelper(),
		now:       time.Now,
		newNumber: newReference("M"),
		logger:    log.WithField("component", "admission"),
	}
	workflows.RegisterHook(models.EntityMembership, s.completeWorkflow)
	return s
}

// SubmitRegistration records a registration and opens its approval workflow together.
func (s *AdmissionService) SubmitRegistration(ctx context.Context, req RegistrationRequest, actor models.Actor) (*models.MembershipRegistration, *models.WorkflowApproval, error) {
	if err := checkActor(actor); err != nil {
		return nil, nil, err
	}
	if err := s.validator.Check(req); err != nil {
		return nil, nil, err
	}

	now := s.now().UTC()
	reg := &models.MembershipRegistration{
		MemberID:  req.MemberID,
		FullName:  strings.TrimSpace(req.FullName),
		Status:    models.RegistrationPending,
		CreatedAt: now,
	}
	var wf *models.WorkflowApproval
	err := inTx(ctx, s.db, "submit registration", func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO membership_registrations (member_id, full_name, status, created_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			reg.MemberID, reg.FullName, reg.Status, reg.CreatedAt,
		).Scan(&reg.ID)
		if isForeignKeyViolation(err) {
			return notFound("member", *req.MemberID)
		}
		if err != nil {
			return errors.Wrap(err, "insert registration")
		}
		wf, err = s.workflows.OpenTx(ctx, tx, s.template, models.MembershipRef(reg.ID), actor)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	s.audit.Record(ctx, audit.Event{
		Timestamp: now,
		Action:    "submit_registration",
		Entity:    "membership_registration",
		EntityID:  reg.ID.String(),
		Actor:     actor.ID,
		Details:   map[string]any{"workflow_id": wf.ID, "full_name": reg.FullName},
	})
	return reg, wf, nil
}

var registrationOutcomes = map[models.WorkflowStatus]string{
	models.WorkflowApproved:         models.RegistrationApproved,
	models.WorkflowRejected:         models.RegistrationRejected,
	models.WorkflowTimeout:          models.RegistrationRejected,
	models.WorkflowChangesRequested: models.RegistrationChangesRequested,
}

// completeWorkflow records the workflow outcome on the registration. On approval it
// activates the linked member record, or creates one when the applicant has none.
func (s *AdmissionService) completeWorkflow(ctx context.Context, tx *sql.Tx, wf *models.WorkflowApproval, actor models.Actor) error {
	id, ok := wf.Entity.RegistrationID()
	if !ok {
		return invalid("entity", "workflow %d is not bound to a registration", wf.ID)
	}
	status, ok := registrationOutcomes[wf.Status]
	if !ok {
		return nil
	}

	now := s.now().UTC()
	var (
		memberID *models.MemberID
		fullName string
	)
	err := tx.QueryRowContext(ctx, `
		UPDATE membership_registrations
		SET status = $1, decided_by = $2, decided_at = $3, notes = $4
		WHERE id = $5 AND status = 'pending'
		RETURNING member_id, full_name`,
		status, actor.ID, now, wf.FinalComments, id,
	).Scan(&memberID, &fullName)
	if isNoRows(err) {
		return rule(CodeWorkflowState, "registration %d is no longer pending", id)
	}
	if err != nil {
		return errors.Wrapf(err, "decide registration %d", id)
	}

	if status == models.RegistrationApproved {
		if memberID == nil {
			created, err := s.admit(ctx, tx, id, fullName, now)
			if err != nil {
				return err
			}
			memberID = &created
		} else if _, err := tx.ExecContext(ctx,
			`UPDATE members SET status = $1 WHERE id = $2`, models.MemberStatusActive, *memberID); err != nil {
			return errors.Wrapf(err, "activate member %d", *memberID)
		}
	}

	fields := log.Fields{
		"registration_id": id,
		"status":          status,
	}
	if memberID != nil {
		fields["member_id"] = *memberID
	}
	s.logger.WithFields(fields).Info("membership registration decided")
	return nil
}

// admit creates the member record for an approved applicant and links it to the registration.
func (s *AdmissionService) admit(ctx context.Context, tx *sql.Tx, id models.RegistrationID, fullName string, now time.Time) (models.MemberID, error) {
	var memberID models.MemberID
	err := tx.QueryRowContext(ctx, `
		INSERT INTO members (member_number, full_name, status, joined_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		s.newNumber(), fullName, models.MemberStatusActive, now,
	).Scan(&memberID)
	if err != nil {
		return 0, errors.Wrapf(err, "create member for registration %d", id)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE membership_registrations SET member_id = $1 WHERE id = $2`, memberID, id); err != nil {
		return 0, errors.Wrapf(err, "link member %d to registration %d", memberID, id)
	}
	return memberID, nil
}
