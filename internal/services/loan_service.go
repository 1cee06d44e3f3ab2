package services

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/ruralpay/cooperative/internal/audit"
	"github.com/ruralpay/cooperative/internal/models"
)

// GuarantorRequest pledges either a fixed amount or a percentage of the principal.
type GuarantorRequest struct {
	MemberID   models.MemberID  `json:"member_id" validate:"required,gt=0"`
	Amount     *decimal.Decimal `json:"guarantee_amount,omitempty"`
	Percentage *decimal.Decimal `json:"guarantee_percentage,omitempty"`
}

// CreateLoanRequest is a loan application. MonthlyPayment is computed when omitted and
// ReferenceNumber is generated when blank.
type CreateLoanRequest struct {
	MemberID        models.MemberID    `json:"member_id" validate:"required,gt=0"`
	ReferenceNumber string             `json:"reference_number" validate:"omitempty,max=64"`
	Principal       decimal.Decimal    `json:"principal" validate:"required"`
	InterestRate    decimal.Decimal    `json:"interest_rate" validate:"required"`
	TermMonths      int                `json:"term_months" validate:"required"`
	MonthlyPayment  *decimal.Decimal   `json:"monthly_payment,omitempty"`
	Purpose         string             `json:"purpose" validate:"max=500"`
	Guarantors      []GuarantorRequest `json:"guarantors" validate:"dive"`
}

type resolvedGuarantor struct {
	request GuarantorRequest
	member  *models.Member
	amount  decimal.Decimal
}

// LoanService owns loan applications, guarantor coverage and the loan state machine.
type LoanService struct {
	db          *sql.DB
	members     MemberDirectory
	workflows   *WorkflowService
	policy      LoanPolicy
	template    string
	idempotency *IdempotencyGuard
	audit       audit.Sink
	validator   *ValidationHelper
	now         func() time.Time
	newRef      func() string
	logger      *log.Entry
}

// NewLoanService wires the loan engine. When workflows is set and template names a loan
// template, every new loan opens an approval workflow and its completion drives the loan.
func NewLoanService(db *sql.DB, members MemberDirectory, workflows *WorkflowService, policy LoanPolicy, template string, sink audit.Sink) *LoanService {
	if sink == nil {
		sink = audit.Discard{}
	}
	s := &LoanService{
		db:        db,
		members:   members,
		workflows: workflows,
		policy:    policy,
		template:  template,
		audit:     sink,
		validator: NewValidationHelper(),
		now:       time.Now,
		newRef:    newReference("LN"),
		logger:    log.WithField("component", "loans"),
	}
	if workflows != nil {
		workflows.RegisterHook(models.EntityLoan, s.completeWorkflow)
	}
	return s
}

// WithIdempotency rejects repeated submissions of the same reference number early.
func (s *LoanService) WithIdempotency(guard *IdempotencyGuard) *LoanService {
	s.idempotency = guard
	return s
}

const loanColumns = `id, member_id, reference_number, principal, interest_rate, term_months, monthly_payment,
	remaining_balance, status, purpose, application_date, approved_by, approval_date, rejected_by,
	rejection_reason, disbursed_by, disbursement_date, next_payment_date, created_by`

func scanLoan(row rowScanner) (*models.Loan, error) {
	var l models.Loan
	err := row.Scan(&l.ID, &l.MemberID, &l.ReferenceNumber, &l.Principal, &l.InterestRate, &l.TermMonths,
		&l.MonthlyPayment, &l.RemainingBalance, &l.Status, &l.Purpose, &l.ApplicationDate, &l.ApprovedBy,
		&l.ApprovalDate, &l.RejectedBy, &l.RejectionReason, &l.DisbursedBy, &l.DisbursementDate,
		&l.NextPaymentDate, &l.CreatedBy)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CreateLoan validates and persists an application with its guarantors. Guarantor consent
// requests are queued in the same transaction and sent later by the consent dispatcher.
func (s *LoanService) CreateLoan(ctx context.Context, req CreateLoanRequest, actor models.Actor) (*models.Loan, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if err := s.validator.Check(req); err != nil {
		return nil, err
	}
	if err := checkAmount(req.Principal); err != nil {
		return nil, err
	}
	if err := s.policy.CheckTerms(req.Principal, req.InterestRate, req.TermMonths); err != nil {
		return nil, err
	}

	borrower, err := s.members.FindMember(ctx, req.MemberID)
	if err != nil {
		return nil, storeErr("create loan", err)
	}
	if borrower == nil {
		return nil, notFound("member", req.MemberID)
	}
	if !borrower.IsActive() {
		return nil, rule(CodeInactiveMember, "member %s is not active", borrower.MemberNumber)
	}

	guarantors, err := s.resolveGuarantors(ctx, req)
	if err != nil {
		return nil, err
	}

	payment := MonthlyPayment(req.Principal, req.InterestRate, req.TermMonths)
	if req.MonthlyPayment != nil {
		if !req.MonthlyPayment.IsPositive() {
			return nil, invalid("monthly_payment", "must be greater than zero")
		}
		payment = models.RoundMoney(*req.MonthlyPayment)
	}

	reference := strings.TrimSpace(req.ReferenceNumber)
	if reference == "" {
		reference = s.newRef()
	}
	if !s.idempotency.Claim(ctx, reference) {
		return nil, rule(CodeDuplicateRequest, "loan %s is already being processed", reference)
	}

	now := s.now().UTC()
	loan := &models.Loan{
		MemberID:         req.MemberID,
		ReferenceNumber:  reference,
		Principal:        req.Principal,
		InterestRate:     req.InterestRate,
		TermMonths:       req.TermMonths,
		MonthlyPayment:   payment,
		RemainingBalance: req.Principal,
		Status:           models.LoanPending,
		Purpose:          strings.TrimSpace(req.Purpose),
		ApplicationDate:  now,
		CreatedBy:        actor.ID,
	}

	var workflow *models.WorkflowApproval
	err = inTx(ctx, s.db, "create loan", func(tx *sql.Tx) error {
		var dup bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM loans WHERE reference_number = $1)`, reference).Scan(&dup); err != nil {
			return errors.Wrap(err, "check reference")
		}
		if dup {
			return rule(CodeDuplicateReference, "loan reference %s already exists", reference)
		}

		if err := s.lockMembers(ctx, tx, req.MemberID, guarantors); err != nil {
			return err
		}

		var active int
		var outstanding decimal.Decimal
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*), COALESCE(SUM(remaining_balance), 0)
			FROM loans
			WHERE member_id = $1 AND status IN ('approved', 'active')`, req.MemberID,
		).Scan(&active, &outstanding); err != nil {
			return errors.Wrap(err, "load member loans")
		}
		if err := s.policy.CheckActiveLoans(active); err != nil {
			return err
		}
		if err := s.policy.CheckAggregateExposure(outstanding, req.Principal); err != nil {
			return err
		}

		for _, g := range guarantors {
			standing, err := s.standing(ctx, tx, g.member)
			if err != nil {
				return err
			}
			if err := s.policy.CheckGuarantor(req.MemberID, standing, g.amount); err != nil {
				return err
			}
		}

		err := tx.QueryRowContext(ctx, `
			INSERT INTO loans (member_id, reference_number, principal, interest_rate, term_months, monthly_payment,
				remaining_balance, status, purpose, application_date, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id`,
			loan.MemberID, loan.ReferenceNumber, loan.Principal, loan.InterestRate, loan.TermMonths, loan.MonthlyPayment,
			loan.RemainingBalance, loan.Status, loan.Purpose, loan.ApplicationDate, loan.CreatedBy,
		).Scan(&loan.ID)
		if isUniqueViolation(err) {
			return rule(CodeDuplicateReference, "loan reference %s already exists", reference)
		}
		if err != nil {
			return errors.Wrap(err, "insert loan")
		}

		for _, g := range guarantors {
			if err := s.attachGuarantor(ctx, tx, loan.ID, g, now); err != nil {
				return err
			}
		}

		if s.workflows != nil && s.template != "" {
			workflow, err = s.workflows.OpenTx(ctx, tx, s.template, models.LoanRef(loan.ID), actor)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.idempotency.Release(ctx, reference)
		return nil, err
	}

	details := map[string]any{
		"reference":  loan.ReferenceNumber,
		"member_id":  loan.MemberID,
		"principal":  loan.Principal.StringFixed(2),
		"term":       loan.TermMonths,
		"guarantors": len(guarantors),
	}
	if workflow != nil {
		details["workflow_id"] = workflow.ID
	}
	s.record(ctx, "create_loan", loan.ID, actor, now, details)
	s.logger.WithFields(log.Fields{
		"loan_id":   loan.ID,
		"reference": loan.ReferenceNumber,
		"member_id": loan.MemberID,
	}).Info("loan application created")
	return loan, nil
}

func (s *LoanService) resolveGuarantors(ctx context.Context, req CreateLoanRequest) ([]resolvedGuarantor, error) {
	out := make([]resolvedGuarantor, 0, len(req.Guarantors))
	seen := make(map[models.MemberID]bool, len(req.Guarantors))
	total := decimal.Zero

	for i, g := range req.Guarantors {
		field := fmt.Sprintf("guarantors[%d]", i)
		if seen[g.MemberID] {
			return nil, invalid(field, "member %d appears more than once", g.MemberID)
		}
		seen[g.MemberID] = true

		if (g.Amount == nil) == (g.Percentage == nil) {
			return nil, invalid(field, "exactly one of guarantee_amount or guarantee_percentage is required")
		}
		if g.Amount != nil && (!g.Amount.IsPositive() || !g.Amount.Equal(models.RoundMoney(*g.Amount))) {
			return nil, invalid(field, "guarantee_amount must be positive with at most %d decimal places", models.MoneyPlaces)
		}
		if g.Percentage != nil && (!g.Percentage.IsPositive() || g.Percentage.GreaterThan(decimal.NewFromInt(100))) {
			return nil, invalid(field, "guarantee_percentage must be in (0, 100]")
		}

		m, err := s.members.FindMember(ctx, g.MemberID)
		if err != nil {
			return nil, storeErr("resolve guarantor", err)
		}
		if m == nil {
			return nil, notFound("guarantor", g.MemberID)
		}

		amount := models.LoanGuarantor{GuaranteeAmount: g.Amount, GuaranteePercentage: g.Percentage}.ResolvedAmount(req.Principal)
		total = total.Add(amount)
		out = append(out, resolvedGuarantor{request: g, member: m, amount: amount})
	}

	if err := s.policy.CheckCoverage(total, req.Principal); err != nil {
		return nil, err
	}
	return out, nil
}

// lockMembers serialises loan creation per member, taking advisory locks in ascending id
// order so borrowers and guarantors in concurrent applications cannot deadlock.
func (s *LoanService) lockMembers(ctx context.Context, tx *sql.Tx, borrower models.MemberID, guarantors []resolvedGuarantor) error {
	ids := []int64{int64(borrower)}
	for _, g := range guarantors {
		ids = append(ids, int64(g.member.ID))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, id); err != nil {
			return errors.Wrapf(err, "lock member %d", id)
		}
	}
	return nil
}

const guarantorExposureSQL = `
	SELECT COALESCE(SUM(COALESCE(g.guarantee_amount, ROUND(l.principal * g.guarantee_percentage / 100, 2))), 0)
	FROM loan_guarantors g
	JOIN loans l ON l.id = g.loan_id
	WHERE g.guarantor_member_id = $1
		AND g.status IN ('pending', 'accepted')
		AND l.status IN ('pending', 'approved', 'active')`

const memberSavingsSQL = `
	SELECT COALESCE(SUM(balance), 0)
	FROM savings_accounts
	WHERE member_id = $1 AND status IN ('active', 'dormant')`

func (s *LoanService) standing(ctx context.Context, q queryer, m *models.Member) (GuarantorStanding, error) {
	st := GuarantorStanding{Member: m}
	if err := q.QueryRowContext(ctx, guarantorExposureSQL, m.ID).Scan(&st.Exposure); err != nil {
		return st, errors.Wrapf(err, "guarantor %d exposure", m.ID)
	}
	if err := q.QueryRowContext(ctx, memberSavingsSQL, m.ID).Scan(&st.Savings); err != nil {
		return st, errors.Wrapf(err, "guarantor %d savings", m.ID)
	}
	return st, nil
}

func (s *LoanService) attachGuarantor(ctx context.Context, tx *sql.Tx, loanID models.LoanID, g resolvedGuarantor, now time.Time) error {
	var id models.GuarantorID
	err := tx.QueryRowContext(ctx, `
		INSERT INTO loan_guarantors (loan_id, guarantor_member_id, guarantee_amount, guarantee_percentage, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		loanID, g.member.ID, g.request.Amount, g.request.Percentage, models.GuarantorPending,
	).Scan(&id)
	if err != nil {
		return errors.Wrapf(err, "insert guarantor %d", g.member.ID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO consent_outbox (loan_id, guarantor_id, guarantor_member_id, contact, status, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, $5)`,
		loanID, id, g.member.ID, g.member.PreferredContact(), now)
	return errors.Wrapf(err, "queue consent for guarantor %d", g.member.ID)
}

// SubmitForApproval opens a fresh workflow for a pending loan, typically after changes were requested.
func (s *LoanService) SubmitForApproval(ctx context.Context, id models.LoanID, actor models.Actor) (*models.WorkflowApproval, error) {
	if s.workflows == nil || s.template == "" {
		return nil, rule(CodeWorkflowState, "loan approval workflow is not configured")
	}
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	var wf *models.WorkflowApproval
	err := inTx(ctx, s.db, "submit loan", func(tx *sql.Tx) error {
		loan, err := s.lockLoan(ctx, tx, id)
		if err != nil {
			return err
		}
		if loan.Status != models.LoanPending {
			return rule(CodeLoanState, "loan %s is %s, not pending", loan.ReferenceNumber, loan.Status)
		}
		wf, err = s.workflows.OpenTx(ctx, tx, s.template, models.LoanRef(id), actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// ApproveLoan moves a pending loan to approved. It is refused while an approval workflow
// is pending; the workflow's completion performs the transition instead.
func (s *LoanService) ApproveLoan(ctx context.Context, id models.LoanID, actor models.Actor) (*models.Loan, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	var loan *models.Loan
	err := inTx(ctx, s.db, "approve loan", func(tx *sql.Tx) error {
		var err error
		if loan, err = s.lockDecidable(ctx, tx, id); err != nil {
			return err
		}
		return s.approveTx(ctx, tx, loan, actor, now)
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, "approve_loan", loan.ID, actor, now, map[string]any{"reference": loan.ReferenceNumber})
	return loan, nil
}

// RejectLoan moves a pending loan to rejected and releases its guarantors.
func (s *LoanService) RejectLoan(ctx context.Context, id models.LoanID, reason string, actor models.Actor) (*models.Loan, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalid("reason", "is required")
	}
	now := s.now().UTC()
	var loan *models.Loan
	err := inTx(ctx, s.db, "reject loan", func(tx *sql.Tx) error {
		var err error
		if loan, err = s.lockDecidable(ctx, tx, id); err != nil {
			return err
		}
		return s.rejectTx(ctx, tx, loan, reason, actor, now)
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, "reject_loan", loan.ID, actor, now, map[string]any{"reference": loan.ReferenceNumber, "reason": reason})
	return loan, nil
}

func (s *LoanService) lockDecidable(ctx context.Context, tx *sql.Tx, id models.LoanID) (*models.Loan, error) {
	loan, err := s.lockLoan(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if s.workflows != nil {
		pending, err := s.workflows.HasPending(ctx, tx, models.LoanRef(id))
		if err != nil {
			return nil, err
		}
		if pending {
			return nil, rule(CodeWorkflowPending, "loan %s is awaiting workflow approval", loan.ReferenceNumber)
		}
	}
	return loan, nil
}

func (s *LoanService) approveTx(ctx context.Context, tx *sql.Tx, loan *models.Loan, actor models.Actor, now time.Time) error {
	if !loan.Status.CanTransition(models.LoanApproved) {
		return rule(CodeLoanState, "loan %s cannot be approved from %s", loan.ReferenceNumber, loan.Status)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE loans SET status = $1, approved_by = $2, approval_date = $3
		WHERE id = $4 AND status = 'pending'`,
		models.LoanApproved, actor.ID, now, loan.ID)
	if err != nil {
		return errors.Wrap(err, "approve loan")
	}
	if err := expectOneRow(res, "loan "+loan.ID.String()); err != nil {
		return err
	}
	loan.Status = models.LoanApproved
	loan.ApprovedBy = &actor.ID
	loan.ApprovalDate = &now
	return nil
}

func (s *LoanService) rejectTx(ctx context.Context, tx *sql.Tx, loan *models.Loan, reason string, actor models.Actor, now time.Time) error {
	if !loan.Status.CanTransition(models.LoanRejected) {
		return rule(CodeLoanState, "loan %s cannot be rejected from %s", loan.ReferenceNumber, loan.Status)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE loans SET status = $1, rejected_by = $2, rejection_reason = $3
		WHERE id = $4 AND status = 'pending'`,
		models.LoanRejected, actor.ID, reason, loan.ID)
	if err != nil {
		return errors.Wrap(err, "reject loan")
	}
	if err := expectOneRow(res, "loan "+loan.ID.String()); err != nil {
		return err
	}
	if err := s.releaseGuarantors(ctx, tx, loan.ID); err != nil {
		return err
	}
	loan.Status = models.LoanRejected
	loan.RejectedBy = &actor.ID
	loan.RejectionReason = &reason
	return nil
}

func (s *LoanService) releaseGuarantors(ctx context.Context, tx *sql.Tx, id models.LoanID) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE loan_guarantors SET status = 'released'
		WHERE loan_id = $1 AND status IN ('pending', 'accepted')`, id)
	return errors.Wrap(err, "release guarantors")
}

// completeWorkflow applies a finished loan workflow. Approval approves the loan, rejection
// and timeout reject it, and a change request leaves it pending for resubmission.
func (s *LoanService) completeWorkflow(ctx context.Context, tx *sql.Tx, wf *models.WorkflowApproval, actor models.Actor) error {
	id, ok := wf.Entity.LoanID()
	if !ok {
		return invalid("entity", "workflow %d is not bound to a loan", wf.ID)
	}
	loan, err := s.lockLoan(ctx, tx, id)
	if err != nil {
		return err
	}
	now := s.now().UTC()

	switch wf.Status {
	case models.WorkflowApproved:
		return s.approveTx(ctx, tx, loan, actor, now)
	case models.WorkflowRejected, models.WorkflowTimeout:
		reason := "approval workflow " + string(wf.Status)
		if wf.FinalComments != nil && *wf.FinalComments != "" {
			reason = *wf.FinalComments
		}
		return s.rejectTx(ctx, tx, loan, reason, actor, now)
	default:
		return nil
	}
}

// DisburseLoan activates an approved loan. The first repayment falls due one month later.
func (s *LoanService) DisburseLoan(ctx context.Context, id models.LoanID, actor models.Actor) (*models.Loan, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	next := now.AddDate(0, 1, 0)
	var loan *models.Loan
	err := inTx(ctx, s.db, "disburse loan", func(tx *sql.Tx) error {
		var err error
		if loan, err = s.lockLoan(ctx, tx, id); err != nil {
			return err
		}
		if !loan.Status.CanTransition(models.LoanActive) {
			return rule(CodeLoanState, "loan %s cannot be disbursed from %s", loan.ReferenceNumber, loan.Status)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE loans SET status = $1, disbursed_by = $2, disbursement_date = $3, next_payment_date = $4
			WHERE id = $5 AND status = 'approved'`,
			models.LoanActive, actor.ID, now, next, loan.ID)
		if err != nil {
			return errors.Wrap(err, "disburse loan")
		}
		return expectOneRow(res, "loan "+loan.ID.String())
	})
	if err != nil {
		return nil, err
	}
	loan.Status = models.LoanActive
	loan.DisbursedBy = &actor.ID
	loan.DisbursementDate = &now
	loan.NextPaymentDate = &next

	s.record(ctx, "disburse_loan", loan.ID, actor, now, map[string]any{
		"reference": loan.ReferenceNumber,
		"principal": loan.Principal.StringFixed(2),
	})
	return loan, nil
}

// ProcessPayment applies a repayment to an active loan. The balance never goes below zero;
// reaching zero marks the loan paid and releases its guarantors.
func (s *LoanService) ProcessPayment(ctx context.Context, id models.LoanID, amount decimal.Decimal, method string, actor models.Actor) (*models.LoanPayment, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if !counterMethods[method] {
		return nil, invalid("method", "unsupported payment method %q", method)
	}

	now := s.now().UTC()
	var loan *models.Loan
	payment := &models.LoanPayment{
		LoanID:     id,
		Amount:     amount,
		Method:     method,
		ReceivedBy: actor.ID,
		CreatedAt:  now,
	}
	err := inTx(ctx, s.db, "process payment", func(tx *sql.Tx) error {
		var err error
		if loan, err = s.lockLoan(ctx, tx, id); err != nil {
			return err
		}
		if loan.Status != models.LoanActive {
			return rule(CodeLoanState, "loan %s is %s, payments need an active loan", loan.ReferenceNumber, loan.Status)
		}

		payment.BalanceBefore = loan.RemainingBalance
		payment.BalanceAfter = decimal.Max(decimal.Zero, loan.RemainingBalance.Sub(amount))

		status := models.LoanActive
		var next *time.Time
		if payment.BalanceAfter.IsZero() {
			status = models.LoanPaid
		} else {
			due := now.AddDate(0, 1, 0)
			if loan.NextPaymentDate != nil {
				due = loan.NextPaymentDate.AddDate(0, 1, 0)
			}
			next = &due
		}

		if err := tx.QueryRowContext(ctx, `
			INSERT INTO loan_payments (loan_id, amount, balance_before, balance_after, method, received_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			payment.LoanID, payment.Amount, payment.BalanceBefore, payment.BalanceAfter, payment.Method,
			payment.ReceivedBy, payment.CreatedAt,
		).Scan(&payment.ID); err != nil {
			return errors.Wrap(err, "insert loan payment")
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE loans SET remaining_balance = $1, status = $2, next_payment_date = $3
			WHERE id = $4 AND status = 'active'`,
			payment.BalanceAfter, status, next, loan.ID)
		if err != nil {
			return errors.Wrap(err, "update loan balance")
		}
		if err := expectOneRow(res, "loan "+loan.ID.String()); err != nil {
			return err
		}
		if status == models.LoanPaid {
			if err := s.releaseGuarantors(ctx, tx, loan.ID); err != nil {
				return err
			}
		}
		loan.RemainingBalance = payment.BalanceAfter
		loan.Status = status
		loan.NextPaymentDate = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, "loan_payment", loan.ID, actor, now, map[string]any{
		"amount":         amount.StringFixed(2),
		"balance_before": payment.BalanceBefore.StringFixed(2),
		"balance_after":  payment.BalanceAfter.StringFixed(2),
		"status":         loan.Status,
	})
	if loan.Status == models.LoanPaid {
		s.logger.WithField("loan_id", loan.ID).Info("loan fully repaid")
	}
	return payment, nil
}

// CalculatePaymentSchedule amortizes the loan from its disbursement date, or from the
// application date when not yet disbursed.
func (s *LoanService) CalculatePaymentSchedule(ctx context.Context, id models.LoanID) ([]models.PaymentRow, error) {
	loan, err := s.GetLoan(ctx, id)
	if err != nil {
		return nil, err
	}
	start := loan.ApplicationDate
	if loan.DisbursementDate != nil {
		start = *loan.DisbursementDate
	}
	return PaymentSchedule(loan.Principal, loan.InterestRate, loan.TermMonths, loan.MonthlyPayment, start), nil
}

// DeleteLoan removes a pending or rejected loan with its guarantors and queued consents.
func (s *LoanService) DeleteLoan(ctx context.Context, id models.LoanID, actor models.Actor) error {
	if err := checkActor(actor); err != nil {
		return err
	}
	var loan *models.Loan
	err := inTx(ctx, s.db, "delete loan", func(tx *sql.Tx) error {
		var err error
		if loan, err = s.lockDecidable(ctx, tx, id); err != nil {
			return err
		}
		if !loan.Status.Deletable() {
			return rule(CodeLoanState, "loan %s is %s and cannot be deleted", loan.ReferenceNumber, loan.Status)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM loans WHERE id = $1`, id)
		return errors.Wrap(err, "delete loan")
	})
	if err != nil {
		return err
	}
	s.record(ctx, "delete_loan", id, actor, s.now().UTC(), map[string]any{"reference": loan.ReferenceNumber})
	return nil
}

// GetLoan reads a loan.
func (s *LoanService) GetLoan(ctx context.Context, id models.LoanID) (*models.Loan, error) {
	loan, err := scanLoan(s.db.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, notFound("loan", id)
	}
	if err != nil {
		return nil, storeErr("get loan", err)
	}
	return loan, nil
}

// ListLoans pages through loans, newest application first.
func (s *LoanService) ListLoans(ctx context.Context, filter models.LoanFilter) (*models.LoanPage, error) {
	page, size, offset := pageBounds(filter.Page, filter.PageSize)

	var where []string
	var args []any
	if filter.MemberID != nil {
		args = append(args, *filter.MemberID)
		where = append(where, fmt.Sprintf("member_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM loans`+clause, args...).Scan(&total); err != nil {
		return nil, storeErr("count loans", err)
	}

	args = append(args, size, offset)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM loans%s ORDER BY application_date DESC, id DESC LIMIT $%d OFFSET $%d`,
		loanColumns, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, storeErr("list loans", err)
	}
	defer rows.Close()

	out := &models.LoanPage{Items: []models.Loan{}, Total: total, Page: page, PageSize: size}
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, storeErr("list loans", err)
		}
		out.Items = append(out.Items, *loan)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list loans", err)
	}
	return out, nil
}

// Guarantors lists the guarantors of a loan.
func (s *LoanService) Guarantors(ctx context.Context, id models.LoanID) ([]models.LoanGuarantor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, loan_id, guarantor_member_id, guarantee_amount, guarantee_percentage, status,
			consent_requested_at, responded_at
		FROM loan_guarantors
		WHERE loan_id = $1
		ORDER BY id`, id)
	if err != nil {
		return nil, storeErr("list guarantors", err)
	}
	defer rows.Close()

	out := []models.LoanGuarantor{}
	for rows.Next() {
		var g models.LoanGuarantor
		if err := rows.Scan(&g.ID, &g.LoanID, &g.MemberID, &g.GuaranteeAmount, &g.GuaranteePercentage, &g.Status,
			&g.ConsentRequestedAt, &g.RespondedAt); err != nil {
			return nil, storeErr("list guarantors", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list guarantors", err)
	}
	return out, nil
}

// MemberSummary aggregates a member's loans, savings and outstanding guarantees.
func (s *LoanService) MemberSummary(ctx context.Context, id models.MemberID) (*models.MemberSummary, error) {
	m, err := s.members.FindMember(ctx, id)
	if err != nil {
		return nil, storeErr("member summary", err)
	}
	if m == nil {
		return nil, notFound("member", id)
	}

	sum := &models.MemberSummary{MemberID: id}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status IN ('approved', 'active')),
			COUNT(*) FILTER (WHERE status = 'paid'),
			COALESCE(SUM(remaining_balance) FILTER (WHERE status IN ('approved', 'active')), 0)
		FROM loans WHERE member_id = $1`, id,
	).Scan(&sum.PendingLoans, &sum.ActiveLoans, &sum.PaidLoans, &sum.OutstandingLoans)
	if err != nil {
		return nil, storeErr("member summary", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(balance), 0)
		FROM savings_accounts WHERE member_id = $1 AND status <> 'closed'`, id,
	).Scan(&sum.SavingsAccounts, &sum.SavingsBalance)
	if err != nil {
		return nil, storeErr("member summary", err)
	}

	if err := s.db.QueryRowContext(ctx, guarantorExposureSQL, id).Scan(&sum.GuaranteeExposure); err != nil {
		return nil, storeErr("member summary", err)
	}
	return sum, nil
}

func (s *LoanService) lockLoan(ctx context.Context, tx *sql.Tx, id models.LoanID) (*models.Loan, error) {
	loan, err := scanLoan(tx.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1 FOR UPDATE`, id))
	if isNoRows(err) {
		return nil, notFound("loan", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "lock loan %d", id)
	}
	return loan, nil
}

func (s *LoanService) record(ctx context.Context, action string, id models.LoanID, actor models.Actor, at time.Time, details map[string]any) {
	s.audit.Record(ctx, audit.Event{
		Timestamp: at,
		Action:    action,
		Entity:    "loan",
		EntityID:  id.String(),
		Actor:     actor.ID,
		Details:   details,
	})
}
