package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ruralpay/cooperative/internal/models"
)

var loanCols = []string{
	"id", "member_id", "reference_number", "principal", "interest_rate", "term_months", "monthly_payment",
	"remaining_balance", "status", "purpose", "application_date", "approved_by", "approval_date", "rejected_by",
	"rejection_reason", "disbursed_by", "disbursement_date", "next_payment_date", "created_by",
}

const (
	lockLoanSQL      = `SELECT (.+) FROM loans WHERE id = \$1 FOR UPDATE`
	refExistsSQL     = `SELECT EXISTS \(SELECT 1 FROM loans WHERE reference_number = \$1\)`
	advisoryLockSQL  = `SELECT pg_advisory_xact_lock\(\$1\)`
	memberLoansSQL   = `SELECT COUNT\(\*\), COALESCE\(SUM\(remaining_balance\), 0\) FROM loans WHERE member_id = \$1`
	exposureSQL      = `FROM loan_guarantors g JOIN loans l ON l.id = g.loan_id`
	savingsSQL       = `FROM savings_accounts WHERE member_id = \$1 AND status IN`
	insertLoanSQL    = `INSERT INTO loans`
	releaseSQL       = `UPDATE loan_guarantors SET status = 'released'`
	insertPaymentSQL = `INSERT INTO loan_payments`
)

type loanFixture struct {
	id        int64
	member    int64
	principal string
	remaining string
	status    models.LoanStatus
	disbursed any
	next      any
}

func loanRow(id int64, status models.LoanStatus) loanFixture {
	return loanFixture{
		id:        id,
		member:    101,
		principal: "100000.00",
		remaining: "100000.00",
		status:    status,
	}
}

func (f loanFixture) rows() *sqlmock.Rows {
	return sqlmock.NewRows(loanCols).AddRow(
		f.id, f.member, "LN-"+models.LoanID(f.id).String(), f.principal, "10.0000", 12, "8791.59",
		f.remaining, string(f.status), "school fees", fixedNow.AddDate(0, -1, 0), nil, nil, nil,
		nil, nil, f.disbursed, f.next, "officer-1",
	)
}

func newTestLoans(t *testing.T, withWorkflow bool) (*LoanService, sqlmock.Sqlmock, *MockMemberDirectory, *recordingSink) {
	t.Helper()
	db, dbMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sink := &recordingSink{}
	members := &MockMemberDirectory{}
	var workflows *WorkflowService
	template := ""
	if withWorkflow {
		workflows = NewWorkflowService(db, sink)
		workflows.now = fixedClock
		template = "loan_approval"
	}
	service := NewLoanService(db, members, workflows, DefaultLoanPolicy(), template, sink)
	service.now = fixedClock
	service.newRef = func() string { return "LN-GENERATED" }
	return service, dbMock, members, sink
}

func loanRequest() CreateLoanRequest {
	return CreateLoanRequest{
		MemberID:        101,
		ReferenceNumber: "LN-2026-001",
		Principal:       decimal.NewFromInt(100000),
		InterestRate:    decimal.NewFromInt(10),
		TermMonths:      12,
		Purpose:         "school fees",
	}
}

func decimalPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func expectLoanPreamble(dbMock sqlmock.Sqlmock, lockIDs ...int64) {
	dbMock.ExpectBegin()
	dbMock.ExpectQuery(refExistsSQL).WithArgs("LN-2026-001").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	for _, id := range lockIDs {
		dbMock.ExpectExec(advisoryLockSQL).WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 0))
	}
}

func TestLoanService_CreateLoan(t *testing.T) {
	ctx := context.Background()

	t.Run("persists loan, guarantor, consent and workflow together", func(t *testing.T) {
		service, dbMock, members, sink := newTestLoans(t, true)
		members.On("FindMember", mock.Anything, models.MemberID(101)).Return(activeMember(101), nil)
		members.On("FindMember", mock.Anything, models.MemberID(205)).Return(activeMember(205), nil)

		req := loanRequest()
		req.Guarantors = []GuarantorRequest{{MemberID: 205, Amount: decimalPtr("20000")}}

		expectLoanPreamble(dbMock, 101, 205)
		dbMock.ExpectQuery(memberLoansSQL).WithArgs(101).
			WillReturnRows(sqlmock.NewRows([]string{"count", "sum"}).AddRow(2, "30000.00"))
		dbMock.ExpectQuery(exposureSQL).WithArgs(205).WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("0"))
		dbMock.ExpectQuery(savingsSQL).WithArgs(205).WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("50000.00"))
		dbMock.ExpectQuery(insertLoanSQL).
			WithArgs(101, "LN-2026-001", money("100000"), money("10"), 12, money("8791.59"), money("100000"),
				"pending", "school fees", fixedNow, "officer-1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
		dbMock.ExpectQuery(`INSERT INTO loan_guarantors`).
			WithArgs(42, 205, money("20000"), nil, "pending").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))
		dbMock.ExpectExec(`INSERT INTO consent_outbox`).
			WithArgs(42, 9, 205, "member205@coop.test", fixedNow).
			WillReturnResult(sqlmock.NewResult(1, 1))
		dbMock.ExpectQuery(templateSQL).WithArgs("loan_approval").WillReturnRows(templateRows(true))
		dbMock.ExpectQuery(pendingExistsSQL).WithArgs("loan", 42).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		dbMock.ExpectQuery(insertWorkflow).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
		dbMock.ExpectCommit()

		loan, err := service.CreateLoan(ctx, req, officer)
		require.NoError(t, err)
		assert.Equal(t, models.LoanID(42), loan.ID)
		assert.Equal(t, models.LoanPending, loan.Status)
		assert.Equal(t, "100000", loan.Principal.String())
		assert.Equal(t, "10", loan.InterestRate.String())
		assert.Equal(t, 12, loan.TermMonths)
		assert.True(t, loan.MonthlyPayment.Sub(decimal.RequireFromString("8791.59")).Abs().LessThanOrEqual(decimal.RequireFromString("0.01")))
		assert.Equal(t, []string{"open_workflow", "create_loan"}, sink.actions())
		assert.NoError(t, dbMock.ExpectationsWereMet())
		members.AssertExpectations(t)
	})

	t.Run("sixth active loan is refused", func(t *testing.T) {
		service, dbMock, members, _ := newTestLoans(t, false)
		members.On("FindMember", mock.Anything, models.MemberID(101)).Return(activeMember(101), nil)

		expectLoanPreamble(dbMock, 101)
		dbMock.ExpectQuery(memberLoansSQL).WithArgs(101).
			WillReturnRows(sqlmock.NewRows([]string{"count", "sum"}).AddRow(5, "250000.00"))
		dbMock.ExpectRollback()

		_, err := service.CreateLoan(ctx, loanRequest(), officer)
		var be *BusinessError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, CodeMaxActiveLoans, be.Code)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("aggregate exposure cap", func(t *testing.T) {
		service, dbMock, members, _ := newTestLoans(t, false)
		members.On("FindMember", mock.Anything, models.MemberID(101)).Return(activeMember(101), nil)

		expectLoanPreamble(dbMock, 101)
		dbMock.ExpectQuery(memberLoansSQL).WithArgs(101).
			WillReturnRows(sqlmock.NewRows([]string{"count", "sum"}).AddRow(1, "24950000.00"))
		dbMock.ExpectRollback()

		_, err := service.CreateLoan(ctx, loanRequest(), officer)
		var be *BusinessError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, CodeExposureLimit, be.Code)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("duplicate reference on the second attempt", func(t *testing.T) {
		service, dbMock, members, _ := newTestLoans(t, false)
		members.On("FindMember", mock.Anything, models.MemberID(101)).Return(activeMember(101), nil)

		dbMock.ExpectBegin()
		dbMock.ExpectQuery(refExistsSQL).WithArgs("LN-2026-001").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		dbMock.ExpectRollback()

		_, err := service.CreateLoan(ctx, loanRequest(), officer)
		var be *BusinessError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, CodeDuplicateReference, be.Code)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("unique violation from a concurrent insert is a duplicate", func(t *testing.T) {
		service, dbMock, members, _ := newTestLoans(t, false)
		members.On("FindMember", mock.Anything, models.MemberID(101)).Return(activeMember(101), nil)

		expectLoanPreamble(dbMock, 101)
		dbMock.ExpectQuery(memberLoansSQL).WithArgs(101).
			WillReturnRows(sqlmock.NewRows([]string{"count", "sum"}).AddRow(0, "0"))
		dbMock.ExpectQuery(insertLoanSQL).WillReturnError(&pq.Error{Code: "23505"})
		dbMock.ExpectRollback()

		_, err := service.CreateLoan(ctx, loanRequest(), officer)
		var be *BusinessError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, CodeDuplicateReference, be.Code)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("guarantees above principal never reach the store", func(t *testing.T) {
		service, dbMock, members, _ := newTestLoans(t, false)
		members.On("FindMember", mock.Anything, models.MemberID(101)).Return(activeMember(101), nil)
		members.On("FindMember", mock.Anything, models.MemberID(205)).Return(activeMember(205), nil)
		members.On("FindMember", mock.Anything, models.MemberID(206)).Return(activeMember(206), nil)

		req := loanRequest()
		req.Guarantors = []GuarantorRequest{
			{MemberID: 205, Percentage: decimalPtr("60")},
			{MemberID: 206, Amount: decimalPtr("50000")},
		}
		_, err := service.CreateLoan(ctx, req, officer)
		var be *BusinessError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, CodeGuaranteeCoverage, be.Code)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("guarantor over capacity", func(t *testing.T) {
		service, dbMock, members, _ := newTestLoans(t, false)
		members.On("FindMember", mock.Anything, models.MemberID(101)).Return(activeMember(101), nil)
		members.On("FindMember", mock.Anything, models.MemberID(205)).Return(activeMember(205), nil)

		req := loanRequest()
		req.Guarantors = []GuarantorRequest{{MemberID: 205, Amount: decimalPtr("20000")}}

		expectLoanPreamble(dbMock, 101, 205)
		dbMock.ExpectQuery(memberLoansSQL).WithArgs(101).
			WillReturnRows(sqlmock.NewRows([]string{"count", "sum"}).AddRow(0, "0"))
		dbMock.ExpectQuery(exposureSQL).WithArgs(205).WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("1000.00"))
		dbMock.ExpectQuery(savingsSQL).WithArgs(205).WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("5000.00"))
		dbMock.ExpectRollback()

		_, err := service.CreateLoan(ctx, req, officer)
		var be *BusinessError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, CodeGuarantorIneligible, be.Code)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("guarantor input errors", func(t *testing.T) {
		service, _, members, _ := newTestLoans(t, false)
		members.On("FindMember", mock.Anything, models.MemberID(101)).Return(activeMember(101), nil)
		members.On("FindMember", mock.Anything, models.MemberID(205)).Return(activeMember(205), nil)
		members.On("FindMember", mock.Anything, models.MemberID(300)).Return(nil, nil)

		cases := map[string][]GuarantorRequest{
			"duplicate":     {{MemberID: 205, Amount: decimalPtr("10")}, {MemberID: 205, Amount: decimalPtr("10")}},
			"both forms":    {{MemberID: 205, Amount: decimalPtr("10"), Percentage: decimalPtr("5")}},
			"neither form":  {{MemberID: 205}},
			"percent > 100": {{MemberID: 205, Percentage: decimalPtr("120")}},
			"unknown":       {{MemberID: 300, Amount: decimalPtr("10")}},
		}
		for name, gs := range cases {
			req := loanRequest()
			req.Guarantors = gs
			_, err := service.CreateLoan(ctx, req, officer)
			var ve *ValidationError
			assert.ErrorAs(t, err, &ve, name)
		}
	})

	t.Run("policy bounds and member checks", func(t *testing.T) {
		service, _, members, _ := newTestLoans(t, false)
		suspended := activeMember(102)
		suspended.Status = models.MemberStatusSuspended
		members.On("FindMember", mock.Anything, models.MemberID(102)).Return(suspended, nil)
		members.On("FindMember", mock.Anything, models.MemberID(103)).Return(nil, nil)

		req := loanRequest()
		req.TermMonths = 400
		_, err := service.CreateLoan(ctx, req, officer)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "term_months", ve.Field)

		req = loanRequest()
		req.MemberID = 103
		_, err = service.CreateLoan(ctx, req, officer)
		require.ErrorAs(t, err, &ve)
		assert.True(t, ve.NotFound)

		req = loanRequest()
		req.MemberID = 102
		_, err = service.CreateLoan(ctx, req, officer)
		var be *BusinessError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, CodeInactiveMember, be.Code)
	})
}

func TestLoanService_ApproveAndReject(t *testing.T) {
	ctx := context.Background()

	t.Run("direct approval records approver", func(t *testing.T) {
		service, dbMock, _, sink := newTestLoans(t, false)

		dbMock.ExpectBegin()
		dbMock.ExpectQuery(lockLoanSQL).WithArgs(42).WillReturnRows(loanRow(42, models.LoanPending).rows())
		dbMock.ExpectExec(`UPDATE loans SET status = \$1, approved_by = \$2, approval_date = \$3`).
			WithArgs("approved", "officer-1", fixedNow, 42).
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectCommit()

		loan, err := service.ApproveLoan(ctx, 42, officer)
		require.NoError(t, err)
		assert.Equal(t, models.LoanApproved, loan.Status)
		require.NotNil(t, loan.ApprovedBy)
		assert.Equal(t, "officer-1", *loan.ApprovedBy)
		assert.Equal(t, []string{"approve_loan"}, sink.actions())
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("refused while a workflow is pending", func(t *testing.T) {
		service, dbMock, _, _ := newTestLoans(t, true)

		dbMock.ExpectBegin()
		dbMock.ExpectQuery(lockLoanSQL).WithArgs(42).WillReturnRows(loanRow(42, models.LoanPending).rows())
		dbMock.ExpectQuery(pendingExistsSQL).WithArgs("loan", 42).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		dbMock.ExpectRollback()

		_, err := service.ApproveLoan(ctx, 42, officer)
		var be *BusinessError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, CodeWorkflowPending, be.Code)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("out of sequence transitions", func(t *testing.T) {
		service, dbMock, _, _ := newTestLoans(t, false)

		for _, status := range []models.LoanStatus{models.LoanActive, models.LoanPaid, models.LoanRejected} {
			dbMock.ExpectBegin()
			dbMock.ExpectQuery(lockLoanSQL).WithArgs(42).WillReturnRows(loanRow(42, status).rows())
			dbMock.ExpectRollback()

			_, err := service.ApproveLoan(ctx, 42, officer)
			var be *BusinessError
			require.ErrorAs(t, err, &be, string(status))
			assert.Equal(t, CodeLoanState, be.Code)
		}
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("reject releases guarantors", func(t *testing.T) {
		service, dbMock, _, _ := newTestLoans(t, false)

		dbMock.ExpectBegin()
		dbMock.ExpectQuery(lockLoanSQL).WithArgs(42).WillReturnRows(loanRow(42, models.LoanPending).rows())
		dbMock.ExpectExec(`UPDATE loans SET status = \$1, rejected_by = \$2, rejection_reason = \$3`).
			WithArgs("rejected", "officer-1", "insufficient income", 42).
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec(releaseSQL).WithArgs(42).WillReturnResult(sqlmock.NewResult(0, 2))
		dbMock.ExpectCommit()

		loan, err := service.RejectLoan(ctx, 42, "insufficient income", officer)
		require.NoError(t, err)
		assert.Equal(t, models.LoanRejected, loan.Status)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("reject needs a reason", func(t *testing.T) {
		service, dbMock, _, _ := newTestLoans(t, false)
		_, err := service.RejectLoan(ctx, 42, "  ", officer)
		var ve *ValidationError
		assert.ErrorAs(t, err, &ve)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestLoanService_WorkflowCompletion(t *testing.T) {
	ctx := context.Background()

	t.Run("final approval approves the loan", func(t *testing.T) {
		service, dbMock, _, _ := newTestLoans(t, true)

		dbMock.ExpectBegin()
		dbMock.ExpectQuery(lockWorkflowSQL).WithArgs(7).WillReturnRows(pendingLoanWorkflow(7, 2).rows())
		dbMock.ExpectExec(insertHistorySQL).WillReturnResult(sqlmock.NewResult(1, 1))
		dbMock.ExpectExec(updateWorkflow).WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectQuery(lockLoanSQL).WithArgs(42).WillReturnRows(loanRow(42, models.LoanPending).rows())
		dbMock.ExpectExec(`UPDATE loans SET status = \$1, approved_by = \$2`).
			WithArgs("approved", "committee-1", fixedNow, 42).
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectCommit()

		wf, err := service.workflows.Approve(ctx, 7, "", committee)
		require.NoError(t, err)
		assert.Equal(t, models.WorkflowApproved, wf.Status)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("rejection at level two rejects the loan with the comments", func(t *testing.T) {
		service, dbMock, _, _ := newTestLoans(t, true)

		dbMock.ExpectBegin()
		dbMock.ExpectQuery(lockWorkflowSQL).WithArgs(7).WillReturnRows(pendingLoanWorkflow(7, 2).rows())
		dbMock.ExpectExec(insertHistorySQL).WillReturnResult(sqlmock.NewResult(1, 1))
		dbMock.ExpectExec(updateWorkflow).WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectQuery(lockLoanSQL).WithArgs(42).WillReturnRows(loanRow(42, models.LoanPending).rows())
		dbMock.ExpectExec(`UPDATE loans SET status = \$1, rejected_by = \$2`).
			WithArgs("rejected", "committee-1", "too risky", 42).
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec(releaseSQL).WithArgs(42).WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectCommit()

		wf, err := service.workflows.Reject(ctx, 7, "too risky", committee)
		require.NoError(t, err)
		assert.Equal(t, models.WorkflowRejected, wf.Status)
		require.NotNil(t, wf.CompletedAt)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("change request leaves the loan pending", func(t *testing.T) {
		service, dbMock, _, _ := newTestLoans(t, true)

		dbMock.ExpectBegin()
		dbMock.ExpectQuery(lockWorkflowSQL).WithArgs(7).WillReturnRows(pendingLoanWorkflow(7, 1).rows())
		dbMock.ExpectExec(insertHistorySQL).WillReturnResult(sqlmock.NewResult(1, 1))
		dbMock.ExpectExec(updateWorkflow).WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectQuery(lockLoanSQL).WithArgs(42).WillReturnRows(loanRow(42, models.LoanPending).rows())
		dbMock.ExpectCommit()

		_, err := service.workflows.RequestChanges(ctx, 7, "add payslip", officer)
		require.NoError(t, err)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("resubmission opens a new workflow", func(t *testing.T) {
		service, dbMock, _, _ := newTestLoans(t, true)

		dbMock.ExpectBegin()
		dbMock.ExpectQuery(lockLoanSQL).WithArgs(42).WillReturnRows(loanRow(42, models.LoanPending).rows())
		dbMock.ExpectQuery(templateSQL).WithArgs("loan_approval").WillReturnRows(templateRows(true))
		dbMock.ExpectQuery(pendingExistsSQL).WithArgs("loan", 42).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		dbMock.ExpectQuery(insertWorkflow).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(8))
		dbMock.ExpectCommit()

		wf, err := service.SubmitForApproval(ctx, 42, officer)
		require.NoError(t, err)
		assert.Equal(t, models.WorkflowID(8), wf.ID)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestLoanService_DisburseLoan(t *testing.T) {
	ctx := context.Background()
	service, dbMock, _, _ := newTestLoans(t, false)
	next := fixedNow.AddDate(0, 1, 0)

	dbMock.ExpectBegin()
	dbMock.ExpectQuery(lockLoanSQL).WithArgs(42).WillReturnRows(loanRow(42, models.LoanApproved).rows())
	dbMock.ExpectExec(`UPDATE loans SET status = \$1, disbursed_by = \$2`).
		WithArgs("active", "officer-1", fixedNow, next, 42).
		WillReturnResult(sqlmock.NewResult(0, 1))
	dbMock.ExpectCommit()

	loan, err := service.DisburseLoan(ctx, 42, officer)
	require.NoError(t, err)
	assert.Equal(t, models.LoanActive, loan.Status)
	require.NotNil(t, loan.NextPaymentDate)
	assert.Equal(t, time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC), *loan.NextPaymentDate)

	dbMock.ExpectBegin()
	dbMock.ExpectQuery(lockLoanSQL).WithArgs(42).WillReturnRows(loanRow(42, models.LoanPending).rows())
	dbMock.ExpectRollback()

	_, err = service.DisburseLoan(ctx, 42, officer)
	var be *BusinessError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, CodeLoanState, be.Code)
	assert.NoError(t, dbMock.ExpectationsWereMet())
}

func TestLoanService_ProcessPayment(t *testing.T) {
	ctx := context.Background()
	due := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)

	t.Run("partial payment advances the due date", func(t *testing.T) {
		service, dbMock, _, _ := newTestLoans(t, false)
		active := loanRow(42, models.LoanActive)
		active.remaining = "50000.00"
		active.disbursed = fixedNow.AddDate(0, -1, 0)
		active.next = due

		dbMock.ExpectBegin()
		dbMock.ExpectQuery(lockLoanSQL).WithArgs(42).WillReturnRows(active.rows())
		dbMock.ExpectQuery(insertPaymentSQL).
			WithArgs(42, money("8791.59"), money("50000"), money("41208.41"), "cash", "officer-1", fixedNow).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
		dbMock.ExpectExec(`UPDATE loans SET remaining_balance = \$1, status = \$2, next_payment_date = \$3`).
			WithArgs(money("41208.41"), "active", due.AddDate(0, 1, 0), 42).
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectCommit()

		payment, err := service.ProcessPayment(ctx, 42, decimal.RequireFromString("8791.59"), models.MethodCash, officer)
		require.NoError(t, err)
		assert.Equal(t, "41208.41", payment.BalanceAfter.StringFixed(2))
		assert.True(t, payment.BalanceAfter.LessThan(payment.BalanceBefore))
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("overpayment clears the loan and releases guarantors", func(t *testing.T) {
		service, dbMock, _, sink := newTestLoans(t, false)
		active := loanRow(42, models.LoanActive)
		active.remaining = "500.00"
		active.next = due

		dbMock.ExpectBegin()
		dbMock.ExpectQuery(lockLoanSQL).WithArgs(42).WillReturnRows(active.rows())
		dbMock.ExpectQuery(insertPaymentSQL).
			WithArgs(42, money("800"), money("500"), money("0"), "bank_transfer", "officer-1", fixedNow).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(4))
		dbMock.ExpectExec(`UPDATE loans SET remaining_balance = \$1`).
			WithArgs(money("0"), "paid", nil, 42).
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec(releaseSQL).WithArgs(42).WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectCommit()

		payment, err := service.ProcessPayment(ctx, 42, decimal.NewFromInt(800), models.MethodBankTransfer, officer)
		require.NoError(t, err)
		assert.True(t, payment.BalanceAfter.IsZero())
		assert.Equal(t, []string{"loan_payment"}, sink.actions())
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("only active loans take payments", func(t *testing.T) {
		service, dbMock, _, _ := newTestLoans(t, false)

		dbMock.ExpectBegin()
		dbMock.ExpectQuery(lockLoanSQL).WithArgs(42).WillReturnRows(loanRow(42, models.LoanPaid).rows())
		dbMock.ExpectRollback()

		_, err := service.ProcessPayment(ctx, 42, decimal.NewFromInt(100), models.MethodCash, officer)
		var be *BusinessError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, CodeLoanState, be.Code)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("input validation", func(t *testing.T) {
		service, dbMock, _, _ := newTestLoans(t, false)
		var ve *ValidationError

		_, err := service.ProcessPayment(ctx, 42, decimal.Zero, models.MethodCash, officer)
		assert.ErrorAs(t, err, &ve)
		_, err = service.ProcessPayment(ctx, 42, decimal.NewFromInt(10), "barter", officer)
		assert.ErrorAs(t, err, &ve)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestLoanService_CalculatePaymentSchedule(t *testing.T) {
	service, dbMock, _, _ := newTestLoans(t, false)
	disbursed := fixedNow
	active := loanRow(42, models.LoanActive)
	active.disbursed = disbursed

	dbMock.ExpectQuery(`SELECT (.+) FROM loans WHERE id = \$1`).WithArgs(42).WillReturnRows(active.rows())

	rows, err := service.CalculatePaymentSchedule(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, rows, 12)
	assert.Equal(t, disbursed.AddDate(0, 1, 0), rows[0].DueDate)
	assert.True(t, rows[11].Balance.IsZero())
	assert.NoError(t, dbMock.ExpectationsWereMet())
}

func TestLoanService_DeleteLoan(t *testing.T) {
	ctx := context.Background()

	t.Run("pending loan", func(t *testing.T) {
		service, dbMock, _, sink := newTestLoans(t, true)

		dbMock.ExpectBegin()
		dbMock.ExpectQuery(lockLoanSQL).WithArgs(42).WillReturnRows(loanRow(42, models.LoanRejected).rows())
		dbMock.ExpectQuery(pendingExistsSQL).WithArgs("loan", 42).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		dbMock.ExpectExec(`DELETE FROM loans WHERE id = \$1`).WithArgs(42).WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectCommit()

		require.NoError(t, service.DeleteLoan(ctx, 42, officer))
		assert.Equal(t, []string{"delete_loan"}, sink.actions())
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("active loan is kept", func(t *testing.T) {
		service, dbMock, _, _ := newTestLoans(t, false)

		dbMock.ExpectBegin()
		dbMock.ExpectQuery(lockLoanSQL).WithArgs(42).WillReturnRows(loanRow(42, models.LoanActive).rows())
		dbMock.ExpectRollback()

		err := service.DeleteLoan(ctx, 42, officer)
		var be *BusinessError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, CodeLoanState, be.Code)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("unknown loan", func(t *testing.T) {
		service, dbMock, _, _ := newTestLoans(t, false)

		dbMock.ExpectBegin()
		dbMock.ExpectQuery(lockLoanSQL).WithArgs(99).WillReturnError(sql.ErrNoRows)
		dbMock.ExpectRollback()

		err := service.DeleteLoan(ctx, 99, officer)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.True(t, ve.NotFound)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestLoanService_ReadProjections(t *testing.T) {
	ctx := context.Background()

	t.Run("list loans filters and pages", func(t *testing.T) {
		service, dbMock, _, _ := newTestLoans(t, false)
		member := models.MemberID(101)

		dbMock.ExpectQuery(`SELECT COUNT\(\*\) FROM loans WHERE member_id = \$1 AND status = \$2`).
			WithArgs(101, "active").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(21))
		dbMock.ExpectQuery(`FROM loans WHERE member_id = \$1 AND status = \$2 ORDER BY application_date DESC, id DESC LIMIT \$3 OFFSET \$4`).
			WithArgs(101, "active", 20, 20).
			WillReturnRows(loanRow(42, models.LoanActive).rows())

		page, err := service.ListLoans(ctx, models.LoanFilter{MemberID: &member, Status: models.LoanActive, Page: 2})
		require.NoError(t, err)
		assert.Equal(t, 21, page.Total)
		assert.Equal(t, 2, page.Page)
		require.Len(t, page.Items, 1)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("member summary", func(t *testing.T) {
		service, dbMock, members, _ := newTestLoans(t, false)
		members.On("FindMember", mock.Anything, models.MemberID(101)).Return(activeMember(101), nil)

		dbMock.ExpectQuery(`COUNT\(\*\) FILTER \(WHERE status = 'pending'\)`).WithArgs(101).
			WillReturnRows(sqlmock.NewRows([]string{"p", "a", "d", "o"}).AddRow(1, 2, 3, "150000.00"))
		dbMock.ExpectQuery(`FROM savings_accounts WHERE member_id = \$1 AND status <> 'closed'`).WithArgs(101).
			WillReturnRows(sqlmock.NewRows([]string{"c", "s"}).AddRow(2, "42000.50"))
		dbMock.ExpectQuery(exposureSQL).WithArgs(101).WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("10000"))

		sum, err := service.MemberSummary(ctx, 101)
		require.NoError(t, err)
		assert.Equal(t, 1, sum.PendingLoans)
		assert.Equal(t, 2, sum.ActiveLoans)
		assert.Equal(t, 3, sum.PaidLoans)
		assert.Equal(t, "150000.00", sum.OutstandingLoans.StringFixed(2))
		assert.Equal(t, "42000.50", sum.SavingsBalance.StringFixed(2))
		assert.Equal(t, "10000.00", sum.GuaranteeExposure.StringFixed(2))
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("guarantors", func(t *testing.T) {
		service, dbMock, _, _ := newTestLoans(t, false)

		dbMock.ExpectQuery(`FROM loan_guarantors WHERE loan_id = \$1 ORDER BY id`).WithArgs(42).
			WillReturnRows(sqlmock.NewRows([]string{"id", "loan_id", "member", "amount", "pct", "status", "req", "resp"}).
				AddRow(9, 42, 205, "20000.00", nil, "pending", fixedNow, nil).
				AddRow(10, 42, 206, nil, "25.00", "accepted", fixedNow, fixedNow))

		gs, err := service.Guarantors(ctx, 42)
		require.NoError(t, err)
		require.Len(t, gs, 2)
		total := decimal.Zero
		for _, g := range gs {
			total = total.Add(g.ResolvedAmount(decimal.NewFromInt(100000)))
		}
		assert.Equal(t, "45000.00", total.StringFixed(2))
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("get unknown loan", func(t *testing.T) {
		service, dbMock, _, _ := newTestLoans(t, false)
		dbMock.ExpectQuery(`FROM loans WHERE id = \$1`).WithArgs(99).WillReturnError(sql.ErrNoRows)

		_, err := service.GetLoan(ctx, 99)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.True(t, ve.NotFound)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}
