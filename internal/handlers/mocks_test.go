package handlers

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"github.com/ruralpay/cooperative/internal/models"
	"github.com/ruralpay/cooperative/internal/services"
)

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) OpenAccount(ctx context.Context, req services.OpenAccountRequest, actor models.Actor) (*models.SavingsAccount, error) {
	args := m.Called(ctx, req, actor)
	a, _ := args.Get(0).(*models.SavingsAccount)
	return a, args.Error(1)
}

func (m *MockLedger) GetAccount(ctx context.Context, id models.AccountID) (*models.SavingsAccount, error) {
	args := m.Called(ctx, id)
	a, _ := args.Get(0).(*models.SavingsAccount)
	return a, args.Error(1)
}

func (m *MockLedger) Deposit(ctx context.Context, id models.AccountID, amount decimal.Decimal, method string, actor models.Actor) (*models.SavingsTransaction, error) {
	args := m.Called(ctx, id, amount.String(), method, actor)
	tx, _ := args.Get(0).(*models.SavingsTransaction)
	return tx, args.Error(1)
}

func (m *MockLedger) Withdraw(ctx context.Context, id models.AccountID, amount decimal.Decimal, method string, actor models.Actor) (*models.WithdrawalResult, error) {
	args := m.Called(ctx, id, amount.String(), method, actor)
	res, _ := args.Get(0).(*models.WithdrawalResult)
	return res, args.Error(1)
}

func (m *MockLedger) Transfer(ctx context.Context, fromID, toID models.AccountID, amount decimal.Decimal, actor models.Actor) (*models.TransferResult, error) {
	args := m.Called(ctx, fromID, toID, amount.String(), actor)
	res, _ := args.Get(0).(*models.TransferResult)
	return res, args.Error(1)
}

func (m *MockLedger) AccrueInterest(ctx context.Context, id *models.AccountID, actor models.Actor) (*models.AccrualSummary, error) {
	args := m.Called(ctx, id, actor)
	s, _ := args.Get(0).(*models.AccrualSummary)
	return s, args.Error(1)
}

func (m *MockLedger) CloseAccount(ctx context.Context, id models.AccountID, reason string, actor models.Actor) (*models.SavingsAccount, error) {
	args := m.Called(ctx, id, reason, actor)
	a, _ := args.Get(0).(*models.SavingsAccount)
	return a, args.Error(1)
}

func (m *MockLedger) ListTransactions(ctx context.Context, id models.AccountID, filter models.TransactionFilter) (*models.TransactionPage, error) {
	args := m.Called(ctx, id, filter)
	p, _ := args.Get(0).(*models.TransactionPage)
	return p, args.Error(1)
}

func (m *MockLedger) Reconcile(ctx context.Context, id models.AccountID) (*models.Reconciliation, error) {
	args := m.Called(ctx, id)
	rec, _ := args.Get(0).(*models.Reconciliation)
	return rec, args.Error(1)
}

type MockLending struct {
	mock.Mock
}

func (m *MockLending) CreateLoan(ctx context.Context, req services.CreateLoanRequest, actor models.Actor) (*models.Loan, error) {
	args := m.Called(ctx, req, actor)
	l, _ := args.Get(0).(*models.Loan)
	return l, args.Error(1)
}

func (m *MockLending) SubmitForApproval(ctx context.Context, id models.LoanID, actor models.Actor) (*models.WorkflowApproval, error) {
	args := m.Called(ctx, id, actor)
	wf, _ := args.Get(0).(*models.WorkflowApproval)
	return wf, args.Error(1)
}

func (m *MockLending) ApproveLoan(ctx context.Context, id models.LoanID, actor models.Actor) (*models.Loan, error) {
	args := m.Called(ctx, id, actor)
	l, _ := args.Get(0).(*models.Loan)
	return l, args.Error(1)
}

func (m *MockLending) RejectLoan(ctx context.Context, id models.LoanID, reason string, actor models.Actor) (*models.Loan, error) {
	args := m.Called(ctx, id, reason, actor)
	l, _ := args.Get(0).(*models.Loan)
	return l, args.Error(1)
}

func (m *MockLending) DisburseLoan(ctx context.Context, id models.LoanID, actor models.Actor) (*models.Loan, error) {
	args := m.Called(ctx, id, actor)
	l, _ := args.Get(0).(*models.Loan)
	return l, args.Error(1)
}

func (m *MockLending) ProcessPayment(ctx context.Context, id models.LoanID, amount decimal.Decimal, method string, actor models.Actor) (*models.LoanPayment, error) {
	args := m.Called(ctx, id, amount.String(), method, actor)
	p, _ := args.Get(0).(*models.LoanPayment)
	return p, args.Error(1)
}

func (m *MockLending) CalculatePaymentSchedule(ctx context.Context, id models.LoanID) ([]models.PaymentRow, error) {
	args := m.Called(ctx, id)
	rows, _ := args.Get(0).([]models.PaymentRow)
	return rows, args.Error(1)
}

func (m *MockLending) DeleteLoan(ctx context.Context, id models.LoanID, actor models.Actor) error {
	return m.Called(ctx, id, actor).Error(0)
}

func (m *MockLending) GetLoan(ctx context.Context, id models.LoanID) (*models.Loan, error) {
	args := m.Called(ctx, id)
	l, _ := args.Get(0).(*models.Loan)
	return l, args.Error(1)
}

func (m *MockLending) ListLoans(ctx context.Context, filter models.LoanFilter) (*models.LoanPage, error) {
	args := m.Called(ctx, filter)
	p, _ := args.Get(0).(*models.LoanPage)
	return p, args.Error(1)
}

func (m *MockLending) Guarantors(ctx context.Context, id models.LoanID) ([]models.LoanGuarantor, error) {
	args := m.Called(ctx, id)
	g, _ := args.Get(0).([]models.LoanGuarantor)
	return g, args.Error(1)
}

func (m *MockLending) MemberSummary(ctx context.Context, id models.MemberID) (*models.MemberSummary, error) {
	args := m.Called(ctx, id)
	s, _ := args.Get(0).(*models.MemberSummary)
	return s, args.Error(1)
}

type MockSettlement struct {
	mock.Mock
}

func (m *MockSettlement) DisbursementInstruction(ctx context.Context, id models.LoanID) (string, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Error(1)
}

type MockApprovals struct {
	mock.Mock
}

func (m *MockApprovals) Open(ctx context.Context, templateName string, ref models.EntityRef, actor models.Actor) (*models.WorkflowApproval, error) {
	args := m.Called(ctx, templateName, ref, actor)
	wf, _ := args.Get(0).(*models.WorkflowApproval)
	return wf, args.Error(1)
}

func (m *MockApprovals) Approve(ctx context.Context, id models.WorkflowID, comments string, actor models.Actor) (*models.WorkflowApproval, error) {
	args := m.Called(ctx, id, comments, actor)
	wf, _ := args.Get(0).(*models.WorkflowApproval)
	return wf, args.Error(1)
}

func (m *MockApprovals) Reject(ctx context.Context, id models.WorkflowID, comments string, actor models.Actor) (*models.WorkflowApproval, error) {
	args := m.Called(ctx, id, comments, actor)
	wf, _ := args.Get(0).(*models.WorkflowApproval)
	return wf, args.Error(1)
}

func (m *MockApprovals) RequestChanges(ctx context.Context, id models.WorkflowID, comments string, actor models.Actor) (*models.WorkflowApproval, error) {
	args := m.Called(ctx, id, comments, actor)
	wf, _ := args.Get(0).(*models.WorkflowApproval)
	return wf, args.Error(1)
}

func (m *MockApprovals) Timeout(ctx context.Context, id models.WorkflowID, comments string, actor models.Actor) (*models.WorkflowApproval, error) {
	args := m.Called(ctx, id, comments, actor)
	wf, _ := args.Get(0).(*models.WorkflowApproval)
	return wf, args.Error(1)
}

func (m *MockApprovals) Get(ctx context.Context, id models.WorkflowID) (*models.WorkflowApproval, error) {
	args := m.Called(ctx, id)
	wf, _ := args.Get(0).(*models.WorkflowApproval)
	return wf, args.Error(1)
}

func (m *MockApprovals) History(ctx context.Context, id models.WorkflowID) ([]models.ApprovalHistoryEntry, error) {
	args := m.Called(ctx, id)
	h, _ := args.Get(0).([]models.ApprovalHistoryEntry)
	return h, args.Error(1)
}

func (m *MockApprovals) Pending(ctx context.Context, scope models.PendingScope, actor models.Actor, requestedBy string) ([]models.WorkflowApproval, error) {
	args := m.Called(ctx, scope, actor, requestedBy)
	l, _ := args.Get(0).([]models.WorkflowApproval)
	return l, args.Error(1)
}

func (m *MockApprovals) AwaitingAction(ctx context.Context, actor models.Actor) ([]models.WorkflowApproval, error) {
	args := m.Called(ctx, actor)
	l, _ := args.Get(0).([]models.WorkflowApproval)
	return l, args.Error(1)
}

func (m *MockApprovals) Completed(ctx context.Context, window time.Duration) ([]models.CompletedWorkflow, error) {
	args := m.Called(ctx, window)
	l, _ := args.Get(0).([]models.CompletedWorkflow)
	return l, args.Error(1)
}

type MockConsents struct {
	mock.Mock
}

func (m *MockConsents) RespondToConsent(ctx context.Context, token string, accept bool) (*models.LoanGuarantor, error) {
	args := m.Called(ctx, token, accept)
	g, _ := args.Get(0).(*models.LoanGuarantor)
	return g, args.Error(1)
}

type MockAdmissions struct {
	mock.Mock
}

func (m *MockAdmissions) SubmitRegistration(ctx context.Context, req services.RegistrationRequest, actor models.Actor) (*models.MembershipRegistration, *models.WorkflowApproval, error) {
	args := m.Called(ctx, req, actor)
	reg, _ := args.Get(0).(*models.MembershipRegistration)
	wf, _ := args.Get(1).(*models.WorkflowApproval)
	return reg, wf, args.Error(2)
}

type MockQR struct {
	mock.Mock
}

func (m *MockQR) Render(ctx context.Context, content string) (string, error) {
	args := m.Called(ctx, content)
	return args.String(0), args.Error(1)
}

type MockSessions struct {
	mock.Mock
}

func (m *MockSessions) Login(ctx context.Context, req services.LoginRequest) (*services.AuthResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*services.AuthResponse)
	return resp, args.Error(1)
}

func (m *MockSessions) Logout(ctx context.Context, token string) error {
	return m.Called(ctx, token).Error(0)
}
