package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LoanStatus is a state of the loan lifecycle.
type LoanStatus string

const (
	LoanPending  LoanStatus = "pending"
	LoanApproved LoanStatus = "approved"
	LoanActive   LoanStatus = "active"
	LoanPaid     LoanStatus = "paid"
	LoanRejected LoanStatus = "rejected"
)

var loanTransitions = map[LoanStatus][]LoanStatus{
	LoanPending:  {LoanApproved, LoanRejected},
	LoanApproved: {LoanActive},
	LoanActive:   {LoanPaid},
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s LoanStatus) CanTransition(next LoanStatus) bool {
	for _, allowed := range loanTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition exists from s.
func (s LoanStatus) IsTerminal() bool {
	return len(loanTransitions[s]) == 0
}

// Deletable reports whether a loan in this status may be removed.
func (s LoanStatus) Deletable() bool {
	return s == LoanPending || s == LoanRejected
}

// Loan is a member's loan application and, once disbursed, its running balance.
type Loan struct {
	ID               LoanID          `json:"id" db:"id"`
	MemberID         MemberID        `json:"member_id" db:"member_id"`
	ReferenceNumber  string          `json:"reference_number" db:"reference_number"`
	Principal        decimal.Decimal `json:"principal" db:"principal"`
	InterestRate     decimal.Decimal `json:"interest_rate" db:"interest_rate"` // annual percent
	TermMonths       int             `json:"term_months" db:"term_months"`
	MonthlyPayment   decimal.Decimal `json:"monthly_payment" db:"monthly_payment"`
	RemainingBalance decimal.Decimal `json:"remaining_balance" db:"remaining_balance"`
	Status           LoanStatus      `json:"status" db:"status"`
	Purpose          string          `json:"purpose,omitempty" db:"purpose"`
	ApplicationDate  time.Time       `json:"application_date" db:"application_date"`
	ApprovedBy       *string         `json:"approved_by,omitempty" db:"approved_by"`
	ApprovalDate     *time.Time      `json:"approval_date,omitempty" db:"approval_date"`
	RejectedBy       *string         `json:"rejected_by,omitempty" db:"rejected_by"`
	RejectionReason  *string         `json:"rejection_reason,omitempty" db:"rejection_reason"`
	DisbursedBy      *string         `json:"disbursed_by,omitempty" db:"disbursed_by"`
	DisbursementDate *time.Time      `json:"disbursement_date,omitempty" db:"disbursement_date"`
	NextPaymentDate  *time.Time      `json:"next_payment_date,omitempty" db:"next_payment_date"`
	CreatedBy        string          `json:"created_by" db:"created_by"`
}

// GuarantorStatus tracks a guarantor's consent.
type GuarantorStatus string

const (
	GuarantorPending  GuarantorStatus = "pending"
	GuarantorAccepted GuarantorStatus = "accepted"
	GuarantorDeclined GuarantorStatus = "declined"
	GuarantorReleased GuarantorStatus = "released"
)

// LoanGuarantor is a member pledging cover for part of a loan.
type LoanGuarantor struct {
	ID                  GuarantorID      `json:"id" db:"id"`
	LoanID              LoanID           `json:"loan_id" db:"loan_id"`
	MemberID            MemberID         `json:"guarantor_member_id" db:"guarantor_member_id"`
	GuaranteeAmount     *decimal.Decimal `json:"guarantee_amount,omitempty" db:"guarantee_amount"`
	GuaranteePercentage *decimal.Decimal `json:"guarantee_percentage,omitempty" db:"guarantee_percentage"`
	Status              GuarantorStatus  `json:"status" db:"status"`
	ConsentRequestedAt  *time.Time       `json:"consent_requested_at,omitempty" db:"consent_requested_at"`
	RespondedAt         *time.Time       `json:"responded_at,omitempty" db:"responded_at"`
}

// ResolvedAmount is the guaranteed amount, deriving it from the percentage when no amount is set.
func (g LoanGuarantor) ResolvedAmount(principal decimal.Decimal) decimal.Decimal {
	if g.GuaranteeAmount != nil {
		return RoundMoney(*g.GuaranteeAmount)
	}
	if g.GuaranteePercentage != nil {
		return RoundMoney(principal.Mul(*g.GuaranteePercentage).Div(decimal.NewFromInt(100)))
	}
	return decimal.Zero
}

// LoanPayment is one repayment applied to an active loan.
type LoanPayment struct {
	ID            int64           `json:"id" db:"id"`
	LoanID        LoanID          `json:"loan_id" db:"loan_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`
	Method        string          `json:"method" db:"method"`
	ReceivedBy    string          `json:"received_by" db:"received_by"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// PaymentRow is one period of an amortization schedule.
type PaymentRow struct {
	Period    int             `json:"period"`
	DueDate   time.Time       `json:"due_date"`
	Payment   decimal.Decimal `json:"payment"`
	Principal decimal.Decimal `json:"principal"`
	Interest  decimal.Decimal `json:"interest"`
	Balance   decimal.Decimal `json:"balance"`
}

// LoanFilter narrows a loan listing.
type LoanFilter struct {
	MemberID *MemberID
	Status   LoanStatus
	Page     int
	PageSize int
}

// LoanPage is one page of a loan listing.
type LoanPage struct {
	Items    []Loan `json:"items"`
	Total    int    `json:"total"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

// MemberSummary aggregates a member's loans and savings.
type MemberSummary struct {
	MemberID          MemberID        `json:"member_id"`
	PendingLoans      int             `json:"pending_loans"`
	ActiveLoans       int             `json:"active_loans"`
	PaidLoans         int             `json:"paid_loans"`
	OutstandingLoans  decimal.Decimal `json:"outstanding_loans"`
	SavingsAccounts   int             `json:"savings_accounts"`
	SavingsBalance    decimal.Decimal `json:"savings_balance"`
	GuaranteeExposure decimal.Decimal `json:"guarantee_exposure"`
}
