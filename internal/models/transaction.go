package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType is the kind of ledger entry.
type TransactionType string

const (
	TxDeposit     TransactionType = "deposit"
	TxWithdrawal  TransactionType = "withdrawal"
	TxTransferIn  TransactionType = "transfer_in"
	TxTransferOut TransactionType = "transfer_out"
	TxInterest    TransactionType = "interest"
	TxFee         TransactionType = "fee"
)

// IsCredit reports whether entries of this type increase the balance.
func (t TransactionType) IsCredit() bool {
	switch t {
	case TxDeposit, TxTransferIn, TxInterest:
		return true
	default:
		return false
	}
}

// Apply returns the balance after an entry of this type for amount.
func (t TransactionType) Apply(balance, amount decimal.Decimal) decimal.Decimal {
	if t.IsCredit() {
		return balance.Add(amount)
	}
	return balance.Sub(amount)
}

// Signed returns amount with the sign the entry contributes to the balance.
func (t TransactionType) Signed(amount decimal.Decimal) decimal.Decimal {
	if t.IsCredit() {
		return amount
	}
	return amount.Neg()
}

// TransactionStatusConfirmed is the only status the ledger writes; entries are immutable.
const TransactionStatusConfirmed = "confirmed"

// Payment methods accepted at the counter.
const (
	MethodCash         = "cash"
	MethodBankTransfer = "bank_transfer"
	MethodMobileMoney  = "mobile_money"
	MethodCheque       = "cheque"
	MethodInternal     = "internal"
	MethodClosure      = "closure"
	MethodSystem       = "system"
)

// SavingsTransaction is an immutable ledger entry.
type SavingsTransaction struct {
	ID              TransactionID   `json:"id" db:"id"`
	AccountID       AccountID       `json:"account_id" db:"account_id"`
	Type            TransactionType `json:"type" db:"type"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	BalanceBefore   decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter    decimal.Decimal `json:"balance_after" db:"balance_after"`
	ReferenceNumber string          `json:"reference_number" db:"reference_number"`
	Status          string          `json:"status" db:"status"`
	Method          string          `json:"method" db:"method"`
	Description     string          `json:"description,omitempty" db:"description"`
	PerformedBy     string          `json:"performed_by" db:"performed_by"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// TransactionFilter narrows a transaction listing.
type TransactionFilter struct {
	Type     TransactionType
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// TransactionPage is one page of a transaction listing.
type TransactionPage struct {
	Items    []SavingsTransaction `json:"items"`
	Total    int                  `json:"total"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
}

// WithdrawalResult carries the withdrawal entry and, when charged, its fee entry.
type WithdrawalResult struct {
	Withdrawal SavingsTransaction  `json:"withdrawal"`
	Fee        *SavingsTransaction `json:"fee,omitempty"`
}

// TransferResult carries both legs of a transfer.
type TransferResult struct {
	Out SavingsTransaction `json:"out"`
	In  SavingsTransaction `json:"in"`
}
