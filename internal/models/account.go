package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus is the lifecycle state of a savings account.
type AccountStatus string

const (
	AccountActive  AccountStatus = "active"
	AccountDormant AccountStatus = "dormant"
	AccountFrozen  AccountStatus = "frozen"
	AccountClosed  AccountStatus = "closed"
)

// AllowsDeposit reports whether money may flow into an account in this status.
func (s AccountStatus) AllowsDeposit() bool {
	return s == AccountActive || s == AccountDormant
}

// AllowsWithdrawal reports whether money may flow out of an account in this status.
func (s AccountStatus) AllowsWithdrawal() bool {
	return s == AccountActive
}

// Closable reports whether CloseAccount may run from this status.
func (s AccountStatus) Closable() bool {
	return s == AccountActive || s == AccountDormant
}

// InterestMethod selects how periodic interest is computed for an account.
type InterestMethod int

const (
	SimpleInterest InterestMethod = iota + 1
	CompoundInterest
	DailyInterest
	QuarterlyInterest
	AnnualInterest
)

var interestMethodNames = map[InterestMethod]string{
	SimpleInterest:    "simple",
	CompoundInterest:  "compound",
	DailyInterest:     "daily",
	QuarterlyInterest: "quarterly",
	AnnualInterest:    "annual",
}

func (m InterestMethod) String() string {
	if name, ok := interestMethodNames[m]; ok {
		return name
	}
	return fmt.Sprintf("InterestMethod(%d)", int(m))
}

// Valid reports whether m is one of the declared methods.
func (m InterestMethod) Valid() bool {
	_, ok := interestMethodNames[m]
	return ok
}

// ParseInterestMethod maps the stored name back to the enum.
func ParseInterestMethod(s string) (InterestMethod, error) {
	for m, name := range interestMethodNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown interest method %q", s)
}

// Value implements driver.Valuer.
func (m InterestMethod) Value() (driver.Value, error) {
	if _, ok := interestMethodNames[m]; !ok {
		return nil, fmt.Errorf("invalid interest method %d", int(m))
	}
	return m.String(), nil
}

// Scan implements sql.Scanner.
func (m *InterestMethod) Scan(value any) error {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("interest method: unsupported scan type %T", value)
	}
	parsed, err := ParseInterestMethod(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MarshalText lets the enum travel as its name in JSON.
func (m InterestMethod) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText parses the JSON name.
func (m *InterestMethod) UnmarshalText(b []byte) error {
	parsed, err := ParseInterestMethod(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// SavingsAccount is owned exclusively by the ledger.
type SavingsAccount struct {
	ID               AccountID       `json:"id" db:"id"`
	MemberID         MemberID        `json:"member_id" db:"member_id"`
	AccountNumber    string          `json:"account_number" db:"account_number"`
	OpeningBalance   decimal.Decimal `json:"opening_balance" db:"opening_balance"`
	Balance          decimal.Decimal `json:"balance" db:"balance"`
	MinimumBalance   decimal.Decimal `json:"minimum_balance" db:"minimum_balance"`
	InterestRate     decimal.Decimal `json:"interest_rate" db:"interest_rate"` // annual percent
	InterestMethod   InterestMethod  `json:"interest_method" db:"interest_method"`
	Status           AccountStatus   `json:"status" db:"status"`
	LastInterestDate *time.Time      `json:"last_interest_date,omitempty" db:"last_interest_date"`
	OpenedAt         time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
	ClosureReason    *string         `json:"closure_reason,omitempty" db:"closure_reason"`
	Version          int             `json:"version" db:"version"`
}

// AccrualSummary reports the outcome of an interest run.
type AccrualSummary struct {
	Processed     int             `json:"processed"`
	Skipped       int             `json:"skipped"`
	Failed        int             `json:"failed"`
	TotalInterest decimal.Decimal `json:"total_interest"`
}

// Reconciliation compares the stored balance with the ledger.
type Reconciliation struct {
	AccountID      AccountID       `json:"account_id"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	LedgerNet      decimal.Decimal `json:"ledger_net"`
	Expected       decimal.Decimal `json:"expected"`
	Stored         decimal.Decimal `json:"stored"`
	Drift          decimal.Decimal `json:"drift"`
}

// Balanced reports whether stored and expected balances agree.
func (r Reconciliation) Balanced() bool {
	return r.Drift.IsZero()
}
