package services

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ruralpay/cooperative/internal/models"
)

var (
	hundred     = decimal.NewFromInt(100)
	twelve      = decimal.NewFromInt(12)
	daysPerYear = decimal.NewFromInt(365)
	quarters    = decimal.NewFromInt(4)
	one         = decimal.NewFromInt(1)
)

// PeriodInterest returns one accrual period's interest on balance at an annual
// percentage rate, rounded to cents.
func PeriodInterest(method models.InterestMethod, balance, annualRatePct decimal.Decimal) (decimal.Decimal, error) {
	rate := annualRatePct.Div(hundred)

	var interest decimal.Decimal
	switch method {
	case models.SimpleInterest:
		interest = balance.Mul(rate).Div(twelve)
	case models.CompoundInterest:
		interest = balance.Mul(one.Add(rate.Div(twelve)).Pow(one).Sub(one))
	case models.DailyInterest:
		interest = balance.Mul(rate).Div(daysPerYear)
	case models.QuarterlyInterest:
		interest = balance.Mul(rate).Div(quarters)
	case models.AnnualInterest:
		interest = balance.Mul(rate)
	default:
		return decimal.Zero, fmt.Errorf("unsupported interest method %v", method)
	}
	return models.RoundMoney(interest), nil
}

// accrualPeriod identifies the period of t for method, e.g. 2026-Q1 for quarterly.
func accrualPeriod(method models.InterestMethod, t time.Time) string {
	t = t.UTC()
	switch method {
	case models.DailyInterest:
		return t.Format("2006-01-02")
	case models.QuarterlyInterest:
		return fmt.Sprintf("%d-Q%d", t.Year(), (int(t.Month())-1)/3+1)
	case models.AnnualInterest:
		return t.Format("2006")
	default:
		return t.Format("2006-01")
	}
}

// AccrualDue reports whether an account last credited at last is owed interest at now.
// Accrual is idempotent within a period.
func AccrualDue(method models.InterestMethod, last *time.Time, now time.Time) bool {
	if last == nil {
		return true
	}
	return accrualPeriod(method, *last) != accrualPeriod(method, now)
}
