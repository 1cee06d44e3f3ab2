package services

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ruralpay/cooperative/internal/models"
)

// MonthlyRate converts an annual percentage rate to a monthly fraction.
func MonthlyRate(annualRatePct decimal.Decimal) decimal.Decimal {
	return annualRatePct.Div(hundred).Div(twelve)
}

// MonthlyPayment is the level installment of a fully amortizing loan:
// P·r·(1+r)^n / ((1+r)^n − 1), or P/n when r is zero.
func MonthlyPayment(principal, annualRatePct decimal.Decimal, termMonths int) decimal.Decimal {
	if termMonths <= 0 {
		return decimal.Zero
	}
	n := decimal.NewFromInt(int64(termMonths))
	if annualRatePct.IsZero() {
		return models.RoundMoney(principal.Div(n))
	}

	r := MonthlyRate(annualRatePct)
	growth := one.Add(r).Pow(n)
	payment := principal.Mul(r).Mul(growth).Div(growth.Sub(one))
	return models.RoundMoney(payment)
}

// PaymentSchedule amortizes principal over termMonths with the given installment.
// Interest is rounded each period; the last period absorbs the rounding residue so the
// balance ends at exactly zero. The schedule stops early once the balance is repaid.
func PaymentSchedule(principal, annualRatePct decimal.Decimal, termMonths int, payment decimal.Decimal, start time.Time) []models.PaymentRow {
	rate := MonthlyRate(annualRatePct)
	balance := models.RoundMoney(principal)
	rows := make([]models.PaymentRow, 0, termMonths)

	for period := 1; period <= termMonths && balance.IsPositive(); period++ {
		interest := models.RoundMoney(balance.Mul(rate))
		principalPart := payment.Sub(interest)
		if principalPart.IsNegative() {
			principalPart = decimal.Zero
		}
		if period == termMonths || principalPart.GreaterThanOrEqual(balance) {
			principalPart = balance
		}
		balance = balance.Sub(principalPart)

		rows = append(rows, models.PaymentRow{
			Period:    period,
			DueDate:   start.AddDate(0, period, 0),
			Payment:   principalPart.Add(interest),
			Principal: principalPart,
			Interest:  interest,
			Balance:   balance,
		})
	}
	return rows
}
