package services

import (
	"github.com/shopspring/decimal"

	"github.com/ruralpay/cooperative/internal/models"
)

// LoanPolicy holds the lending limits applied to every application. It has no state.
type LoanPolicy struct {
	MinAmount                  decimal.Decimal
	MaxAmount                  decimal.Decimal
	MinTermMonths              int
	MaxTermMonths              int
	MinRate                    decimal.Decimal
	MaxRate                    decimal.Decimal
	MaxActiveLoans             int
	MaxAggregateOutstanding    decimal.Decimal
	MaxGuarantorExposure       decimal.Decimal
	GuarantorSavingsMultiplier decimal.Decimal
}

// DefaultLoanPolicy returns the cooperative's standard limits.
func DefaultLoanPolicy() LoanPolicy {
	return LoanPolicy{
		MinAmount:                  decimal.NewFromInt(100),
		MaxAmount:                  decimal.NewFromInt(50_000_000),
		MinTermMonths:              1,
		MaxTermMonths:              360,
		MinRate:                    decimal.RequireFromString("0.1"),
		MaxRate:                    decimal.NewFromInt(50),
		MaxActiveLoans:             5,
		MaxAggregateOutstanding:    decimal.NewFromInt(25_000_000),
		MaxGuarantorExposure:       decimal.NewFromInt(5_000_000),
		GuarantorSavingsMultiplier: decimal.NewFromInt(3),
	}
}

// CheckTerms validates amount, annual rate (percent) and term against the policy bounds.
func (p LoanPolicy) CheckTerms(amount, ratePct decimal.Decimal, termMonths int) error {
	if amount.LessThan(p.MinAmount) || amount.GreaterThan(p.MaxAmount) {
		return invalid("amount", "must be between %s and %s", p.MinAmount.StringFixed(2), p.MaxAmount.StringFixed(2))
	}
	if termMonths < p.MinTermMonths || termMonths > p.MaxTermMonths {
		return invalid("term_months", "must be between %d and %d", p.MinTermMonths, p.MaxTermMonths)
	}
	if ratePct.LessThan(p.MinRate) || ratePct.GreaterThan(p.MaxRate) {
		return invalid("interest_rate", "must be between %s%% and %s%%", p.MinRate.String(), p.MaxRate.String())
	}
	return nil
}

// CheckActiveLoans enforces the cap on concurrently approved or active loans.
func (p LoanPolicy) CheckActiveLoans(activeCount int) error {
	if activeCount >= p.MaxActiveLoans {
		return rule(CodeMaxActiveLoans, "member already has %d active loans (maximum %d)", activeCount, p.MaxActiveLoans)
	}
	return nil
}

// CheckAggregateExposure enforces the cap on a member's total outstanding principal.
func (p LoanPolicy) CheckAggregateExposure(outstanding, amount decimal.Decimal) error {
	if outstanding.Add(amount).GreaterThan(p.MaxAggregateOutstanding) {
		return rule(CodeExposureLimit, "outstanding loans of %s plus %s exceed the limit of %s",
			outstanding.StringFixed(2), amount.StringFixed(2), p.MaxAggregateOutstanding.StringFixed(2))
	}
	return nil
}

// GuarantorCapacity is the most a member may guarantee in total.
func (p LoanPolicy) GuarantorCapacity(savings decimal.Decimal) decimal.Decimal {
	bySavings := savings.Mul(p.GuarantorSavingsMultiplier)
	if bySavings.LessThan(p.MaxGuarantorExposure) {
		return models.RoundMoney(bySavings)
	}
	return p.MaxGuarantorExposure
}

// GuarantorStanding is what the eligibility check needs to know about a guarantor.
type GuarantorStanding struct {
	Member   *models.Member
	Exposure decimal.Decimal
	Savings  decimal.Decimal
}

// CheckGuarantor decides whether a member may guarantee amount on a loan to borrower.
func (p LoanPolicy) CheckGuarantor(borrower models.MemberID, standing GuarantorStanding, amount decimal.Decimal) error {
	m := standing.Member
	if m == nil {
		return notFound("guarantor", "")
	}
	if m.ID == borrower {
		return rule(CodeGuarantorIneligible, "borrower cannot guarantee their own loan")
	}
	if !m.IsActive() {
		return rule(CodeGuarantorIneligible, "guarantor %s is not an active member", m.MemberNumber)
	}
	if !amount.IsPositive() {
		return invalid("guarantee_amount", "must be greater than zero")
	}
	capacity := p.GuarantorCapacity(standing.Savings)
	if standing.Exposure.Add(amount).GreaterThan(capacity) {
		return rule(CodeGuarantorIneligible, "guarantor %s exposure %s plus %s exceeds capacity %s",
			m.MemberNumber, standing.Exposure.StringFixed(2), amount.StringFixed(2), capacity.StringFixed(2))
	}
	return nil
}

// CheckCoverage ensures the guarantees on a loan never exceed its principal.
func (p LoanPolicy) CheckCoverage(total, principal decimal.Decimal) error {
	if total.GreaterThan(principal) {
		return rule(CodeGuaranteeCoverage, "guarantees of %s exceed principal %s", total.StringFixed(2), principal.StringFixed(2))
	}
	return nil
}
