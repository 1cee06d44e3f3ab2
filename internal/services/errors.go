package services

import (
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// ValidationError reports malformed input. NotFound marks unknown ids.
type ValidationError struct {
	Field    string
	Message  string
	NotFound bool
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// BusinessError reports a violated business rule.
type BusinessError struct {
	Code    string
	Message string
}

func (e *BusinessError) Error() string {
	return e.Message
}

// StoreError wraps a persistence or connectivity failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Business error codes.
const (
	CodeAccountState        = "account_state"
	CodeInsufficientBalance = "insufficient_balance"
	CodeMinimumBalance      = "minimum_balance"
	CodeSameAccount         = "same_account"
	CodeLoanState           = "loan_state"
	CodeDuplicateReference  = "duplicate_reference"
	CodeMaxActiveLoans      = "max_active_loans"
	CodeExposureLimit       = "exposure_limit"
	CodeGuarantorIneligible = "guarantor_ineligible"
	CodeGuaranteeCoverage   = "guarantee_coverage"
	CodeInactiveMember      = "inactive_member"
	CodeWorkflowState       = "workflow_state"
	CodeWorkflowTerminal    = "workflow_terminal"
	CodeWorkflowPending     = "workflow_pending"
	CodeWorkflowRole        = "workflow_role"
	CodeConsentExpired      = "consent_expired"
	CodeDuplicateRequest    = "duplicate_request"
)

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func notFound(entity string, id any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf("%s %v not found", entity, id), NotFound: true}
}

func rule(code, format string, args ...any) *BusinessError {
	return &BusinessError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// storeErr wraps err as a StoreError unless it already belongs to one of the error families.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ve *ValidationError
	var be *BusinessError
	var se *StoreError
	if errors.As(err, &ve) || errors.As(err, &be) || errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: errors.WithStack(err)}
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
