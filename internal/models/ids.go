package models

import "strconv"

// Typed identifiers keep account, loan and workflow ids from being swapped at call sites.
type (
	AccountID      int64
	TransactionID  int64
	LoanID         int64
	GuarantorID    int64
	MemberID       int64
	WorkflowID     int64
	TemplateID     int64
	RegistrationID int64
)

func (id AccountID) String() string      { return strconv.FormatInt(int64(id), 10) }
func (id LoanID) String() string         { return strconv.FormatInt(int64(id), 10) }
func (id MemberID) String() string       { return strconv.FormatInt(int64(id), 10) }
func (id WorkflowID) String() string     { return strconv.FormatInt(int64(id), 10) }
func (id RegistrationID) String() string { return strconv.FormatInt(int64(id), 10) }
