package models

import (
	"fmt"
	"time"
)

// WorkflowStatus is the state of an approval workflow instance.
type WorkflowStatus string

const (
	WorkflowPending          WorkflowStatus = "pending"
	WorkflowApproved         WorkflowStatus = "approved"
	WorkflowRejected         WorkflowStatus = "rejected"
	WorkflowTimeout          WorkflowStatus = "timeout"
	WorkflowChangesRequested WorkflowStatus = "changes_requested"
)

// IsTerminal reports whether the workflow has left pending.
func (s WorkflowStatus) IsTerminal() bool {
	return s != WorkflowPending
}

// ApprovalAction is what an approver did at a level.
type ApprovalAction string

const (
	ActionApprove        ApprovalAction = "approve"
	ActionReject         ApprovalAction = "reject"
	ActionRequestChanges ApprovalAction = "request_changes"
	ActionTimeout        ApprovalAction = "timeout"
)

// EntityKind is the closed set of entities a workflow can be bound to.
type EntityKind string

const (
	EntityLoan       EntityKind = "loan"
	EntityMembership EntityKind = "membership"
)

// Valid reports whether k is a supported entity kind.
func (k EntityKind) Valid() bool {
	return k == EntityLoan || k == EntityMembership
}

// EntityRef points a workflow at the entity it decides on.
type EntityRef struct {
	Kind EntityKind `json:"entity_type"`
	ID   int64      `json:"entity_id"`
}

// LoanRef references a loan.
func LoanRef(id LoanID) EntityRef {
	return EntityRef{Kind: EntityLoan, ID: int64(id)}
}

// MembershipRef references a membership registration.
func MembershipRef(id RegistrationID) EntityRef {
	return EntityRef{Kind: EntityMembership, ID: int64(id)}
}

// LoanID returns the loan id when the reference is a loan.
func (r EntityRef) LoanID() (LoanID, bool) {
	return LoanID(r.ID), r.Kind == EntityLoan
}

// RegistrationID returns the registration id when the reference is a membership registration.
func (r EntityRef) RegistrationID() (RegistrationID, bool) {
	return RegistrationID(r.ID), r.Kind == EntityMembership
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

// WorkflowTemplate describes the levels of an approval process.
type WorkflowTemplate struct {
	ID            TemplateID `json:"id" db:"id"`
	Name          string     `json:"name" db:"name"`
	EntityKind    EntityKind `json:"entity_kind" db:"entity_kind"`
	TotalLevels   int        `json:"total_levels" db:"total_levels"`
	ApproverRoles []string   `json:"approver_roles" db:"approver_roles"`
	Active        bool       `json:"active" db:"active"`
}

// WorkflowApproval is one run of a template against an entity.
type WorkflowApproval struct {
	ID            WorkflowID     `json:"id" db:"id"`
	TemplateID    TemplateID     `json:"template_id" db:"template_id"`
	Entity        EntityRef      `json:"entity"`
	Status        WorkflowStatus `json:"status" db:"status"`
	CurrentLevel  int            `json:"current_level" db:"current_level"`
	TotalLevels   int            `json:"total_levels" db:"total_levels"`
	ApproverRoles []string       `json:"approver_roles" db:"approver_roles"`
	RequestedBy   string         `json:"requested_by" db:"requested_by"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	FinalComments *string        `json:"final_comments,omitempty" db:"final_comments"`
}

// RequiredRole is the role needed to act at the current level. Empty means any approver.
func (w *WorkflowApproval) RequiredRole() string {
	idx := w.CurrentLevel - 1
	if idx < 0 || idx >= len(w.ApproverRoles) {
		return ""
	}
	return w.ApproverRoles[idx]
}

// ApprovalHistoryEntry records one action taken on a workflow.
type ApprovalHistoryEntry struct {
	ID         int64          `json:"id" db:"id"`
	WorkflowID WorkflowID     `json:"workflow_id" db:"workflow_id"`
	Level      int            `json:"level" db:"level"`
	Approver   string         `json:"approver" db:"approver"`
	Action     ApprovalAction `json:"action" db:"action"`
	Comments   string         `json:"comments,omitempty" db:"comments"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

// CompletedWorkflow is a terminal workflow annotated with how long it took.
type CompletedWorkflow struct {
	WorkflowApproval
	ProcessingDuration time.Duration `json:"processing_duration"`
}

// PendingScope selects whose pending workflows to list.
type PendingScope string

const (
	ScopeRequester   PendingScope = "requester"
	ScopeOwner       PendingScope = "owner"
	ScopeRequestedBy PendingScope = "requested_by"
)

// RegistrationStatus values for membership registrations decided by workflow.
const (
	RegistrationPending          = "pending"
	RegistrationApproved         = "approved"
	RegistrationRejected         = "rejected"
	RegistrationChangesRequested = "changes_requested"
)
