package models

import "time"

// MemberStatus values as maintained by the member directory.
const (
	MemberStatusActive    = "active"
	MemberStatusSuspended = "suspended"
	MemberStatusExited    = "exited"
)

// Member is the read-only view of a cooperative member consumed by the core.
type Member struct {
	ID           MemberID  `json:"id" db:"id"`
	MemberNumber string    `json:"member_number" db:"member_number"`
	FullName     string    `json:"full_name" db:"full_name"`
	Email        string    `json:"email" db:"email"`
	PhoneNumber  string    `json:"phone_number" db:"phone_number"`
	BankAccount  string    `json:"bank_account" db:"bank_account"`
	BankCode     string    `json:"bank_code" db:"bank_code"`
	Status       string    `json:"status" db:"status"`
	JoinedAt     time.Time `json:"joined_at" db:"joined_at"`
}

// IsActive reports whether the member may borrow, guarantee or transact.
func (m *Member) IsActive() bool {
	return m != nil && m.Status == MemberStatusActive
}

// PreferredContact returns the address consent requests are delivered to.
func (m *Member) PreferredContact() string {
	if m.Email != "" {
		return m.Email
	}
	return m.PhoneNumber
}

// Actor identifies who performs a mutating operation. It is always passed explicitly.
type Actor struct {
	ID       string    `json:"id"`
	MemberID *MemberID `json:"member_id,omitempty"`
	Roles    []string  `json:"roles"`
}

// HasRole reports whether the actor holds role. An empty role is held by everyone.
func (a Actor) HasRole(role string) bool {
	if role == "" {
		return true
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// System is the actor used by scheduled jobs.
var System = Actor{ID: "system", Roles: []string{"system"}}

// MembershipRegistration is an application to join, decided by an approval workflow.
type MembershipRegistration struct {
	ID        RegistrationID `json:"id" db:"id"`
	MemberID  *MemberID      `json:"member_id,omitempty" db:"member_id"`
	FullName  string         `json:"full_name" db:"full_name"`
	Status    string         `json:"status" db:"status"`
	DecidedBy *string        `json:"decided_by,omitempty" db:"decided_by"`
	DecidedAt *time.Time     `json:"decided_at,omitempty" db:"decided_at"`
	Notes     *string        `json:"notes,omitempty" db:"notes"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}
