package services

import (
	"context"
	"database/sql"

	"github.com/ruralpay/cooperative/internal/models"
)

// MemberDirectory is the read-only member lookup the core depends on.
type MemberDirectory interface {
	// FindMember returns nil without error when the member does not exist.
	FindMember(ctx context.Context, id models.MemberID) (*models.Member, error)
	IsActiveMember(ctx context.Context, id models.MemberID) (bool, error)
}

// SQLMemberDirectory reads members from the shared database.
type SQLMemberDirectory struct {
	db *sql.DB
}

func NewSQLMemberDirectory(db *sql.DB) *SQLMemberDirectory {
	return &SQLMemberDirectory{db: db}
}

func (d *SQLMemberDirectory) FindMember(ctx context.Context, id models.MemberID) (*models.Member, error) {
	var m models.Member
	err := d.db.QueryRowContext(ctx, `
		SELECT id, member_number, full_name, email, phone_number, bank_account, bank_code, status, joined_at
		FROM members WHERE id = $1`, id,
	).Scan(&m.ID, &m.MemberNumber, &m.FullName, &m.Email, &m.PhoneNumber, &m.BankAccount, &m.BankCode, &m.Status, &m.JoinedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find member", err)
	}
	return &m, nil
}

func (d *SQLMemberDirectory) IsActiveMember(ctx context.Context, id models.MemberID) (bool, error) {
	m, err := d.FindMember(ctx, id)
	if err != nil {
		return false, err
	}
	return m.IsActive(), nil
}
