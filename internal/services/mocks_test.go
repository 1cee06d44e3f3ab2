package services

import (
	"context"
	"database/sql/driver"
	"sync"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"github.com/ruralpay/cooperative/internal/audit"
	"github.com/ruralpay/cooperative/internal/models"
)

var fixedNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

var teller = models.Actor{ID: "teller-1", Roles: []string{"teller"}}

// moneyArg matches a decimal query argument by value, ignoring trailing zeros.
type moneyArg string

func (m moneyArg) Match(v driver.Value) bool {
	want := decimal.RequireFromString(string(m))
	var raw string
	switch x := v.(type) {
	case string:
		raw = x
	case []byte:
		raw = string(x)
	default:
		return false
	}
	got, err := decimal.NewFromString(raw)
	return err == nil && got.Equal(want)
}

func money(s string) sqlmock.Argument { return moneyArg(s) }

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingSink) Record(_ context.Context, e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Action)
	}
	return out
}

type MockMemberDirectory struct {
	mock.Mock
}

func (m *MockMemberDirectory) FindMember(ctx context.Context, id models.MemberID) (*models.Member, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Member), args.Error(1)
}

func (m *MockMemberDirectory) IsActiveMember(ctx context.Context, id models.MemberID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, exchange, routingKey string, body any) error {
	args := m.Called(ctx, exchange, routingKey, body)
	return args.Error(0)
}

func (m *MockPublisher) Close() {
	m.Called()
}

type MockConsentRequester struct {
	mock.Mock
}

func (m *MockConsentRequester) RequestConsent(ctx context.Context, req ConsentRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func activeMember(id models.MemberID) *models.Member {
	return &models.Member{
		ID:           id,
		MemberNumber: "M-" + id.String(),
		FullName:     "Member " + id.String(),
		Email:        "member" + id.String() + "@coop.test",
		Status:       models.MemberStatusActive,
	}
}

var accountCols = []string{
	"id", "member_id", "account_number", "opening_balance", "balance", "minimum_balance",
	"interest_rate", "interest_method", "status", "last_interest_date", "opened_at", "closed_at",
	"closure_reason", "version",
}

type accountFixture struct {
	id           int64
	opening      string
	balance      string
	minimum      string
	rate         string
	method       string
	status       models.AccountStatus
	lastInterest any
}

func account(id int64, balance string) accountFixture {
	return accountFixture{
		id:      id,
		opening: "0.00",
		balance: balance,
		minimum: "0.00",
		rate:    "0",
		method:  "simple",
		status:  models.AccountActive,
	}
}

func (f accountFixture) rows() *sqlmock.Rows {
	return sqlmock.NewRows(accountCols).AddRow(
		f.id, 100+f.id, "SAV-"+models.AccountID(f.id).String(), f.opening, f.balance, f.minimum,
		f.rate, f.method, string(f.status), f.lastInterest, fixedNow.AddDate(-1, 0, 0), nil, nil, 1,
	)
}

const (
	lockAccountSQL   = `SELECT (.+) FROM savings_accounts WHERE id = \$1 FOR UPDATE`
	insertEntrySQL   = `INSERT INTO savings_transactions`
	updateBalanceSQL = `UPDATE savings_accounts SET balance = \$1, version = version \+ 1 WHERE id = \$2 AND version = \$3`
)

func entryID(id int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id"}).AddRow(id)
}
