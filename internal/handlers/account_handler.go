package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ruralpay/cooperative/internal/models"
	"github.com/ruralpay/cooperative/internal/services"
)

// Ledger is the account ledger surface exposed over HTTP.
type Ledger interface {
	OpenAccount(ctx context.Context, req services.OpenAccountRequest, actor models.Actor) (*models.SavingsAccount, error)
	GetAccount(ctx context.Context, id models.AccountID) (*models.SavingsAccount, error)
	Deposit(ctx context.Context, id models.AccountID, amount decimal.Decimal, method string, actor models.Actor) (*models.SavingsTransaction, error)
	Withdraw(ctx context.Context, id models.AccountID, amount decimal.Decimal, method string, actor models.Actor) (*models.WithdrawalResult, error)
	Transfer(ctx context.Context, fromID, toID models.AccountID, amount decimal.Decimal, actor models.Actor) (*models.TransferResult, error)
	AccrueInterest(ctx context.Context, id *models.AccountID, actor models.Actor) (*models.AccrualSummary, error)
	CloseAccount(ctx context.Context, id models.AccountID, reason string, actor models.Actor) (*models.SavingsAccount, error)
	ListTransactions(ctx context.Context, id models.AccountID, filter models.TransactionFilter) (*models.TransactionPage, error)
	Reconcile(ctx context.Context, id models.AccountID) (*models.Reconciliation, error)
}

type AccountHandler struct {
	ledger Ledger
}

func NewAccountHandler(ledger Ledger) *AccountHandler {
	return &AccountHandler{ledger: ledger}
}

type movementRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Method string          `json:"method"`
}

type transferRequest struct {
	FromAccountID models.AccountID `json:"from_account_id"`
	ToAccountID   models.AccountID `json:"to_account_id"`
	Amount        decimal.Decimal  `json:"amount"`
}

type closeRequest struct {
	Reason string `json:"reason"`
}

type accrualRequest struct {
	AccountID *models.AccountID `json:"account_id,omitempty"`
}

// OpenAccount handles POST /accounts.
func (h *AccountHandler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req services.OpenAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	account, err := h.ledger.OpenAccount(r.Context(), req, actor)
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

// GetAccount handles GET /accounts/{accountId}.
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "accountId")
	if !ok {
		return
	}
	account, err := h.ledger.GetAccount(r.Context(), models.AccountID(id))
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// Deposit handles POST /accounts/{accountId}/deposits.
func (h *AccountHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "accountId")
	if !ok {
		return
	}
	var req movementRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tx, err := h.ledger.Deposit(r.Context(), models.AccountID(id), req.Amount, req.Method, actor)
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// Withdraw handles POST /accounts/{accountId}/withdrawals.
func (h *AccountHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "accountId")
	if !ok {
		return
	}
	var req movementRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := h.ledger.Withdraw(r.Context(), models.AccountID(id), req.Amount, req.Method, actor)
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// Transfer handles POST /transfers.
func (h *AccountHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := h.ledger.Transfer(r.Context(), req.FromAccountID, req.ToAccountID, req.Amount, actor)
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// CloseAccount handles POST /accounts/{accountId}/close.
func (h *AccountHandler) CloseAccount(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "accountId")
	if !ok {
		return
	}
	var req closeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	account, err := h.ledger.CloseAccount(r.Context(), models.AccountID(id), req.Reason, actor)
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// ListTransactions handles GET /accounts/{accountId}/transactions.
// Optional query parameters: type, from, to (RFC 3339), page, page_size.
func (h *AccountHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "accountId")
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := models.TransactionFilter{
		Type:     models.TransactionType(q.Get("type")),
		Page:     queryInt(r, "page", 1),
		PageSize: queryInt(r, "page_size", 0),
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			services.SendErrorResponse(w, "Invalid "+name+" date", http.StatusBadRequest, nil)
			return
		}
		*dst = &t
	}

	page, err := h.ledger.ListTransactions(r.Context(), models.AccountID(id), filter)
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Reconcile handles GET /accounts/{accountId}/reconciliation.
func (h *AccountHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "accountId")
	if !ok {
		return
	}
	rec, err := h.ledger.Reconcile(r.Context(), models.AccountID(id))
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// AccrueInterest handles POST /interest/accruals. An empty body accrues every due account.
func (h *AccountHandler) AccrueInterest(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req accrualRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	summary, err := h.ledger.AccrueInterest(r.Context(), req.AccountID, actor)
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
