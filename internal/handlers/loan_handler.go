package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/ruralpay/cooperative/internal/models"
	"github.com/ruralpay/cooperative/internal/services"
)

// Lending is the loan engine surface exposed over HTTP.
type Lending interface {
	CreateLoan(ctx context.Context, req services.CreateLoanRequest, actor models.Actor) (*models.Loan, error)
	SubmitForApproval(ctx context.Context, id models.LoanID, actor models.Actor) (*models.WorkflowApproval, error)
	ApproveLoan(ctx context.Context, id models.LoanID, actor models.Actor) (*models.Loan, error)
	RejectLoan(ctx context.Context, id models.LoanID, reason string, actor models.Actor) (*models.Loan, error)
	DisburseLoan(ctx context.Context, id models.LoanID, actor models.Actor) (*models.Loan, error)
	ProcessPayment(ctx context.Context, id models.LoanID, amount decimal.Decimal, method string, actor models.Actor) (*models.LoanPayment, error)
	CalculatePaymentSchedule(ctx context.Context, id models.LoanID) ([]models.PaymentRow, error)
	DeleteLoan(ctx context.Context, id models.LoanID, actor models.Actor) error
	GetLoan(ctx context.Context, id models.LoanID) (*models.Loan, error)
	ListLoans(ctx context.Context, filter models.LoanFilter) (*models.LoanPage, error)
	Guarantors(ctx context.Context, id models.LoanID) ([]models.LoanGuarantor, error)
	MemberSummary(ctx context.Context, id models.MemberID) (*models.MemberSummary, error)
}

// Settlement renders payment messages for disbursed funds.
type Settlement interface {
	DisbursementInstruction(ctx context.Context, id models.LoanID) (string, error)
}

type LoanHandler struct {
	loans      Lending
	settlement Settlement
}

func NewLoanHandler(loans Lending, settlement Settlement) *LoanHandler {
	return &LoanHandler{loans: loans, settlement: settlement}
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// CreateLoan handles POST /loans.
func (h *LoanHandler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req services.CreateLoanRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	loan, err := h.loans.CreateLoan(r.Context(), req, actor)
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

// ListLoans handles GET /loans?member_id=&status=&page=&page_size=.
func (h *LoanHandler) ListLoans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.LoanFilter{
		Status:   models.LoanStatus(q.Get("status")),
		Page:     queryInt(r, "page", 1),
		PageSize: queryInt(r, "page_size", 0),
	}
	if raw := q.Get("member_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			services.SendErrorResponse(w, "Invalid member_id", http.StatusBadRequest, nil)
			return
		}
		member := models.MemberID(id)
		filter.MemberID = &member
	}
	page, err := h.loans.ListLoans(r.Context(), filter)
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GetLoan handles GET /loans/{loanId}.
func (h *LoanHandler) GetLoan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "loanId")
	if !ok {
		return
	}
	loan, err := h.loans.GetLoan(r.Context(), models.LoanID(id))
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

// DeleteLoan handles DELETE /loans/{loanId}.
func (h *LoanHandler) DeleteLoan(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "loanId")
	if !ok {
		return
	}
	if err := h.loans.DeleteLoan(r.Context(), models.LoanID(id), actor); err != nil {
		services.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Submit handles POST /loans/{loanId}/submit.
func (h *LoanHandler) Submit(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "loanId")
	if !ok {
		return
	}
	wf, err := h.loans.SubmitForApproval(r.Context(), models.LoanID(id), actor)
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

// Approve handles POST /loans/{loanId}/approve.
func (h *LoanHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.loans.ApproveLoan)
}

// Disburse handles POST /loans/{loanId}/disburse.
func (h *LoanHandler) Disburse(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.loans.DisburseLoan)
}

// Reject handles POST /loans/{loanId}/reject.
func (h *LoanHandler) Reject(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "loanId")
	if !ok {
		return
	}
	var req rejectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	loan, err := h.loans.RejectLoan(r.Context(), models.LoanID(id), req.Reason, actor)
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *LoanHandler) transition(w http.ResponseWriter, r *http.Request, apply func(context.Context, models.LoanID, models.Actor) (*models.Loan, error)) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "loanId")
	if !ok {
		return
	}
	loan, err := apply(r.Context(), models.LoanID(id), actor)
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

// Pay handles POST /loans/{loanId}/payments.
func (h *LoanHandler) Pay(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "loanId")
	if !ok {
		return
	}
	var req movementRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	payment, err := h.loans.ProcessPayment(r.Context(), models.LoanID(id), req.Amount, req.Method, actor)
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payment)
}

// Schedule handles GET /loans/{loanId}/schedule.
func (h *LoanHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "loanId")
	if !ok {
		return
	}
	rows, err := h.loans.CalculatePaymentSchedule(r.Context(), models.LoanID(id))
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// Guarantors handles GET /loans/{loanId}/guarantors.
func (h *LoanHandler) Guarantors(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "loanId")
	if !ok {
		return
	}
	guarantors, err := h.loans.Guarantors(r.Context(), models.LoanID(id))
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, guarantors)
}

// Settlement handles GET /loans/{loanId}/settlement and returns pacs.008 XML.
func (h *LoanHandler) Settlement(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "loanId")
	if !ok {
		return
	}
	doc, err := h.settlement.DisbursementInstruction(r.Context(), models.LoanID(id))
	if err != nil {
		services.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(doc))
}

// MemberSummary handles GET /members/{memberId}/loan-summary.
func (h *LoanHandler) MemberSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "memberId")
	if !ok {
		return
	}
	summary, err := h.loans.MemberSummary(r.Context(), models.MemberID(id))
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
