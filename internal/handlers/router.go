package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	mW "github.com/ruralpay/cooperative/internal/middleware"
)

// Routes bundles the handlers mounted under /api/v1.
type Routes struct {
	Auth       *AuthHandler
	Accounts   *AccountHandler
	Loans      *LoanHandler
	Workflows  *WorkflowHandler
	Consents   *ConsentHandler
	Admissions *AdmissionHandler
	QR         *QRHandler
	Banks      *BankHandler
}

// NewRouter wires the API. Everything except health, login and consent links requires a bearer token.
func NewRouter(rt Routes, auth *mW.Authenticator) http.Handler {
	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", rt.Auth.Login)
		r.Post("/consents/{token}", rt.Consents.Respond)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware)

			r.Post("/auth/logout", rt.Auth.Logout)

			r.Post("/accounts", rt.Accounts.OpenAccount)
			r.Get("/accounts/{accountId}", rt.Accounts.GetAccount)
			r.Post("/accounts/{accountId}/deposits", rt.Accounts.Deposit)
			r.Post("/accounts/{accountId}/withdrawals", rt.Accounts.Withdraw)
			r.Post("/accounts/{accountId}/close", rt.Accounts.CloseAccount)
			r.Get("/accounts/{accountId}/transactions", rt.Accounts.ListTransactions)
			r.Get("/accounts/{accountId}/reconciliation", rt.Accounts.Reconcile)
			r.Post("/transfers", rt.Accounts.Transfer)
			r.Post("/interest/accruals", rt.Accounts.AccrueInterest)

			r.Get("/loans", rt.Loans.ListLoans)
			r.Post("/loans", rt.Loans.CreateLoan)
			r.Get("/loans/{loanId}", rt.Loans.GetLoan)
			r.Delete("/loans/{loanId}", rt.Loans.DeleteLoan)
			r.Post("/loans/{loanId}/submit", rt.Loans.Submit)
			r.Post("/loans/{loanId}/approve", rt.Loans.Approve)
			r.Post("/loans/{loanId}/reject", rt.Loans.Reject)
			r.Post("/loans/{loanId}/disburse", rt.Loans.Disburse)
			r.Post("/loans/{loanId}/payments", rt.Loans.Pay)
			r.Get("/loans/{loanId}/schedule", rt.Loans.Schedule)
			r.Get("/loans/{loanId}/guarantors", rt.Loans.Guarantors)
			r.Get("/loans/{loanId}/settlement", rt.Loans.Settlement)
			r.Get("/members/{memberId}/loan-summary", rt.Loans.MemberSummary)

			r.Post("/workflows", rt.Workflows.Open)
			r.Get("/workflows/pending", rt.Workflows.Pending)
			r.Get("/workflows/awaiting", rt.Workflows.AwaitingAction)
			r.Get("/workflows/completed", rt.Workflows.Completed)
			r.Get("/workflows/{workflowId}", rt.Workflows.Get)
			r.Get("/workflows/{workflowId}/history", rt.Workflows.History)
			r.Post("/workflows/{workflowId}/approve", rt.Workflows.Approve)
			r.Post("/workflows/{workflowId}/reject", rt.Workflows.Reject)
			r.Post("/workflows/{workflowId}/request-changes", rt.Workflows.RequestChanges)
			r.Post("/workflows/{workflowId}/timeout", rt.Workflows.Timeout)

			r.Post("/registrations", rt.Admissions.Submit)
			r.Post("/qr", rt.QR.GenerateQR)
			r.Get("/banks", rt.Banks.ListBanks)
		})
	})

	return r
}
