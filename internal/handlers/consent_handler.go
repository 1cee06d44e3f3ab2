package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ruralpay/cooperative/internal/models"
	"github.com/ruralpay/cooperative/internal/services"
)

// Consents records guarantor answers to consent links.
type Consents interface {
	RespondToConsent(ctx context.Context, token string, accept bool) (*models.LoanGuarantor, error)
}

// ConsentHandler serves the guarantor-facing consent link. The token is the credential.
type ConsentHandler struct {
	consents Consents
}

func NewConsentHandler(consents Consents) *ConsentHandler {
	return &ConsentHandler{consents: consents}
}

type consentAnswer struct {
	Accept *bool `json:"accept"`
}

// Respond handles POST /consents/{token}.
func (h *ConsentHandler) Respond(w http.ResponseWriter, r *http.Request) {
	var req consentAnswer
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Accept == nil {
		services.SendErrorResponse(w, "accept is required", http.StatusBadRequest, nil)
		return
	}
	g, err := h.consents.RespondToConsent(r.Context(), chi.URLParam(r, "token"), *req.Accept)
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"loan_id":   g.LoanID,
		"status":    g.Status,
		"member_id": g.MemberID,
	})
}
