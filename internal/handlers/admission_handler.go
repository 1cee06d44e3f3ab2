package handlers

import (
	"context"
	"net/http"

	"github.com/ruralpay/cooperative/internal/models"
	"github.com/ruralpay/cooperative/internal/services"
)

// Admissions submits membership registrations for approval.
type Admissions interface {
	SubmitRegistration(ctx context.Context, req services.RegistrationRequest, actor models.Actor) (*models.MembershipRegistration, *models.WorkflowApproval, error)
}

type AdmissionHandler struct {
	admissions Admissions
}

func NewAdmissionHandler(admissions Admissions) *AdmissionHandler {
	return &AdmissionHandler{admissions: admissions}
}

// Submit handles POST /registrations.
func (h *AdmissionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req services.RegistrationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	reg, wf, err := h.admissions.SubmitRegistration(r.Context(), req, actor)
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"registration": reg,
		"workflow":     wf,
	})
}
