package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/ruralpay/cooperative/internal/models"
	"github.com/ruralpay/cooperative/internal/services"
)

// Approvals is the approval workflow surface exposed over HTTP.
type Approvals interface {
	Open(ctx context.Context, templateName string, ref models.EntityRef, actor models.Actor) (*models.WorkflowApproval, error)
	Approve(ctx context.Context, id models.WorkflowID, comments string, actor models.Actor) (*models.WorkflowApproval, error)
	Reject(ctx context.Context, id models.WorkflowID, comments string, actor models.Actor) (*models.WorkflowApproval, error)
	RequestChanges(ctx context.Context, id models.WorkflowID, comments string, actor models.Actor) (*models.WorkflowApproval, error)
	Timeout(ctx context.Context, id models.WorkflowID, comments string, actor models.Actor) (*models.WorkflowApproval, error)
	Get(ctx context.Context, id models.WorkflowID) (*models.WorkflowApproval, error)
	History(ctx context.Context, id models.WorkflowID) ([]models.ApprovalHistoryEntry, error)
	Pending(ctx context.Context, scope models.PendingScope, actor models.Actor, requestedBy string) ([]models.WorkflowApproval, error)
	AwaitingAction(ctx context.Context, actor models.Actor) ([]models.WorkflowApproval, error)
	Completed(ctx context.Context, window time.Duration) ([]models.CompletedWorkflow, error)
}

type WorkflowHandler struct {
	workflows Approvals
}

func NewWorkflowHandler(workflows Approvals) *WorkflowHandler {
	return &WorkflowHandler{workflows: workflows}
}

type openWorkflowRequest struct {
	Template string           `json:"template"`
	Entity   models.EntityRef `json:"entity"`
}

type decisionRequest struct {
	Comments string `json:"comments"`
}

// Open handles POST /workflows.
func (h *WorkflowHandler) Open(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req openWorkflowRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	wf, err := h.workflows.Open(r.Context(), req.Template, req.Entity, actor)
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (h *WorkflowHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.workflows.Approve)
}

func (h *WorkflowHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.workflows.Reject)
}

func (h *WorkflowHandler) RequestChanges(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.workflows.RequestChanges)
}

func (h *WorkflowHandler) Timeout(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.workflows.Timeout)
}

// decide applies an approver action. The body with comments is optional.
func (h *WorkflowHandler) decide(w http.ResponseWriter, r *http.Request, apply func(context.Context, models.WorkflowID, string, models.Actor) (*models.WorkflowApproval, error)) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "workflowId")
	if !ok {
		return
	}
	var req decisionRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	wf, err := apply(r.Context(), models.WorkflowID(id), req.Comments, actor)
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// Get handles GET /workflows/{workflowId}.
func (h *WorkflowHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "workflowId")
	if !ok {
		return
	}
	wf, err := h.workflows.Get(r.Context(), models.WorkflowID(id))
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// History handles GET /workflows/{workflowId}/history.
func (h *WorkflowHandler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "workflowId")
	if !ok {
		return
	}
	entries, err := h.workflows.History(r.Context(), models.WorkflowID(id))
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Pending handles GET /workflows/pending?scope=requester|owner|requested_by&requested_by=.
func (h *WorkflowHandler) Pending(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	scope := models.PendingScope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = models.ScopeRequester
	}
	list, err := h.workflows.Pending(r.Context(), scope, actor, r.URL.Query().Get("requested_by"))
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// AwaitingAction handles GET /workflows/awaiting.
func (h *WorkflowHandler) AwaitingAction(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	list, err := h.workflows.AwaitingAction(r.Context(), actor)
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Completed handles GET /workflows/completed?window=72h. The window defaults to 30 days.
func (h *WorkflowHandler) Completed(w http.ResponseWriter, r *http.Request) {
	window := 30 * 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			services.SendErrorResponse(w, "Invalid window", http.StatusBadRequest, nil)
			return
		}
		window = d
	}
	list, err := h.workflows.Completed(r.Context(), window)
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
