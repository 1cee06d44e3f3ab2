package services

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ruralpay/cooperative/internal/audit"
	"github.com/ruralpay/cooperative/internal/models"
)

// CompletionHook runs inside the transaction that moves a workflow to a terminal status.
// Returning an error rolls back the action.
type CompletionHook func(ctx context.Context, tx *sql.Tx, wf *models.WorkflowApproval, actor models.Actor) error

// entityBinding says where the entity behind a reference lives and which column holds its owner.
type entityBinding struct {
	table       string
	ownerColumn string
}

var entityBindings = map[models.EntityKind]entityBinding{
	models.EntityLoan:       {table: "loans", ownerColumn: "member_id"},
	models.EntityMembership: {table: "membership_registrations", ownerColumn: "member_id"},
}

// Roles allowed to time out a workflow.
const (
	RoleAdmin  = "admin"
	RoleSystem = "system"
)

// WorkflowService runs multi-level sequential approvals over loans and membership registrations.
type WorkflowService struct {
	db     *sql.DB
	audit  audit.Sink
	now    func() time.Time
	logger *log.Entry

	mu    sync.RWMutex
	hooks map[models.EntityKind]CompletionHook
}

func NewWorkflowService(db *sql.DB, sink audit.Sink) *WorkflowService {
	if sink == nil {
		sink = audit.Discard{}
	}
	return &WorkflowService{
		db:     db,
		audit:  sink,
		now:    time.Now,
		logger: log.WithField("component", "workflow"),
		hooks:  make(map[models.EntityKind]CompletionHook),
	}
}

// RegisterHook sets the completion hook for an entity kind, replacing any earlier one.
func (s *WorkflowService) RegisterHook(kind models.EntityKind, hook CompletionHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[kind] = hook
}

func (s *WorkflowService) hook(kind models.EntityKind) CompletionHook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hooks[kind]
}

var workflowFields = []string{
	"id", "template_id", "entity_type", "entity_id", "status", "current_level", "total_levels",
	"approver_roles", "requested_by", "created_at", "updated_at", "completed_at", "final_comments",
}

var workflowColumns = strings.Join(workflowFields, ", ")

func aliasedWorkflowColumns(alias string) string {
	cols := make([]string, len(workflowFields))
	for i, f := range workflowFields {
		cols[i] = alias + "." + f
	}
	return strings.Join(cols, ", ")
}

func scanWorkflow(row rowScanner) (*models.WorkflowApproval, error) {
	var wf models.WorkflowApproval
	err := row.Scan(&wf.ID, &wf.TemplateID, &wf.Entity.Kind, &wf.Entity.ID, &wf.Status, &wf.CurrentLevel,
		&wf.TotalLevels, pq.Array(&wf.ApproverRoles), &wf.RequestedBy, &wf.CreatedAt, &wf.UpdatedAt,
		&wf.CompletedAt, &wf.FinalComments)
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

// Template loads a workflow template by name.
func (s *WorkflowService) Template(ctx context.Context, q queryer, name string) (*models.WorkflowTemplate, error) {
	var t models.WorkflowTemplate
	err := q.QueryRowContext(ctx, `
		SELECT id, name, entity_kind, total_levels, approver_roles, active
		FROM workflow_templates WHERE name = $1`, name,
	).Scan(&t.ID, &t.Name, &t.EntityKind, &t.TotalLevels, pq.Array(&t.ApproverRoles), &t.Active)
	if isNoRows(err) {
		return nil, notFound("workflow template", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load template %s", name)
	}
	return &t, nil
}

// Open starts a workflow from the named template for ref.
func (s *WorkflowService) Open(ctx context.Context, templateName string, ref models.EntityRef, actor models.Actor) (*models.WorkflowApproval, error) {
	if err := checkOpen(ref, actor); err != nil {
		return nil, err
	}
	var wf *models.WorkflowApproval
	err := inTx(ctx, s.db, "open workflow", func(tx *sql.Tx) error {
		var err error
		wf, err = s.OpenTx(ctx, tx, templateName, ref, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	return wf, nil
}

func checkOpen(ref models.EntityRef, actor models.Actor) error {
	if err := checkActor(actor); err != nil {
		return err
	}
	if !ref.Kind.Valid() || ref.ID <= 0 {
		return invalid("entity", "unsupported entity reference %s", ref)
	}
	return nil
}

// OpenTx starts a workflow inside the caller's transaction. The template's approver roles
// are copied onto the instance so later template edits do not affect it. At most one
// workflow per entity may be pending.
func (s *WorkflowService) OpenTx(ctx context.Context, tx *sql.Tx, templateName string, ref models.EntityRef, actor models.Actor) (*models.WorkflowApproval, error) {
	if err := checkOpen(ref, actor); err != nil {
		return nil, err
	}

	tmpl, err := s.Template(ctx, tx, templateName)
	if err != nil {
		return nil, err
	}
	if !tmpl.Active {
		return nil, rule(CodeWorkflowState, "workflow template %s is inactive", tmpl.Name)
	}
	if tmpl.EntityKind != ref.Kind {
		return nil, invalid("entity", "template %s approves %s, not %s", tmpl.Name, tmpl.EntityKind, ref.Kind)
	}

	pending, err := s.HasPending(ctx, tx, ref)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, rule(CodeWorkflowPending, "a workflow is already pending for %s", ref)
	}

	now := s.now().UTC()
	wf := &models.WorkflowApproval{
		TemplateID:    tmpl.ID,
		Entity:        ref,
		Status:        models.WorkflowPending,
		CurrentLevel:  1,
		TotalLevels:   tmpl.TotalLevels,
		ApproverRoles: append([]string(nil), tmpl.ApproverRoles...),
		RequestedBy:   actor.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO workflow_approvals (template_id, entity_type, entity_id, status, current_level, total_levels,
			approver_roles, requested_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, $5, $6, $7, $8, $8)
		RETURNING id`,
		wf.TemplateID, wf.Entity.Kind, wf.Entity.ID, wf.Status, wf.TotalLevels, pq.Array(wf.ApproverRoles),
		wf.RequestedBy, now,
	).Scan(&wf.ID)
	if isUniqueViolation(err) {
		return nil, rule(CodeWorkflowPending, "a workflow is already pending for %s", ref)
	}
	if err != nil {
		return nil, errors.Wrap(err, "insert workflow")
	}

	s.record(ctx, "open_workflow", wf, actor, now, map[string]any{
		"template": tmpl.Name,
		"entity":   ref.String(),
		"levels":   wf.TotalLevels,
	})
	return wf, nil
}

// HasPending reports whether ref has a pending workflow.
func (s *WorkflowService) HasPending(ctx context.Context, q queryer, ref models.EntityRef) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM workflow_approvals
			WHERE entity_type = $1 AND entity_id = $2 AND status = 'pending'
		)`, ref.Kind, ref.ID).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "check pending workflow")
	}
	return exists, nil
}

// Approve advances the workflow one level, or approves it at the last level.
func (s *WorkflowService) Approve(ctx context.Context, id models.WorkflowID, comments string, actor models.Actor) (*models.WorkflowApproval, error) {
	return s.act(ctx, id, models.ActionApprove, comments, actor)
}

// Reject ends the workflow as rejected at any level.
func (s *WorkflowService) Reject(ctx context.Context, id models.WorkflowID, comments string, actor models.Actor) (*models.WorkflowApproval, error) {
	return s.act(ctx, id, models.ActionReject, comments, actor)
}

// RequestChanges ends the workflow, sending the entity back to its requester.
func (s *WorkflowService) RequestChanges(ctx context.Context, id models.WorkflowID, comments string, actor models.Actor) (*models.WorkflowApproval, error) {
	return s.act(ctx, id, models.ActionRequestChanges, comments, actor)
}

// Timeout ends a stale workflow. It is an administrative action and never happens on its own.
func (s *WorkflowService) Timeout(ctx context.Context, id models.WorkflowID, comments string, actor models.Actor) (*models.WorkflowApproval, error) {
	return s.act(ctx, id, models.ActionTimeout, comments, actor)
}

func (s *WorkflowService) act(ctx context.Context, id models.WorkflowID, action models.ApprovalAction, comments string, actor models.Actor) (*models.WorkflowApproval, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	comments = strings.TrimSpace(comments)
	now := s.now().UTC()

	var wf *models.WorkflowApproval
	var level int
	err := inTx(ctx, s.db, "workflow "+string(action), func(tx *sql.Tx) error {
		var err error
		wf, err = s.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if wf.Status.IsTerminal() {
			return rule(CodeWorkflowTerminal, "workflow %d is already %s", wf.ID, wf.Status)
		}

		if action == models.ActionTimeout {
			if !actor.HasRole(RoleAdmin) && !actor.HasRole(RoleSystem) {
				return rule(CodeWorkflowRole, "only administrators can time out a workflow")
			}
		} else if role := wf.RequiredRole(); !actor.HasRole(role) {
			return rule(CodeWorkflowRole, "level %d requires the %s role", wf.CurrentLevel, role)
		}

		level = wf.CurrentLevel
		switch action {
		case models.ActionApprove:
			if wf.CurrentLevel < wf.TotalLevels {
				wf.CurrentLevel++
			} else {
				wf.Status = models.WorkflowApproved
			}
		case models.ActionReject:
			wf.Status = models.WorkflowRejected
		case models.ActionRequestChanges:
			wf.Status = models.WorkflowChangesRequested
		case models.ActionTimeout:
			wf.Status = models.WorkflowTimeout
		default:
			return invalid("action", "unknown action %s", action)
		}
		wf.UpdatedAt = now
		if wf.Status.IsTerminal() {
			wf.CompletedAt = &now
			if comments != "" {
				wf.FinalComments = &comments
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO approval_history (workflow_id, level, approver, action, comments, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			wf.ID, level, actor.ID, action, comments, now); err != nil {
			return errors.Wrap(err, "append approval history")
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE workflow_approvals
			SET status = $1, current_level = $2, updated_at = $3, completed_at = $4, final_comments = $5
			WHERE id = $6 AND status = 'pending'`,
			wf.Status, wf.CurrentLevel, now, wf.CompletedAt, wf.FinalComments, wf.ID)
		if err != nil {
			return errors.Wrap(err, "update workflow")
		}
		if err := expectOneRow(res, fmt.Sprintf("workflow %d", wf.ID)); err != nil {
			return err
		}

		if wf.Status.IsTerminal() {
			if hook := s.hook(wf.Entity.Kind); hook != nil {
				if err := hook(ctx, tx, wf, actor); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, "workflow_"+string(action), wf, actor, now, map[string]any{
		"workflow_level": level,
		"status":         wf.Status,
		"entity":         wf.Entity.String(),
		"comments":       comments,
	})
	s.logger.WithFields(log.Fields{
		"workflow_id":    wf.ID,
		"action":         action,
		"workflow_level": level,
		"status":         wf.Status,
	}).Info("workflow action recorded")
	return wf, nil
}

func (s *WorkflowService) lock(ctx context.Context, tx *sql.Tx, id models.WorkflowID) (*models.WorkflowApproval, error) {
	wf, err := scanWorkflow(tx.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflow_approvals WHERE id = $1 FOR UPDATE`, id))
	if isNoRows(err) {
		return nil, notFound("workflow", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "lock workflow %d", id)
	}
	return wf, nil
}

// Get reads a workflow.
func (s *WorkflowService) Get(ctx context.Context, id models.WorkflowID) (*models.WorkflowApproval, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflow_approvals WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, notFound("workflow", id)
	}
	if err != nil {
		return nil, storeErr("get workflow", err)
	}
	return wf, nil
}

// History lists the actions taken on a workflow in order.
func (s *WorkflowService) History(ctx context.Context, id models.WorkflowID) ([]models.ApprovalHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, level, approver, action, COALESCE(comments, ''), created_at
		FROM approval_history
		WHERE workflow_id = $1
		ORDER BY created_at, id`, id)
	if err != nil {
		return nil, storeErr("workflow history", err)
	}
	defer rows.Close()

	entries := []models.ApprovalHistoryEntry{}
	for rows.Next() {
		var e models.ApprovalHistoryEntry
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.Level, &e.Approver, &e.Action, &e.Comments, &e.CreatedAt); err != nil {
			return nil, storeErr("workflow history", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("workflow history", err)
	}
	return entries, nil
}

// Pending lists pending workflows visible to actor under scope. ScopeRequester matches the
// actor as requester, ScopeRequestedBy matches requestedBy, and ScopeOwner matches entities
// owned by the actor's member record.
func (s *WorkflowService) Pending(ctx context.Context, scope models.PendingScope, actor models.Actor, requestedBy string) ([]models.WorkflowApproval, error) {
	switch scope {
	case models.ScopeRequester:
		return s.queryWorkflows(ctx, "pending workflows",
			`SELECT `+workflowColumns+` FROM workflow_approvals
			WHERE status = 'pending' AND requested_by = $1
			ORDER BY created_at`, actor.ID)
	case models.ScopeRequestedBy:
		if strings.TrimSpace(requestedBy) == "" {
			return nil, invalid("requested_by", "is required")
		}
		return s.queryWorkflows(ctx, "pending workflows",
			`SELECT `+workflowColumns+` FROM workflow_approvals
			WHERE status = 'pending' AND requested_by = $1
			ORDER BY created_at`, requestedBy)
	case models.ScopeOwner:
		if actor.MemberID == nil {
			return nil, invalid("actor", "is not linked to a member")
		}
		return s.queryWorkflows(ctx, "pending workflows", ownerPendingQuery(), *actor.MemberID)
	default:
		return nil, invalid("scope", "unknown scope %q", scope)
	}
}

// ownerPendingQuery joins each bound entity table to find workflows on entities owned by $1.
func ownerPendingQuery() string {
	kinds := make([]string, 0, len(entityBindings))
	for kind := range entityBindings {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)

	cols := aliasedWorkflowColumns("w")
	parts := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		b := entityBindings[models.EntityKind(kind)]
		parts = append(parts, fmt.Sprintf(`SELECT %s FROM workflow_approvals w
			JOIN %s e ON e.id = w.entity_id
			WHERE w.entity_type = '%s' AND w.status = 'pending' AND e.%s = $1`,
			cols, b.table, kind, b.ownerColumn))
	}
	return strings.Join(parts, "\nUNION ALL\n") + "\nORDER BY created_at"
}

// AwaitingAction lists pending workflows whose current level the actor may act on.
func (s *WorkflowService) AwaitingAction(ctx context.Context, actor models.Actor) ([]models.WorkflowApproval, error) {
	return s.queryWorkflows(ctx, "awaiting action",
		`SELECT `+workflowColumns+` FROM workflow_approvals
		WHERE status = 'pending'
			AND (COALESCE(approver_roles[current_level], '') = '' OR approver_roles[current_level] = ANY($1))
		ORDER BY created_at`, pq.Array(actor.Roles))
}

// Completed lists workflows that reached a terminal status within window, newest first.
func (s *WorkflowService) Completed(ctx context.Context, window time.Duration) ([]models.CompletedWorkflow, error) {
	if window <= 0 {
		return nil, invalid("window", "must be positive")
	}
	since := s.now().UTC().Add(-window)
	wfs, err := s.queryWorkflows(ctx, "completed workflows",
		`SELECT `+workflowColumns+` FROM workflow_approvals
		WHERE status <> 'pending' AND completed_at >= $1
		ORDER BY completed_at DESC`, since)
	if err != nil {
		return nil, err
	}

	out := make([]models.CompletedWorkflow, 0, len(wfs))
	for _, wf := range wfs {
		c := models.CompletedWorkflow{WorkflowApproval: wf}
		if wf.CompletedAt != nil {
			c.ProcessingDuration = wf.CompletedAt.Sub(wf.CreatedAt)
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *WorkflowService) queryWorkflows(ctx context.Context, op, query string, args ...any) ([]models.WorkflowApproval, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	out := []models.WorkflowApproval{}
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, *wf)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}

func (s *WorkflowService) record(ctx context.Context, action string, wf *models.WorkflowApproval, actor models.Actor, at time.Time, details map[string]any) {
	s.audit.Record(ctx, audit.Event{
		Timestamp: at,
		Action:    action,
		Entity:    "workflow",
		EntityID:  wf.ID.String(),
		Actor:     actor.ID,
		Details:   details,
	})
}
