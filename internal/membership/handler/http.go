// Package handler serves the membership and role routes of the HTTP API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"civic-platform/backend/internal/audit"
	auditdomain "civic-platform/backend/internal/audit/domain"
	"civic-platform/backend/internal/capability"
	"civic-platform/backend/internal/membership/domain"
	"civic-platform/backend/internal/membership/repository"
	orgdomain "civic-platform/backend/internal/organization/domain"
	"civic-platform/backend/internal/platform/httpjson"
	"civic-platform/backend/internal/platform/rbac"
)

// Audit actions written by this package.
const (
	ActionInvite     = "membership.invite"
	ActionApprove    = "membership.approve"
	ActionRemove     = "membership.remove"
	ActionAssignRole = "membership.assign_role"
	ActionCreateRole = "role.create"
)

// OrganizationGetter loads the organization a membership belongs to.
type OrganizationGetter interface {
	GetOrganizationByID(ctx context.Context, id string) (*orgdomain.Org, error)
}

// Handler serves /v1/organizations/{organizationId}/members and /roles.
type Handler struct {
	repo        repository.Repository
	orgs        OrganizationGetter
	gate        *rbac.Gate
	auditLogger audit.AuditLogger
	now         func() time.Time
}

// NewHandler returns a membership Handler. auditLogger may be nil.
func NewHandler(repo repository.Repository, orgs OrganizationGetter, gate *rbac.Gate, auditLogger audit.AuditLogger) *Handler {
	return &Handler{
		repo:        repo,
		orgs:        orgs,
		gate:        gate,
		auditLogger: auditLogger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// AddHandlers mounts the membership and role routes on r.
func (h *Handler) AddHandlers(r *mux.Router) {
	const members = "/v1/organizations/{organizationId}/members"
	const roles = "/v1/organizations/{organizationId}/roles"

	r.Handle(members, h.gate.RequireMembership(true)(http.HandlerFunc(h.listMembers))).Methods(http.MethodGet)
	r.Handle(members, h.gate.RequireCapability(capability.InviteMembers)(http.HandlerFunc(h.invite))).Methods(http.MethodPost)
	r.Handle(members+"/{userId}/approve", h.gate.RequireCapability(capability.ApproveMembers)(http.HandlerFunc(h.approve))).Methods(http.MethodPost)
	r.Handle(members+"/{userId}", h.gate.RequireCapability(capability.RemoveMembers)(http.HandlerFunc(h.remove))).Methods(http.MethodDelete)
	r.Handle(members+"/{userId}/role", h.gate.RequireCapability(capability.AssignRoles)(http.HandlerFunc(h.assignRole))).Methods(http.MethodPut)

	r.Handle(roles, h.gate.RequireMembership(true)(http.HandlerFunc(h.listRoles))).Methods(http.MethodGet)
	r.Handle(roles, h.gate.RequireCapability(capability.ManageRoles)(http.HandlerFunc(h.createRole))).Methods(http.MethodPost)
}

// Member is the JSON representation of a membership.
type Member struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Status    string    `json:"status"`
	RoleID    string    `json:"roleId,omitempty"`
	RoleName  string    `json:"roleName,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Role is the JSON representation of a role.
type Role struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Capabilities capability.Set `json:"capabilities"`
	CreatedAt    time.Time      `json:"createdAt"`
}

type memberList struct {
	Members []Member `json:"members"`
}

type roleList struct {
	Roles []Role `json:"roles"`
}

type inviteRequest struct {
	OrganizationID string `json:"organizationId,omitempty"`
	UserID         string `json:"userId"`
	RoleID         string `json:"roleId,omitempty"`
}

type assignRoleRequest struct {
	OrganizationID string `json:"organizationId,omitempty"`
	RoleID         string `json:"roleId"`
}

type createRoleRequest struct {
	OrganizationID string   `json:"organizationId,omitempty"`
	Name           string   `json:"name"`
	Capabilities   []string `json:"capabilities"`
}

func toMember(m *domain.Membership, roleName string) Member {
	return Member{
		ID:        m.ID,
		UserID:    m.UserID,
		Status:    string(m.Status),
		RoleID:    m.RoleID,
		RoleName:  roleName,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func toRole(r *domain.Role) Role {
	caps := r.Capabilities
	if caps == nil {
		caps = capability.NewSet()
	}
	return Role{ID: r.ID, Name: r.Name, Capabilities: caps, CreatedAt: r.CreatedAt}
}

// listMembers loads memberships and roles concurrently and joins role names onto the members.
func (h *Handler) listMembers(w http.ResponseWriter, r *http.Request) {
	v := verdict(w, r)
	if v == nil {
		return
	}
	var (
		memberships []*domain.Membership
		roles       []*domain.Role
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() (err error) {
		memberships, err = h.repo.ListMembershipsByOrg(ctx, v.OrganizationID)
		return err
	})
	g.Go(func() (err error) {
		roles, err = h.repo.ListRolesByOrg(ctx, v.OrganizationID)
		return err
	})
	if err := g.Wait(); err != nil {
		internalError(w, "list members", err)
		return
	}
	names := make(map[string]string, len(roles))
	for _, role := range roles {
		names[role.ID] = role.Name
	}
	out := memberList{Members: make([]Member, 0, len(memberships))}
	for _, m := range memberships {
		out.Members = append(out.Members, toMember(m, names[m.RoleID]))
	}
	httpjson.Write(w, http.StatusOK, out)
}

func (h *Handler) invite(w http.ResponseWriter, r *http.Request) {
	v := verdict(w, r)
	if v == nil {
		return
	}
	var req inviteRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		httpjson.Error(w, http.StatusBadRequest, "userId is required")
		return
	}
	// Choosing a role at invitation time is a role assignment.
	if req.RoleID != "" && !v.Has(capability.AssignRoles) {
		rbac.WriteError(w, rbac.ErrInsufficientCapability)
		return
	}
	if req.RoleID != "" {
		role, ok := h.roleInOrg(w, r, req.RoleID, v.OrganizationID)
		if !ok {
			return
		}
		if !grantable(v, role.Capabilities) {
			rbac.WriteError(w, rbac.ErrInsufficientCapability)
			return
		}
	}
	existing, err := h.repo.GetMembershipByUserAndOrg(r.Context(), userID, v.OrganizationID)
	if err != nil {
		internalError(w, "get membership", err)
		return
	}
	var m *domain.Membership
	switch {
	case existing == nil:
		now := h.now()
		m = &domain.Membership{
			ID:        uuid.New().String(),
			UserID:    userID,
			OrgID:     v.OrganizationID,
			Status:    domain.StatusPending,
			RoleID:    req.RoleID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := h.repo.CreateMembership(r.Context(), m); err != nil {
			internalError(w, "create membership", err)
			return
		}
	case existing.Status == domain.StatusActive, existing.Status == domain.StatusPending, existing.Status == domain.StatusSuspended:
		httpjson.Error(w, http.StatusConflict, "user already has a membership")
		return
	default:
		// Users who left, were removed or were rejected may be invited again.
		if m, err = h.repo.UpdateStatus(r.Context(), userID, v.OrganizationID, domain.StatusPending); err != nil {
			internalError(w, "reinvite membership", err)
			return
		}
		if req.RoleID != "" {
			if m, err = h.repo.UpdateRole(r.Context(), userID, v.OrganizationID, req.RoleID); err != nil {
				internalError(w, "assign role", err)
				return
			}
		}
	}
	h.audit(r, v, ActionInvite, auditdomain.ResourceMembership, map[string]string{"userId": userID, "roleId": req.RoleID})
	httpjson.Write(w, http.StatusCreated, toMember(m, ""))
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	v := verdict(w, r)
	if v == nil {
		return
	}
	target := mux.Vars(r)["userId"]
	m, ok := h.target(w, r, target, v.OrganizationID)
	if !ok {
		return
	}
	if m.Status != domain.StatusPending {
		httpjson.Error(w, http.StatusConflict, "membership is not pending")
		return
	}
	updated, err := h.repo.UpdateStatus(r.Context(), target, v.OrganizationID, domain.StatusActive)
	if !h.updated(w, "approve membership", err) {
		return
	}
	h.audit(r, v, ActionApprove, auditdomain.ResourceMembership, map[string]string{"userId": target})
	httpjson.Write(w, http.StatusOK, toMember(updated, ""))
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	v := verdict(w, r)
	if v == nil {
		return
	}
	target := mux.Vars(r)["userId"]
	org, err := h.orgs.GetOrganizationByID(r.Context(), v.OrganizationID)
	if err != nil {
		internalError(w, "get organization", err)
		return
	}
	if org == nil {
		rbac.WriteError(w, rbac.ErrNotFound)
		return
	}
	if org.IsHead(target) {
		httpjson.Error(w, http.StatusConflict, "the organization head cannot be removed")
		return
	}
	m, ok := h.target(w, r, target, v.OrganizationID)
	if !ok {
		return
	}
	if m.Status == domain.StatusRemoved {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	_, err = h.repo.UpdateStatus(r.Context(), target, v.OrganizationID, domain.StatusRemoved)
	if !h.updated(w, "remove membership", err) {
		return
	}
	h.audit(r, v, ActionRemove, auditdomain.ResourceMembership, map[string]string{"userId": target, "previousStatus": string(m.Status)})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	v := verdict(w, r)
	if v == nil {
		return
	}
	var req assignRoleRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	roleID := strings.TrimSpace(req.RoleID)
	target := mux.Vars(r)["userId"]
	if !v.IsHead && target == v.UserID {
		rbac.WriteError(w, rbac.ErrInsufficientCapability)
		return
	}
	m, ok := h.target(w, r, target, v.OrganizationID)
	if !ok {
		return
	}
	// Members may neither demote someone above them nor promote beyond themselves.
	if m.Role != nil && !grantable(v, m.Role.Capabilities) {
		rbac.WriteError(w, rbac.ErrInsufficientCapability)
		return
	}
	if roleID != "" {
		role, ok := h.roleInOrg(w, r, roleID, v.OrganizationID)
		if !ok {
			return
		}
		if !grantable(v, role.Capabilities) {
			rbac.WriteError(w, rbac.ErrInsufficientCapability)
			return
		}
	}
	updated, err := h.repo.UpdateRole(r.Context(), target, v.OrganizationID, roleID)
	if !h.updated(w, "assign role", err) {
		return
	}
	h.audit(r, v, ActionAssignRole, auditdomain.ResourceMembership, map[string]string{"userId": target, "roleId": roleID})
	var name string
	if updated.Role != nil {
		name = updated.Role.Name
	}
	httpjson.Write(w, http.StatusOK, toMember(updated, name))
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	v := verdict(w, r)
	if v == nil {
		return
	}
	roles, err := h.repo.ListRolesByOrg(r.Context(), v.OrganizationID)
	if err != nil {
		internalError(w, "list roles", err)
		return
	}
	out := roleList{Roles: make([]Role, 0, len(roles))}
	for _, role := range roles {
		out.Roles = append(out.Roles, toRole(role))
	}
	httpjson.Write(w, http.StatusOK, out)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	v := verdict(w, r)
	if v == nil {
		return
	}
	var req createRoleRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caps, err := capability.ParseList(req.Capabilities)
	if err != nil {
		httpjson.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if !grantable(v, caps) {
		rbac.WriteError(w, rbac.ErrInsufficientCapability)
		return
	}
	role := &domain.Role{
		ID:           uuid.New().String(),
		OrgID:        v.OrganizationID,
		Name:         strings.TrimSpace(req.Name),
		Capabilities: caps,
		CreatedAt:    h.now(),
	}
	if err := role.Validate(); err != nil {
		httpjson.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.repo.CreateRole(r.Context(), role); err != nil {
		internalError(w, "create role", err)
		return
	}
	h.audit(r, v, ActionCreateRole, auditdomain.ResourceRole, map[string]string{"roleId": role.ID, "name": role.Name})
	httpjson.Write(w, http.StatusCreated, toRole(role))
}

// target loads the membership of the user named in the path. A missing membership is answered with 404.
func (h *Handler) target(w http.ResponseWriter, r *http.Request, userID, orgID string) (*domain.Membership, bool) {
	m, err := h.repo.GetMembershipByUserAndOrg(r.Context(), userID, orgID)
	if err != nil {
		internalError(w, "get membership", err)
		return nil, false
	}
	if m == nil {
		httpjson.Error(w, http.StatusNotFound, "membership not found")
		return nil, false
	}
	return m, true
}

func (h *Handler) roleInOrg(w http.ResponseWriter, r *http.Request, roleID, orgID string) (*domain.Role, bool) {
	role, err := h.repo.GetRoleByID(r.Context(), roleID)
	if err != nil {
		internalError(w, "get role", err)
		return nil, false
	}
	if role == nil || role.OrgID != orgID {
		httpjson.Error(w, http.StatusBadRequest, "role not found in this organization")
		return nil, false
	}
	return role, true
}

// grantable reports whether the caller may hand out caps. The head may grant anything; a member
// only what they already hold.
func grantable(v *rbac.Verdict, caps capability.Set) bool {
	return v.IsHead || v.Capabilities.HasAll(caps.Sorted()...)
}

func (h *Handler) updated(w http.ResponseWriter, op string, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, repository.ErrNotFound):
		httpjson.Error(w, http.StatusNotFound, "membership not found")
	default:
		internalError(w, op, err)
	}
	return false
}

func (h *Handler) audit(r *http.Request, v *rbac.Verdict, action, resource string, metadata map[string]string) {
	if h.auditLogger == nil {
		return
	}
	var meta string
	if b, err := json.Marshal(metadata); err == nil {
		meta = string(b)
	}
	h.auditLogger.LogEvent(r.Context(), v.OrganizationID, v.UserID, action, resource, meta)
}

func verdict(w http.ResponseWriter, r *http.Request) *rbac.Verdict {
	v, ok := rbac.VerdictFromContext(r.Context())
	if !ok {
		rbac.WriteError(w, rbac.ErrEvaluationFailed)
		return nil
	}
	return v
}

func internalError(w http.ResponseWriter, op string, err error) {
	log.Printf("membership: %s: %v", op, err)
	httpjson.Error(w, http.StatusInternalServerError, "internal error")
}
