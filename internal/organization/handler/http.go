// Package handler serves the organization routes of the HTTP API. Authorization happens in the gate
// middleware each route is mounted behind; handlers read the resulting verdict from the request context.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"civic-platform/backend/internal/audit"
	auditdomain "civic-platform/backend/internal/audit/domain"
	"civic-platform/backend/internal/capability"
	membershipdomain "civic-platform/backend/internal/membership/domain"
	"civic-platform/backend/internal/organization/domain"
	"civic-platform/backend/internal/organization/repository"
	"civic-platform/backend/internal/platform/httpjson"
	"civic-platform/backend/internal/platform/rbac"
)

// Audit actions written by this package.
const (
	ActionRename   = "organization.rename"
	ActionTransfer = "organization.transfer"
	ActionDissolve = "organization.dissolve"
)

// MembershipGetter is the membership lookup needed to validate a head transfer.
type MembershipGetter interface {
	GetMembershipByUserAndOrg(ctx context.Context, userID, orgID string) (*membershipdomain.Membership, error)
}

// Handler serves /v1/organizations/{organizationId} and its organization-level actions.
type Handler struct {
	orgs        repository.Repository
	members     MembershipGetter
	gate        *rbac.Gate
	auditLogger audit.AuditLogger
}

// NewHandler returns an organization Handler. auditLogger may be nil.
func NewHandler(orgs repository.Repository, members MembershipGetter, gate *rbac.Gate, auditLogger audit.AuditLogger) *Handler {
	return &Handler{orgs: orgs, members: members, gate: gate, auditLogger: auditLogger}
}

// AddHandlers mounts the organization routes on r.
func (h *Handler) AddHandlers(r *mux.Router) {
	const base = "/v1/organizations/{organizationId}"
	r.Handle(base, h.gate.RequireMembership(true)(http.HandlerFunc(h.get))).Methods(http.MethodGet)
	r.Handle(base, h.gate.RequireCapability(capability.ManageOrgSettings)(http.HandlerFunc(h.rename))).Methods(http.MethodPatch)
	r.Handle(base+"/transfer", h.gate.RequireHead()(http.HandlerFunc(h.transfer))).Methods(http.MethodPost)
	r.Handle(base+"/dissolve", h.gate.RequireHead()(http.HandlerFunc(h.dissolve))).Methods(http.MethodPost)
	// Pending invitees may read what they will be able to do once approved. The handler turns
	// away every other inactive status.
	r.Handle(base+"/permissions", h.gate.RequireMembership(false)(http.HandlerFunc(h.permissions))).Methods(http.MethodGet)
}

// Organization is the JSON representation of an organization.
type Organization struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	HeadUserID string    `json:"headUserId"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func toOrganization(o *domain.Org) Organization {
	return Organization{
		ID:         o.ID,
		Name:       o.Name,
		Status:     string(o.Status),
		HeadUserID: o.HeadUserID,
		CreatedAt:  o.CreatedAt,
		UpdatedAt:  o.UpdatedAt,
	}
}

type renameRequest struct {
	OrganizationID string `json:"organizationId,omitempty"`
	Name           string `json:"name"`
}

type transferRequest struct {
	OrganizationID string `json:"organizationId,omitempty"`
	NewHeadUserID  string `json:"newHeadUserId"`
}

// Permissions is the body of the permissions route.
type Permissions struct {
	OrganizationID string         `json:"organizationId"`
	IsHead         bool           `json:"isHead"`
	Capabilities   capability.Set `json:"capabilities"`
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	org, ok := h.load(w, r)
	if !ok {
		return
	}
	httpjson.Write(w, http.StatusOK, toOrganization(org))
}

func (h *Handler) rename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		httpjson.Error(w, http.StatusBadRequest, "name is required")
		return
	}
	org, ok := h.load(w, r)
	if !ok {
		return
	}
	previous := org.Name
	org.Name = name
	if !h.save(w, r, org) {
		return
	}
	h.audit(r, org.ID, ActionRename, map[string]string{"from": previous, "to": name})
	httpjson.Write(w, http.StatusOK, toOrganization(org))
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	newHead := strings.TrimSpace(req.NewHeadUserID)
	if newHead == "" {
		httpjson.Error(w, http.StatusBadRequest, "newHeadUserId is required")
		return
	}
	org, ok := h.load(w, r)
	if !ok {
		return
	}
	if org.IsHead(newHead) {
		httpjson.Error(w, http.StatusBadRequest, "user is already the organization head")
		return
	}
	m, err := h.members.GetMembershipByUserAndOrg(r.Context(), newHead, org.ID)
	if err != nil {
		internalError(w, "get membership", err)
		return
	}
	if !m.IsActive() {
		httpjson.Error(w, http.StatusUnprocessableEntity, "new head must be an active member")
		return
	}
	previous := org.HeadUserID
	org.HeadUserID = newHead
	if !h.save(w, r, org) {
		return
	}
	h.audit(r, org.ID, ActionTransfer, map[string]string{"from": previous, "to": newHead})
	httpjson.Write(w, http.StatusOK, toOrganization(org))
}

func (h *Handler) dissolve(w http.ResponseWriter, r *http.Request) {
	org, ok := h.load(w, r)
	if !ok {
		return
	}
	org.Status = domain.OrgStatusDissolved
	if !h.save(w, r, org) {
		return
	}
	h.audit(r, org.ID, ActionDissolve, nil)
	httpjson.Write(w, http.StatusOK, toOrganization(org))
}

func (h *Handler) permissions(w http.ResponseWriter, r *http.Request) {
	v, ok := rbac.VerdictFromContext(r.Context())
	if !ok {
		rbac.WriteError(w, rbac.ErrEvaluationFailed)
		return
	}
	if !v.IsHead && (v.Membership == nil || !permissionsVisible(v.Membership.Status)) {
		rbac.WriteError(w, rbac.ErrMembershipNotActive)
		return
	}
	caps := v.Capabilities
	if caps == nil {
		caps = capability.NewSet()
	}
	httpjson.Write(w, http.StatusOK, Permissions{
		OrganizationID: v.OrganizationID,
		IsHead:         v.IsHead,
		Capabilities:   caps,
	})
}

func permissionsVisible(s membershipdomain.Status) bool {
	return s == membershipdomain.StatusActive || s == membershipdomain.StatusPending
}

// load fetches the organization named by the request's verdict. The gate already confirmed it exists and
// is active, so a miss here means it changed in between.
func (h *Handler) load(w http.ResponseWriter, r *http.Request) (*domain.Org, bool) {
	v, ok := rbac.VerdictFromContext(r.Context())
	if !ok {
		rbac.WriteError(w, rbac.ErrEvaluationFailed)
		return nil, false
	}
	org, err := h.orgs.GetOrganizationByID(r.Context(), v.OrganizationID)
	if err != nil {
		internalError(w, "get organization", err)
		return nil, false
	}
	if org == nil {
		rbac.WriteError(w, rbac.ErrNotFound)
		return nil, false
	}
	return org, true
}

func (h *Handler) save(w http.ResponseWriter, r *http.Request, org *domain.Org) bool {
	if err := org.Validate(); err != nil {
		httpjson.Error(w, http.StatusBadRequest, err.Error())
		return false
	}
	org.UpdatedAt = time.Now().UTC()
	if err := h.orgs.UpdateOrganization(r.Context(), org); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			rbac.WriteError(w, rbac.ErrNotFound)
			return false
		}
		internalError(w, "update organization", err)
		return false
	}
	return true
}

func (h *Handler) audit(r *http.Request, orgID, action string, metadata map[string]string) {
	if h.auditLogger == nil {
		return
	}
	v, _ := rbac.VerdictFromContext(r.Context())
	var userID string
	if v != nil {
		userID = v.UserID
	}
	var meta string
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err == nil {
			meta = string(b)
		}
	}
	h.auditLogger.LogEvent(r.Context(), orgID, userID, action, auditdomain.ResourceOrganization, meta)
}

func internalError(w http.ResponseWriter, op string, err error) {
	log.Printf("organization: %s: %v", op, err)
	httpjson.Error(w, http.StatusInternalServerError, "internal error")
}
