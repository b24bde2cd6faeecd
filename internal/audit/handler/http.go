// Package handler serves an organization's audit trail to its head.
package handler

import (
	"encoding/json"
	"errors"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"civic-platform/backend/internal/audit/domain"
	"civic-platform/backend/internal/audit/repository"
	"civic-platform/backend/internal/platform/httpjson"
	"civic-platform/backend/internal/platform/rbac"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// Handler serves /v1/organizations/{organizationId}/audit-logs.
type Handler struct {
	repo repository.Repository
	gate *rbac.Gate
}

// NewHandler returns an audit log Handler.
func NewHandler(repo repository.Repository, gate *rbac.Gate) *Handler {
	return &Handler{repo: repo, gate: gate}
}

// AddHandlers mounts the audit routes on r. Only the head may read the trail.
func (h *Handler) AddHandlers(r *mux.Router) {
	const base = "/v1/organizations/{organizationId}/audit-logs"
	r.Handle(base, h.gate.RequireHead()(http.HandlerFunc(h.list))).Methods(http.MethodGet)
	r.Handle(base+"/{auditId}", h.gate.RequireHead()(http.HandlerFunc(h.get))).Methods(http.MethodGet)
}

// Entry is the JSON representation of an audit log entry.
type Entry struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId,omitempty"`
	Action    string          `json:"action"`
	Resource  string          `json:"resource"`
	IP        string          `json:"ip"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type entryList struct {
	Entries    []Entry `json:"entries"`
	NextOffset int32   `json:"nextOffset,omitempty"`
}

func toEntry(a *domain.AuditLog) Entry {
	e := Entry{
		ID:        a.ID,
		UserID:    a.UserID,
		Action:    a.Action,
		Resource:  a.Resource,
		IP:        a.IP,
		CreatedAt: a.CreatedAt,
	}
	if a.Metadata != "" && json.Valid([]byte(a.Metadata)) {
		e.Metadata = json.RawMessage(a.Metadata)
	}
	return e
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	v, ok := rbac.VerdictFromContext(r.Context())
	if !ok {
		rbac.WriteError(w, rbac.ErrEvaluationFailed)
		return
	}
	limit, offset, err := pagination(r)
	if err != nil {
		httpjson.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	logs, err := h.repo.ListByOrg(r.Context(), v.OrganizationID, limit, offset)
	if err != nil {
		log.Printf("audit: list: %v", err)
		httpjson.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := entryList{Entries: make([]Entry, 0, len(logs))}
	for _, a := range logs {
		out.Entries = append(out.Entries, toEntry(a))
	}
	// No next page is advertised past the largest offset the store accepts.
	if next := int64(offset) + int64(limit); int32(len(logs)) == limit && next <= math.MaxInt32 {
		out.NextOffset = int32(next)
	}
	httpjson.Write(w, http.StatusOK, out)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	v, ok := rbac.VerdictFromContext(r.Context())
	if !ok {
		rbac.WriteError(w, rbac.ErrEvaluationFailed)
		return
	}
	a, err := h.repo.GetByID(r.Context(), mux.Vars(r)["auditId"])
	if err != nil {
		log.Printf("audit: get: %v", err)
		httpjson.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	// Entries of other organizations are reported as missing.
	if a == nil || a.OrgID != v.OrganizationID {
		httpjson.Error(w, http.StatusNotFound, "audit log not found")
		return
	}
	httpjson.Write(w, http.StatusOK, toEntry(a))
}

var (
	errBadLimit  = errors.New("limit must be a positive integer")
	errBadOffset = errors.New("offset must be a non-negative integer")
)

func pagination(r *http.Request) (limit, offset int32, err error) {
	limit = defaultPageSize
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		n, perr := strconv.ParseInt(s, 10, 32)
		if perr != nil || n <= 0 {
			return 0, 0, errBadLimit
		}
		limit = int32(min(n, maxPageSize))
	}
	if s := q.Get("offset"); s != "" {
		n, perr := strconv.ParseInt(s, 10, 32)
		if perr != nil || n < 0 {
			return 0, 0, errBadOffset
		}
		offset = int32(n)
	}
	return limit, offset, nil
}
