package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"civic-platform/backend/internal/capability"
	membershipdomain "civic-platform/backend/internal/membership/domain"
	"civic-platform/backend/internal/organization/domain"
	"civic-platform/backend/internal/platform/httpjson"
	"civic-platform/backend/internal/platform/rbac"
)

const (
	orgID  = "org-1"
	headID = "user-head"
	userID = "user-2"
)

type stubAuthorizer struct {
	verdict *rbac.Verdict
	err     error
	calls   []string
}

func (s *stubAuthorizer) Evaluate(_ context.Context, _, _ string, required ...capability.Capability) (*rbac.Verdict, error) {
	s.calls = append(s.calls, "capability:"+strings.Join(capability.NewSet(required...).Strings(), ","))
	return s.verdict, s.err
}

func (s *stubAuthorizer) EvaluateMembership(_ context.Context, _, _ string, requireActive bool) (*rbac.Verdict, error) {
	if requireActive {
		s.calls = append(s.calls, "membership:active")
	} else {
		s.calls = append(s.calls, "membership:any")
	}
	return s.verdict, s.err
}

func (s *stubAuthorizer) EvaluateHead(context.Context, string, string) (*rbac.Verdict, error) {
	s.calls = append(s.calls, "head")
	return s.verdict, s.err
}

type mockOrgRepo struct {
	org       *domain.Org
	getErr    error
	updateErr error
	updated   *domain.Org
}

func (m *mockOrgRepo) GetOrganizationByID(_ context.Context, id string) (*domain.Org, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	if m.org == nil || m.org.ID != id {
		return nil, nil
	}
	cp := *m.org
	return &cp, nil
}

func (m *mockOrgRepo) CreateOrganization(context.Context, *domain.Org) error { return nil }

func (m *mockOrgRepo) UpdateOrganization(_ context.Context, o *domain.Org) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	cp := *o
	m.updated = &cp
	return nil
}

type mockMembers struct {
	byUser map[string]*membershipdomain.Membership
	err    error
}

func (m *mockMembers) GetMembershipByUserAndOrg(_ context.Context, userID, _ string) (*membershipdomain.Membership, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.byUser[userID], nil
}

type auditEntry struct {
	orgID, userID, action, resource, metadata string
}

type recordingAudit struct {
	entries []auditEntry
}

func (a *recordingAudit) LogEvent(_ context.Context, orgID, userID, action, resource, metadata string) {
	a.entries = append(a.entries, auditEntry{orgID, userID, action, resource, metadata})
}

type fixture struct {
	authz   *stubAuthorizer
	orgs    *mockOrgRepo
	members *mockMembers
	audit   *recordingAudit
	router  *mux.Router
}

func newFixture(v *rbac.Verdict) *fixture {
	f := &fixture{
		authz: &stubAuthorizer{verdict: v},
		orgs: &mockOrgRepo{org: &domain.Org{
			ID: orgID, Name: "Ward 5 Residents", Status: domain.OrgStatusActive, HeadUserID: headID,
			CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		}},
		members: &mockMembers{byUser: map[string]*membershipdomain.Membership{
			userID:    {ID: "m-2", UserID: userID, OrgID: orgID, Status: membershipdomain.StatusActive},
			"pending": {ID: "m-3", UserID: "pending", OrgID: orgID, Status: membershipdomain.StatusPending},
		}},
		audit:  &recordingAudit{},
		router: mux.NewRouter(),
	}
	NewHandler(f.orgs, f.members, rbac.NewGate(f.authz, 0), f.audit).AddHandlers(f.router)
	return f
}

func headVerdict() *rbac.Verdict {
	return &rbac.Verdict{OrganizationID: orgID, UserID: headID, IsHead: true, Capabilities: capability.All()}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestRoutes_UseExpectedGate(t *testing.T) {
	testCases := []struct {
		method, path, body string
		want               string
	}{
		{http.MethodGet, "/v1/organizations/org-1", "", "membership:active"},
		{http.MethodPatch, "/v1/organizations/org-1", `{"name":"x"}`, "capability:MANAGE_ORG_SETTINGS"},
		{http.MethodPost, "/v1/organizations/org-1/transfer", `{"newHeadUserId":"user-2"}`, "head"},
		{http.MethodPost, "/v1/organizations/org-1/dissolve", "", "head"},
		{http.MethodGet, "/v1/organizations/org-1/permissions", "", "membership:any"},
	}
	for _, tc := range testCases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			f := newFixture(headVerdict())
			f.do(tc.method, tc.path, tc.body)
			if len(f.authz.calls) != 1 || f.authz.calls[0] != tc.want {
				t.Errorf("gate calls = %v, want [%s]", f.authz.calls, tc.want)
			}
		})
	}
}

func TestGateRefusal_StopsHandler(t *testing.T) {
	f := newFixture(nil)
	f.authz.err = rbac.ErrNotHead
	rec := f.do(http.MethodPost, "/v1/organizations/org-1/dissolve", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var body httpjson.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error != rbac.KindNotHead.Message() {
		t.Errorf("error = %q", body.Error)
	}
	if f.orgs.updated != nil {
		t.Error("organization was updated despite refusal")
	}
	if len(f.audit.entries) != 0 {
		t.Errorf("audit entries = %v, want none", f.audit.entries)
	}
}

func TestGet(t *testing.T) {
	f := newFixture(&rbac.Verdict{OrganizationID: orgID, UserID: userID})
	rec := f.do(http.MethodGet, "/v1/organizations/org-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var got Organization
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.ID != orgID || got.Name != "Ward 5 Residents" || got.HeadUserID != headID || got.Status != "active" {
		t.Errorf("got %+v", got)
	}
}

func TestGet_StoreError(t *testing.T) {
	f := newFixture(headVerdict())
	f.orgs.getErr = errors.New("connection reset")
	rec := f.do(http.MethodGet, "/v1/organizations/org-1", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "connection reset") {
		t.Error("store error leaked to the caller")
	}
}

func TestRename(t *testing.T) {
	testCases := []struct {
		name       string
		body       string
		wantStatus int
		wantName   string
	}{
		{"renames", `{"name":"  Ward 5 Tenants  "}`, http.StatusOK, "Ward 5 Tenants"},
		{"org id in body", `{"organizationId":"org-1","name":"Tenants"}`, http.StatusOK, "Tenants"},
		{"blank name", `{"name":"   "}`, http.StatusBadRequest, ""},
		{"unknown field", `{"title":"x"}`, http.StatusBadRequest, ""},
		{"not json", `nope`, http.StatusBadRequest, ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(headVerdict())
			rec := f.do(http.MethodPatch, "/v1/organizations/org-1", tc.body)
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.wantStatus, rec.Body)
			}
			if tc.wantName == "" {
				if f.orgs.updated != nil {
					t.Error("organization updated on bad request")
				}
				return
			}
			if f.orgs.updated == nil || f.orgs.updated.Name != tc.wantName {
				t.Fatalf("updated = %+v, want name %q", f.orgs.updated, tc.wantName)
			}
			if len(f.audit.entries) != 1 {
				t.Fatalf("audit entries = %d, want 1", len(f.audit.entries))
			}
			e := f.audit.entries[0]
			if e.action != ActionRename || e.resource != "organization" || e.orgID != orgID || e.userID != headID {
				t.Errorf("audit entry = %+v", e)
			}
			if !strings.Contains(e.metadata, `"from":"Ward 5 Residents"`) {
				t.Errorf("metadata = %s", e.metadata)
			}
		})
	}
}

func TestRename_UpdateErrors(t *testing.T) {
	f := newFixture(headVerdict())
	f.orgs.updateErr = errors.New("disk full")
	if rec := f.do(http.MethodPatch, "/v1/organizations/org-1", `{"name":"x"}`); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if len(f.audit.entries) != 0 {
		t.Error("failed update was audited")
	}
}

func TestTransfer(t *testing.T) {
	testCases := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"active member", `{"newHeadUserId":"user-2"}`, http.StatusOK},
		{"pending member", `{"newHeadUserId":"pending"}`, http.StatusUnprocessableEntity},
		{"not a member", `{"newHeadUserId":"stranger"}`, http.StatusUnprocessableEntity},
		{"already head", `{"newHeadUserId":"user-head"}`, http.StatusBadRequest},
		{"missing user", `{}`, http.StatusBadRequest},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(headVerdict())
			rec := f.do(http.MethodPost, "/v1/organizations/org-1/transfer", tc.body)
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.wantStatus, rec.Body)
			}
			if tc.wantStatus != http.StatusOK {
				if f.orgs.updated != nil {
					t.Error("organization updated on refused transfer")
				}
				return
			}
			if f.orgs.updated.HeadUserID != userID {
				t.Errorf("HeadUserID = %q, want %q", f.orgs.updated.HeadUserID, userID)
			}
			if len(f.audit.entries) != 1 || f.audit.entries[0].action != ActionTransfer {
				t.Errorf("audit entries = %+v", f.audit.entries)
			}
		})
	}
}

func TestTransfer_MembershipLookupFails(t *testing.T) {
	f := newFixture(headVerdict())
	f.members.err = errors.New("timeout")
	if rec := f.do(http.MethodPost, "/v1/organizations/org-1/transfer", `{"newHeadUserId":"user-2"}`); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestDissolve(t *testing.T) {
	f := newFixture(headVerdict())
	rec := f.do(http.MethodPost, "/v1/organizations/org-1/dissolve", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if f.orgs.updated == nil || f.orgs.updated.Status != domain.OrgStatusDissolved {
		t.Fatalf("updated = %+v, want dissolved", f.orgs.updated)
	}
	if len(f.audit.entries) != 1 || f.audit.entries[0].action != ActionDissolve {
		t.Errorf("audit entries = %+v", f.audit.entries)
	}
}

func TestPermissions(t *testing.T) {
	testCases := []struct {
		name     string
		verdict  *rbac.Verdict
		wantHead bool
		wantCaps []string
	}{
		{
			name:     "head",
			verdict:  headVerdict(),
			wantHead: true,
			wantCaps: capability.All().Strings(),
		},
		{
			name: "pending invitee",
			verdict: &rbac.Verdict{
				OrganizationID: orgID,
				UserID:         "pending",
				Membership:     &rbac.MembershipSummary{ID: "m-3", Status: membershipdomain.StatusPending},
				Capabilities:   capability.NewSet(capability.PostAsOrg),
			},
			wantCaps: []string{"POST_AS_ORG"},
		},
		{
			name:     "no role",
			verdict:  &rbac.Verdict{OrganizationID: orgID, UserID: userID, Membership: &rbac.MembershipSummary{ID: "m-1", Status: membershipdomain.StatusActive}},
			wantCaps: []string{},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(tc.verdict)
			rec := f.do(http.MethodGet, "/v1/organizations/org-1/permissions", "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			var got struct {
				OrganizationID string   `json:"organizationId"`
				IsHead         bool     `json:"isHead"`
				Capabilities   []string `json:"capabilities"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			if got.OrganizationID != orgID || got.IsHead != tc.wantHead {
				t.Errorf("got %+v", got)
			}
			if strings.Join(got.Capabilities, ",") != strings.Join(tc.wantCaps, ",") {
				t.Errorf("capabilities = %v, want %v", got.Capabilities, tc.wantCaps)
			}
		})
	}
}

func TestPermissions_RefusesFormerMembers(t *testing.T) {
	testCases := []struct {
		name       string
		membership *rbac.MembershipSummary
	}{
		{"left", &rbac.MembershipSummary{ID: "m-5", Status: membershipdomain.StatusLeft}},
		{"removed", &rbac.MembershipSummary{ID: "m-5", Status: membershipdomain.StatusRemoved}},
		{"rejected", &rbac.MembershipSummary{ID: "m-5", Status: membershipdomain.StatusRejected}},
		{"suspended", &rbac.MembershipSummary{ID: "m-5", Status: membershipdomain.StatusSuspended}},
		{"no membership", nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(&rbac.Verdict{
				OrganizationID: orgID,
				UserID:         "former",
				Membership:     tc.membership,
				Capabilities:   capability.NewSet(capability.PostAsOrg),
			})
			rec := f.do(http.MethodGet, "/v1/organizations/org-1/permissions", "")
			if rec.Code != http.StatusForbidden {
				t.Fatalf("status = %d, want 403", rec.Code)
			}
			if strings.Contains(rec.Body.String(), "POST_AS_ORG") {
				t.Error("refused response leaks capabilities")
			}
		})
	}
}
