package rbac

import (
	"context"
	"errors"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"civic-platform/backend/internal/capability"
	"civic-platform/backend/internal/membership/domain"
	orgdomain "civic-platform/backend/internal/organization/domain"
)

func newTestEvaluator(orgs *fakeOrgStore, members *fakeMemberStore, opts ...Option) *Evaluator {
	return NewEvaluator(orgs, members, opts...)
}

func TestEvaluate_ScenarioAtLeastOneOf(t *testing.T) {
	orgs, members := newScenario()
	e := newTestEvaluator(orgs, members)

	v, err := e.Evaluate(context.Background(), userU2, orgO, capability.InviteMembers, capability.RemoveMembers)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v.IsHead {
		t.Error("member verdict must not be head")
	}
	if got := v.Capabilities.Strings(); len(got) != 1 || got[0] != string(capability.InviteMembers) {
		t.Errorf("capabilities = %v, want [INVITE_MEMBERS]", got)
	}
	if v.Membership == nil || v.Membership.ID != "m-u2" || v.Membership.RoleID != "role-inviter" {
		t.Errorf("membership summary = %+v", v.Membership)
	}
}

func TestEvaluate_ScenarioInsufficientCapability(t *testing.T) {
	orgs, members := newScenario()
	e := newTestEvaluator(orgs, members)

	_, err := e.Evaluate(context.Background(), userU2, orgO, capability.RemoveMembers)
	if !errors.Is(err, ErrInsufficientCapability) {
		t.Fatalf("err = %v, want ErrInsufficientCapability", err)
	}
	var ae *Error
	if !errors.As(err, &ae) {
		t.Fatalf("err is %T, want *Error", err)
	}
	if got := ae.Required.Strings(); len(got) != 1 || got[0] != string(capability.RemoveMembers) {
		t.Errorf("required = %v, want [REMOVE_MEMBERS]", got)
	}
	if got := ae.Actual.Strings(); len(got) != 1 || got[0] != string(capability.InviteMembers) {
		t.Errorf("actual = %v, want [INVITE_MEMBERS]", got)
	}
	if err.Error() != "Insufficient permissions" {
		t.Errorf("Error() = %q, must stay coarse", err.Error())
	}
	if strings.Contains(err.Error(), "INVITE") || strings.Contains(err.Error(), "REMOVE") {
		t.Error("caller-visible message leaks capability names")
	}
	if !strings.Contains(ae.Detail(), "REMOVE_MEMBERS") || !strings.Contains(ae.Detail(), "INVITE_MEMBERS") {
		t.Errorf("Detail() = %q, want required and actual sets", ae.Detail())
	}
	if ae.OrganizationID != orgO || ae.UserID != userU2 {
		t.Errorf("error context = (%q, %q)", ae.OrganizationID, ae.UserID)
	}
}

func TestEvaluate_InactiveOrganizationBlocksEveryone(t *testing.T) {
	for _, status := range []orgdomain.OrgStatus{orgdomain.OrgStatusSuspended, orgdomain.OrgStatusDissolved} {
		t.Run(string(status), func(t *testing.T) {
			orgs, members := newScenario()
			orgs.orgs[orgO].Status = status
			e := newTestEvaluator(orgs, members)
			ctx := context.Background()

			if _, err := e.Evaluate(ctx, userU1, orgO); !errors.Is(err, ErrResourceInactive) {
				t.Errorf("head Evaluate: err = %v, want ErrResourceInactive", err)
			}
			if _, err := e.EvaluateHead(ctx, userU1, orgO); !errors.Is(err, ErrResourceInactive) {
				t.Errorf("head EvaluateHead: err = %v, want ErrResourceInactive", err)
			}
			if _, err := e.EvaluateMembership(ctx, userU1, orgO, false); !errors.Is(err, ErrResourceInactive) {
				t.Errorf("head EvaluateMembership: err = %v, want ErrResourceInactive", err)
			}
			if _, err := e.Evaluate(ctx, userU2, orgO, capability.InviteMembers); !errors.Is(err, ErrResourceInactive) {
				t.Errorf("member Evaluate: err = %v, want ErrResourceInactive", err)
			}
			if members.calls != 0 {
				t.Errorf("membership store called %d times for an inactive organization", members.calls)
			}
		})
	}
}

func TestEvaluate_HeadGetsFullCatalogWithoutMembership(t *testing.T) {
	orgs, members := newScenario()
	e := newTestEvaluator(orgs, members)

	v, err := e.Evaluate(context.Background(), userU1, orgO, capability.ManageRoles)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !v.IsHead {
		t.Error("IsHead = false, want true")
	}
	if v.Capabilities.Len() != len(capability.Catalog()) {
		t.Errorf("capabilities = %v, want the full catalog", v.Capabilities.Strings())
	}
	for _, c := range capability.Catalog() {
		if !v.Capabilities.Has(c) {
			t.Errorf("head verdict missing %s", c)
		}
	}
	if v.Membership != nil {
		t.Errorf("head verdict membership = %+v, want nil", v.Membership)
	}
	if members.calls != 0 {
		t.Errorf("membership store called %d times for the head", members.calls)
	}
}

func TestEvaluate_NonMember(t *testing.T) {
	orgs, members := newScenario()
	e := newTestEvaluator(orgs, members)
	ctx := context.Background()

	if _, err := e.Evaluate(ctx, userU3, orgO, capability.ViewAnalytics); !errors.Is(err, ErrNotMember) {
		t.Errorf("Evaluate: err = %v, want ErrNotMember", err)
	}
	if _, err := e.EvaluateHead(ctx, userU3, orgO); !errors.Is(err, ErrNotHead) {
		t.Errorf("EvaluateHead: err = %v, want ErrNotHead", err)
	}
	if _, err := e.EvaluateMembership(ctx, userU3, orgO, false); !errors.Is(err, ErrNotMember) {
		t.Errorf("EvaluateMembership: err = %v, want ErrNotMember", err)
	}
}

func TestEvaluate_MembershipStatus(t *testing.T) {
	nonActive := []domain.Status{
		domain.StatusPending,
		domain.StatusSuspended,
		domain.StatusRejected,
		domain.StatusLeft,
		domain.StatusRemoved,
	}
	for _, status := range nonActive {
		t.Run(string(status), func(t *testing.T) {
			orgs, members := newScenario()
			members.memberships[members.key(userU2, orgO)].Status = status
			e := newTestEvaluator(orgs, members)
			ctx := context.Background()

			if _, err := e.Evaluate(ctx, userU2, orgO, capability.InviteMembers); !errors.Is(err, ErrMembershipNotActive) {
				t.Errorf("Evaluate: err = %v, want ErrMembershipNotActive", err)
			}
			if _, err := e.EvaluateMembership(ctx, userU2, orgO, true); !errors.Is(err, ErrMembershipNotActive) {
				t.Errorf("EvaluateMembership(true): err = %v, want ErrMembershipNotActive", err)
			}
			v, err := e.EvaluateMembership(ctx, userU2, orgO, false)
			if err != nil {
				t.Fatalf("EvaluateMembership(false): %v", err)
			}
			if v.IsHead {
				t.Error("non-active member must not be elevated to head")
			}
			if got := v.Capabilities.Strings(); len(got) != 1 || got[0] != string(capability.InviteMembers) {
				t.Errorf("capabilities = %v, want the role's own [INVITE_MEMBERS]", got)
			}
			if v.Membership == nil || v.Membership.Status != status {
				t.Errorf("membership summary = %+v, want status %q", v.Membership, status)
			}
		})
	}
}

func TestEvaluate_IntersectionProperty(t *testing.T) {
	catalog := capability.Catalog()
	// Every pair of role and required sets drawn from small slices of the catalog.
	subsets := [][]capability.Capability{
		nil,
		{catalog[0]},
		{catalog[1]},
		{catalog[0], catalog[1]},
		{catalog[2], catalog[3], catalog[4]},
		catalog,
	}
	for ri, role := range subsets {
		for qi, required := range subsets {
			if len(required) == 0 {
				continue
			}
			orgs, members := newScenario()
			m := members.memberships[members.key(userU2, orgO)]
			m.Role.Capabilities = capability.NewSet(role...)
			e := newTestEvaluator(orgs, members)

			R := capability.NewSet(role...)
			Q := capability.NewSet(required...)
			want := !R.Intersect(Q).IsEmpty()

			v, err := e.Evaluate(context.Background(), userU2, orgO, required...)
			if want {
				if err != nil {
					t.Errorf("role %d required %d: err = %v, want allow", ri, qi, err)
					continue
				}
				if v.Capabilities.Len() != R.Len() {
					t.Errorf("role %d required %d: verdict capabilities = %v, want %v", ri, qi, v.Capabilities.Strings(), R.Strings())
				}
				continue
			}
			var ae *Error
			if !errors.As(err, &ae) || ae.Kind != KindInsufficientCapability {
				t.Errorf("role %d required %d: err = %v, want insufficient capability", ri, qi, err)
				continue
			}
			if strings.Join(ae.Required.Strings(), ",") != strings.Join(Q.Strings(), ",") {
				t.Errorf("role %d required %d: required = %v, want %v", ri, qi, ae.Required.Strings(), Q.Strings())
			}
			if strings.Join(ae.Actual.Strings(), ",") != strings.Join(R.Strings(), ",") {
				t.Errorf("role %d required %d: actual = %v, want %v", ri, qi, ae.Actual.Strings(), R.Strings())
			}
		}
	}
}

func TestEvaluate_NoRoleMeansNoCapabilities(t *testing.T) {
	orgs, members := newScenario()
	m := members.memberships[members.key(userU2, orgO)]
	m.Role = nil
	m.RoleID = ""
	e := newTestEvaluator(orgs, members)

	v, err := e.Evaluate(context.Background(), userU2, orgO)
	if err != nil {
		t.Fatalf("Evaluate with no required capabilities: %v", err)
	}
	if !v.Capabilities.IsEmpty() {
		t.Errorf("capabilities = %v, want empty", v.Capabilities.Strings())
	}
	if _, err := e.Evaluate(context.Background(), userU2, orgO, capability.InviteMembers); !errors.Is(err, ErrInsufficientCapability) {
		t.Errorf("err = %v, want ErrInsufficientCapability", err)
	}
}

func TestEvaluate_InputChecksPrecedeLookups(t *testing.T) {
	orgs, members := newScenario()
	e := newTestEvaluator(orgs, members)
	ctx := context.Background()

	if _, err := e.Evaluate(ctx, "", orgO); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("no user: err = %v, want ErrUnauthenticated", err)
	}
	if _, err := e.Evaluate(ctx, "", ""); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("no user and no org: err = %v, want ErrUnauthenticated", err)
	}
	if _, err := e.Evaluate(ctx, userU2, ""); !errors.Is(err, ErrMissingResource) {
		t.Errorf("no org: err = %v, want ErrMissingResource", err)
	}
	if orgs.calls != 0 || members.calls != 0 {
		t.Errorf("store calls = (%d, %d), want none", orgs.calls, members.calls)
	}
	if _, err := e.Evaluate(ctx, userU2, "org-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown org: err = %v, want ErrNotFound", err)
	}
}

func TestEvaluateHead(t *testing.T) {
	orgs, members := newScenario()
	// U2 holds every capability and still is not the head.
	members.memberships[members.key(userU2, orgO)].Role.Capabilities = capability.All()
	e := newTestEvaluator(orgs, members)
	ctx := context.Background()

	v, err := e.EvaluateHead(ctx, userU1, orgO)
	if err != nil {
		t.Fatalf("EvaluateHead(head): %v", err)
	}
	if !v.IsHead {
		t.Error("IsHead = false, want true")
	}
	if _, err := e.EvaluateHead(ctx, userU2, orgO); !errors.Is(err, ErrNotHead) {
		t.Errorf("EvaluateHead(all-capability member): err = %v, want ErrNotHead", err)
	}
	if members.calls != 0 {
		t.Errorf("membership store called %d times", members.calls)
	}
}

func TestEvaluate_StoreFailuresAreEvaluationFailed(t *testing.T) {
	boom := errors.New("connection reset")
	testCases := []struct {
		name  string
		setup func(*fakeOrgStore, *fakeMemberStore)
	}{
		{"organization error", func(o *fakeOrgStore, _ *fakeMemberStore) { o.err = boom }},
		{"organization panic", func(o *fakeOrgStore, _ *fakeMemberStore) { o.panic = "nil map" }},
		{"membership error", func(_ *fakeOrgStore, m *fakeMemberStore) { m.err = boom }},
		{"membership panic", func(_ *fakeOrgStore, m *fakeMemberStore) { m.panic = boom }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			orgs, members := newScenario()
			tc.setup(orgs, members)
			logger := &recordingLogger{}
			e := newTestEvaluator(orgs, members, WithDecisionLogger(logger))

			v, err := e.Evaluate(context.Background(), userU2, orgO, capability.InviteMembers)
			if v != nil {
				t.Errorf("verdict = %+v, want nil", v)
			}
			if !errors.Is(err, ErrEvaluationFailed) {
				t.Fatalf("err = %v, want ErrEvaluationFailed", err)
			}
			if errors.Is(err, ErrInsufficientCapability) || errors.Is(err, ErrNotMember) {
				t.Error("evaluation failure must be distinct from a denial")
			}
			if KindOf(err).HTTPStatus() != 500 {
				t.Errorf("HTTP status = %d, want 500", KindOf(err).HTTPStatus())
			}
			d := logger.last()
			if d.Level != LevelError || d.Outcome != "evaluation_failed" {
				t.Errorf("decision = (%v, %q), want (error, evaluation_failed)", d.Level, d.Outcome)
			}
		})
	}
}

func TestEvaluate_DecisionRecords(t *testing.T) {
	orgs, members := newScenario()
	logger := &recordingLogger{}
	e := newTestEvaluator(orgs, members, WithDecisionLogger(logger))
	ctx := context.Background()

	testCases := []struct {
		name        string
		run         func() error
		wantEvent   string
		wantOutcome string
		wantLevel   Level
		wantHead    bool
	}{
		{
			name:        "member allowed",
			run:         func() error { _, err := e.Evaluate(ctx, userU2, orgO, capability.InviteMembers); return err },
			wantEvent:   EventEvaluate,
			wantOutcome: OutcomeAllowed,
			wantLevel:   LevelInfo,
		},
		{
			name:        "head allowed",
			run:         func() error { _, err := e.EvaluateHead(ctx, userU1, orgO); return err },
			wantEvent:   EventHead,
			wantOutcome: OutcomeAllowed,
			wantLevel:   LevelInfo,
			wantHead:    true,
		},
		{
			name:        "unauthenticated",
			run:         func() error { _, err := e.EvaluateMembership(ctx, "", orgO, true); return err },
			wantEvent:   EventMembership,
			wantOutcome: "unauthenticated",
			wantLevel:   LevelWarn,
		},
		{
			name:        "missing resource",
			run:         func() error { _, err := e.Evaluate(ctx, userU2, ""); return err },
			wantEvent:   EventEvaluate,
			wantOutcome: "missing_resource",
			wantLevel:   LevelWarn,
		},
		{
			name:        "not member",
			run:         func() error { _, err := e.Evaluate(ctx, userU3, orgO); return err },
			wantEvent:   EventEvaluate,
			wantOutcome: "not_member",
			wantLevel:   LevelInfo,
		},
		{
			name:        "insufficient",
			run:         func() error { _, err := e.Evaluate(ctx, userU2, orgO, capability.ManageRoles); return err },
			wantEvent:   EventEvaluate,
			wantOutcome: "insufficient_capability",
			wantLevel:   LevelInfo,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_ = tc.run()
			d := logger.last()
			if d.Event != tc.wantEvent {
				t.Errorf("event = %q, want %q", d.Event, tc.wantEvent)
			}
			if d.Outcome != tc.wantOutcome {
				t.Errorf("outcome = %q, want %q", d.Outcome, tc.wantOutcome)
			}
			if d.Level != tc.wantLevel {
				t.Errorf("level = %v, want %v", d.Level, tc.wantLevel)
			}
			if d.IsHead != tc.wantHead {
				t.Errorf("isHead = %v, want %v", d.IsHead, tc.wantHead)
			}
			if d.OrganizationID != orgO && tc.wantOutcome != "missing_resource" {
				t.Errorf("organization = %q, want %q", d.OrganizationID, orgO)
			}
			if (d.Outcome == OutcomeAllowed) != (d.Err == nil) {
				t.Errorf("err = %v inconsistent with outcome %q", d.Err, d.Outcome)
			}
		})
	}
	if len(logger.decisions) != len(testCases) {
		t.Errorf("decisions logged = %d, want one per evaluation (%d)", len(logger.decisions), len(testCases))
	}
}

func TestEvaluate_DecisionCarriesCapabilityContext(t *testing.T) {
	orgs, members := newScenario()
	logger := &recordingLogger{}
	e := newTestEvaluator(orgs, members, WithDecisionLogger(logger))

	_, _ = e.Evaluate(context.Background(), userU2, orgO, capability.RemoveMembers, capability.ManageRoles)
	d := logger.last()
	if got := strings.Join(d.Required.Strings(), ","); got != "MANAGE_ROLES,REMOVE_MEMBERS" {
		t.Errorf("required = %q", got)
	}
	if got := strings.Join(d.Actual.Strings(), ","); got != "INVITE_MEMBERS" {
		t.Errorf("actual = %q", got)
	}
}

func TestEvaluate_DecisionDoesNotShareVerdictCapabilities(t *testing.T) {
	orgs, members := newScenario()
	logger := &recordingLogger{}
	e := newTestEvaluator(orgs, members, WithDecisionLogger(logger))
	ctx := context.Background()

	testCases := []struct {
		name string
		eval func() (*Verdict, error)
	}{
		{"evaluate", func() (*Verdict, error) { return e.Evaluate(ctx, userU2, orgO) }},
		{"membership", func() (*Verdict, error) { return e.EvaluateMembership(ctx, userU2, orgO, true) }},
		{"head", func() (*Verdict, error) { return e.Evaluate(ctx, userU1, orgO) }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := tc.eval()
			if err != nil {
				t.Fatalf("%s: %v", tc.name, err)
			}
			want := len(logger.last().Actual)
			delete(v.Capabilities, capability.InviteMembers)
			v.Capabilities[capability.Capability("EXTRA")] = struct{}{}
			if got := len(logger.last().Actual); got != want {
				t.Errorf("decision capabilities changed with the verdict: %d, want %d", got, want)
			}
			if logger.last().Actual.Has(capability.Capability("EXTRA")) {
				t.Error("decision shares the verdict's capability set")
			}
		})
	}
}

func TestEvaluate_VerdictsAreIndependent(t *testing.T) {
	orgs, members := newScenario()
	e := newTestEvaluator(orgs, members)
	ctx := context.Background()

	v1, err := e.Evaluate(ctx, userU2, orgO)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	v1.Capabilities[capability.ManageRoles] = struct{}{}

	// A role change is visible to the next evaluation.
	members.memberships[members.key(userU2, orgO)].Role.Capabilities = capability.NewSet(capability.ViewAnalytics)
	v2, err := e.Evaluate(ctx, userU2, orgO)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v2.Has(capability.ManageRoles) || v2.Has(capability.InviteMembers) {
		t.Errorf("second verdict = %v, want only VIEW_ANALYTICS", v2.Capabilities.Strings())
	}
	if !v2.Has(capability.ViewAnalytics) {
		t.Error("second verdict should reflect the updated role")
	}
}

func TestEvaluate_Telemetry(t *testing.T) {
	orgs, members := newScenario()
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	e := newTestEvaluator(orgs, members, WithTracerProvider(tp), WithMeterProvider(mp))
	ctx := context.Background()

	_, _ = e.Evaluate(ctx, userU2, orgO, capability.InviteMembers)
	_, _ = e.Evaluate(ctx, userU3, orgO)
	_, _ = e.EvaluateHead(ctx, userU2, orgO)

	ended := spans.Ended()
	if len(ended) != 3 {
		t.Fatalf("spans = %d, want 3", len(ended))
	}
	if ended[2].Name() != EventHead {
		t.Errorf("span name = %q, want %q", ended[2].Name(), EventHead)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "orgauthz.decisions" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("data = %T, want Sum[int64]", m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 3 {
		t.Errorf("decisions counted = %d, want 3", total)
	}
}

func TestHasCapability_PerformsNoLookup(t *testing.T) {
	orgs, members := newScenario()
	e := newTestEvaluator(orgs, members)
	ctx := context.Background()

	member, err := e.Evaluate(ctx, userU2, orgO)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	head, err := e.Evaluate(ctx, userU1, orgO)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	orgCalls, memberCalls := orgs.calls, members.calls

	ctx = WithVerdict(ctx, member)
	for i := 0; i < 100; i++ {
		for _, c := range capability.Catalog() {
			HasCapability(member, c)
			HasCapability(head, c)
			ContextHasCapability(ctx, c)
		}
	}
	if orgs.calls != orgCalls || members.calls != memberCalls {
		t.Errorf("store calls changed from (%d, %d) to (%d, %d)", orgCalls, memberCalls, orgs.calls, members.calls)
	}
}
