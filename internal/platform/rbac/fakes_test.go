package rbac

import (
	"context"
	"sync"

	"civic-platform/backend/internal/capability"
	"civic-platform/backend/internal/membership/domain"
	orgdomain "civic-platform/backend/internal/organization/domain"
)

type fakeOrgStore struct {
	mu    sync.Mutex
	orgs  map[string]*orgdomain.Org
	err   error
	panic any
	calls int
}

func (s *fakeOrgStore) GetOrganizationByID(_ context.Context, id string) (*orgdomain.Org, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.panic != nil {
		panic(s.panic)
	}
	if s.err != nil {
		return nil, s.err
	}
	o, ok := s.orgs[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

type fakeMemberStore struct {
	mu          sync.Mutex
	memberships map[string]*domain.Membership
	err         error
	panic       any
	calls       int
}

func (s *fakeMemberStore) key(userID, orgID string) string {
	return userID + ":" + orgID
}

func (s *fakeMemberStore) GetMembershipByUserAndOrg(_ context.Context, userID, orgID string) (*domain.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.panic != nil {
		panic(s.panic)
	}
	if s.err != nil {
		return nil, s.err
	}
	m, ok := s.memberships[s.key(userID, orgID)]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *fakeMemberStore) add(m *domain.Membership) {
	if s.memberships == nil {
		s.memberships = map[string]*domain.Membership{}
	}
	s.memberships[s.key(m.UserID, m.OrgID)] = m
}

type recordingLogger struct {
	mu        sync.Mutex
	decisions []Decision
}

func (l *recordingLogger) LogDecision(_ context.Context, d Decision) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.decisions = append(l.decisions, d)
}

func (l *recordingLogger) last() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.decisions) == 0 {
		return Decision{}
	}
	return l.decisions[len(l.decisions)-1]
}

const (
	orgO   = "org-o"
	userU1 = "u1"
	userU2 = "u2"
	userU3 = "u3"
)

// newScenario builds organization O headed by U1 with U2 an active member whose role grants INVITE_MEMBERS.
func newScenario() (*fakeOrgStore, *fakeMemberStore) {
	orgs := &fakeOrgStore{orgs: map[string]*orgdomain.Org{
		orgO: {ID: orgO, Name: "Riverside Tenants", Status: orgdomain.OrgStatusActive, HeadUserID: userU1},
	}}
	members := &fakeMemberStore{}
	members.add(&domain.Membership{
		ID:     "m-u2",
		UserID: userU2,
		OrgID:  orgO,
		Status: domain.StatusActive,
		RoleID: "role-inviter",
		Role: &domain.Role{
			ID:           "role-inviter",
			OrgID:        orgO,
			Name:         "Inviter",
			Capabilities: capability.NewSet(capability.InviteMembers),
		},
	})
	return orgs, members
}
