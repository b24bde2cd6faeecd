package repository

import (
	"context"

	"civic-platform/backend/internal/membership/domain"
)

// Repository defines persistence for memberships and the roles they reference.
type Repository interface {
	GetMembershipByID(ctx context.Context, id string) (*domain.Membership, error)
	GetMembershipByUserAndOrg(ctx context.Context, userID, orgID string) (*domain.Membership, error)
	ListMembershipsByOrg(ctx context.Context, orgID string) ([]*domain.Membership, error)
	CreateMembership(ctx context.Context, m *domain.Membership) error
	UpdateStatus(ctx context.Context, userID, orgID string, status domain.Status) (*domain.Membership, error)
	UpdateRole(ctx context.Context, userID, orgID, roleID string) (*domain.Membership, error)

	GetRoleByID(ctx context.Context, id string) (*domain.Role, error)
	ListRolesByOrg(ctx context.Context, orgID string) ([]*domain.Role, error)
	CreateRole(ctx context.Context, r *domain.Role) error
}
