package domain

import (
	"time"

	"civic-platform/backend/internal/capability"
)

// Membership links a user to an organization with a lifecycle status and an optional role.
type Membership struct {
	ID     string
	UserID string
	OrgID  string
	Status Status
	// RoleID is empty when no role is assigned.
	RoleID string
	// Role is the role referenced by RoleID as read together with the membership row; nil when unassigned.
	Role      *Role
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRejected  Status = "rejected"
	StatusLeft      Status = "left"
	StatusRemoved   Status = "removed"
)

// Valid reports whether s is a known membership status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusSuspended, StatusRejected, StatusLeft, StatusRemoved:
		return true
	}
	return false
}

// IsActive reports whether the membership is in the active status.
func (m *Membership) IsActive() bool {
	return m != nil && m.Status == StatusActive
}

// Capabilities returns the capabilities granted by the membership's role, or an empty set if no role is assigned.
func (m *Membership) Capabilities() capability.Set {
	if m == nil || m.Role == nil {
		return capability.NewSet()
	}
	return m.Role.Capabilities.Clone()
}
