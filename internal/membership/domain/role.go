package domain

import (
	"errors"
	"time"

	"civic-platform/backend/internal/capability"
)

// Role is an organization-scoped bundle of capabilities.
type Role struct {
	ID           string
	OrgID        string
	Name         string
	Capabilities capability.Set
	CreatedAt    time.Time
}

// Validate validates the role for persistence. Every capability must belong to the catalog.
func (r *Role) Validate() error {
	if r.OrgID == "" {
		return errors.New("org is required")
	}
	if r.Name == "" {
		return errors.New("name is required")
	}
	for c := range r.Capabilities {
		if !capability.Valid(c) {
			return capability.ErrUnknownCapability
		}
	}
	return nil
}
