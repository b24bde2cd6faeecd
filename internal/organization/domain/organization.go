package domain

import (
	"errors"
	"time"
)

// Org represents a civic organization. Its head holds implicit authority over it.
type Org struct {
	ID         string
	Name       string
	Status     OrgStatus
	HeadUserID string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type OrgStatus string

const (
	OrgStatusActive    OrgStatus = "active"
	OrgStatusSuspended OrgStatus = "suspended"
	OrgStatusDissolved OrgStatus = "dissolved"
)

// IsActive reports whether the organization may authorize any action.
func (o *Org) IsActive() bool {
	return o != nil && o.Status == OrgStatusActive
}

// IsHead reports whether userID is the organization's head. An empty userID is never the head.
func (o *Org) IsHead(userID string) bool {
	return o != nil && userID != "" && o.HeadUserID == userID
}

// Validate validates the organization for persistence. Returns an error describing the first validation failure.
func (o *Org) Validate() error {
	if o.Name == "" {
		return errors.New("name is required")
	}
	if o.HeadUserID == "" {
		return errors.New("head user is required")
	}
	if o.Status == "" {
		o.Status = OrgStatusActive
	}
	switch o.Status {
	case OrgStatusActive, OrgStatusSuspended, OrgStatusDissolved:
	default:
		return errors.New("invalid status")
	}
	return nil
}
