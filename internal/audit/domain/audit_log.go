package domain

import "time"

// Resource names recorded on audit entries.
const (
	ResourceOrganization = "organization"
	ResourceMembership   = "membership"
	ResourceRole         = "role"
)

// AuditLog represents an audit event: an authorization refusal or a change to an organization's
// membership or roles.
type AuditLog struct {
	ID       string
	OrgID    string
	UserID   string
	Action   string
	Resource string
	IP       string
	// Metadata is a JSON document; empty when the event has none.
	Metadata  string
	CreatedAt time.Time
}
