package rbac

import (
	"context"

	"civic-platform/backend/internal/capability"
	"civic-platform/backend/internal/membership/domain"
)

// Verdict is the outcome of a successful authorization evaluation. It lives for one request
// and is never cached: organization and role state may change between requests.
type Verdict struct {
	OrganizationID string             `json:"organizationId"`
	UserID         string             `json:"userId"`
	IsHead         bool               `json:"isHead"`
	Membership     *MembershipSummary `json:"membership,omitempty"`
	Capabilities   capability.Set     `json:"capabilities"`
}

// MembershipSummary is the part of a membership a verdict exposes to handlers.
type MembershipSummary struct {
	ID     string        `json:"id"`
	RoleID string        `json:"roleId,omitempty"`
	Status domain.Status `json:"status"`
}

// HasCapability reports whether the verdict grants c. Heads hold every capability. It performs
// no I/O and a nil verdict grants nothing.
func HasCapability(v *Verdict, c capability.Capability) bool {
	if v == nil {
		return false
	}
	if v.IsHead {
		return true
	}
	return v.Capabilities.Has(c)
}

// Has is the method form of HasCapability.
func (v *Verdict) Has(c capability.Capability) bool {
	return HasCapability(v, c)
}

type verdictKey struct{}

// WithVerdict returns a context carrying v for downstream handlers.
func WithVerdict(ctx context.Context, v *Verdict) context.Context {
	return context.WithValue(ctx, verdictKey{}, v)
}

// VerdictFromContext returns the verdict attached by a gate and true if set; otherwise nil, false.
func VerdictFromContext(ctx context.Context) (*Verdict, bool) {
	v, ok := ctx.Value(verdictKey{}).(*Verdict)
	return v, ok && v != nil
}

// ContextHasCapability queries the verdict attached to ctx. A context without a verdict grants nothing.
func ContextHasCapability(ctx context.Context, c capability.Capability) bool {
	v, _ := VerdictFromContext(ctx)
	return HasCapability(v, c)
}
