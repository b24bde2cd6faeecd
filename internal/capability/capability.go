// Package capability defines the closed catalog of organization capabilities and a set type
// used to grant and check them.
package capability

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCapability is returned when a name is not part of the catalog.
var ErrUnknownCapability = errors.New("unknown capability")

// Capability is a named permission on an organization.
type Capability string

const (
	InviteMembers     Capability = "INVITE_MEMBERS"
	RemoveMembers     Capability = "REMOVE_MEMBERS"
	ApproveMembers    Capability = "APPROVE_MEMBERS"
	AssignRoles       Capability = "ASSIGN_ROLES"
	ManageRoles       Capability = "MANAGE_ROLES"
	ManageOrgSettings Capability = "MANAGE_ORG_SETTINGS"
	PostAsOrg         Capability = "POST_AS_ORG"
	ModerateContent   Capability = "MODERATE_CONTENT"
	ManageEvents      Capability = "MANAGE_EVENTS"
	ViewAnalytics     Capability = "VIEW_ANALYTICS"
)

// catalog is the complete, ordered list of capabilities. It must not be modified at runtime.
var catalog = []Capability{
	InviteMembers,
	RemoveMembers,
	ApproveMembers,
	AssignRoles,
	ManageRoles,
	ManageOrgSettings,
	PostAsOrg,
	ModerateContent,
	ManageEvents,
	ViewAnalytics,
}

var known = func() map[Capability]struct{} {
	m := make(map[Capability]struct{}, len(catalog))
	for _, c := range catalog {
		m[c] = struct{}{}
	}
	return m
}()

// Catalog returns a copy of the ordered capability catalog.
func Catalog() []Capability {
	out := make([]Capability, len(catalog))
	copy(out, catalog)
	return out
}

// All returns a new set holding every capability in the catalog.
func All() Set {
	return NewSet(catalog...)
}

// Valid reports whether c is part of the catalog.
func Valid(c Capability) bool {
	_, ok := known[c]
	return ok
}

// Parse returns the capability named s. Surrounding whitespace is ignored; matching is exact otherwise.
func Parse(s string) (Capability, error) {
	c := Capability(strings.TrimSpace(s))
	if !Valid(c) {
		return "", fmt.Errorf("%w: %q", ErrUnknownCapability, s)
	}
	return c, nil
}

// ParseList parses every name and returns them as a set. The first unknown name aborts parsing.
func ParseList(names []string) (Set, error) {
	s := make(Set, len(names))
	for _, n := range names {
		c, err := Parse(n)
		if err != nil {
			return nil, err
		}
		s[c] = struct{}{}
	}
	return s, nil
}

func (c Capability) String() string { return string(c) }
