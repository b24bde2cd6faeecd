package rbac

import (
	"encoding/json"
	"net/url"
	"strings"
)

// Location is where an organization ID may be supplied on a request.
type Location int

const (
	LocationPath Location = iota
	LocationQuery
	LocationBody
)

// Source names one place to look for an organization ID.
type Source struct {
	Location Location
	Key      string
}

// OrganizationIDSources is the fixed lookup order used by ResolveOrganizationID. The first non-empty value wins.
var OrganizationIDSources = []Source{
	{LocationPath, "organizationId"},
	{LocationPath, "orgId"},
	{LocationPath, "id"},
	{LocationQuery, "organizationId"},
	{LocationBody, "organizationId"},
}

// RequestSource holds the request inputs an organization ID may be read from.
type RequestSource struct {
	PathParams map[string]string
	Query      url.Values
	// Body is the decoded JSON object body, or nil when the request had none.
	Body map[string]any
}

// ResolveOrganizationID returns the first non-empty organization ID found in OrganizationIDSources order.
// The caller must treat a false result as a client error rather than fall back to a default.
func ResolveOrganizationID(src RequestSource) (string, bool) {
	for _, s := range OrganizationIDSources {
		if v := src.lookup(s); v != "" {
			return v, true
		}
	}
	return "", false
}

func (src RequestSource) lookup(s Source) string {
	switch s.Location {
	case LocationPath:
		return strings.TrimSpace(src.PathParams[s.Key])
	case LocationQuery:
		return strings.TrimSpace(src.Query.Get(s.Key))
	case LocationBody:
		return bodyString(src.Body[s.Key])
	}
	return ""
}

// bodyString accepts JSON strings and numbers; other JSON types are not organization IDs.
func bodyString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	}
	return ""
}
