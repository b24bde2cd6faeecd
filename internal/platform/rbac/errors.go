package rbac

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"civic-platform/backend/internal/capability"
)

// Kind classifies an authorization failure. Every kind is terminal and fails closed.
type Kind int

const (
	KindUnauthenticated Kind = iota + 1
	KindMissingResource
	KindNotFound
	KindResourceInactive
	KindNotMember
	KindMembershipNotActive
	KindInsufficientCapability
	KindNotHead
	// KindEvaluationFailed means the decision could not be made (store failure). It is never a deny or an allow.
	KindEvaluationFailed
)

var kindNames = map[Kind]string{
	KindUnauthenticated:        "unauthenticated",
	KindMissingResource:        "missing_resource",
	KindNotFound:               "not_found",
	KindResourceInactive:       "resource_inactive",
	KindNotMember:              "not_member",
	KindMembershipNotActive:    "membership_not_active",
	KindInsufficientCapability: "insufficient_capability",
	KindNotHead:                "not_head",
	KindEvaluationFailed:       "evaluation_failed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Message is the coarse, caller-visible message for the kind. It never names roles or capabilities.
func (k Kind) Message() string {
	switch k {
	case KindUnauthenticated:
		return "Authentication required"
	case KindMissingResource:
		return "Organization ID is required"
	case KindNotFound:
		return "Organization not found"
	case KindResourceInactive:
		return "Organization is not active"
	case KindNotMember:
		return "Not a member of this organization"
	case KindMembershipNotActive:
		return "Membership is not active"
	case KindInsufficientCapability:
		return "Insufficient permissions"
	case KindNotHead:
		return "Only the organization head can perform this action"
	default:
		return "Failed to verify permissions"
	}
}

// HTTPStatus maps the kind to an HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindMissingResource:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindResourceInactive, KindNotMember, KindMembershipNotActive, KindInsufficientCapability, KindNotHead:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Code maps the kind to a gRPC status code.
func (k Kind) Code() codes.Code {
	switch k {
	case KindUnauthenticated:
		return codes.Unauthenticated
	case KindMissingResource:
		return codes.InvalidArgument
	case KindNotFound:
		return codes.NotFound
	case KindResourceInactive, KindNotMember, KindMembershipNotActive, KindInsufficientCapability, KindNotHead:
		return codes.PermissionDenied
	default:
		return codes.Internal
	}
}

// Error is an authorization failure. Error() returns only the coarse message; Detail() carries
// the audit view including required and actual capabilities.
type Error struct {
	Kind           Kind
	OrganizationID string
	UserID         string
	// Required and Actual are set for KindInsufficientCapability.
	Required capability.Set
	Actual   capability.Set
	// Err is the underlying cause for KindEvaluationFailed.
	Err error
}

// Sentinels for use with errors.Is; they match any *Error of the same kind.
var (
	ErrUnauthenticated        = &Error{Kind: KindUnauthenticated}
	ErrMissingResource        = &Error{Kind: KindMissingResource}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrResourceInactive       = &Error{Kind: KindResourceInactive}
	ErrNotMember              = &Error{Kind: KindNotMember}
	ErrMembershipNotActive    = &Error{Kind: KindMembershipNotActive}
	ErrInsufficientCapability = &Error{Kind: KindInsufficientCapability}
	ErrNotHead                = &Error{Kind: KindNotHead}
	ErrEvaluationFailed       = &Error{Kind: KindEvaluationFailed}
)

func (e *Error) Error() string { return e.Kind.Message() }

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// GRPCStatus lets gRPC handlers return an *Error directly.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Kind.Code(), e.Kind.Message())
}

// Detail renders the failure for audit logs. It must not be shown to the caller.
func (e *Error) Detail() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: org=%q user=%q", e.Kind, e.OrganizationID, e.UserID)
	if e.Kind == KindInsufficientCapability {
		fmt.Fprintf(&b, " required=%v actual=%v", e.Required.Strings(), e.Actual.Strings())
	}
	if e.Err != nil {
		fmt.Fprintf(&b, " cause=%v", e.Err)
	}
	return b.String()
}

// KindOf returns the kind of err, or 0 if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
