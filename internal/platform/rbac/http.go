package rbac

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"mime"
	"net/http"

	"github.com/gorilla/mux"

	"civic-platform/backend/internal/capability"
	"civic-platform/backend/internal/platform/httpjson"
	"civic-platform/backend/internal/server/interceptors"
)

// DefaultMaxBodyBytes bounds how much of a request body the gate reads when looking for an organization ID.
const DefaultMaxBodyBytes = 1 << 20

// Authorizer is the evaluation surface used by transports. *Evaluator implements it.
type Authorizer interface {
	Evaluate(ctx context.Context, userID, orgID string, required ...capability.Capability) (*Verdict, error)
	EvaluateMembership(ctx context.Context, userID, orgID string, requireActive bool) (*Verdict, error)
	EvaluateHead(ctx context.Context, userID, orgID string) (*Verdict, error)
}

var _ Authorizer = (*Evaluator)(nil)

// Gate turns evaluations into HTTP middleware. A request that passes the gate carries its verdict in
// the request context (see VerdictFromContext); one that fails is answered with the coarse error message.
type Gate struct {
	authz        Authorizer
	maxBodyBytes int64
}

// NewGate returns a Gate. maxBodyBytes <= 0 selects DefaultMaxBodyBytes.
func NewGate(authz Authorizer, maxBodyBytes int64) *Gate {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &Gate{authz: authz, maxBodyBytes: maxBodyBytes}
}

type evalFunc func(ctx context.Context, userID, orgID string) (*Verdict, error)

// RequireCapability admits the head and active members holding at least one of caps.
func (g *Gate) RequireCapability(caps ...capability.Capability) mux.MiddlewareFunc {
	return g.middleware(func(ctx context.Context, userID, orgID string) (*Verdict, error) {
		return g.authz.Evaluate(ctx, userID, orgID, caps...)
	})
}

// RequireMembership admits the head and members; requireActive false also admits non-active members.
func (g *Gate) RequireMembership(requireActive bool) mux.MiddlewareFunc {
	return g.middleware(func(ctx context.Context, userID, orgID string) (*Verdict, error) {
		return g.authz.EvaluateMembership(ctx, userID, orgID, requireActive)
	})
}

// RequireHead admits only the organization's head.
func (g *Gate) RequireHead() mux.MiddlewareFunc {
	return g.middleware(g.authz.EvaluateHead)
}

func (g *Gate) middleware(eval evalFunc) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, _ := interceptors.GetUserID(r.Context())
			orgID := g.resolveOrganizationID(r)
			v, err := eval(r.Context(), userID, orgID)
			if err != nil {
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithVerdict(r.Context(), v)))
		})
	}
}

// resolveOrganizationID applies ResolveOrganizationID to the request. The body is only read when the
// path and query carry no ID, and it is always restored for the next handler.
func (g *Gate) resolveOrganizationID(r *http.Request) string {
	src := RequestSource{PathParams: mux.Vars(r), Query: r.URL.Query()}
	if id, ok := ResolveOrganizationID(src); ok {
		return id
	}
	src.Body = g.peekBody(r)
	id, _ := ResolveOrganizationID(src)
	return id
}

func (g *Gate) peekBody(r *http.Request) map[string]any {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "application/json" {
		return nil
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, g.maxBodyBytes+1))
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), Closer: r.Body}
	if err != nil || int64(len(buf)) > g.maxBodyBytes {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil
	}
	return body
}

type readCloser struct {
	io.Reader
	io.Closer
}

// WriteError answers an authorization failure. Only the coarse message reaches the caller; errors that
// are not *Error are reported as evaluation failures.
func WriteError(w http.ResponseWriter, err error) {
	var e *Error
	if !errors.As(err, &e) {
		log.Printf("rbac: unexpected authorization error: %v", err)
		e = &Error{Kind: KindEvaluationFailed, Err: err}
	}
	httpjson.Error(w, e.Kind.HTTPStatus(), e.Kind.Message())
}
